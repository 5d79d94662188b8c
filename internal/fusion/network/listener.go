package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/monitoring"
)

// UDPListener receives sensor sample datagrams and feeds them to a
// SampleHandler. It manages the UDP socket, decoding and statistics.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	buffer      []byte
	stats       *PacketStats
	handler     SampleHandler

	mu   sync.Mutex
	conn *net.UDPConn
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       *PacketStats
	Handler     SampleHandler
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = NewPacketStats()
	}
	logInterval := config.LogInterval
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		buffer:      make([]byte, 2048), // sample packets are small JSON objects
		stats:       stats,
		handler:     config.Handler,
	}
}

// LocalAddr reports the bound address once Start has opened the socket.
// It is primarily for tests that listen on an ephemeral port.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start begins listening for UDP packets and processing them.
// Returns when the context is cancelled or an unrecoverable error occurs.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %v", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %v", err)
	}
	defer conn.Close()
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer to %d bytes: %v", l.rcvBuf, err)
		}
	}

	monitoring.Logf("Listening for sensor samples on %s", conn.LocalAddr())
	go l.startStatsLogging(ctx)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener shutting down")
			return ctx.Err()
		default:
			// A short read deadline lets the loop observe cancellation.
			if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
				monitoring.Logf("Error setting read deadline: %v", err)
				continue
			}

			n, _, err := conn.ReadFromUDP(l.buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				monitoring.Logf("Error reading UDP packet: %v", err)
				continue
			}

			if err := l.handlePacket(l.buffer[:n]); err != nil {
				monitoring.Logf("Error handling sample packet: %v", err)
			}
		}
	}
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// handlePacket decodes and dispatches a single received datagram.
func (l *UDPListener) handlePacket(payload []byte) error {
	l.stats.AddPacket(len(payload))

	pkt, err := ParseSamplePacket(payload)
	if err != nil {
		l.stats.AddParseFailure()
		return err
	}
	if l.handler == nil {
		return nil
	}
	return Dispatch(l.handler, pkt)
}
