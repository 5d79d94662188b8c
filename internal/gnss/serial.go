package gnss

import (
	"bufio"
	"context"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/pose.report/internal/monitoring"
)

// Port is the line source abstraction shared by the real receiver and
// the mock used in dev mode and tests.
type Port interface {
	Lines() <-chan string
	Monitor(ctx context.Context) error
	Close() error
}

// ReceiverPort reads NMEA sentences from a serial GNSS receiver.
type ReceiverPort struct {
	serial.Port
	lines chan string
}

func NewReceiverPort(portName string, baudRate int) (*ReceiverPort, error) {
	if baudRate <= 0 {
		baudRate = 9600
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	return &ReceiverPort{port, make(chan string)}, nil
}

// Lines returns a channel of raw NMEA sentences read from the receiver.
func (p *ReceiverPort) Lines() <-chan string {
	return p.lines
}

// Close closes the serial port.
func (p *ReceiverPort) Close() error {
	return p.Port.Close()
}

// Monitor reads from the serial port and sends sentences to the lines
// channel until the context is cancelled or the port errors out.
func (p *ReceiverPort) Monitor(ctx context.Context) error {
	defer p.Close()
	scan := bufio.NewScanner(p.Port)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if !scan.Scan() {
				return scan.Err()
			}
			line := strings.TrimSpace(scan.Text())
			if line == "" {
				continue
			}

			select {
			case p.lines <- line:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// MockPort replays canned NMEA sentences for dev mode and tests.
type MockPort struct {
	sentences []string
	lines     chan string
}

func NewMockPort(sentences []string) *MockPort {
	return &MockPort{
		sentences: sentences,
		lines:     make(chan string),
	}
}

func (p *MockPort) Lines() <-chan string {
	return p.lines
}

func (p *MockPort) Close() error { return nil }

// Monitor sends each canned sentence once, then blocks until cancelled.
func (p *MockPort) Monitor(ctx context.Context) error {
	for _, line := range p.sentences {
		select {
		case p.lines <- line:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// FixHandler receives position fixes decoded from the NMEA stream.
type FixHandler func(Fix)

// Decode consumes sentences from the port's line channel, parses GGA
// sentences and hands fixes with a position solution to the handler.
// Other sentence types are skipped silently; malformed GGA sentences
// are logged and dropped.
func Decode(ctx context.Context, port Port, handler FixHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-port.Lines():
			if !ok {
				return
			}
			if !strings.Contains(line, "GGA") {
				continue
			}
			fix, err := ParseGGA(line)
			if err != nil {
				monitoring.Logf("Error parsing GGA sentence: %v", err)
				continue
			}
			if !fix.HasFix() {
				continue
			}
			handler(fix)
		}
	}
}
