package network

import (
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/monitoring"
)

// PacketStats tracks sample packet statistics with thread-safe operations.
type PacketStats struct {
	mu         sync.Mutex
	packets    int64
	bytes      int64
	parseFails int64
	lastReset  time.Time
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

// AddPacket increments packet count and byte count.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.bytes += int64(bytes)
}

// AddParseFailure increments the count of undecodable packets.
func (ps *PacketStats) AddParseFailure() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.parseFails++
}

// GetAndReset returns current stats and resets counters.
func (ps *PacketStats) GetAndReset() (packets, bytes, parseFails int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets = ps.packets
	bytes = ps.bytes
	parseFails = ps.parseFails

	ps.packets = 0
	ps.bytes = 0
	ps.parseFails = 0
	ps.lastReset = now
	return
}

// LogStats logs the current interval's statistics and resets counters.
func (ps *PacketStats) LogStats() {
	packets, bytes, parseFails, duration := ps.GetAndReset()
	if duration <= 0 {
		return
	}
	rate := float64(packets) / duration.Seconds()
	monitoring.Logf("Sample packets: %d (%d bytes, %.1f/s, %d parse failures) in %v",
		packets, bytes, rate, parseFails, duration.Round(time.Millisecond))
}
