//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/pose.report/internal/monitoring"
)

// ReadPCAPFile replays captured sample datagrams from a PCAP file into
// the handler. Packets without an embedded timestamp use the capture
// timestamp instead, so a raw capture replays with its original timing
// information intact. Only available when building with the 'pcap' tag.
func ReadPCAPFile(ctx context.Context, pcapFile string, udpPort int, handler SampleHandler, stats *PacketStats) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	monitoring.Logf("PCAP BPF filter set: %s", filterStr)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("PCAP reader stopping (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				monitoring.Logf("PCAP replay complete: %d packets in %v", packetCount, time.Since(startTime))
				return nil
			}
			packetCount++

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}

			if stats != nil {
				stats.AddPacket(len(udp.Payload))
			}

			pkt, err := ParseSamplePacket(udp.Payload)
			if err != nil {
				if stats != nil {
					stats.AddParseFailure()
				}
				monitoring.Logf("Error parsing PCAP packet %d: %v", packetCount, err)
				continue
			}
			if pkt.StampNanos == 0 {
				pkt.StampNanos = packet.Metadata().Timestamp.UnixNano()
			}
			if err := Dispatch(handler, pkt); err != nil {
				monitoring.Logf("Error dispatching PCAP packet %d: %v", packetCount, err)
			}
		}
	}
}
