package network

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/pose.report/internal/fusion"
	"gonum.org/v1/gonum/num/quat"
)

// Packet types accepted on the sample socket.
const (
	PacketTypeImu  = "imu"
	PacketTypePose = "pose"
	PacketTypeInit = "init"
)

// SamplePacket is the wire form of one sensor sample: a single JSON
// object per datagram. The delivery contract is that vectors are
// already expressed in the filter's body-frame (imu) or reference
// frame (pose/init) convention.
type SamplePacket struct {
	Type        string      `json:"type"`
	StampNanos  int64       `json:"stamp_ns"`
	Source      string      `json:"source,omitempty"`
	Gyro        *[3]float64 `json:"gyro,omitempty"`
	Accel       *[3]float64 `json:"accel,omitempty"`
	Position    *[3]float64 `json:"position,omitempty"`
	Orientation *[4]float64 `json:"orientation,omitempty"` // qx, qy, qz, qw
}

// Stamp converts the packet timestamp to a time.Time.
func (p *SamplePacket) Stamp() time.Time {
	return time.Unix(0, p.StampNanos).UTC()
}

// ParseSamplePacket decodes and validates one datagram payload.
func ParseSamplePacket(payload []byte) (*SamplePacket, error) {
	var pkt SamplePacket
	if err := json.Unmarshal(payload, &pkt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sample packet: %w", err)
	}
	switch pkt.Type {
	case PacketTypeImu:
		if pkt.Gyro == nil || pkt.Accel == nil {
			return nil, fmt.Errorf("imu packet missing gyro or accel")
		}
	case PacketTypePose:
		if pkt.Position == nil {
			return nil, fmt.Errorf("pose packet missing position")
		}
		if pkt.Source == "" {
			return nil, fmt.Errorf("pose packet missing source")
		}
	case PacketTypeInit:
		if pkt.Position == nil {
			return nil, fmt.Errorf("init packet missing position")
		}
	default:
		return nil, fmt.Errorf("unknown packet type %q", pkt.Type)
	}
	return &pkt, nil
}

// SampleHandler receives decoded samples. *fusion.Pipeline implements it.
type SampleHandler interface {
	HandleImu(fusion.ImuSample)
	HandlePosition(source string, stamp time.Time, position [3]float64) error
	HandleOdometry(source string, sample fusion.Pose) error
	HandleInitialPose(fusion.Pose)
}

// Dispatch routes one decoded packet to the handler. Pose packets that
// carry an orientation are treated as odometry-frame poses when the
// handler knows the source as relative; the handler reports routing
// errors (unknown source, wrong kind).
func Dispatch(h SampleHandler, pkt *SamplePacket) error {
	switch pkt.Type {
	case PacketTypeImu:
		h.HandleImu(fusion.ImuSample{
			Stamp:       pkt.Stamp(),
			AngularRate: *pkt.Gyro,
			LinearAccel: *pkt.Accel,
		})
		return nil
	case PacketTypePose:
		if pkt.Orientation != nil {
			err := h.HandleOdometry(pkt.Source, fusion.Pose{
				Stamp:       pkt.Stamp(),
				Position:    *pkt.Position,
				Orientation: packetQuaternion(pkt.Orientation),
			})
			if err == nil {
				return nil
			}
			// Fall through: an absolute source may legitimately attach
			// an orientation we ignore.
		}
		return h.HandlePosition(pkt.Source, pkt.Stamp(), *pkt.Position)
	case PacketTypeInit:
		h.HandleInitialPose(fusion.Pose{
			Stamp:       pkt.Stamp(),
			Position:    *pkt.Position,
			Orientation: initOrientation(pkt.Orientation),
		})
		return nil
	default:
		return fmt.Errorf("unknown packet type %q", pkt.Type)
	}
}

func packetQuaternion(q *[4]float64) quat.Number {
	return fusion.NormalizeQuaternion(quat.Number{
		Imag: q[0], Jmag: q[1], Kmag: q[2], Real: q[3],
	})
}

func initOrientation(q *[4]float64) quat.Number {
	if q == nil {
		return fusion.IdentityQuaternion()
	}
	return packetQuaternion(q)
}
