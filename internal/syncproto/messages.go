// Package syncproto is the wire contract between the pose bridge and the
// VR driver: the messages, their protowire encoding, the TrackerSync gRPC
// service, a client implementing Transport, and a fire-and-forget sender.
package syncproto

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/tracker"
)

var origin = time.Now()

// Now is the monotonic timestamp stamped on outgoing messages, in
// nanoseconds since process start.
func Now() int64 { return int64(time.Since(origin)) }

// Message is implemented by every type the pbwire codec carries.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire([]byte) error
}

// StateRequest asks the driver to spawn (if needed) and activate or
// deactivate the tracker for Role.
type StateRequest struct {
	Role      tracker.Role
	Active    bool
	WantReply bool
	Timestamp int64
}

// PoseRequest overwrites the stored pose of Role.
type PoseRequest struct {
	Role      tracker.Role
	Pose      spatial.Pose
	WantReply bool
	Timestamp int64
}

// RefreshRequest re-pushes the last pose of Role.
type RefreshRequest struct {
	Role      tracker.Role
	WantReply bool
	Timestamp int64
}

// StateReply is the per-entry result of a vector call.
type StateReply struct {
	Role      tracker.Role
	Success   bool
	Message   string
	Timestamp int64
}

// RestartRequest asks the VR runtime to restart.
type RestartRequest struct {
	Reason    string
	Timestamp int64
}

// StatusReply is a generic success flag with a message.
type StatusReply struct {
	Success bool
	Message string
}

// PingRequest carries the sender's timestamp.
type PingRequest struct {
	SentAt int64
}

// PingReply echoes SentAt and adds the receiver's timestamp.
type PingReply struct {
	SentAt     int64
	ReceivedAt int64
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 && !math.Signbit(v) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// field is one decoded field. Only the member matching typ is set.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u64   uint64
	bytes []byte
}

// walk decodes b and calls fn for each field in order.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) double() float64 { return math.Float64frombits(f.u64) }
func (f field) boolean() bool   { return protowire.DecodeBool(f.u64) }
func (f field) signed() int64   { return int64(f.u64) }

func (f field) role() (tracker.Role, error) {
	r := tracker.Role(f.u64)
	if !r.Valid() {
		return 0, fmt.Errorf("unknown role %d", f.u64)
	}
	return r, nil
}

func marshalPose(p spatial.Pose) []byte {
	var b []byte
	b = appendDouble(b, 1, p.Position.X)
	b = appendDouble(b, 2, p.Position.Y)
	b = appendDouble(b, 3, p.Position.Z)
	b = appendDouble(b, 4, p.Orientation.W)
	b = appendDouble(b, 5, p.Orientation.X)
	b = appendDouble(b, 6, p.Orientation.Y)
	b = appendDouble(b, 7, p.Orientation.Z)
	return b
}

func unmarshalPose(b []byte) (spatial.Pose, error) {
	var p spatial.Pose
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			p.Position.X = f.double()
		case 2:
			p.Position.Y = f.double()
		case 3:
			p.Position.Z = f.double()
		case 4:
			p.Orientation.W = f.double()
		case 5:
			p.Orientation.X = f.double()
		case 6:
			p.Orientation.Y = f.double()
		case 7:
			p.Orientation.Z = f.double()
		}
		return nil
	})
	return p, err
}

func (m *StateRequest) MarshalWire() []byte {
	var b []byte
	b = appendInt(b, 1, int64(m.Role))
	b = appendBool(b, 2, m.Active)
	b = appendBool(b, 3, m.WantReply)
	return appendInt(b, 4, m.Timestamp)
}

func (m *StateRequest) UnmarshalWire(b []byte) error {
	*m = StateRequest{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Role, err = f.role()
		case 2:
			m.Active = f.boolean()
		case 3:
			m.WantReply = f.boolean()
		case 4:
			m.Timestamp = f.signed()
		}
		return err
	})
}

func (m *PoseRequest) MarshalWire() []byte {
	var b []byte
	b = appendInt(b, 1, int64(m.Role))
	b = appendBytes(b, 2, marshalPose(m.Pose))
	b = appendBool(b, 3, m.WantReply)
	return appendInt(b, 4, m.Timestamp)
}

func (m *PoseRequest) UnmarshalWire(b []byte) error {
	*m = PoseRequest{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Role, err = f.role()
		case 2:
			m.Pose, err = unmarshalPose(f.bytes)
		case 3:
			m.WantReply = f.boolean()
		case 4:
			m.Timestamp = f.signed()
		}
		return err
	})
}

func (m *RefreshRequest) MarshalWire() []byte {
	var b []byte
	b = appendInt(b, 1, int64(m.Role))
	b = appendBool(b, 2, m.WantReply)
	return appendInt(b, 3, m.Timestamp)
}

func (m *RefreshRequest) UnmarshalWire(b []byte) error {
	*m = RefreshRequest{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Role, err = f.role()
		case 2:
			m.WantReply = f.boolean()
		case 3:
			m.Timestamp = f.signed()
		}
		return err
	})
}

func (m *StateReply) MarshalWire() []byte {
	var b []byte
	b = appendInt(b, 1, int64(m.Role))
	b = appendBool(b, 2, m.Success)
	b = appendString(b, 3, m.Message)
	return appendInt(b, 4, m.Timestamp)
}

func (m *StateReply) UnmarshalWire(b []byte) error {
	*m = StateReply{}
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Role, err = f.role()
		case 2:
			m.Success = f.boolean()
		case 3:
			m.Message = string(f.bytes)
		case 4:
			m.Timestamp = f.signed()
		}
		return err
	})
}

func (m *RestartRequest) MarshalWire() []byte {
	b := appendString(nil, 1, m.Reason)
	return appendInt(b, 2, m.Timestamp)
}

func (m *RestartRequest) UnmarshalWire(b []byte) error {
	*m = RestartRequest{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Reason = string(f.bytes)
		case 2:
			m.Timestamp = f.signed()
		}
		return nil
	})
}

func (m *StatusReply) MarshalWire() []byte {
	b := appendBool(nil, 1, m.Success)
	return appendString(b, 2, m.Message)
}

func (m *StatusReply) UnmarshalWire(b []byte) error {
	*m = StatusReply{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Success = f.boolean()
		case 2:
			m.Message = string(f.bytes)
		}
		return nil
	})
}

func (m *PingRequest) MarshalWire() []byte {
	return appendInt(nil, 1, m.SentAt)
}

func (m *PingRequest) UnmarshalWire(b []byte) error {
	*m = PingRequest{}
	return walk(b, func(f field) error {
		if f.num == 1 {
			m.SentAt = f.signed()
		}
		return nil
	})
}

func (m *PingReply) MarshalWire() []byte {
	b := appendInt(nil, 1, m.SentAt)
	return appendInt(b, 2, m.ReceivedAt)
}

func (m *PingReply) UnmarshalWire(b []byte) error {
	*m = PingReply{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.SentAt = f.signed()
		case 2:
			m.ReceivedAt = f.signed()
		}
		return nil
	})
}
