// Package legacypipe is the compatibility transport of the sync protocol:
// CBOR frames over a unix socket. Client implements syncproto.Transport and
// Serve answers frames with a syncproto.Backend.
package legacypipe

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// MessageType tags a frame.
type MessageType int

const (
	SetTrackerState MessageType = iota + 1
	SetStateAll
	RefreshTracker
	RequestRestart
	Ping
	UpdateTrackerPoseVector
	SetTrackerStateVector
)

func (t MessageType) String() string {
	switch t {
	case SetTrackerState:
		return "SetTrackerState"
	case SetStateAll:
		return "SetStateAll"
	case RefreshTracker:
		return "RefreshTracker"
	case RequestRestart:
		return "RequestRestart"
	case Ping:
		return "Ping"
	case UpdateTrackerPoseVector:
		return "UpdateTrackerPoseVector"
	case SetTrackerStateVector:
		return "SetTrackerStateVector"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Result is the outcome code of a frame or entry.
type Result int

const (
	OK Result = iota
	SpawnFailed
	BadRequest
	ParsingError
	Exception
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case SpawnFailed:
		return "SpawnFailed"
	case BadRequest:
		return "BadRequest"
	case ParsingError:
		return "ParsingError"
	case Exception:
		return "Exception"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Entry is one tracker inside a frame.
type Entry struct {
	Role      int        `cbor:"1,keyasint"`
	Active    bool       `cbor:"2,keyasint,omitempty"`
	Pose      [7]float64 `cbor:"3,keyasint,omitempty"`
	WantReply bool       `cbor:"4,keyasint,omitempty"`
	Result    Result     `cbor:"5,keyasint,omitempty"`
	Message   string     `cbor:"6,keyasint,omitempty"`
}

// Frame is one request or reply on the pipe. Replies carry the ID of the
// request they answer.
type Frame struct {
	ID        uint64      `cbor:"1,keyasint"`
	Type      MessageType `cbor:"2,keyasint"`
	WantReply bool        `cbor:"3,keyasint,omitempty"`
	Reply     bool        `cbor:"4,keyasint,omitempty"`
	Entries   []Entry     `cbor:"5,keyasint,omitempty"`
	Active    bool        `cbor:"6,keyasint,omitempty"`
	Reason    string      `cbor:"7,keyasint,omitempty"`
	Timestamp int64       `cbor:"8,keyasint,omitempty"`
	Received  int64       `cbor:"9,keyasint,omitempty"`
	Result    Result      `cbor:"10,keyasint,omitempty"`
	Message   string      `cbor:"11,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("legacypipe: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 4096}.DecMode()
	if err != nil {
		panic("legacypipe: CBOR decoder initialization failed: " + err.Error())
	}
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }
func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }

func packPose(p spatial.Pose) [7]float64 {
	return [7]float64{
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Orientation.W, p.Orientation.X, p.Orientation.Y, p.Orientation.Z,
	}
}

func unpackPose(v [7]float64) spatial.Pose {
	return spatial.Pose{
		Position:    spatial.V(v[0], v[1], v[2]),
		Orientation: spatial.Quat{W: v[3], X: v[4], Y: v[5], Z: v[6]},
	}
}

func role(e Entry) (tracker.Role, bool) {
	r := tracker.Role(e.Role)
	return r, r.Valid()
}

func resultOf(r syncproto.StateReply, spawn bool) Result {
	switch {
	case r.Success:
		return OK
	case spawn:
		return SpawnFailed
	}
	return Exception
}

func toReply(e Entry) syncproto.StateReply {
	return syncproto.StateReply{
		Role:    tracker.Role(e.Role),
		Success: e.Result == OK,
		Message: e.Message,
	}
}
