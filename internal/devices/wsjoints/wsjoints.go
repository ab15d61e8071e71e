// Package wsjoints is a JointsBasis device that receives joint frames from
// a websocket server, such as a phone or a camera-based tracker streaming
// over the LAN. Each text message is one JSON frame:
//
//	{"joints":[{"name":"waist","position":[0,1,2],"orientation":[1,0,0,0],"state":2}]}
//
// A frame replaces the previous one; joints missing from a frame keep their
// last value.
package wsjoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/spatial"
)

// Driver is the manifest driver name.
const Driver = "websocket"

// WireJoint is one joint in a frame.
type WireJoint struct {
	Name        string     `json:"name"`
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"` // w, x, y, z
	State       int        `json:"state"`
}

// Frame is one websocket message.
type Frame struct {
	Joints []WireJoint `json:"joints"`
}

// Device receives joints over a websocket.
type Device struct {
	name        string
	url         string
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	latest  map[string]joints.Joint
	order   []string
	current []joints.NamedJoint
	tracked bool
	status  joints.Status
}

// New returns a device that will dial url on Initialize.
func New(name, url string) *Device {
	return &Device{
		name:        name,
		url:         url,
		dialTimeout: 5 * time.Second,
		latest:      make(map[string]joints.Joint),
		status:      joints.Status{Code: joints.StatusNotInitialized, Message: "not initialized"},
	}
}

// Factory builds a device from a manifest entry with options url and
// dial_timeout.
func Factory(e joints.ManifestEntry) (joints.Device, error) {
	url := e.Option("url", "")
	if url == "" {
		return nil, errors.New("option url is required")
	}
	d := New(e.Name, url)
	timeout, err := e.DurationOption("dial_timeout", d.dialTimeout)
	if err != nil {
		return nil, err
	}
	d.dialTimeout = timeout
	return d, nil
}

var _ joints.JointsDevice = (*Device)(nil)

func (d *Device) Name() string      { return d.name }
func (d *Device) Kind() joints.Kind { return joints.JointsBasis }
func (d *Device) OnLoad() error     { return nil }

// Initialize dials the server. Calling it while connected is a no-op;
// calling it after the stream dropped reconnects.
func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		d.status = joints.Status{Code: joints.StatusDisconnected, Message: err.Error()}
		return fmt.Errorf("failed to dial %s: %w", d.url, err)
	}
	d.conn = conn
	d.done = make(chan struct{})
	d.status = joints.Status{Code: joints.StatusOK, Message: "connected to " + d.url}
	go d.readLoop(conn, d.done)
	return nil
}

func (d *Device) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				monitoring.Logf("[wsjoints] %s: bad frame: %v", d.name, err)
				continue
			}
			d.mu.Lock()
			if d.conn == conn {
				d.conn = nil
				d.status = joints.Status{Code: joints.StatusDisconnected, Message: err.Error()}
			}
			d.mu.Unlock()
			return
		}
		d.apply(frame)
	}
}

func (d *Device) apply(frame Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, wj := range frame.Joints {
		state := joints.TrackingState(wj.State)
		if state < joints.NotTracked || state > joints.Tracked {
			state = joints.NotTracked
		}
		if _, seen := d.latest[wj.Name]; !seen {
			d.order = append(d.order, wj.Name)
		}
		o := wj.Orientation
		d.latest[wj.Name] = joints.Joint{
			Position:    spatial.V(wj.Position[0], wj.Position[1], wj.Position[2]),
			Orientation: spatial.Quat{W: o[0], X: o[1], Y: o[2], Z: o[3]}.Normalize(),
			State:       state,
		}
	}
}

func (d *Device) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil && len(d.order) == 0 {
		return joints.ErrNotInitialized
	}
	out := make([]joints.NamedJoint, 0, len(d.order))
	tracked := false
	for _, name := range d.order {
		j := d.latest[name]
		tracked = tracked || j.State == joints.Tracked
		out = append(out, joints.NamedJoint{Name: name, Joint: j})
	}
	d.current = out
	d.tracked = tracked
	return nil
}

func (d *Device) Shutdown() error {
	d.mu.Lock()
	conn, done := d.conn, d.done
	d.conn = nil
	d.status = joints.Status{Code: joints.StatusNotInitialized, Message: "shut down"}
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	<-done
	return err
}

func (d *Device) Status() joints.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) Tracked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracked
}

func (d *Device) TrackedJoints() []joints.NamedJoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]joints.NamedJoint, len(d.current))
	copy(out, d.current)
	return out
}
