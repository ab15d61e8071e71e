// Package serialjoints is a JointsBasis device fed by a serial port. The
// device on the other end writes one joint per line:
//
//	<name> <x> <y> <z> <qw> <qx> <qy> <qz> <state>
//
// where state is 0 (not tracked), 1 (inferred) or 2 (tracked). Lines
// starting with '#' are ignored.
package serialjoints

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/spatial"
)

// Driver is the manifest driver name.
const Driver = "serial"

// Port is the minimal serial port surface the device needs.
type Port interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the port at path.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a real serial port with 8N1 framing.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return port, nil
}

// Device reads named joints from a serial line.
type Device struct {
	name string
	path string
	baud int
	open Opener

	mu      sync.Mutex
	port    Port
	cancel  context.CancelFunc
	done    chan struct{}
	latest  map[string]joints.Joint
	order   []string
	current []joints.NamedJoint
	tracked bool
	status  joints.Status
}

// New returns a device for the port at path. open may be nil to use
// OpenSerial.
func New(name, path string, baud int, open Opener) *Device {
	if open == nil {
		open = OpenSerial
	}
	return &Device{
		name:   name,
		path:   path,
		baud:   baud,
		open:   open,
		latest: make(map[string]joints.Joint),
		status: joints.Status{Code: joints.StatusNotInitialized, Message: "not initialized"},
	}
}

// Factory builds a device from a manifest entry with options port and
// baud (default 115200).
func Factory(e joints.ManifestEntry) (joints.Device, error) {
	path := e.Option("port", "")
	if path == "" {
		return nil, errors.New("option port is required")
	}
	baud, err := e.IntOption("baud", 115200)
	if err != nil {
		return nil, err
	}
	return New(e.Name, path, baud, nil), nil
}

var _ joints.JointsDevice = (*Device)(nil)

func (d *Device) Name() string      { return d.name }
func (d *Device) Kind() joints.Kind { return joints.JointsBasis }
func (d *Device) OnLoad() error     { return nil }

func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return nil
	}
	port, err := d.open(d.path, d.baud)
	if err != nil {
		d.status = joints.Status{Code: joints.StatusDisconnected, Message: err.Error()}
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.port = port
	d.cancel = cancel
	d.done = make(chan struct{})
	d.status = joints.Status{Code: joints.StatusOK, Message: "connected to " + d.path}
	go d.monitor(ctx, port, d.done)
	return nil
}

// monitor reads lines until the port closes or ctx is cancelled.
func (d *Device) monitor(ctx context.Context, port Port, done chan struct{}) {
	defer close(done)
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		nj, err := ParseLine(line)
		if err != nil {
			monitoring.Logf("[serialjoints] %s: skipping line %q: %v", d.name, line, err)
			continue
		}
		d.mu.Lock()
		if _, seen := d.latest[nj.Name]; !seen {
			d.order = append(d.order, nj.Name)
		}
		d.latest[nj.Name] = nj.Joint
		d.mu.Unlock()
	}
	if ctx.Err() == nil {
		d.mu.Lock()
		msg := "serial stream ended"
		if err := scan.Err(); err != nil {
			msg = err.Error()
		}
		d.status = joints.Status{Code: joints.StatusDisconnected, Message: msg}
		d.mu.Unlock()
	}
}

// Update snapshots the latest sample of every joint seen so far. Joints
// that stopped arriving keep their last value.
func (d *Device) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return joints.ErrNotInitialized
	}
	out := make([]joints.NamedJoint, 0, len(d.order))
	tracked := false
	for _, name := range d.order {
		j := d.latest[name]
		if j.State == joints.Tracked {
			tracked = true
		}
		out = append(out, joints.NamedJoint{Name: name, Joint: j})
	}
	d.current = out
	d.tracked = tracked
	return nil
}

func (d *Device) Shutdown() error {
	d.mu.Lock()
	port, cancel, done := d.port, d.cancel, d.done
	d.port = nil
	d.status = joints.Status{Code: joints.StatusNotInitialized, Message: "shut down"}
	d.mu.Unlock()
	if port == nil {
		return nil
	}
	cancel()
	err := port.Close()
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

// ParseLine decodes one joint line.
func ParseLine(line string) (joints.NamedJoint, error) {
	fields := strings.Fields(line)
	if len(fields) != 9 {
		return joints.NamedJoint{}, fmt.Errorf("expected 9 fields, got %d", len(fields))
	}
	var v [7]float64
	for i := range v {
		f, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return joints.NamedJoint{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return joints.NamedJoint{}, fmt.Errorf("field %d: %q is not finite", i+1, fields[i+1])
		}
		v[i] = f
	}
	state, err := joints.ParseTrackingState(fields[8])
	if err != nil {
		return joints.NamedJoint{}, err
	}
	return joints.NamedJoint{
		Name: fields[0],
		Joint: joints.Joint{
			Position:    spatial.V(v[0], v[1], v[2]),
			Orientation: spatial.Quat{W: v[3], X: v[4], Y: v[5], Z: v[6]}.Normalize(),
			State:       state,
		},
	}, nil
}
