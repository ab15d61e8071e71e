// Package api serves the read-mostly JSON admin API of a running
// posebridge: finished tracker poses, device and sync status, and tracker
// enable toggles.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/httputil"
	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/pipeline"
	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/tracker"
	"github.com/banshee-data/posebridge/internal/version"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// pingTimeout bounds the driver ping made by /api/status.
const pingTimeout = 500 * time.Millisecond

// Poses is the live pipeline output.
type Poses interface {
	Latest() []pipeline.Output
	Flipped() bool
}

// SenderStats reports the async sender's counters.
type SenderStats interface {
	Stats() (sent, dropped, failed uint64)
}

// Pinger measures the round trip to the driver.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Server answers the admin API. Only Controller and Poses are required.
type Server struct {
	controller *pipeline.Controller
	poses      Poses
	devices    *joints.Registry
	sender     SenderStats
	pinger     Pinger
	log        *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithDevices lists every loaded device in /api/status, not only the
// selected ones.
func WithDevices(r *joints.Registry) Option { return func(s *Server) { s.devices = r } }

// WithSender reports the sync queue counters.
func WithSender(st SenderStats) Option { return func(s *Server) { s.sender = st } }

// WithPinger pings the driver on every /api/status.
func WithPinger(p Pinger) Option { return func(s *Server) { s.pinger = p } }

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func NewServer(c *pipeline.Controller, poses Poses, opts ...Option) *Server {
	s := &Server{controller: c, poses: poses, log: monitoring.L()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/api/trackers", s.LoggingMiddleware(http.HandlerFunc(s.listTrackers)))
	mux.Handle("/api/trackers/", s.LoggingMiddleware(http.HandlerFunc(s.updateTracker)))
	mux.Handle("/api/status", s.LoggingMiddleware(http.HandlerFunc(s.showStatus)))
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration at debug level.
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		s.log.Debug("admin request",
			zap.String("status", statusCodeColor(lrw.statusCode)),
			zap.String("method", r.Method),
			zap.String("uri", colorCyan+r.RequestURI+colorReset),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// TrackerJSON is one tracker in /api/trackers.
type TrackerJSON struct {
	Role        string      `json:"role"`
	Serial      string      `json:"serial"`
	Enabled     bool        `json:"enabled"`
	Valid       bool        `json:"valid"`
	Position    [3]float64  `json:"position"`
	Orientation [4]float64  `json:"orientation"` // w, x, y, z
	Rotation    string      `json:"rotation"`
	Filters     [2]string   `json:"filters"` // position, orientation
	Override    [2]bool     `json:"override"`
	Offset      *[3]float64 `json:"offset,omitempty"`
}

func encodePose(p spatial.Pose) ([3]float64, [4]float64) {
	o := p.Orientation
	return [3]float64{p.Position.X, p.Position.Y, p.Position.Z}, [4]float64{o.W, o.X, o.Y, o.Z}
}

func (s *Server) trackers() []TrackerJSON {
	latest := make(map[tracker.Role]pipeline.Output)
	for _, o := range s.poses.Latest() {
		latest[o.Role] = o
	}
	snap := s.controller.Snapshot()
	out := make([]TrackerJSON, 0, len(snap.Trackers))
	for _, t := range snap.Trackers {
		tj := TrackerJSON{
			Role:     t.Role.String(),
			Serial:   t.Serial,
			Enabled:  t.Enabled,
			Rotation: t.Rotation.String(),
			Filters:  [2]string{t.PositionFilter.String(), t.OrientationFilter.String()},
			Override: [2]bool{t.OverridePosition, t.OverrideRotation},
		}
		if o, ok := latest[t.Role]; ok && o.Valid {
			tj.Valid = true
			tj.Position, tj.Orientation = encodePose(o.Pose)
		}
		if p := t.PositionOffset; p != (spatial.Vec{}) {
			tj.Offset = &[3]float64{p.X, p.Y, p.Z}
		}
		out = append(out, tj)
	}
	return out
}

func (s *Server) listTrackers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.trackers())
}

type trackerPatch struct {
	Enabled *bool `json:"enabled"`
}

// updateTracker handles POST /api/trackers/<role> with {"enabled": bool}.
func (s *Server) updateTracker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	role, err := tracker.ParseRole(r.URL.Path[len("/api/trackers/"):])
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var patch trackerPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&patch); err != nil {
		httputil.BadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if patch.Enabled == nil {
		httputil.BadRequest(w, "nothing to change")
		return
	}

	var found bool
	for _, t := range s.controller.Snapshot().Trackers {
		if t.Role != role {
			continue
		}
		found = true
		t.Enabled = *patch.Enabled
		if err := s.controller.SetTracker(t); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		s.log.Info("tracker toggled", zap.Stringer("role", role), zap.Bool("enabled", t.Enabled))
	}
	if !found {
		httputil.NotFound(w, pipeline.ErrNoTracker.Error()+": "+role.String())
		return
	}
	httputil.WriteJSONOK(w, s.trackers())
}

// DeviceJSON is one device in /api/status.
type DeviceJSON struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Tracked bool   `json:"tracked"`
	Role    string `json:"role,omitempty"` // base or override
}

// SyncJSON is the driver link in /api/status.
type SyncJSON struct {
	Sent      uint64  `json:"sent"`
	Dropped   uint64  `json:"dropped"`
	Failed    uint64  `json:"failed"`
	PingMS    float64 `json:"ping_ms,omitempty"`
	PingError string  `json:"ping_error,omitempty"`
}

// StatusJSON is the /api/status document.
type StatusJSON struct {
	Version     string          `json:"version"`
	GitSHA      string          `json:"git_sha"`
	Generation  uint64          `json:"generation"`
	Flipped     bool            `json:"flipped"`
	Devices     []DeviceJSON    `json:"devices"`
	Calibration map[string]bool `json:"calibration"`
	Sync        *SyncJSON       `json:"sync,omitempty"`
}

func deviceJSON(d joints.Device) DeviceJSON {
	st := d.Status()
	return DeviceJSON{
		Name:    d.Name(),
		Kind:    d.Kind().String(),
		Code:    st.Code,
		Status:  st.String(),
		Tracked: d.Tracked(),
	}
}

// Status assembles the status document. The driver is pinged when a
// Pinger was configured.
func (s *Server) Status(ctx context.Context) StatusJSON {
	snap := s.controller.Snapshot()
	out := StatusJSON{
		Version:     version.Version,
		GitSHA:      version.GitSHA,
		Generation:  snap.Generation,
		Flipped:     s.poses.Flipped(),
		Calibration: make(map[string]bool),
	}
	for _, slot := range []calibration.Slot{calibration.Base, calibration.Override} {
		out.Calibration[slot.String()] = snap.CalibrationFor(slot).IsCalibrated
	}

	selected := map[string]string{}
	if snap.Base != nil {
		selected[snap.Base.Name()] = "base"
	}
	if snap.Override != nil {
		selected[snap.Override.Name()] = "override"
	}
	var devs []joints.Device
	if s.devices != nil {
		devs = s.devices.Devices()
	} else {
		for _, d := range []joints.Device{snap.Base, snap.Override} {
			if d != nil {
				devs = append(devs, d)
			}
		}
	}
	for _, d := range devs {
		dj := deviceJSON(d)
		dj.Role = selected[d.Name()]
		out.Devices = append(out.Devices, dj)
	}

	if s.sender != nil || s.pinger != nil {
		out.Sync = &SyncJSON{}
	}
	if s.sender != nil {
		out.Sync.Sent, out.Sync.Dropped, out.Sync.Failed = s.sender.Stats()
	}
	if s.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		rtt, err := s.pinger.Ping(pctx)
		cancel()
		if err != nil {
			out.Sync.PingError = err.Error()
		} else {
			out.Sync.PingMS = float64(rtt.Microseconds()) / 1000
		}
	}
	return out
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.Status(r.Context()))
}
