package calibration

import (
	"fmt"
	"time"

	"github.com/banshee-data/posebridge/internal/spatial"
)

// Phase is the coarse state of a calibration run.
type Phase int

const (
	Idle Phase = iota
	Collecting
	Computing
	Calibrated
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Computing:
		return "computing"
	case Calibrated:
		return "calibrated"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Done reports whether the run has finished either way.
func (p Phase) Done() bool { return p == Calibrated || p == Aborted }

// Stage is the countdown a point is in while collecting.
type Stage int

const (
	StageMove Stage = iota
	StageHold
	StageSettle
)

func (s Stage) String() string {
	switch s {
	case StageMove:
		return "move"
	case StageHold:
		return "hold"
	case StageSettle:
		return "settle"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// AutoConfig times an automatic calibration.
type AutoConfig struct {
	Points int
	Move   time.Duration
	Hold   time.Duration
	Settle time.Duration
	// CaptureAt is how much of the hold is left when the pair is sampled.
	CaptureAt time.Duration
}

// DefaultAutoConfig is three points with 3 s move and hold countdowns.
func DefaultAutoConfig() AutoConfig {
	return AutoConfig{
		Points:    3,
		Move:      3 * time.Second,
		Hold:      3 * time.Second,
		Settle:    time.Second,
		CaptureAt: time.Second,
	}
}

// Validate checks the timings.
func (c AutoConfig) Validate() error {
	if c.Points < MinPoints {
		return fmt.Errorf("points must be at least %d, got %d", MinPoints, c.Points)
	}
	if c.Move < 0 || c.Hold <= 0 || c.Settle < 0 {
		return fmt.Errorf("invalid countdowns move=%s hold=%s settle=%s", c.Move, c.Hold, c.Settle)
	}
	if c.CaptureAt < 0 || c.CaptureAt >= c.Hold {
		return fmt.Errorf("capture_at %s must lie inside hold %s", c.CaptureAt, c.Hold)
	}
	return nil
}

// AutoInput is what the caller observes each tick.
type AutoInput struct {
	Sensor spatial.Vec // sensor-space head position
	VR     spatial.Vec // play-space headset position
	Cancel bool
}

// AutoState is one snapshot of an automatic run. Step never mutates its
// argument.
type AutoState struct {
	Phase     Phase
	Point     int
	Stage     Stage
	Remaining time.Duration
	captured  bool

	Sensor []spatial.Vec
	VR     []spatial.Vec

	Result Record
	Err    error
}

// Start returns the first collecting state.
func (c AutoConfig) Start() AutoState {
	return AutoState{Phase: Collecting, Stage: StageMove, Remaining: c.Move}
}

// Step advances s by elapsed with the latest input.
func (c AutoConfig) Step(s AutoState, elapsed time.Duration, in AutoInput) AutoState {
	if s.Phase.Done() || s.Phase == Idle {
		return s
	}
	if in.Cancel {
		s.Phase = Aborted
		s.Err = ErrAborted
		s.Sensor, s.VR = nil, nil
		return s
	}
	if s.Phase == Computing {
		rot, t, err := Kabsch(s.Sensor, s.VR)
		if err != nil {
			s.Phase = Aborted
			s.Err = fmt.Errorf("failed to solve calibration: %w", err)
			return s
		}
		s.Phase = Calibrated
		s.Result = FromKabsch(rot, t)
		return s
	}

	s.Remaining -= elapsed
	if s.Stage == StageHold && !s.captured && s.Remaining <= c.CaptureAt {
		// Three-index slices force a copy so earlier states keep their
		// own point lists.
		s.Sensor = append(s.Sensor[:len(s.Sensor):len(s.Sensor)], in.Sensor)
		s.VR = append(s.VR[:len(s.VR):len(s.VR)], in.VR)
		s.captured = true
	}
	for s.Remaining <= 0 && s.Phase == Collecting {
		overshoot := -s.Remaining
		switch s.Stage {
		case StageMove:
			s.Stage = StageHold
			s.Remaining = c.Hold - overshoot
			s.captured = false
			if s.Remaining <= c.CaptureAt {
				s.Sensor = append(s.Sensor[:len(s.Sensor):len(s.Sensor)], in.Sensor)
				s.VR = append(s.VR[:len(s.VR):len(s.VR)], in.VR)
				s.captured = true
			}
		case StageHold:
			s.Stage = StageSettle
			s.Remaining = c.Settle - overshoot
		case StageSettle:
			if s.Point+1 >= c.Points {
				s.Phase = Computing
				s.Remaining = 0
				break
			}
			s.Point++
			s.Stage = StageMove
			s.Remaining = c.Move - overshoot
		}
	}
	return s
}
