// Package filter implements the per-tracker smoothing filters.
//
// Every filter in a Bank is fed on every tick whether or not it is the one
// currently selected for output, so changing the selection mid-session
// never starts from a cold filter.
package filter

import (
	"fmt"
	"math"
	"strings"
)

// PositionMode selects which position filter output is used.
type PositionMode int

const (
	PositionNone PositionMode = iota
	PositionLERP
	PositionLowPass
	PositionKalman
)

var positionModeNames = map[PositionMode]string{
	PositionNone:    "none",
	PositionLERP:    "lerp",
	PositionLowPass: "lowpass",
	PositionKalman:  "kalman",
}

func (m PositionMode) String() string {
	if s, ok := positionModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("PositionMode(%d)", int(m))
}

// ParsePositionMode parses a config name. Empty means none.
func ParsePositionMode(s string) (PositionMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PositionNone, nil
	}
	for m, name := range positionModeNames {
		if name == s {
			return m, nil
		}
	}
	return PositionNone, fmt.Errorf("unknown position filter %q", s)
}

// OrientationMode selects which orientation filter output is used.
type OrientationMode int

const (
	OrientationNone OrientationMode = iota
	OrientationSLERP
	OrientationSLERPSlow
)

var orientationModeNames = map[OrientationMode]string{
	OrientationNone:      "none",
	OrientationSLERP:     "slerp",
	OrientationSLERPSlow: "slerp_slow",
}

func (m OrientationMode) String() string {
	if s, ok := orientationModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("OrientationMode(%d)", int(m))
}

// ParseOrientationMode parses a config name. Empty means none.
func ParseOrientationMode(s string) (OrientationMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return OrientationNone, nil
	}
	for m, name := range orientationModeNames {
		if name == s {
			return m, nil
		}
	}
	return OrientationNone, fmt.Errorf("unknown orientation filter %q", s)
}

const (
	// LERPAlpha is the weight given to the new sample by the LERP filter.
	LERPAlpha = 0.15
	// SLERPFast and SLERPSlow are the two orientation blend factors.
	SLERPFast = 0.6
	SLERPSlow = 0.3

	DefaultCutoffHz = 7.2
	DefaultDeltaT   = 0.005
)

// LowPass is a single-axis exponential low-pass filter.
type LowPass struct {
	CutoffHz float64
	output   float64
}

// Alpha returns the blend factor for a step of dt seconds at cutoffHz.
// Non-positive inputs disable the filter (alpha 0).
func Alpha(dt, cutoffHz float64) float64 {
	if dt <= 0 || cutoffHz <= 0 {
		return 0
	}
	return 1 - math.Exp(-dt*2*math.Pi*cutoffHz)
}

// Update accumulates towards in and returns the new output.
func (f *LowPass) Update(in, dt float64) float64 {
	f.output += (in - f.output) * Alpha(dt, f.CutoffHz)
	return f.output
}

// Output returns the current filter output.
func (f *LowPass) Output() float64 { return f.output }
