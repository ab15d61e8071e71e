// Package calibration maps sensor space into VR play-space. A Record holds
// the rigid transform for one device slot; Auto and Manual are pure step
// machines that produce records, and Runner drives either one with a
// ticker until it commits or is cancelled.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/posebridge/internal/spatial"
)

// ErrAborted is returned when a calibration run is cancelled. The
// persisted record is left untouched.
var ErrAborted = errors.New("calibration aborted")

// Slot identifies which device a record belongs to.
type Slot int

const (
	Base Slot = iota
	Override
)

func (s Slot) String() string {
	switch s {
	case Base:
		return "base"
	case Override:
		return "override"
	}
	return fmt.Sprintf("Slot(%d)", int(s))
}

// ParseSlot is the inverse of String.
func ParseSlot(s string) (Slot, error) {
	switch s {
	case "base":
		return Base, nil
	case "override":
		return Override, nil
	}
	return Base, fmt.Errorf("unknown calibration slot %q", s)
}

// Record is the calibration of one device slot.
type Record struct {
	Rotation    spatial.Mat3
	Translation spatial.Vec
	Origin      spatial.Vec
	Yaw         float64
	Pitch       float64

	IsCalibrated bool
	IsAuto       bool
}

// Empty is the uncalibrated record: identity rotation, nothing applied.
func Empty() Record {
	return Record{Rotation: spatial.Identity3()}
}

// YawOffset is the heading correction the pipeline folds into skeleton
// orientations. Uncalibrated records contribute none.
func (r Record) YawOffset() float64 {
	if !r.IsCalibrated {
		return 0
	}
	return r.Yaw
}

// Apply maps a sensor-space position into play-space. Uncalibrated
// records pass p through.
func (r Record) Apply(p spatial.Vec) spatial.Vec {
	if !r.IsCalibrated {
		return p
	}
	rel := spatial.V(p.X-r.Origin.X, p.Y-r.Origin.Y, p.Z-r.Origin.Z)
	q := r.Rotation.MulVec(rel)
	return spatial.V(
		q.X+r.Translation.X+r.Origin.X,
		q.Y+r.Translation.Y+r.Origin.Y,
		q.Z+r.Translation.Z+r.Origin.Z,
	)
}

// YawQuat is the heading correction applied to device orientations.
func (r Record) YawQuat() spatial.Quat {
	return spatial.YawQuat(r.Yaw)
}

// Store persists committed records.
type Store interface {
	// LoadCalibration returns the committed record for slot, or Empty()
	// when nothing has been committed.
	LoadCalibration(ctx context.Context, slot Slot) (Record, error)
	// SaveCalibration commits rec for slot and returns the run id.
	SaveCalibration(ctx context.Context, slot Slot, rec Record) (string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Slot]Record
	runs    int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Slot]Record)}
}

func (s *MemoryStore) LoadCalibration(_ context.Context, slot Slot) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[slot]; ok {
		return r, nil
	}
	return Empty(), nil
}

func (s *MemoryStore) SaveCalibration(_ context.Context, slot Slot, rec Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[slot] = rec
	s.runs++
	return fmt.Sprintf("mem-%d", s.runs), nil
}
