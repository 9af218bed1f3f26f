package painter

import (
	"errors"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
)

// PlacementRecord is one placement attempt and its classified outcome.
type PlacementRecord struct {
	At              time.Time    `json:"at"`
	X               int          `json:"x"`
	Y               int          `json:"y"`
	Color           canvas.Color `json:"color"`
	Outcome         string       `json:"outcome"`
	WaitSeconds     float64      `json:"wait_seconds,omitempty"`
	CoolDownSeconds float64      `json:"cooldown_seconds,omitempty"`
	Message         string       `json:"message,omitempty"`
}

// DriftRecord is an external change inside the image footprint.
type DriftRecord struct {
	At       time.Time    `json:"at"`
	X        int          `json:"x"`
	Y        int          `json:"y"`
	Observed canvas.Color `json:"observed"`
	Desired  canvas.Color `json:"desired"`
	Requeued bool         `json:"requeued"`
}

type Recorder interface {
	RecordPlacement(PlacementRecord) error
	RecordDrift(DriftRecord) error
}

type nopRecorder struct{}

func (nopRecorder) RecordPlacement(PlacementRecord) error { return nil }
func (nopRecorder) RecordDrift(DriftRecord) error         { return nil }

type multiRecorder []Recorder

// Recorders fans records out to every non-nil recorder.
func Recorders(rs ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nopRecorder{}
	}
	return out
}

func (m multiRecorder) RecordPlacement(r PlacementRecord) error {
	var errs []error
	for _, rec := range m {
		if err := rec.RecordPlacement(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiRecorder) RecordDrift(r DriftRecord) error {
	var errs []error
	for _, rec := range m {
		if err := rec.RecordDrift(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
