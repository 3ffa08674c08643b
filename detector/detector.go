// Package detector defines the inference collaborator used by the detection
// orchestrator, with a remote HTTP implementation and a simulated fallback.
package detector

import (
	"context"
	"errors"
	"sort"
	"time"

	"visiongate/logging"
)

var (
	// ErrModelNotFound is returned for a model selector that is not in the catalog.
	ErrModelNotFound = errors.New("model not found")

	// ErrInvalidImage is returned when the uploaded bytes are not a decodable image.
	ErrInvalidImage = errors.New("invalid image")

	// ErrUnavailable means no model could serve the request. Callers fall back
	// to the simulated detector.
	ErrUnavailable = errors.New("detector unavailable")
)

// Detection is one scored object. ClassID is 1-based.
type Detection struct {
	ClassID    int        `json:"cls_id"`
	ClassName  string     `json:"cls_name"`
	Confidence float64    `json:"conf"`
	Box        [4]float64 `json:"box"` // x1, y1, x2, y2
}

// Detector runs inference on one encoded image.
type Detector interface {
	RunInference(ctx context.Context, image []byte, model string) ([]Detection, error)
}

// Qualifying returns the detections at or above minConf, highest confidence
// first. Ties keep their original order.
func Qualifying(dets []Detection, minConf float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= minConf {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Best returns the highest-confidence detection at or above minConf.
func Best(dets []Detection, minConf float64) (Detection, bool) {
	q := Qualifying(dets, minConf)
	if len(q) == 0 {
		return Detection{}, false
	}
	return q[0], true
}

// Fallback runs Primary and, when it reports ErrUnavailable, Secondary.
type Fallback struct {
	Primary   Detector
	Secondary Detector
}

// RunInference implements Detector.
func (f *Fallback) RunInference(ctx context.Context, image []byte, model string) ([]Detection, error) {
	dets, err := f.Primary.RunInference(ctx, image, model)
	if err == nil || !errors.Is(err, ErrUnavailable) || f.Secondary == nil {
		return dets, err
	}
	logging.DebugLog("detect", "primary detector unavailable for %s, using fallback: %v", model, err)
	return f.Secondary.RunInference(ctx, image, model)
}

// New selects the detector: the remote service with a simulated fallback when
// inferenceURL is set, otherwise the simulated detector alone.
func New(inferenceURL string, timeout time.Duration, classes Classes) Detector {
	sim := NewSimulated(classes, nil)
	if inferenceURL == "" {
		logging.DebugLog("detect", "no inference service configured, using simulated detector")
		return sim
	}
	return &Fallback{Primary: NewRemote(inferenceURL, timeout, classes), Secondary: sim}
}
