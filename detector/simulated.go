package detector

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Simulated generates plausible random detections. It is used when no model
// weights or inference service are available.
type Simulated struct {
	classes Classes
	mu      sync.Mutex
	rng     *rand.Rand
}

// NewSimulated creates a simulated detector. A nil rng is seeded from the clock.
func NewSimulated(classes Classes, rng *rand.Rand) *Simulated {
	if len(classes) == 0 {
		classes = NewClasses(nil)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulated{classes: classes, rng: rng}
}

// RunInference returns 2 to 4 detections with confidence in [0.86, 0.98)
// and boxes inside the image bounds.
func (s *Simulated) RunInference(ctx context.Context, image []byte, model string) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size, _, err := DecodeImageSize(image)
	if err != nil {
		return nil, err
	}
	width, height := float64(size.Width), float64(size.Height)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 2 + s.rng.Intn(3)
	dets := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		meta := s.classes[s.rng.Intn(len(s.classes))]
		w := width * s.uniform(0.18, 0.28)
		h := height * s.uniform(0.14, 0.24)
		x1 := s.uniform(0, width-w)
		y1 := s.uniform(0, height-h)
		dets = append(dets, Detection{
			ClassID:    meta.ID,
			ClassName:  meta.Name,
			Confidence: s.uniform(0.86, 0.98),
			Box:        [4]float64{x1, y1, x1 + w, y1 + h},
		})
	}
	return dets, nil
}

func (s *Simulated) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}
