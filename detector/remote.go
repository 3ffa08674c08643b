package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"visiongate/logging"
)

// Remote sends frames to an HTTP inference service.
//
// Request: POST <url>?model=<name> with the raw image as body.
// Response: {"detections":[{"class_id":0,"class_name":"..","confidence":0.9,"box":[x1,y1,x2,y2]}]}
// with 0-based class ids.
type Remote struct {
	url     string
	client  *http.Client
	classes Classes
}

// NewRemote creates a remote detector.
func NewRemote(endpoint string, timeout time.Duration, classes Classes) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		url:     endpoint,
		client:  &http.Client{Timeout: timeout},
		classes: classes,
	}
}

type remoteDetection struct {
	ClassID    int       `json:"class_id"`
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box"`
}

type remoteResponse struct {
	Detections []remoteDetection `json:"detections"`
	Error      string            `json:"error,omitempty"`
}

// RunInference implements Detector. Unreachable services and models the
// service has not loaded are reported as ErrUnavailable.
func (r *Remote) RunInference(ctx context.Context, image []byte, model string) ([]Detection, error) {
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, fmt.Errorf("inference url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("inference response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, model, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, bytes.TrimSpace(body))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out remoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("inference response: %w", err)
	}

	dets := make([]Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		id := d.ClassID + 1
		det := Detection{
			ClassID:    id,
			ClassName:  r.classes.Name(id, TranslateName(d.ClassName)),
			Confidence: d.Confidence,
		}
		copy(det.Box[:], d.Box)
		dets = append(dets, det)
	}
	logging.DebugLog("detect", "remote %s: %d detections in %s", model, len(dets), time.Since(start).Round(time.Millisecond))
	return dets, nil
}
