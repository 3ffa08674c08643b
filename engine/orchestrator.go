// Package engine composes the trigger gate, the detector and the PLC
// write-back into the detection operation, and polls status for the UI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"visiongate/detector"
	"visiongate/logging"
	"visiongate/plcman"
	"visiongate/register"
	"visiongate/trigger"
)

// PLC is the connection the engine works through. *plcman.Manager implements it.
type PLC interface {
	trigger.Source
	Snapshot() plcman.Snapshot
}

// Config holds the detection parameters. They are read, never mutated.
type Config struct {
	MinConfidence float64
	ResultOffset  int // byte offset of the result word
	// EmptyResultClass, when > 0, is written back for a frame with no
	// qualifying detection. Zero skips the write-back.
	EmptyResultClass int
}

// LogFunc is the operator log callback.
type LogFunc func(format string, args ...interface{})

// Request is one detection request.
type Request struct {
	Image []byte
	Model string
}

// Result is the outcome of a detection.
type Result struct {
	ID         string               `json:"id"`
	Timestamp  time.Time            `json:"timestamp"`
	Model      string               `json:"model"`
	ImageSize  detector.ImageSize   `json:"image_size"`
	Total      int                  `json:"total"`
	Counts     map[int]int          `json:"counts"`
	Best       *detector.Detection  `json:"best,omitempty"`
	BestClass  int                  `json:"best_cls"`
	Detections []detector.Detection `json:"detections"`
	Bypassed   bool                 `json:"bypassed"`
	Trigger    *int16               `json:"plc_trigger"`
	PLCWritten bool                 `json:"plc_written"`
	WriteError string               `json:"plc_write_error,omitempty"`
	ExecCount  uint64               `json:"exec_count"`
	Inference  time.Duration        `json:"-"`
	Status     Status               `json:"plc"`
}

// Orchestrator runs detections against the PLC handshake.
type Orchestrator struct {
	plc     PLC
	gate    *trigger.Gate
	det     detector.Detector
	counter *Counter
	bus     *EventBus
	cfg     Config
	logFn   LogFunc

	// sem serializes connected detections from gate read to write-back.
	sem chan struct{}
	now func() time.Time
}

// NewOrchestrator creates an orchestrator. bus and logFn may be nil.
func NewOrchestrator(plc PLC, gate *trigger.Gate, det detector.Detector, counter *Counter, bus *EventBus, cfg Config, logFn LogFunc) *Orchestrator {
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Orchestrator{
		plc:     plc,
		gate:    gate,
		det:     det,
		counter: counter,
		bus:     bus,
		cfg:     cfg,
		logFn:   logFn,
		sem:     make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Counter returns the execution counter.
func (o *Orchestrator) Counter() *Counter {
	return o.counter
}

// Gate returns the trigger gate.
func (o *Orchestrator) Gate() *trigger.Gate {
	return o.gate
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) tryAcquire() bool {
	select {
	case o.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) release() {
	<-o.sem
}

// Detect gates, runs inference and writes the result back to the PLC.
//
// While connected, detections are serialized from the trigger read to the end
// of the write-back. While bypassed, they run in parallel and never touch
// the registers. A write-back, once started, is not abandoned when ctx ends.
func (o *Orchestrator) Detect(ctx context.Context, req Request) (*Result, error) {
	size, _, err := detector.DecodeImageSize(req.Image)
	if err != nil {
		return nil, err
	}

	locked := false
	if o.plc.Status() == plcman.StatusConnected {
		if err := o.acquire(ctx); err != nil {
			return nil, err
		}
		locked = true
	}

	res, err := o.detectLocked(ctx, req, size, locked)
	if locked {
		o.release()
	}

	var gerr *GateClosedError
	if errors.As(err, &gerr) {
		o.bus.Emit(Event{Type: EventGateClosed, Payload: GateClosedEvent{Trigger: gerr.Trigger, Model: req.Model}})
	}
	if err != nil {
		return nil, err
	}

	res.Status = buildStatus(o.plc, o.counter, o.gate, res.Trigger)
	o.bus.Emit(Event{Type: EventDetection, Timestamp: res.Timestamp, Payload: res})
	return res, nil
}

func (o *Orchestrator) detectLocked(ctx context.Context, req Request, size detector.ImageSize, locked bool) (*Result, error) {
	check := trigger.Check{Allowed: true, Bypassed: true, State: trigger.StateBypassed}
	if locked {
		var err error
		if check, err = o.gate.Allow(); err != nil {
			o.logFn("[PLC] trigger read failed: %v", err)
			return nil, err
		}
	}

	trigName := register.FormatAddress(o.plc.Params().DB, o.gate.Offset())
	if !check.Allowed {
		o.logFn("[PLC] %s=%d, detection blocked", trigName, check.Trigger)
		return nil, &GateClosedError{Trigger: check.Trigger}
	}

	res := &Result{
		ID:        uuid.NewString(),
		Timestamp: o.now(),
		Model:     req.Model,
		ImageSize: size,
		Counts:    make(map[int]int),
		Bypassed:  check.Bypassed,
	}
	if check.Bypassed {
		logging.DebugLog("detect", "gate bypassed, running %s without PLC handshake", req.Model)
	} else {
		t := check.Trigger
		res.Trigger = &t
		o.gate.Apply(trigger.Event{Kind: trigger.EventAccept})
		o.logFn("[PLC] %s=%d, running detection", trigName, check.Trigger)
	}

	start := time.Now()
	dets, err := o.det.RunInference(ctx, req.Image, req.Model)
	res.Inference = time.Since(start)
	if err != nil {
		o.abort(check)
		return nil, fmt.Errorf("inference: %w", err)
	}

	res.Detections = detector.Qualifying(dets, o.cfg.MinConfidence)
	for _, d := range res.Detections {
		res.Counts[d.ClassID]++
	}
	classID := o.cfg.EmptyResultClass
	if len(res.Detections) > 0 {
		best := res.Detections[0]
		res.Best = &best
		classID = best.ClassID
	} else if classID > 0 {
		res.Counts[classID]++
	}
	res.BestClass = classID
	for _, n := range res.Counts {
		res.Total += n
	}
	logging.DebugLog("detect", "%s: %d qualifying detections, best class %d (%s)",
		res.ID, len(res.Detections), classID, res.Inference.Round(time.Millisecond))

	if check.Bypassed || classID <= 0 {
		o.abort(check)
		res.ExecCount = o.counter.Total()
		return res, nil
	}

	if err := o.writeBack(classID); err != nil {
		o.abort(check)
		res.WriteError = err.Error()
		res.ExecCount = o.counter.Total()
		o.logFn("[PLC] write-back failed: %v", err)
		return res, nil
	}

	o.gate.Apply(trigger.Event{Kind: trigger.EventWriteBack})
	res.PLCWritten = true
	res.ExecCount = o.counter.Inc(classID)
	return res, nil
}

// writeBack writes the result word and the trigger word in one channel
// critical section. Adjacent words go out in a single transport write;
// otherwise the result word is written first and a failure skips the
// trigger write.
func (o *Orchestrator) writeBack(classID int) error {
	db := o.plc.Params().DB
	ack := int(o.gate.Values().Ack)
	trig, result := o.gate.Offset(), o.cfg.ResultOffset
	err := o.plc.Do(func(p *register.Protocol) error {
		switch result {
		case trig + register.WordSize:
			return p.WriteWords(db, trig, ack, classID)
		case trig - register.WordSize:
			return p.WriteWords(db, result, classID, ack)
		}
		if err := p.WriteWord(db, result, classID); err != nil {
			return err
		}
		return p.WriteWord(db, trig, ack)
	})
	if err == nil {
		o.logFn("[PLC] wrote %s=%d, %s=%d",
			register.FormatAddress(db, o.cfg.ResultOffset), classID,
			register.FormatAddress(db, o.gate.Offset()), ack)
	}
	return err
}

func (o *Orchestrator) abort(check trigger.Check) {
	if !check.Bypassed {
		o.gate.Apply(trigger.Event{Kind: trigger.EventAbort})
	}
}

// ResetCounter zeroes the execution counter.
func (o *Orchestrator) ResetCounter() {
	o.counter.Reset()
	o.logFn("[PLC] execution counter reset")
	o.bus.Emit(Event{Type: EventCounterReset})
}
