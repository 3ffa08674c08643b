// Package publish fans detection results and status changes out to external
// sinks (MQTT, Valkey, Kafka, HTTP push). Delivery is best-effort and never blocks a detection.
package publish

import (
	"fmt"
	"sync"
	"time"

	"visiongate/engine"
	"visiongate/logging"
)

// ResultEvent is the message published for every completed detection.
type ResultEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Model      string    `json:"model"`
	ClassID    int       `json:"cls_id"`
	ClassName  string    `json:"cls_name,omitempty"`
	Confidence float64   `json:"conf"`
	Total      int       `json:"total"`
	Bypassed   bool      `json:"bypassed"`
	Trigger    *int16    `json:"plc_trigger"`
	PLCWritten bool      `json:"plc_written"`
	WriteError string    `json:"plc_write_error,omitempty"`
	ExecCount  uint64    `json:"exec_count"`
}

// StatusEvent is the message published when the PLC status changes.
type StatusEvent struct {
	Status    string    `json:"status"`
	Connected bool      `json:"connected"`
	IP        string    `json:"ip"`
	DB        int       `json:"db"`
	Trigger   *int16    `json:"trigger"`
	Gate      string    `json:"gate"`
	ExecCount uint64    `json:"exec_count"`
	LastError string    `json:"last_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewResultEvent flattens a detection result.
func NewResultEvent(r *engine.Result) ResultEvent {
	ev := ResultEvent{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		Model:      r.Model,
		ClassID:    r.BestClass,
		Total:      r.Total,
		Bypassed:   r.Bypassed,
		Trigger:    r.Trigger,
		PLCWritten: r.PLCWritten,
		WriteError: r.WriteError,
		ExecCount:  r.ExecCount,
	}
	if r.Best != nil {
		ev.ClassName = r.Best.ClassName
		ev.Confidence = r.Best.Confidence
	}
	return ev
}

// NewStatusEvent flattens a status snapshot.
func NewStatusEvent(s engine.Status, ts time.Time) StatusEvent {
	return StatusEvent{
		Status:    s.State,
		Connected: s.Connected,
		IP:        s.IP,
		DB:        s.DB,
		Trigger:   s.Trigger,
		Gate:      s.Gate,
		ExecCount: s.ExecCount,
		LastError: s.LastError,
		Timestamp: ts,
	}
}

// Sink is an external destination for events.
type Sink interface {
	Name() string
	Start() error
	Stop()
	IsRunning() bool
	PublishResult(ev ResultEvent) error
	PublishStatus(ev StatusEvent) error
}

// DefaultTimeout bounds one delivery to one sink.
const DefaultTimeout = 2 * time.Second

// MaxQueueSize is the number of pending events before new ones are dropped.
const MaxQueueSize = 100

type job struct {
	result *ResultEvent
	status *StatusEvent
}

// Fanout delivers events to every running sink from a single worker.
type Fanout struct {
	timeout time.Duration

	mu    sync.RWMutex
	sinks []Sink

	queue    chan job
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	dropped int64
	failed  int64
	statsMu sync.Mutex
}

// NewFanout creates a fanout and starts its worker. A zero timeout uses DefaultTimeout.
func NewFanout(timeout time.Duration) *Fanout {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fanout{
		timeout:  timeout,
		queue:    make(chan job, MaxQueueSize),
		stopChan: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.worker()
	return f
}

// Add registers a sink.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Sinks returns the registered sinks.
func (f *Fanout) Sinks() []Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Sink(nil), f.sinks...)
}

// StartAll starts every sink and returns how many are running.
func (f *Fanout) StartAll() int {
	n := 0
	for _, s := range f.Sinks() {
		if err := s.Start(); err != nil {
			logging.DebugLog("publish", "sink %s: start failed: %v", s.Name(), err)
			continue
		}
		n++
	}
	return n
}

// Attach subscribes the fanout to detection and status events on bus.
func (f *Fanout) Attach(bus *engine.EventBus) int {
	return bus.SubscribeTypes(func(e engine.Event) {
		switch p := e.Payload.(type) {
		case *engine.Result:
			f.PublishResult(NewResultEvent(p))
		case engine.Status:
			f.PublishStatus(NewStatusEvent(p, e.Timestamp))
		}
	}, engine.EventDetection, engine.EventStatus)
}

// PublishResult queues a result for delivery. It never blocks.
func (f *Fanout) PublishResult(ev ResultEvent) {
	f.enqueue(job{result: &ev})
}

// PublishStatus queues a status change for delivery. It never blocks.
func (f *Fanout) PublishStatus(ev StatusEvent) {
	f.enqueue(job{status: &ev})
}

func (f *Fanout) enqueue(j job) {
	select {
	case <-f.stopChan:
		return
	default:
	}
	select {
	case f.queue <- j:
	default:
		f.statsMu.Lock()
		f.dropped++
		f.statsMu.Unlock()
		logging.DebugLog("publish", "publish queue full, event dropped")
	}
}

// Stats returns the number of dropped events and failed deliveries.
func (f *Fanout) Stats() (dropped, failed int64) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.dropped, f.failed
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopChan:
			return
		case j := <-f.queue:
			f.deliver(j)
		}
	}
}

func (f *Fanout) deliver(j job) {
	for _, s := range f.Sinks() {
		if !s.IsRunning() {
			continue
		}
		if err := f.call(s, j); err != nil {
			f.statsMu.Lock()
			f.failed++
			f.statsMu.Unlock()
			logging.DebugLog("publish", "sink %s: %v", s.Name(), err)
		}
	}
}

// call runs one delivery with the fanout timeout. A sink that overruns is
// abandoned; its goroutine finishes in the background.
func (f *Fanout) call(s Sink, j job) error {
	done := make(chan error, 1)
	go func() {
		if j.result != nil {
			done <- s.PublishResult(*j.result)
			return
		}
		done <- s.PublishStatus(*j.status)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(f.timeout):
		return fmt.Errorf("publish timed out after %v", f.timeout)
	}
}

// Stop stops the worker and every sink. Pending events are discarded.
func (f *Fanout) Stop() {
	f.once.Do(func() {
		close(f.stopChan)
		f.wg.Wait()
		for _, s := range f.Sinks() {
			s.Stop()
		}
	})
}
