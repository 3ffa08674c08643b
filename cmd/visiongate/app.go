package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"visiongate/api"
	"visiongate/config"
	"visiongate/detector"
	"visiongate/engine"
	"visiongate/kafka"
	"visiongate/logging"
	"visiongate/mqtt"
	"visiongate/plcman"
	"visiongate/plcsim"
	"visiongate/publish"
	"visiongate/push"
	"visiongate/register"
	"visiongate/s7"
	"visiongate/trigger"
	"visiongate/valkey"
)

// Verify app implements api.Backend.
var _ api.Backend = (*app)(nil)

// app holds the runtime components shared by the API and the publishers.
type app struct {
	cfg     *config.Config
	opLog   engine.LogFunc
	plcMan  *plcman.Manager
	orch    *engine.Orchestrator
	poller  *engine.Poller
	catalog *detector.Catalog
	classes detector.Classes
	bus     *engine.EventBus
}

func newApp(cfg *config.Config, opLog engine.LogFunc) *app {
	if opLog == nil {
		opLog = func(string, ...interface{}) {}
	}
	plcMan := plcman.NewManager(plcman.WithDialer(newDialer(cfg.PLC)))
	plcMan.SetOnChange(func(s plcman.Snapshot) {
		if s.LastError != "" {
			opLog("[PLC] %s: %s", s.State, s.LastError)
			return
		}
		opLog("[PLC] %s (%s, trigger %s, result %s)", s.State, s.IP,
			s7.WordAddress{DB: s.DB, Offset: cfg.PLC.TriggerOffset},
			s7.WordAddress{DB: s.DB, Offset: cfg.PLC.ResultOffset})
	})

	gate := trigger.NewGate(plcMan, cfg.PLC.TriggerOffset,
		trigger.WithValues(trigger.Values{Arm: cfg.PLC.ArmValue, Ack: cfg.PLC.AckValue}))

	classes := detector.NewClasses(cfg.Detect.ClassNames)
	det := detector.New(cfg.Detect.InferenceURL, cfg.Detect.InferenceTimeout, classes)

	bus := engine.NewEventBus()
	orch := engine.NewOrchestrator(plcMan, gate, det, engine.NewCounter(), bus, engine.Config{
		MinConfidence:    cfg.Detect.MinConfidence,
		ResultOffset:     cfg.PLC.ResultOffset,
		EmptyResultClass: cfg.Detect.EmptyResultClass,
	}, opLog)

	return &app{
		cfg:     cfg,
		opLog:   opLog,
		plcMan:  plcMan,
		orch:    orch,
		poller:  engine.NewPoller(orch, bus, opLog),
		catalog: detector.NewCatalog(cfg.Detect.ModelDir, cfg.Detect.DefaultModel),
		classes: classes,
		bus:     bus,
	}
}

func (a *app) GetConfig() *config.Config             { return a.cfg }
func (a *app) GetPLCMan() *plcman.Manager            { return a.plcMan }
func (a *app) GetOrchestrator() *engine.Orchestrator { return a.orch }
func (a *app) GetPoller() *engine.Poller             { return a.poller }
func (a *app) GetCatalog() *detector.Catalog         { return a.catalog }
func (a *app) GetClasses() detector.Classes          { return a.classes }
func (a *app) GetEventBus() *engine.EventBus         { return a.bus }

// setupPublishers builds one sink per configured broker or push and attaches the
// fanout to the event bus. Sinks are not started.
func (a *app) setupPublishers() *publish.Fanout {
	fanout := publish.NewFanout(publish.DefaultTimeout)
	ns := a.cfg.Namespace

	for i := range a.cfg.MQTT {
		pub := mqtt.NewPublisher(&a.cfg.MQTT[i], ns)
		pub.SetResetHandler(func() error {
			a.orch.ResetCounter()
			return nil
		})
		fanout.Add(pub)
	}

	var valkeyPubs []*valkey.Publisher
	for i := range a.cfg.Valkey {
		pub := valkey.NewPublisher(&a.cfg.Valkey[i], ns)
		valkeyPubs = append(valkeyPubs, pub)
		fanout.Add(pub)
	}

	for i := range a.cfg.Kafka {
		kc := kafka.FromConfig(a.cfg.Kafka[i], ns)
		fanout.Add(kafka.NewProducer(&kc))
	}

	for i := range a.cfg.Pushes {
		pp := push.NewPush(&a.cfg.Pushes[i])
		pp.SetLogFunc(a.opLog)
		fanout.Add(pp)
	}

	fanout.Attach(a.bus)

	if len(valkeyPubs) > 0 {
		a.bus.SubscribeTypes(func(engine.Event) {
			go func() {
				for _, pub := range valkeyPubs {
					if !pub.IsRunning() {
						continue
					}
					if err := pub.ResetCounts(); err != nil {
						logging.DebugError("valkey", "reset counts "+pub.Name(), err)
					}
				}
			}()
		}, engine.EventCounterReset)
	}

	return fanout
}

// newDialer serves the sim transport from an in-process simulator that
// re-arms the trigger after every acknowledgement. Other transports dial the
// network.
func newDialer(pc config.PLCConfig) plcman.Dialer {
	var mu sync.Mutex
	sim := plcsim.New()
	seeded := make(map[int]bool)
	return func(ctx context.Context, p plcman.Params) (register.Transport, error) {
		if p.Transport != plcman.TransportSim {
			return plcman.DialTransport(ctx, p)
		}
		mu.Lock()
		defer mu.Unlock()
		if !seeded[p.DB] {
			seeded[p.DB] = true
			sim.SetWord(p.DB, pc.TriggerOffset, pc.ArmValue)
			sim.AutoRearm(p.DB, pc.TriggerOffset, pc.ArmValue, pc.AckValue, pc.SimRearm)
			logging.DebugLog("plc", "simulated PLC on DB%d, re-arm after %s", p.DB, pc.SimRearm)
		}
		return sim.Open(), nil
	}
}

// operatorLog returns the operator log: timestamped lines on stdout, copied
// to fl when set.
func operatorLog(fl *logging.FileLogger) engine.LogFunc {
	return func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		fmt.Printf("%s %s\n", time.Now().Format("15:04:05.000"), msg)
		if fl != nil {
			fl.Log("%s", msg)
		}
	}
}
