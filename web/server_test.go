package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"visiongate/config"
	"visiongate/detector"
	"visiongate/engine"
	"visiongate/plcman"
	"visiongate/plcsim"
	"visiongate/register"
	"visiongate/trigger"
)

type testBackend struct {
	cfg     *config.Config
	mgr     *plcman.Manager
	orch    *engine.Orchestrator
	poller  *engine.Poller
	catalog *detector.Catalog
	bus     *engine.EventBus
}

func (b *testBackend) GetConfig() *config.Config             { return b.cfg }
func (b *testBackend) GetPLCMan() *plcman.Manager            { return b.mgr }
func (b *testBackend) GetOrchestrator() *engine.Orchestrator { return b.orch }
func (b *testBackend) GetPoller() *engine.Poller             { return b.poller }
func (b *testBackend) GetCatalog() *detector.Catalog         { return b.catalog }
func (b *testBackend) GetClasses() detector.Classes          { return detector.NewClasses(nil) }
func (b *testBackend) GetEventBus() *engine.EventBus         { return b.bus }

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = 0

	plc := plcsim.New()
	mgr := plcman.NewManager(plcman.WithDialer(func(ctx context.Context, p plcman.Params) (register.Transport, error) {
		return plc.Open(), nil
	}))
	bus := engine.NewEventBus()
	orch := engine.NewOrchestrator(mgr, trigger.NewGate(mgr, 0), detector.NewSimulated(detector.NewClasses(nil), nil),
		engine.NewCounter(), bus, engine.Config{MinConfidence: 0.1, ResultOffset: 2}, nil)

	b := &testBackend{
		cfg:     cfg,
		mgr:     mgr,
		orch:    orch,
		poller:  engine.NewPoller(orch, bus, nil),
		catalog: detector.NewCatalog(t.TempDir(), "best.pt"),
		bus:     bus,
	}
	s := NewServer(&cfg.Web, b)
	t.Cleanup(func() { s.Stop() })
	return s, cfg
}

func TestServer_StartAndStop(t *testing.T) {
	s, _ := newTestServer(t)

	if s.IsRunning() {
		t.Fatal("server should not be running initially")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("expected server to be running")
	}

	// Start again should be no-op
	if err := s.Start(); err != nil {
		t.Errorf("second Start should not error: %v", err)
	}

	resp, err := http.Get(s.Address() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("server should not be running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop should not error: %v", err)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	a, _ := newTestServer(t)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	b, cfg := newTestServer(t)
	cfg.Web.Port = portOf(t, a.Address())
	if err := b.Start(); err == nil {
		t.Error("expected listen error for a bound port")
	}
	if b.IsRunning() {
		t.Error("server should not be running after a failed Start")
	}
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	i := strings.LastIndexByte(addr, ':')
	var port int
	for _, c := range addr[i+1:] {
		port = port*10 + int(c-'0')
	}
	if port == 0 {
		t.Fatalf("no port in %q", addr)
	}
	return port
}

func TestServer_Address(t *testing.T) {
	s, cfg := newTestServer(t)
	cfg.Web.Host = "localhost"
	cfg.Web.Port = 9999
	if got := s.Address(); got != "http://localhost:9999" {
		t.Errorf("Address() = %q", got)
	}
}

func TestServer_Routes(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/models", http.StatusOK},
		{"GET", "/plc/status", http.StatusOK},
		{"GET", "/plc/start", http.StatusMethodNotAllowed},
		{"GET", "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestCorsMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("any origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		corsMiddleware(nil)(ok).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing Access-Control-Allow-Origin header")
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Error("missing Access-Control-Allow-Methods header")
		}
	})

	t.Run("listed origin", func(t *testing.T) {
		h := corsMiddleware([]string{"http://hmi.local"})(ok)

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "http://hmi.local")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://hmi.local" {
			t.Errorf("Allow-Origin = %q", got)
		}

		req.Header.Set("Origin", "http://evil.example")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q for unlisted origin", got)
		}
	})

	t.Run("OPTIONS preflight", func(t *testing.T) {
		called := false
		h := corsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/detect", nil))
		if rec.Code != http.StatusOK || called {
			t.Errorf("preflight: code=%d handler called=%v", rec.Code, called)
		}
	})
}

func TestDebugLogWriter(t *testing.T) {
	n, err := debugLogWriter("http").Write([]byte("http: TLS handshake error\n"))
	if err != nil || n != 26 {
		t.Errorf("Write = %d, %v", n, err)
	}
}
