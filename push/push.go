// Package push sends detection results to HTTP endpoints.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"visiongate/config"
	"visiongate/publish"
)

// DefaultTimeout applies when the push has no timeout configured.
const DefaultTimeout = 30 * time.Second

// Status represents the current state of a push.
type Status int

const (
	StatusDisabled Status = iota
	StatusArmed           // Waiting for a matching result
	StatusFiring          // Sending HTTP request
	StatusCooldown        // Sent, waiting out the minimum interval
	StatusError           // Last request failed
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusArmed:
		return "Armed"
	case StatusFiring:
		return "Firing"
	case StatusCooldown:
		return "Cooldown"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// fieldRefRegex matches #field references in body templates.
var fieldRefRegex = regexp.MustCompile(`#([a-z_]+)`)

// Push notifies one HTTP endpoint of matching detection results. It implements publish.Sink.
type Push struct {
	config  *config.PushConfig
	classes map[int]bool

	status       Status
	lastErr      error
	sendCount    int64
	lastSend     time.Time
	lastHTTPCode int
	mu           sync.RWMutex

	// fireMu serializes requests.
	fireMu sync.Mutex

	httpClient *http.Client
	now        func() time.Time
	logFn      func(format string, args ...interface{})
}

// NewPush creates a push from configuration.
func NewPush(cfg *config.PushConfig) *Push {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var classes map[int]bool
	if len(cfg.Classes) > 0 {
		classes = make(map[int]bool, len(cfg.Classes))
		for _, id := range cfg.Classes {
			classes[id] = true
		}
	}

	return &Push{
		config:     cfg,
		classes:    classes,
		status:     StatusDisabled,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// SetLogFunc sets the logging callback.
func (p *Push) SetLogFunc(fn func(format string, args ...interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logFn = fn
}

func (p *Push) log(format string, args ...interface{}) {
	p.mu.RLock()
	fn := p.logFn
	p.mu.RUnlock()
	if fn != nil {
		fn("[Push:%s] "+format, append([]interface{}{p.config.Name}, args...)...)
	}
}

// Name returns the sink name.
func (p *Push) Name() string {
	return "push/" + p.config.Name
}

// GetStatus returns the current push status.
func (p *Push) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Push) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns send statistics.
func (p *Push) GetStats() (sendCount int64, lastSend time.Time, lastHTTPCode int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sendCount, p.lastSend, p.lastHTTPCode
}

// IsRunning reports whether the push accepts results.
func (p *Push) IsRunning() bool {
	return p.GetStatus() != StatusDisabled
}

// Start arms the push. Disabled pushes stay disabled.
func (p *Push) Start() error {
	if !p.config.Enabled {
		return nil
	}
	u, err := url.Parse(p.config.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("push %s: invalid url %q", p.config.Name, p.config.URL)
	}

	p.mu.Lock()
	p.status = StatusArmed
	p.lastErr = nil
	p.mu.Unlock()
	p.log("armed, %s %s", p.method(), p.config.URL)
	return nil
}

// Stop disables the push.
func (p *Push) Stop() {
	p.mu.Lock()
	p.status = StatusDisabled
	p.mu.Unlock()
}

// Matches reports whether ev passes the class and write-back filters.
func (p *Push) Matches(ev publish.ResultEvent) bool {
	if p.config.WrittenOnly && !ev.PLCWritten {
		return false
	}
	if p.classes != nil && !p.classes[ev.ClassID] {
		return false
	}
	return true
}

// PublishResult sends ev when it matches and the cooldown has elapsed.
// Skipped results are not errors.
func (p *Push) PublishResult(ev publish.ResultEvent) error {
	if !p.IsRunning() || !p.Matches(ev) {
		return nil
	}

	p.fireMu.Lock()
	defer p.fireMu.Unlock()

	p.mu.Lock()
	if p.config.CooldownMin > 0 && !p.lastSend.IsZero() && p.now().Sub(p.lastSend) < p.config.CooldownMin {
		p.status = StatusCooldown
		p.mu.Unlock()
		return nil
	}
	p.status = StatusFiring
	p.mu.Unlock()

	return p.fire(ev)
}

// PublishStatus is a no-op; pushes carry results only.
func (p *Push) PublishStatus(ev publish.StatusEvent) error {
	return nil
}

// fire sends the HTTP request.
func (p *Push) fire(ev publish.ResultEvent) error {
	body, err := p.resolveBody(ev)
	if err != nil {
		return p.handleError(fmt.Errorf("failed to build body: %w", err))
	}

	req, err := p.buildRequest(context.Background(), body)
	if err != nil {
		return p.handleError(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return p.handleError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	p.mu.Lock()
	p.sendCount++
	p.lastSend = p.now()
	p.lastHTTPCode = resp.StatusCode
	p.mu.Unlock()

	if resp.StatusCode >= 400 {
		return p.handleError(fmt.Errorf("HTTP %d from %s", resp.StatusCode, p.config.URL))
	}

	p.mu.Lock()
	p.lastErr = nil
	if p.status != StatusDisabled {
		p.status = StatusArmed
	}
	p.mu.Unlock()

	p.log("sent %s for %s (class %d), status=%d", p.method(), ev.ID, ev.ClassID, resp.StatusCode)
	return nil
}

// resolveBody returns the result JSON, or the body template with each #field
// replaced by that field of the result JSON. Unknown references are kept.
func (p *Push) resolveBody(ev publish.ResultEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	if p.config.Body == "" {
		return string(data), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", err
	}
	return fieldRefRegex.ReplaceAllStringFunc(p.config.Body, func(match string) string {
		if v, ok := fields[match[1:]]; ok {
			return string(v)
		}
		return match
	}), nil
}

func (p *Push) method() string {
	if p.config.Method == "" {
		return http.MethodPost
	}
	return p.config.Method
}

// buildRequest constructs the HTTP request with headers and auth.
func (p *Push) buildRequest(ctx context.Context, body string) (*http.Request, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(ctx, p.method(), p.config.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	ct := p.config.ContentType
	if ct == "" {
		ct = "application/json"
	}
	if body != "" {
		req.Header.Set("Content-Type", ct)
	}

	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	switch p.config.Auth.Type {
	case config.PushAuthBearer, config.PushAuthJWT:
		req.Header.Set("Authorization", "Bearer "+p.config.Auth.Token)
	case config.PushAuthBasic:
		req.SetBasicAuth(p.config.Auth.Username, p.config.Auth.Password)
	case config.PushAuthCustomHeader:
		if p.config.Auth.HeaderName != "" {
			req.Header.Set(p.config.Auth.HeaderName, p.config.Auth.HeaderValue)
		}
	}

	return req, nil
}

// handleError records err and returns it.
func (p *Push) handleError(err error) error {
	p.log("error: %v", err)

	p.mu.Lock()
	p.lastErr = err
	if p.status != StatusDisabled {
		p.status = StatusError
	}
	p.mu.Unlock()
	return err
}
