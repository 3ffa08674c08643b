// Package api provides the HTTP handlers for the PLC handshake and detection
// endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"visiongate/config"
	"visiongate/detector"
	"visiongate/engine"
	"visiongate/logging"
	"visiongate/plcman"
	"visiongate/register"
)

// MaxUploadSize bounds the body of a detection request.
const MaxUploadSize = 32 << 20

// Backend provides access to the shared runtime components.
type Backend interface {
	GetConfig() *config.Config
	GetPLCMan() *plcman.Manager
	GetOrchestrator() *engine.Orchestrator
	GetPoller() *engine.Poller
	GetCatalog() *detector.Catalog
	GetClasses() detector.Classes
	GetEventBus() *engine.EventBus
}

// StartRequest optionally overrides the configured connection parameters.
// Absent fields keep their configured value.
type StartRequest struct {
	IP        *string `json:"ip,omitempty"`
	DB        *int    `json:"db,omitempty"`
	Rack      *int    `json:"rack,omitempty"`
	Slot      *int    `json:"slot,omitempty"`
	ConnType  *int    `json:"connection_type,omitempty"`
	Transport *string `json:"transport,omitempty"`
}

func (s StartRequest) apply(p *plcman.Params) {
	if s.IP != nil {
		p.IP = *s.IP
	}
	if s.DB != nil {
		p.DB = *s.DB
	}
	if s.Rack != nil {
		p.Rack = *s.Rack
	}
	if s.Slot != nil {
		p.Slot = *s.Slot
	}
	if s.ConnType != nil {
		p.ConnType = *s.ConnType
	}
	if s.Transport != nil {
		p.Transport = *s.Transport
	}
}

// DetectRequest is the JSON form of a detection request. Image is plain
// base64 or a data URL.
type DetectRequest struct {
	Image string `json:"image"`
	Model string `json:"model"`
}

// GateClosedResponse is returned with 409 when the PLC has not armed the trigger.
type GateClosedResponse struct {
	Error     string        `json:"error"`
	PLCStatus engine.Status `json:"plc_status"`
}

// ModelsResponse lists the model catalog and class table.
type ModelsResponse struct {
	Models  []string         `json:"models"`
	Default string           `json:"default"`
	Classes detector.Classes `json:"classes"`
}

type handlers struct {
	backend Backend
	hub     *eventHub
	busID   int
}

// NewRouter creates the API router. The returned function unsubscribes the
// event stream and stops its hub.
func NewRouter(backend Backend) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{backend: backend, hub: newEventHub()}

	r.Get("/healthz", h.handleHealth)
	r.Get("/models", h.handleModels)
	r.Post("/detect", h.handleDetect)
	r.Get("/events", h.handleSSE)

	r.Route("/plc", func(r chi.Router) {
		r.Post("/start", h.handleStart)
		r.Get("/status", h.handleStatus)

		// Operator actions
		r.Group(func(r chi.Router) {
			r.Use(h.requireOperator)
			r.Post("/stop", h.handleStop)
			r.Post("/counter/reset", h.handleCounterReset)
		})
	})

	return r, h.setupSSE()
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeStatusJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeStatusJSON(w, status, map[string]string{"error": message})
}

// requireOperator enforces basic auth against the configured admin account.
// With no admin user configured the endpoints are open.
func (h *handlers) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := h.backend.GetConfig()
		cfg.Lock()
		wantUser, hash := cfg.Web.AdminUser, cfg.Web.AdminHash
		cfg.Unlock()

		if wantUser == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
			logging.DebugLog("http", "rejected operator request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="visiongate"`)
			h.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) handleModels(w http.ResponseWriter, r *http.Request) {
	catalog := h.backend.GetCatalog()
	models := catalog.Available()
	if models == nil {
		models = []string{}
	}
	h.writeJSON(w, ModelsResponse{
		Models:  models,
		Default: catalog.Default(),
		Classes: h.backend.GetClasses(),
	})
}

// handleStart connects to the PLC. A failed connection attempt is reported
// through the returned status rather than the HTTP code.
func (h *handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg := h.backend.GetConfig()
	cfg.Lock()
	params := plcman.ParamsFromConfig(cfg.PLC)
	cfg.Unlock()

	var req StartRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.apply(&params)

	err := h.backend.GetPLCMan().Connect(r.Context(), params)
	var cerr *plcman.ConnectionError
	switch {
	case errors.Is(err, plcman.ErrConnectInProgress):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil && !errors.As(err, &cerr) && !isContextErr(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logging.DebugLog("http", "plc start: %v", err)
	}

	h.writeJSON(w, h.backend.GetPoller().Poll())
}

func (h *handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	h.backend.GetPLCMan().Disconnect()
	h.writeJSON(w, h.backend.GetPoller().Poll())
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.backend.GetPoller().Poll())
}

func (h *handlers) handleCounterReset(w http.ResponseWriter, r *http.Request) {
	h.backend.GetOrchestrator().ResetCounter()
	h.writeJSON(w, h.backend.GetPoller().Poll())
}

func (h *handlers) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	image, model, err := readDetectRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	model, err = h.backend.GetCatalog().Resolve(model)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.backend.GetOrchestrator().Detect(r.Context(), engine.Request{Image: image, Model: model})
	if err != nil {
		if engine.IsGateClosed(err) {
			h.writeStatusJSON(w, http.StatusConflict, GateClosedResponse{
				Error:     err.Error(),
				PLCStatus: h.backend.GetPoller().Poll(),
			})
			return
		}
		status := detectErrorStatus(err)
		logging.DebugLog("http", "detect failed (%d): %v", status, err)
		h.writeError(w, status, err.Error())
		return
	}

	h.writeJSON(w, res)
}

// readDetectRequest accepts a multipart upload (file, model) or a JSON body
// (image, model).
func readDetectRequest(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			return nil, "", fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("%w: missing file field", engine.ErrInvalidInput)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
		}
		return data, r.FormValue("model"), nil
	}

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	}
	if req.Image == "" {
		return nil, "", fmt.Errorf("%w: missing image", engine.ErrInvalidInput)
	}
	data, err := detector.DecodeBase64Image(req.Image)
	if err != nil {
		return nil, "", err
	}
	return data, req.Model, nil
}

// detectErrorStatus maps a detection failure onto an HTTP status.
func detectErrorStatus(err error) int {
	var perr *register.ProtocolError
	var cerr *plcman.ConnectionError
	switch {
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, detector.ErrInvalidImage),
		errors.Is(err, detector.ErrModelNotFound):
		return http.StatusBadRequest
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.As(err, &cerr),
		errors.Is(err, register.ErrNotConnected),
		errors.Is(err, detector.ErrUnavailable),
		isContextErr(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// decodeOptional decodes a JSON body into v. An empty body leaves v unchanged.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
