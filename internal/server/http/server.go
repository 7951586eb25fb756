// Package httpserver exposes the player API: an HTTP host that creates interaction instances in
// server-side documents and drives them on behalf of remote clients.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/controller"
	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/host"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/resize"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	instancesPath        = "/instances"
	instanceDetailPrefix = instancesPath + "/"
	strategiesPath       = "/strategies"

	// DefaultMarkup is used when a create request carries no markup.
	DefaultMarkup = `<div class="qti-interaction"><div class="qti-interaction-markup"></div></div>`

	defaultReadyTimeout = 5 * time.Second
)

// Catalog lists strategies for GET /strategies.
type Catalog interface {
	Cached() []string
	Available() []string
}

// Options configure the handler.
type Options struct {
	// Interactions resolves create requests to a registered runtime by type identifier.
	Interactions *host.Context
	Catalog      Catalog
	// ReadyTimeout bounds how long create waits for initialization.
	ReadyTimeout time.Duration
	// OriginPatterns are the websocket origins accepted besides the request host.
	OriginPatterns []string
	// Measurer, when set, replaces the default measurer of instance documents.
	Measurer dom.Measurer
	Logger   observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	interactions   *host.Context
	catalog        Catalog
	readyTimeout   time.Duration
	originPatterns []string
	measurer       dom.Measurer
	logger         observability.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// Handler serves the player API.
type Handler struct {
	http.Handler
	server *httpServer
}

// Close completes every open instance.
func (h *Handler) Close() {
	h.server.closeAll()
}

// NewHandler creates the player API handler.
func NewHandler(opts Options) *Handler {
	server := &httpServer{
		interactions:   opts.Interactions,
		catalog:        opts.Catalog,
		readyTimeout:   opts.ReadyTimeout,
		originPatterns: opts.OriginPatterns,
		measurer:       opts.Measurer,
		logger:         observability.OrDefault(opts.Logger),
		sessions:       make(map[string]*session),
	}
	if server.readyTimeout <= 0 {
		server.readyTimeout = defaultReadyTimeout
	}
	mux := http.NewServeMux()

	mux.Handle(instancesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listInstances,
		http.MethodPost: server.createInstance,
	}))
	mux.Handle(instanceDetailPrefix, http.HandlerFunc(server.handleInstance))

	mux.Handle(strategiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStrategies,
	}))

	return &Handler{Handler: withCORS(mux), server: server}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type createRequest struct {
	Markup             string            `json:"markup"`
	TypeIdentifier     string            `json:"typeIdentifier,omitempty"`
	ResponseIdentifier string            `json:"responseIdentifier,omitempty"`
	Properties         map[string]string `json:"properties,omitempty"`
	Configuration      *interaction.Spec `json:"configuration,omitempty"`
	State              json.RawMessage   `json:"state,omitempty"`
}

func (s *httpServer) createInstance(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	typeID := strings.TrimSpace(req.TypeIdentifier)
	if typeID == "" {
		typeID = host.TypeIdentifier
	}
	if s.interactions == nil {
		writeError(w, http.StatusServiceUnavailable, "no interaction runtime registered")
		return
	}
	descriptor, ok := s.interactions.Lookup(typeID)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown type identifier %q", typeID))
		return
	}

	markup := strings.TrimSpace(req.Markup)
	if markup == "" {
		markup = DefaultMarkup
	}
	doc := dom.NewDocument()
	if err := doc.Body().SetInnerHTML(markup); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid markup: %v", err))
		return
	}
	children := doc.Body().Children()
	if len(children) == 0 {
		writeError(w, http.StatusBadRequest, "markup has no mount element")
		return
	}
	mount := children[0]
	if s.measurer != nil {
		doc.SetMeasurer(s.measurer)
	}

	var prior any
	if len(bytes.TrimSpace(req.State)) > 0 && !bytes.Equal(bytes.TrimSpace(req.State), []byte("null")) {
		if err := json.Unmarshal(req.State, &prior); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid state: %v", err))
			return
		}
	}

	sess := &session{id: uuid.NewString(), frame: newFrameHub(s.logger)}
	doc.AttachFrame(sess.frame)
	cfg := &interaction.HostConfig{
		Properties:           req.Properties,
		PrimaryConfiguration: req.Configuration,
		ResponseIdentifier:   req.ResponseIdentifier,
		OnCheck:              sess.recordCheck,
		OnContentResize:      sess.recordSize,
	}
	sess.inst = descriptor.GetInstance(mount, cfg, prior)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()
	status := http.StatusCreated
	if err := sess.inst.Wait(ctx); err != nil && ctx.Err() != nil {
		status = http.StatusAccepted
	}
	s.logger.Info("instance created",
		observability.F("instance", sess.id),
		observability.F("status", string(sess.inst.Status())))
	writeJSON(w, status, sess.snapshot(true))
}

func (s *httpServer) listInstances(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot(false))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

func (s *httpServer) getStrategies(w http.ResponseWriter, _ *http.Request) {
	cached, available := []string{}, []string{}
	if s.catalog != nil {
		cached = append(cached, s.catalog.Cached()...)
		available = append(available, s.catalog.Available()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cached": cached, "available": available})
}

func (s *httpServer) handleInstance(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, instanceDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "instance id required")
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "instance id required")
		return
	}
	sess, ok := s.session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}

	if !hasAction {
		s.handleInstanceResource(w, r, sess)
		return
	}
	s.handleInstanceAction(w, r, sess, strings.TrimSpace(action))
}

func (s *httpServer) handleInstanceResource(w http.ResponseWriter, r *http.Request, sess *session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, sess.snapshot(true))
	case http.MethodDelete:
		s.complete(sess)
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "id": sess.id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet)
	}
}

func (s *httpServer) handleInstanceAction(w http.ResponseWriter, r *http.Request, sess *session, action string) {
	switch action {
	case "state":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		limitRequestBody(w, r)
		var state any
		if err := decodeJSON(r, &state); err != nil {
			writeDecodeError(w, err)
			return
		}
		sess.inst.SetState(state)
		writeJSON(w, http.StatusOK, sess.snapshot(false))
	case "rendering-properties":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		limitRequestBody(w, r)
		var props map[string]any
		if err := decodeJSON(r, &props); err != nil {
			writeDecodeError(w, err)
			return
		}
		sess.inst.SetRenderingProperties(props)
		writeJSON(w, http.StatusOK, sess.snapshot(false))
	case "events":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		limitRequestBody(w, r)
		var evt controller.UserEvent
		if err := decodeJSON(r, &evt); err != nil {
			writeDecodeError(w, err)
			return
		}
		if err := sess.inst.Dispatch(evt); err != nil {
			writeRuntimeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.snapshot(false))
	case "frame":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.serveFrame(w, r, sess)
	default:
		writeError(w, http.StatusNotFound, "unknown instance action")
	}
}

func (s *httpServer) session(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *httpServer) complete(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	sess.inst.OnCompleted()
	sess.frame.close()
	s.logger.Info("instance completed", observability.F("instance", sess.id))
}

func (s *httpServer) closeAll() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		s.complete(sess)
	}
}

func decodeJSON(r *http.Request, target any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("request body required")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeRuntimeError(w http.ResponseWriter, err error) {
	code, _ := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeUnavailable:
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// session is one instance created through the API.
type session struct {
	id    string
	inst  *host.Instance
	frame *frameHub

	mu        sync.Mutex
	lastCheck *bool
	size      *resize.Dimensions
}

// recordCheck and recordSize are host callbacks; they run after the controller lock is released.
func (s *session) recordCheck(correct bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = &correct
}

func (s *session) recordSize(width, height float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = &resize.Dimensions{Width: width, Height: height}
}

type snapshot struct {
	ID             string             `json:"id"`
	Status         string             `json:"status"`
	Ready          bool               `json:"ready"`
	Error          string             `json:"error,omitempty"`
	Strategy       string             `json:"strategy,omitempty"`
	State          any                `json:"state"`
	Response       any                `json:"response"`
	Valid          bool               `json:"valid"`
	CustomValidity string             `json:"customValidity"`
	LastCheck      *bool              `json:"lastCheck"`
	Size           *resize.Dimensions `json:"size,omitempty"`
	Markup         string             `json:"markup,omitempty"`
}

func (s *session) snapshot(withMarkup bool) snapshot {
	out := snapshot{
		ID:             s.id,
		Status:         string(s.inst.Status()),
		Strategy:       s.inst.Controller().StrategyName(),
		State:          s.inst.State(),
		Valid:          s.inst.CheckValidity(),
		CustomValidity: s.inst.CustomValidity(),
	}
	select {
	case <-s.inst.Ready():
		out.Ready = true
		if err := s.inst.Err(); err != nil {
			out.Error = err.Error()
		}
	default:
	}
	if resp, ok := s.inst.Response(); ok {
		if json.Valid([]byte(resp)) {
			out.Response = json.RawMessage(resp)
		} else {
			out.Response = resp
		}
	}
	if withMarkup {
		out.Markup = s.inst.Markup()
	}
	s.mu.Lock()
	out.LastCheck = s.lastCheck
	if s.size != nil {
		size := *s.size
		out.Size = &size
	}
	s.mu.Unlock()
	return out
}
