// Package webhook is the inbound HTTP surface: event deliveries, health,
// and read-only job introspection.
//
// Deliveries are acknowledged as soon as they pass validation, throttling,
// and dedup, then handed to a worker pool through a bounded queue. Handler
// latency never stalls the listener.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vaultbot/internal/dispatch"
	"vaultbot/internal/eventbus"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

const defaultMaxBody = 1 << 20 // 1 MiB

// Config controls the receiver.
type Config struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// MaxBodyBytes caps an inbound payload. 0 means 1 MiB.
	MaxBodyBytes int64

	// RatePerSec/Burst throttle POST /events. 0 disables throttling.
	RatePerSec int
	Burst      int

	// DedupWindow suppresses redundant deliveries of the same event ID.
	// 0 disables dedup.
	DedupWindow time.Duration

	QueueSize int
	Workers   int
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 10000
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBody
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

// Event is the delivery payload accepted on POST /events.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JobReader is the read side the /jobs/{id} endpoint needs.
type JobReader interface {
	Job(ctx context.Context, id string) (storage.Job, error)
}

type Server struct {
	cfg   Config
	disp  *dispatch.Dispatcher
	state *storage.StateStore
	jobs  JobReader
	bus   eventbus.Bus
	log   logx.Logger

	limiter *rate.Limiter
	queue   chan Event

	srv     *http.Server
	workers sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func New(cfg Config, disp *dispatch.Dispatcher, state *storage.StateStore, jobs JobReader, bus eventbus.Bus, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:   cfg,
		disp:  disp,
		state: state,
		jobs:  jobs,
		bus:   bus,
		log:   log,
		queue: make(chan Event, cfg.QueueSize),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return s
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	return s.requestLogger(requestID(mux))
}

// Start binds the listener and launches the worker pool. It returns once
// the listener is accepting; serve errors surface through errCh.
func (s *Server) Start(ctx context.Context, errCh chan<- error) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx)
	}

	go func() {
		if serr := s.srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			select {
			case errCh <- serr:
			default:
			}
		}
	}()

	s.log.Info("webhook receiver listening",
		logx.String("addr", addr),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize))
	return nil
}

// Stop closes the listener, then drains the queue through the worker pool
// bounded by the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var err error
	if s.srv != nil {
		shCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		err = s.srv.Shutdown(shCtx)
	}

	// stopped is already set, so no request can reach the queue past this
	// point; the close is safe even when Shutdown gave up on a straggler.
	s.mu.Lock()
	close(s.queue)
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("webhook drain timeout; queued events abandoned")
	case <-ctx.Done():
	}
	return err
}

func (s *Server) worker(ctx context.Context) {
	defer s.workers.Done()
	for ev := range s.queue {
		s.deliver(ctx, ev)
	}
}

func (s *Server) deliver(ctx context.Context, ev Event) {
	start := time.Now()
	err := s.disp.Dispatch(ctx, dispatch.Invocation{
		Handler:       ev.Type,
		Subject:       ev.Subject,
		Args:          ev.Data,
		CorrelationID: ev.ID,
		Source:        dispatch.SourceWebhook,
	})
	if err != nil {
		s.log.Warn("event delivery failed",
			logx.String("event", ev.ID),
			logx.String("type", ev.Type),
			logx.Duration("dur", time.Since(start)),
			logx.Err(err))
		return
	}
	s.log.Debug("event delivered",
		logx.String("event", ev.ID),
		logx.String("type", ev.Type),
		logx.Duration("dur", time.Since(start)))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.reject(w, r, http.StatusTooManyRequests, "rate limit exceeded", "")
		return
	}

	body, err := readBody(r, s.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			s.reject(w, r, http.StatusRequestEntityTooLarge, "payload too large", "")
			return
		}
		s.reject(w, r, http.StatusBadRequest, "unreadable body", "")
		return
	}

	var ev Event
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		s.reject(w, r, http.StatusBadRequest, "malformed JSON", "")
		return
	}
	if ev.ID == "" || ev.Type == "" {
		s.reject(w, r, http.StatusBadRequest, "id and type are required", ev.ID)
		return
	}

	if s.cfg.DedupWindow > 0 {
		seen, derr := s.state.SeenDedup(r.Context(), ev.ID)
		if derr != nil {
			s.log.Warn("dedup check failed; delivering anyway", logx.String("event", ev.ID), logx.Err(derr))
		} else if seen {
			// Redundant delivery of an already-accepted event: acknowledged
			// but not re-dispatched.
			s.log.Debug("duplicate event suppressed", logx.String("event", ev.ID))
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate", "id": ev.ID})
			return
		}
	}

	if !s.enqueue(ev) {
		s.reject(w, r, http.StatusServiceUnavailable, "queue saturated", ev.ID)
		return
	}

	// A delivery enters the dedup window only once it is actually accepted;
	// a 503-rejected delivery must stay retryable.
	if s.cfg.DedupWindow > 0 {
		if derr := s.state.PutDedup(r.Context(), ev.ID, time.Now().Add(s.cfg.DedupWindow)); derr != nil {
			s.log.Warn("dedup record failed", logx.String("event", ev.ID), logx.Err(derr))
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventReceived, Data: ev.ID})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": ev.ID})
}

// enqueue attempts a non-blocking hand-off to the worker pool. The mutex
// pairs it with the queue close in Stop so a request caught in the shutdown
// window is refused instead of sending on a closed channel.
func (s *Server) enqueue(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"handlers": s.disp.Handlers(),
	}
	if stats, err := s.state.StoreStats(r.Context(), 24*time.Hour); err == nil {
		body["records"] = stats.Records
		body["active_records"] = stats.Active
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := s.jobs.Job(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job", "id": id})
	case err != nil:
		s.log.Warn("job lookup failed", logx.String("job", id), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	default:
		writeJSON(w, http.StatusOK, j)
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, code int, msg, eventID string) {
	if s.bus != nil && code != http.StatusTooManyRequests {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventRejected, Data: eventID})
	}
	s.log.Debug("request rejected",
		logx.String("path", r.URL.Path),
		logx.Int("code", code),
		logx.String("reason", msg))
	writeJSON(w, code, map[string]string{"error": msg})
}

var errBodyTooLarge = errors.New("body too large")

// readBody reads at most limit bytes and distinguishes oversized payloads
// from transport errors.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	lr := io.LimitReader(r.Body, limit+1)
	body, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
