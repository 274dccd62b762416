package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vaultbot/internal/dispatch"
	"vaultbot/internal/eventbus"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

type stubJobs struct{ job storage.Job }

func (s stubJobs) Job(ctx context.Context, id string) (storage.Job, error) {
	if s.job.ID == "" || s.job.ID != id {
		return storage.Job{}, storage.ErrNotFound
	}
	return s.job, nil
}

func newTestServer(t *testing.T, cfg Config, jobs JobReader) (*Server, *dispatch.Dispatcher, *httptest.Server) {
	t.Helper()
	st, err := storage.OpenState(storage.Config{Path: filepath.Join(t.TempDir(), "state.sqlite3")}, logx.Nop())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	d := dispatch.New(st, logx.Nop())
	if jobs == nil {
		jobs = stubJobs{}
	}
	s := New(cfg, d, st, jobs, eventbus.New(), logx.Nop())

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, d, ts
}

func postEvent(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /events: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestEventAcceptedAndDelivered(t *testing.T) {
	t.Parallel()
	s, d, ts := newTestServer(t, Config{}, nil)

	var delivered atomic.Int32
	_ = d.Register("user.signup", func(ctx context.Context, inv *dispatch.Invocation) error {
		if inv.Source != dispatch.SourceWebhook || inv.CorrelationID != "evt-1" {
			t.Errorf("unexpected invocation: %+v", inv)
		}
		delivered.Add(1)
		return nil
	})
	go s.worker(context.Background())

	resp := postEvent(t, ts.URL, `{"id":"evt-1","type":"user.signup","subject":"user:1","data":{"plan":"pro"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if delivered.Load() != 1 {
		t.Fatal("event never reached the handler")
	}
}

func TestBadPayloadRejected(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not-json`},
		{name: "missing id", body: `{"type":"x"}`},
		{name: "missing type", body: `{"id":"e1"}`},
		{name: "unknown field", body: `{"id":"e1","type":"x","bogus":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp := postEvent(t, ts.URL, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{MaxBodyBytes: 64}, nil)

	big := `{"id":"e1","type":"x","data":{"blob":"` + strings.Repeat("a", 200) + `"}}`
	resp := postEvent(t, ts.URL, big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	t.Parallel()
	s, d, ts := newTestServer(t, Config{DedupWindow: time.Minute}, nil)

	var delivered atomic.Int32
	_ = d.Register("once.only", func(ctx context.Context, inv *dispatch.Invocation) error {
		delivered.Add(1)
		return nil
	})
	go s.worker(context.Background())

	body := `{"id":"evt-dup","type":"once.only"}`
	first := postEvent(t, ts.URL, body)
	second := postEvent(t, ts.URL, body)
	if first.StatusCode != http.StatusAccepted || second.StatusCode != http.StatusAccepted {
		t.Fatalf("both deliveries must be acknowledged: %d, %d", first.StatusCode, second.StatusCode)
	}

	var ack struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(second.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != "duplicate" {
		t.Fatalf("second ack = %q, want duplicate", ack.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := delivered.Load(); n != 1 {
		t.Fatalf("delivered %d times, want 1", n)
	}
}

func TestQueueSaturationReturns503(t *testing.T) {
	t.Parallel()
	// One-slot queue and no workers draining it.
	_, _, ts := newTestServer(t, Config{QueueSize: 1}, nil)

	first := postEvent(t, ts.URL, `{"id":"e1","type":"x"}`)
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", first.StatusCode)
	}
	second := postEvent(t, ts.URL, `{"id":"e2","type":"x"}`)
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d, want 503", second.StatusCode)
	}
}

func TestRejectedDeliveryStaysRetryable(t *testing.T) {
	t.Parallel()
	// One-slot queue and no workers, so the second event bounces.
	s, _, ts := newTestServer(t, Config{QueueSize: 1, DedupWindow: time.Minute}, nil)

	first := postEvent(t, ts.URL, `{"id":"e1","type":"x"}`)
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", first.StatusCode)
	}
	bounced := postEvent(t, ts.URL, `{"id":"e2","type":"x"}`)
	if bounced.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("bounced status = %d, want 503", bounced.StatusCode)
	}

	// A 503 must not burn the correlation ID: once there is capacity the
	// sender's retry has to be accepted and queued, not acked as duplicate.
	<-s.queue
	retry := postEvent(t, ts.URL, `{"id":"e2","type":"x"}`)
	if retry.StatusCode != http.StatusAccepted {
		t.Fatalf("retry status = %d, want 202", retry.StatusCode)
	}
	var ack struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(retry.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != "accepted" {
		t.Fatalf("retry ack = %q, want accepted", ack.Status)
	}
	if got := <-s.queue; got.ID != "e2" {
		t.Fatalf("queued event = %q, want e2", got.ID)
	}
}

func TestStoppedServerRefusesEvents(t *testing.T) {
	t.Parallel()
	s, _, ts := newTestServer(t, Config{QueueSize: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The queue is closed now; a straggling request must be turned away
	// instead of sending into it.
	resp := postEvent(t, ts.URL, `{"id":"late","type":"x"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{RatePerSec: 1, Burst: 1}, nil)

	first := postEvent(t, ts.URL, `{"id":"r1","type":"x"}`)
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", first.StatusCode)
	}
	second := postEvent(t, ts.URL, `{"id":"r2","type":"x"}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, d, ts := newTestServer(t, Config{}, nil)
	_ = d.Register("a.handler", func(ctx context.Context, inv *dispatch.Invocation) error { return nil })

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string   `json:"status"`
		Handlers []string `json:"handlers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || len(body.Handlers) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestJobLookup(t *testing.T) {
	t.Parallel()
	job := storage.Job{ID: "j1", Kind: storage.JobOnce, Handler: "ping", Status: storage.StatusPending}
	_, _, ts := newTestServer(t, Config{}, stubJobs{job: job})

	resp, err := http.Get(ts.URL + "/jobs/j1")
	if err != nil {
		t.Fatalf("GET /jobs/j1: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got storage.Job
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "j1" || got.Status != storage.StatusPending {
		t.Fatalf("unexpected job: %+v", got)
	}

	missing, err := http.Get(ts.URL + "/jobs/nope")
	if err != nil {
		t.Fatalf("GET /jobs/nope: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", missing.StatusCode)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{}, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", bytes.NewReader(nil))
	req.Header.Set(requestIDHeader, "trace-me")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "trace-me" {
		t.Fatalf("request id = %q, want trace-me", got)
	}

	// A request without one gets a generated ID.
	plain, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer plain.Body.Close()
	if plain.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
}
