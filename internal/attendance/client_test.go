package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/surihq/attendcam/internal/config"
	"github.com/surihq/attendcam/internal/gate"
	"github.com/surihq/attendcam/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testEvent() gate.Event {
	return gate.Event{
		PersonID:   "alice",
		MemberName: "Alice",
		Confidence: 0.93,
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestProcessAttendanceEventPostsRecord(t *testing.T) {
	var got recordRequest
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/attendance/records" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("undecodable body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(config.AttendanceConfig{BaseURL: srv.URL, GroupID: "gym-a", Location: "front-desk"},
		fastPolicy(), nil)

	if err := c.ProcessAttendanceEvent(context.Background(), testEvent()); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", calls.Load())
	}
	if got.PersonID != "alice" || got.GroupID != "gym-a" || got.Location != "front-desk" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.EventID == "" {
		t.Fatal("record must carry an idempotency event id")
	}
}

func TestProcessAttendanceEventRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var eventIDs sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recordRequest
		json.NewDecoder(r.Body).Decode(&req)
		eventIDs.Store(req.EventID, true)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(config.AttendanceConfig{BaseURL: srv.URL}, fastPolicy(), nil)
	if err := c.ProcessAttendanceEvent(context.Background(), testEvent()); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}

	// Retries reuse the same event id so the server can dedup.
	count := 0
	eventIDs.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Fatalf("retries must reuse the event id, saw %d distinct ids", count)
	}
}

func TestProcessAttendanceEventDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"unknown person"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(config.AttendanceConfig{BaseURL: srv.URL}, fastPolicy(), nil)

	err := c.ProcessAttendanceEvent(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected a client-error failure")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected APIError 422, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestRecognizeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recognizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("undecodable request: %v", err)
		}
		if req.ClientID != "client-1" || req.GroupID != "gym-a" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(RecognitionResult{
			Success: true, PersonID: "alice", MemberName: "Alice", Similarity: 0.91,
		})
	}))
	defer srv.Close()

	rec := NewRecognizer(srv.URL, "gym-a", "client-1", nil)
	result, err := rec.Recognize(context.Background(), [4]float64{10, 10, 50, 50})
	if err != nil {
		t.Fatalf("recognize failed: %v", err)
	}
	if result == nil || result.PersonID != "alice" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRecognizeNoMatchIsNilNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RecognitionResult{Success: false})
	}))
	defer srv.Close()

	rec := NewRecognizer(srv.URL, "gym-a", "client-1", nil)
	result, err := rec.Recognize(context.Background(), [4]float64{10, 10, 50, 50})
	if err != nil {
		t.Fatalf("no-match must not be an error: %v", err)
	}
	if result != nil {
		t.Fatalf("no-match should yield nil, got %+v", result)
	}
}

func TestRecognizeServiceErrorPropagates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := NewRecognizer(srv.URL, "gym-a", "client-1", nil)
	if _, err := rec.Recognize(context.Background(), [4]float64{10, 10, 50, 50}); err == nil {
		t.Fatal("expected an error from a 503")
	}
	// Recognition is never retried; the next frame supersedes it.
	if calls.Load() != 1 {
		t.Fatalf("recognition must not retry, got %d calls", calls.Load())
	}
}

func TestTeeSecondaryFailureDoesNotPropagate(t *testing.T) {
	primary := &countingEmitter{}
	secondary := &countingEmitter{err: errors.New("journal down")}

	emitter := Tee(primary, nil, secondary)
	if err := emitter.ProcessAttendanceEvent(context.Background(), testEvent()); err != nil {
		t.Fatalf("secondary failure must not propagate: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("both emitters should be invoked, got %d/%d", primary.calls, secondary.calls)
	}

	// A primary failure does propagate, and secondaries still run.
	primary.err = errors.New("api down")
	if err := emitter.ProcessAttendanceEvent(context.Background(), testEvent()); err == nil {
		t.Fatal("primary failure must propagate")
	}
	if secondary.calls != 2 {
		t.Fatal("secondary should run even when the primary fails")
	}
}

type countingEmitter struct {
	calls int
	err   error
}

func (c *countingEmitter) ProcessAttendanceEvent(context.Context, gate.Event) error {
	c.calls++
	return c.err
}
