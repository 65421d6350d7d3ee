package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

func TestNewNotification(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	completed := models.Task{
		ID:          "t1",
		Status:      models.TaskStatusCompleted,
		WebhookURL:  "https://example.com/hook",
		StartedAt:   &start,
		CompletedAt: &end,
		Result:      &models.JobResult{Content: "ok"},
	}
	n := NewNotification(completed)
	if n.URL != completed.WebhookURL || n.Payload.Duration != 1500 || n.Payload.Result == nil {
		t.Errorf("unexpected notification %+v", n)
	}

	failed := completed
	failed.Status = models.TaskStatusFailed
	failed.Error = "boom"
	n = NewNotification(failed)
	if n.Payload.Result != nil || n.Payload.Error != "boom" {
		t.Errorf("failed payload should carry only the error: %+v", n.Payload)
	}
}

func TestNotifier_Delivers(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []map[string]any
		ctyp string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, body)
		ctyp = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(2, 8, time.Second)
	ok := n.Notify(Notification{URL: srv.URL, Payload: Payload{TaskID: "t1", Status: models.TaskStatusCompleted, Duration: 42}})
	if !ok {
		t.Fatal("Notify rejected delivery")
	}
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0]["taskId"] != "t1" || got[0]["status"] != "completed" || got[0]["duration"] != float64(42) {
		t.Errorf("unexpected body %v", got[0])
	}
	if ctyp != "application/json" {
		t.Errorf("content type = %q", ctyp)
	}
	if len(n.Failures()) != 0 {
		t.Errorf("unexpected failures %v", n.Failures())
	}
}

func TestNotifier_FailuresAreRecordedNotRetried(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(1, 4, time.Second)
	n.Notify(Notification{URL: srv.URL, Payload: Payload{TaskID: "t1"}})
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	failures := n.Failures()
	if len(failures) != 1 || failures[0].TaskID != "t1" {
		t.Fatalf("failures = %+v", failures)
	}
}

func TestNotifier_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	n := New(1, 1, 50*time.Millisecond)
	n.Notify(Notification{URL: srv.URL, Payload: Payload{TaskID: "slow"}})
	n.Close()
	if len(n.Failures()) != 1 {
		t.Errorf("expected timeout failure, got %+v", n.Failures())
	}
}

func TestNotifier_CustomClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A client without its own timeout must still deliver.
	n := New(1, 1, time.Second, WithHTTPClient(&http.Client{}))
	n.Notify(Notification{URL: srv.URL, Payload: Payload{TaskID: "t1"}})
	n.Close()
	if len(n.Failures()) != 0 {
		t.Errorf("unexpected failures %+v", n.Failures())
	}

	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	n = New(1, 1, 50*time.Millisecond, WithHTTPClient(&http.Client{}))
	n.Notify(Notification{URL: slow.URL, Payload: Payload{TaskID: "slow"}})
	n.Close()
	if len(n.Failures()) != 1 {
		t.Errorf("notifier timeout not applied to custom client, failures %+v", n.Failures())
	}
}

func TestNotifier_FailureRingKeepsNewest(t *testing.T) {
	n := New(1, 1, time.Second, WithFailureLog(2))
	n.Close()
	for _, id := range []string{"a", "b", "c"} {
		n.Notify(Notification{URL: "http://127.0.0.1:1/hook", Payload: Payload{TaskID: id}})
	}
	failures := n.Failures()
	if len(failures) != 2 || failures[0].TaskID != "b" || failures[1].TaskID != "c" {
		t.Errorf("ring = %+v", failures)
	}
}

func TestNotifier_SkipsEmptyURL(t *testing.T) {
	n := New(1, 1, time.Second)
	defer n.Close()
	if n.Notify(Notification{}) {
		t.Error("empty URL should not be queued")
	}
}
