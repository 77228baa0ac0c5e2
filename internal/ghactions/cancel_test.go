package ghactions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type fakeAPI struct {
	mu         sync.Mutex
	inProgress []int64
	queued     []int64
	cancelled  []int64
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/owner/repo/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var ids []int64
		switch r.URL.Query().Get("status") {
		case "in_progress":
			ids = f.inProgress
		case "queued":
			ids = f.queued
		default:
			t.Errorf("unexpected status filter %q", r.URL.Query().Get("status"))
		}
		runs := make([]map[string]int64, len(ids))
		for i, id := range ids {
			runs[i] = map[string]int64{"id": id}
		}
		json.NewEncoder(w).Encode(map[string]any{"workflow_runs": runs})
	})
	mux.HandleFunc("/repos/owner/repo/actions/runs/", func(w http.ResponseWriter, r *http.Request) {
		var id int64
		if _, err := fmt.Sscanf(r.URL.Path, "/repos/owner/repo/actions/runs/%d/cancel", &id); err != nil {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		f.mu.Lock()
		f.cancelled = append(f.cancelled, id)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func newTestCanceller(baseURL string) *Canceller {
	c := NewCanceller("owner", "repo", "token")
	c.baseURL = baseURL
	return c
}

func TestRunOnceCancelsQueuedBehindActiveRun(t *testing.T) {
	api := &fakeAPI{inProgress: []int64{1}, queued: []int64{2, 3}}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	c := newTestCanceller(server.URL)
	if err := c.runOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.cancelled) != 2 {
		t.Fatalf("cancelled = %v, want runs 2 and 3", api.cancelled)
	}
	seen := map[int64]bool{}
	for _, id := range api.cancelled {
		seen[id] = true
	}
	if !seen[2] || !seen[3] {
		t.Fatalf("cancelled = %v, want runs 2 and 3", api.cancelled)
	}
}

func TestRunOnceLeavesQueueWhenNothingActive(t *testing.T) {
	api := &fakeAPI{queued: []int64{2}}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	c := newTestCanceller(server.URL)
	if err := c.runOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(api.cancelled) != 0 {
		t.Fatalf("cancelled = %v, want no cancellations without an active run", api.cancelled)
	}
}

func TestRunOnceReportsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := newTestCanceller(server.URL)
	err := c.runOnce(context.Background())
	statusErr, ok := err.(*statusError)
	if !ok {
		t.Fatalf("err = %v, want a statusError", err)
	}
	if statusErr.status != http.StatusForbidden || statusErr.remaining != "0" {
		t.Fatalf("statusError = %+v", statusErr)
	}
}
