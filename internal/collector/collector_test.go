package collector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	config "github.com/mik888em/threads/configs"
	"github.com/mik888em/threads/internal/models"
	"github.com/mik888em/threads/internal/state"
	"github.com/mik888em/threads/internal/threads"
)

type fakeThreads struct {
	mu              sync.Mutex
	postsByAccount  map[string][]models.Post
	failAccounts    map[string]bool
	insightFailures map[string]int // attempts that must fail before success
	insightAttempts map[string]int
	cursors         map[string]string
}

func (f *fakeThreads) FetchPosts(_ context.Context, _, _, accountName string) (*threads.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAccounts[accountName] {
		return nil, errors.New("boom")
	}
	return &threads.FetchResult{
		Posts:      f.postsByAccount[accountName],
		NextCursor: f.cursors[accountName],
	}, nil
}

func (f *fakeThreads) FetchPostInsights(_ context.Context, _, postID, _ string) (models.InsightSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insightAttempts == nil {
		f.insightAttempts = make(map[string]int)
	}
	f.insightAttempts[postID]++
	if f.insightAttempts[postID] <= f.insightFailures[postID] {
		return nil, &threads.APIError{StatusCode: 500, Message: "oops"}
	}
	return models.InsightSet{"views": 100, "likes": 5}, nil
}

func (f *fakeThreads) InsightsURL(postID string) string { return "https://example.com/" + postID }

func (f *fakeThreads) ConcurrencyLimit() int { return 2 }

type fakeSheets struct {
	mu      sync.Mutex
	tokens  []models.AccountToken
	written [][]models.AggregatedRow
	readErr error
}

func (f *fakeSheets) ReadAccountTokens(context.Context, string) ([]models.AccountToken, error) {
	return f.tokens, f.readErr
}

func (f *fakeSheets) WritePostMetrics(_ context.Context, rows []models.AggregatedRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, rows)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StateFile:         filepath.Join(t.TempDir(), "state.json"),
		ConcurrencyLimit:  2,
		MetricsTTLMinutes: 60,
		RunTimeoutMinutes: 30,
	}
}

func newTestCollector(t *testing.T, client ThreadsClient, sheetsClient SheetsClient) (*Collector, *state.Store) {
	t.Helper()
	cfg := testConfig(t)
	st := state.NewStore(cfg.StateFile)
	c := New(cfg, st, client, sheetsClient)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	c.randf = func() float64 { return 0.5 }
	return c, st
}

func TestRunCollectsAndWrites(t *testing.T) {
	client := &fakeThreads{
		postsByAccount: map[string][]models.Post{
			"acc1": {{ID: "1", AccountName: "acc1", LikeCount: 3}},
			"acc2": {{ID: "2", AccountName: "acc2", LikeCount: 4}},
		},
		cursors: map[string]string{"acc1": "c1"},
	}
	sheetsClient := &fakeSheets{tokens: []models.AccountToken{
		{AccountName: "acc1", Token: "t1"},
		{AccountName: "acc2", Token: "t2"},
	}}
	c, st := newTestCollector(t, client, sheetsClient)

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sheetsClient.written) != 1 || len(sheetsClient.written[0]) != 2 {
		t.Fatalf("written = %+v, want one batch of 2 rows", sheetsClient.written)
	}
	if got := st.GetCursor("acc1"); got != "c1" {
		t.Fatalf("cursor for acc1 = %q, want c1", got)
	}
	if got := st.GetCursor("acc2"); got != "" {
		t.Fatalf("acc2 returned no cursor, but %q was persisted", got)
	}
	if st.ShouldRefreshPost("1", time.Hour) || st.ShouldRefreshPost("2", time.Hour) {
		t.Fatal("successful insight fetches must record freshness timestamps")
	}
}

func TestRunIsolatesAccountFailures(t *testing.T) {
	client := &fakeThreads{
		postsByAccount: map[string][]models.Post{
			"good": {{ID: "2", AccountName: "good", LikeCount: 4}},
		},
		failAccounts: map[string]bool{"bad": true},
	}
	sheetsClient := &fakeSheets{tokens: []models.AccountToken{
		{AccountName: "bad", Token: "t1"},
		{AccountName: "good", Token: "t2"},
	}}
	c, _ := newTestCollector(t, client, sheetsClient)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("one failing account must not abort the run: %v", err)
	}
	if len(sheetsClient.written) != 1 || len(sheetsClient.written[0]) != 1 {
		t.Fatalf("written = %+v, want the good account's single row", sheetsClient.written)
	}
	if got := sheetsClient.written[0][0].PostID; got != "2" {
		t.Fatalf("row post id = %q, want 2", got)
	}
}

func TestRetryWaveRecoversFailedInsight(t *testing.T) {
	// First-wave fetch fails, first retry fails, second retry succeeds.
	client := &fakeThreads{
		postsByAccount: map[string][]models.Post{
			"acc": {{ID: "1", AccountName: "acc", LikeCount: 3}},
		},
		insightFailures: map[string]int{"1": 2},
	}
	sheetsClient := &fakeSheets{tokens: []models.AccountToken{{AccountName: "acc", Token: "t"}}}
	c, st := newTestCollector(t, client, sheetsClient)

	var pauses []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.insightAttempts["1"] != 3 {
		t.Fatalf("attempts = %d, want 3 (first wave + 2 retries)", client.insightAttempts["1"])
	}
	rows := sheetsClient.written[0]
	if len(rows) != 1 || rows[0].Views == nil || *rows[0].Views != 100 {
		t.Fatalf("rows = %+v, want post 1 with views from the recovered insight", rows)
	}
	if st.ShouldRefreshPost("1", time.Hour) {
		t.Fatal("recovered insight must record a freshness timestamp")
	}
	if len(pauses) != 1 || pauses[0] != 25*time.Second {
		t.Fatalf("pauses = %v, want one randomized pause of 25s at randf=0.5", pauses)
	}
}

func TestRetryWaveGivesUpSilently(t *testing.T) {
	client := &fakeThreads{
		postsByAccount: map[string][]models.Post{
			"acc": {{ID: "1", AccountName: "acc", LikeCount: 3}},
		},
		insightFailures: map[string]int{"1": 10},
	}
	sheetsClient := &fakeSheets{tokens: []models.AccountToken{{AccountName: "acc", Token: "t"}}}
	c, st := newTestCollector(t, client, sheetsClient)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("an exhausted insight must not fail the run: %v", err)
	}
	rows := sheetsClient.written[0]
	if len(rows) != 1 {
		t.Fatalf("rows = %+v, want the post without insights", rows)
	}
	if rows[0].Views != nil {
		t.Fatal("views must stay nil when insights never arrived")
	}
	if rows[0].Likes != 3 {
		t.Fatalf("likes = %d, want the native counter 3", rows[0].Likes)
	}
	if !st.ShouldRefreshPost("1", time.Hour) {
		t.Fatal("a failed insight fetch must not record a freshness timestamp")
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	sheetsClient := &fakeSheets{tokens: []models.AccountToken{{AccountName: "acc", Token: "t"}}}
	c, st := newTestCollector(t, &fakeThreads{}, sheetsClient)

	if !st.TryAcquireRunLock(30 * time.Minute) {
		t.Fatal("setup: could not hold the lock")
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("held lock must skip silently, got %v", err)
	}
	if len(sheetsClient.written) != 0 {
		t.Fatal("a skipped run must not write")
	}
}

func TestRunSkipsWhenMetricsFresh(t *testing.T) {
	sheetsClient := &fakeSheets{tokens: []models.AccountToken{{AccountName: "acc", Token: "t"}}}
	c, st := newTestCollector(t, &fakeThreads{}, sheetsClient)

	st.TouchLastMetricsWrite()
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sheetsClient.written) != 0 {
		t.Fatal("fresh metrics must skip the run")
	}
}

func TestRunSkipsInsightsWithinTTL(t *testing.T) {
	client := &fakeThreads{
		postsByAccount: map[string][]models.Post{
			"acc": {{ID: "1", AccountName: "acc", LikeCount: 3}},
		},
	}
	sheetsClient := &fakeSheets{tokens: []models.AccountToken{{AccountName: "acc", Token: "t"}}}
	c, st := newTestCollector(t, client, sheetsClient)

	st.UpdatePostTimestamp("1", time.Now().In(models.Timezone))

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.insightAttempts["1"] != 0 {
		t.Fatal("a post inside the metrics ttl must not be fetched")
	}
	rows := sheetsClient.written[0]
	if rows[0].Views != nil {
		t.Fatal("skipped insight must leave views nil")
	}
}

func TestRunFailsOnCredentialError(t *testing.T) {
	sheetsClient := &fakeSheets{readErr: errors.New("sheet unreachable")}
	c, st := newTestCollector(t, &fakeThreads{}, sheetsClient)

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("credential read failure must be fatal to the run")
	}
	if !st.TryAcquireRunLock(30 * time.Minute) {
		t.Fatal("the run lock must be released even on failure")
	}
}
