// Package collector drives one metrics run: post collection per account,
// insight collection per post, a bounded retry wave for insight failures,
// aggregation and the sheet write.
package collector

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	config "github.com/mik888em/threads/configs"
	"github.com/mik888em/threads/internal/aggregate"
	"github.com/mik888em/threads/internal/models"
	"github.com/mik888em/threads/internal/sheets"
	"github.com/mik888em/threads/internal/state"
	"github.com/mik888em/threads/internal/threads"
)

type ThreadsClient interface {
	FetchPosts(ctx context.Context, accessToken, after, accountName string) (*threads.FetchResult, error)
	FetchPostInsights(ctx context.Context, accessToken, postID, accountName string) (models.InsightSet, error)
	InsightsURL(postID string) string
	ConcurrencyLimit() int
}

type SheetsClient interface {
	ReadAccountTokens(ctx context.Context, worksheet string) ([]models.AccountToken, error)
	WritePostMetrics(ctx context.Context, rows []models.AggregatedRow) error
}

// RetrySettings shape the secondary insight retry wave. The randomized pause
// keeps many posts from hammering the same rate-limit window in lockstep.
type RetrySettings struct {
	MaxAttempts int
	PauseMin    time.Duration
	PauseMax    time.Duration
}

func DefaultRetrySettings() RetrySettings {
	return RetrySettings{MaxAttempts: 3, PauseMin: 20 * time.Second, PauseMax: 30 * time.Second}
}

func (r RetrySettings) normalizedPause() (time.Duration, time.Duration) {
	if r.PauseMax < r.PauseMin {
		return r.PauseMax, r.PauseMin
	}
	return r.PauseMin, r.PauseMax
}

type Collector struct {
	cfg    *config.Config
	state  *state.Store
	client ThreadsClient
	sheets SheetsClient
	retry  RetrySettings

	// Indirections for tests.
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
	now   func() time.Time
}

func New(cfg *config.Config, st *state.Store, client ThreadsClient, sheetsClient SheetsClient) *Collector {
	return &Collector{
		cfg:    cfg,
		state:  st,
		client: client,
		sheets: sheetsClient,
		retry:  DefaultRetrySettings(),
		sleep:  sleepContext,
		randf:  rand.Float64,
		now:    func() time.Time { return time.Now().In(models.Timezone) },
	}
}

// Run executes the full collection protocol. Skips (lock held, metrics
// fresh) are not errors; only credential-read and persistence failures are.
func (c *Collector) Run(ctx context.Context) error {
	if !c.state.TryAcquireRunLock(c.cfg.RunTimeout()) {
		slog.Info("previous run still active, exiting")
		return nil
	}
	defer c.state.ReleaseRunLock()

	if last, ok := c.state.LastMetricsWrite(); ok {
		if age := c.now().Sub(last); age < c.cfg.MetricsTTL() {
			slog.Info("metrics are fresh, nothing to do",
				slog.Float64("age_minutes", age.Minutes()))
			return nil
		}
	}

	tokens, err := c.sheets.ReadAccountTokens(ctx, sheets.AccountsWorksheet)
	if err != nil {
		return err
	}
	slog.Info("accounts found", slog.Int("count", len(tokens)))

	posts := c.collectPosts(ctx, tokens)
	if err := ctx.Err(); err != nil {
		return err
	}

	tokenByAccount := make(map[string]string, len(tokens))
	for _, token := range tokens {
		tokenByAccount[token.AccountName] = token.Token
	}

	insights := c.collectInsights(ctx, posts, tokenByAccount)
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := aggregate.Rows(posts, insights)
	if err := c.sheets.WritePostMetrics(ctx, rows); err != nil {
		return err
	}
	slog.Info("metrics updated", slog.Int("posts", len(posts)))
	return nil
}

// collectPosts fans out over accounts. One account's failure degrades to
// zero posts for this run and never aborts the others.
func (c *Collector) collectPosts(ctx context.Context, tokens []models.AccountToken) []models.Post {
	var (
		mu    sync.Mutex
		posts []models.Post
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.client.ConcurrencyLimit())
	for _, token := range tokens {
		g.Go(func() error {
			cursor := c.state.GetCursor(token.AccountName)
			slog.Info("loading posts for account",
				slog.String("account_name", token.AccountName),
				slog.Bool("has_saved_cursor", cursor != ""))

			result, err := c.client.FetchPosts(gctx, token.Token, cursor, token.AccountName)
			if err != nil {
				slog.Warn("failed to load posts for account",
					slog.String("account_name", token.AccountName),
					slog.String("error", err.Error()))
				return nil
			}
			if result.NextCursor != "" {
				c.state.SetCursor(token.AccountName, result.NextCursor)
			}
			slog.Info("posts loaded for account",
				slog.String("account_name", token.AccountName),
				slog.Int("posts", len(result.Posts)),
				slog.Bool("has_next_cursor", result.NextCursor != ""))

			mu.Lock()
			posts = append(posts, result.Posts...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return posts
}

type insightRequest struct {
	postID      string
	token       string
	accountName string
}

// collectInsights fetches insight sets for every post whose metrics are due,
// queueing failures for the retry wave instead of aborting. Successful fetch
// timestamps are flushed to the state store in one batch.
func (c *Collector) collectInsights(ctx context.Context, posts []models.Post, tokenByAccount map[string]string) map[string]models.InsightSet {
	var pending []insightRequest
	for _, post := range posts {
		if post.ID == "" || post.AccountName == "" {
			continue
		}
		token, ok := tokenByAccount[post.AccountName]
		if !ok {
			continue
		}
		if !c.state.ShouldRefreshPost(post.ID, c.cfg.MetricsTTL()) {
			continue
		}
		pending = append(pending, insightRequest{postID: post.ID, token: token, accountName: post.AccountName})
	}

	insights := make(map[string]models.InsightSet)
	if len(pending) == 0 {
		return insights
	}

	var (
		mu      sync.Mutex
		updates = make(map[string]time.Time)
		failed  []insightRequest
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.client.ConcurrencyLimit())
	for _, req := range pending {
		g.Go(func() error {
			slog.Info("requesting post insights",
				slog.String("post_id", req.postID),
				slog.String("account_name", req.accountName))
			insight, err := c.client.FetchPostInsights(gctx, req.token, req.postID, req.accountName)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("failed to fetch post insights",
					slog.String("post_id", req.postID),
					slog.String("account_name", req.accountName),
					slog.String("error", err.Error()))
				failed = append(failed, req)
				return nil
			}
			insights[req.postID] = insight
			updates[req.postID] = c.now()
			return nil
		})
	}
	g.Wait()

	if len(failed) > 0 && ctx.Err() == nil {
		c.retryFailedInsights(ctx, failed, insights, updates)
	}

	c.state.BulkUpdatePostTimestamps(updates)
	return insights
}

// retryFailedInsights runs the secondary wave: a few more attempts per post,
// spaced by a randomized pause. Posts that still fail are dropped from the
// run rather than propagated.
func (c *Collector) retryFailedInsights(ctx context.Context, failed []insightRequest, insights map[string]models.InsightSet, updates map[string]time.Time) {
	postIDs := make([]string, len(failed))
	for i, req := range failed {
		postIDs[i] = req.postID
	}
	slog.Info("================ insight retry wave ================",
		slog.Int("count", len(failed)),
		slog.Any("post_ids", postIDs))

	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	pauseMin, pauseMax := c.retry.normalizedPause()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, req := range failed {
		g.Go(func() error {
			url := c.client.InsightsURL(req.postID)
			slog.Info("starting insight retries",
				slog.String("post_id", req.postID),
				slog.String("account_name", req.accountName),
				slog.String("url", url))

			for attempt := 1; attempt <= maxAttempts; attempt++ {
				if attempt > 1 {
					pause := pauseMin + time.Duration(c.randf()*float64(pauseMax-pauseMin))
					slog.Info("pausing before retry",
						slog.String("post_id", req.postID),
						slog.String("account_name", req.accountName),
						slog.Int("attempt", attempt),
						slog.Int("max_attempts", maxAttempts),
						slog.Float64("pause", pause.Seconds()))
					if err := c.sleep(gctx, pause); err != nil {
						return nil
					}
				}

				insight, err := c.client.FetchPostInsights(gctx, req.token, req.postID, req.accountName)
				if err != nil {
					slog.Warn("insight retry failed",
						slog.String("post_id", req.postID),
						slog.String("account_name", req.accountName),
						slog.Int("attempt", attempt),
						slog.Int("max_attempts", maxAttempts),
						slog.String("error", err.Error()))
					if attempt == maxAttempts {
						slog.Error("insights not fetched after all retries",
							slog.String("post_id", req.postID),
							slog.String("account_name", req.accountName),
							slog.Int("max_attempts", maxAttempts),
							slog.String("url", url))
					}
					continue
				}

				slog.Info("insights fetched on retry",
					slog.String("post_id", req.postID),
					slog.String("account_name", req.accountName),
					slog.Int("attempt", attempt))
				mu.Lock()
				insights[req.postID] = insight
				updates[req.postID] = c.now()
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	g.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
