// Package ghactions cancels queued GitHub Actions runs of the metrics
// workflow while another run is already in progress, so the queue never
// piles up behind a slow collection.
package ghactions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	apiBaseURL   = "https://api.github.com"
	workflowFile = "threads-metrics.yml"

	DefaultInterval = 10 * time.Second
	maxBackoff      = 600 * time.Second
)

type Canceller struct {
	owner      string
	repo       string
	token      string
	baseURL    string
	httpClient *http.Client

	sleep func(ctx context.Context, d time.Duration) error
}

func NewCanceller(owner, repo, token string) *Canceller {
	return &Canceller{
		owner:      owner,
		repo:       repo,
		token:      token,
		baseURL:    apiBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sleep:      sleepContext,
	}
}

type workflowRun struct {
	ID int64 `json:"id"`
}

type statusError struct {
	status    int
	remaining string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("github api: status %d", e.status)
}

// Watch polls until the context is cancelled. API rate limiting doubles the
// pause up to a cap; a successful iteration resets it to the base interval.
func (c *Canceller) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	backoff := interval
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("cancellation loop stopped")
			return nil
		}

		err := c.runOnce(ctx)
		switch e := err.(type) {
		case nil:
			backoff = interval
		case *statusError:
			if e.status == http.StatusForbidden || e.status == http.StatusTooManyRequests {
				slog.Warn("github api rate limited",
					slog.Int("status", e.status),
					slog.Float64("backoff", backoff.Seconds()),
					slog.String("rate_limit_remaining", e.remaining))
				if err := c.sleep(ctx, backoff); err != nil {
					return nil
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			slog.Error("github api error", slog.Int("status", e.status))
			if err := c.sleep(ctx, backoff); err != nil {
				return nil
			}
			continue
		default:
			slog.Error("github api network error", slog.String("error", err.Error()))
			if err := c.sleep(ctx, backoff); err != nil {
				return nil
			}
			continue
		}

		if err := c.sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// runOnce cancels queued runs only when something is actually in progress;
// an empty queue or an idle workflow needs no action.
func (c *Canceller) runOnce(ctx context.Context) error {
	inProgress, err := c.fetchRuns(ctx, "in_progress")
	if err != nil {
		return err
	}
	queued, err := c.fetchRuns(ctx, "queued")
	if err != nil {
		return err
	}

	if len(inProgress) == 0 {
		slog.Info("no active workflow runs", slog.Int("queued", len(queued)))
		return nil
	}
	if len(queued) == 0 {
		slog.Info("workflow queue is empty", slog.Int("active_runs", len(inProgress)))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range queued {
		g.Go(func() error {
			return c.cancelRun(gctx, run.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("cancelled queued workflow runs",
		slog.Int("cancelled", len(queued)),
		slog.Int("active_runs", len(inProgress)))
	return nil
}

func (c *Canceller) fetchRuns(ctx context.Context, status string) ([]workflowRun, error) {
	params := url.Values{}
	params.Set("workflow_id", workflowFile)
	params.Set("status", status)
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs?%s", c.baseURL, c.owner, c.repo, params.Encode())

	body, remaining, err := c.request(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	var payload struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode workflow runs: %w", err)
	}
	slog.Info("fetched workflow runs",
		slog.String("status", status),
		slog.Int("runs", len(payload.WorkflowRuns)),
		slog.String("rate_limit_remaining", remaining))
	return payload.WorkflowRuns, nil
}

func (c *Canceller) cancelRun(ctx context.Context, runID int64) error {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/cancel", c.baseURL, c.owner, c.repo, runID)
	_, remaining, err := c.request(ctx, http.MethodPost, endpoint)
	if err != nil {
		return err
	}
	slog.Info("workflow run cancelled",
		slog.Int64("run_id", runID),
		slog.String("rate_limit_remaining", remaining))
	return nil
}

func (c *Canceller) request(ctx context.Context, method, endpoint string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "threads-metrics-cancel/1.0")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	remaining := resp.Header.Get("X-RateLimit-Remaining")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remaining, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, remaining, &statusError{status: resp.StatusCode, remaining: remaining}
	}
	return body, remaining, nil
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
