package threads

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mik888em/threads/internal/models"
)

const (
	maxAttempts       = 5
	rateLimitBaseWait = 10 * time.Second
	transientBaseWait = 5 * time.Second

	postFields = "id,permalink,text,media_type,media_url,timestamp,like_count,repost_count,reply_count"
)

// APIError is a request that kept failing after all retry attempts.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("threads api: %s", e.Message)
	}
	return fmt.Sprintf("threads api: status %d: %s", e.StatusCode, e.Message)
}

// FetchResult is one account's post collection outcome.
type FetchResult struct {
	Posts      []models.Post
	NextCursor string
}

// Client talks to the Threads Graph API. Retries, per-account cooldowns and
// the admission semaphore all live here so callers can fan out freely.
type Client struct {
	baseURL          string
	postsURLOverride string
	httpClient       *http.Client
	concurrency      int
	sem              chan struct{}
	cooldowns        *cooldownGate

	// Indirections for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewClient(baseURL string, timeout time.Duration, concurrencyLimit int, postsURLOverride string) *Client {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		postsURLOverride: postsURLOverride,
		httpClient:       &http.Client{Timeout: timeout},
		concurrency:      concurrencyLimit,
		sem:              make(chan struct{}, concurrencyLimit),
		cooldowns:        newCooldownGate(),
		sleep:            sleepContext,
		now:              time.Now,
	}
}

func (c *Client) ConcurrencyLimit() int {
	return c.concurrency
}

// InsightsURL returns the absolute insights URL for a post, for log context.
func (c *Client) InsightsURL(postID string) string {
	return fmt.Sprintf("%s/v1.0/%s/insights?metric=%s",
		c.baseURL, postID, strings.Join(models.InsightMetrics, ","))
}

type postsPage struct {
	Data   []models.Post `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// FetchPosts walks the account's post pages starting from the given cursor.
// Pages are fetched strictly in cursor order. When the API never returned a
// cursor but posts were fetched, the last post's id serves as a best-effort
// continuation marker.
func (c *Client) FetchPosts(ctx context.Context, accessToken, after, accountName string) (*FetchResult, error) {
	postsURL := c.baseURL + "/v1.0/me/threads"
	params := url.Values{}
	params.Set("fields", postFields)

	if c.postsURLOverride != "" {
		parsed, err := url.Parse(c.postsURLOverride)
		if err != nil {
			return nil, fmt.Errorf("invalid posts url override: %w", err)
		}
		query := parsed.Query()
		parsed.RawQuery = ""
		postsURL = parsed.String()
		params = query
	}
	if after != "" {
		params.Set("after", after)
	}

	var posts []models.Post
	cursor := after
	for {
		body, err := c.request(ctx, postsURL, params, accessToken, accountName)
		if err != nil {
			return nil, err
		}

		var page postsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode posts page: %w", err)
		}
		for _, post := range page.Data {
			post.AccountName = accountName
			post.Permalink = SanitizePermalink(post.Permalink)
			posts = append(posts, post)
		}

		afterCursor := page.Paging.Cursors.After
		if afterCursor == "" && page.Paging.Next != "" {
			afterCursor = extractAfterParam(page.Paging.Next)
		}
		if afterCursor == "" {
			break
		}
		cursor = afterCursor
		params.Set("after", afterCursor)

		if page.Paging.Next == "" {
			break
		}
	}

	if cursor == "" && len(posts) > 0 {
		cursor = posts[len(posts)-1].ID
	}
	return &FetchResult{Posts: posts, NextCursor: cursor}, nil
}

type insightsPayload struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value any `json:"value"`
		} `json:"values"`
		TotalValue *struct {
			Value any `json:"value"`
		} `json:"total_value"`
	} `json:"data"`
}

// FetchPostInsights requests the fixed metric set for one post. Metrics the
// response does not carry stay at 0.
func (c *Client) FetchPostInsights(ctx context.Context, accessToken, postID, accountName string) (models.InsightSet, error) {
	params := url.Values{}
	params.Set("metric", strings.Join(models.InsightMetrics, ","))

	body, err := c.request(ctx, fmt.Sprintf("%s/v1.0/%s/insights", c.baseURL, postID), params, accessToken, accountName)
	if err != nil {
		return nil, err
	}

	var payload insightsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode insights: %w", err)
	}

	insights := make(models.InsightSet, len(models.InsightMetrics))
	for _, metric := range models.InsightMetrics {
		insights[metric] = 0
	}
	for _, entry := range payload.Data {
		if entry.Name == "" {
			continue
		}
		var value any
		if entry.TotalValue != nil {
			value = entry.TotalValue.Value
		} else if len(entry.Values) > 0 {
			value = entry.Values[0].Value
		}
		insights[entry.Name] = models.CoerceInt(value)
	}
	return insights, nil
}

// request runs one logical request through the retry state machine: wait out
// the account's cooldown, attempt, classify the outcome, back off. Rate-limit
// responses honor server-advised waits and arm the account cooldown; any
// other failure gets the faster generic backoff.
func (c *Client) request(ctx context.Context, rawURL string, params url.Values, accessToken, accountName string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.waitCooldown(ctx, accountName); err != nil {
			return nil, err
		}

		body, status, header, err := c.do(ctx, rawURL, params, accessToken)
		if err == nil && status >= 200 && status < 300 {
			c.cooldowns.clear(accountName)
			return body, nil
		}

		var wait time.Duration
		if err != nil {
			lastErr = err
			wait = transientBaseWait * time.Duration(intPow(3, attempt-1))
			slog.Warn("request failed, backing off",
				slog.String("account_name", accountName),
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.Float64("pause", wait.Seconds()),
				slog.String("error", err.Error()))
		} else {
			message := apiErrorMessage(body)
			lastErr = &APIError{StatusCode: status, Message: message}
			if status == http.StatusForbidden && strings.Contains(strings.ToLower(message), rateLimitPhrase) {
				wait = c.rateLimitWait(header, attempt)
				c.cooldowns.set(accountName, c.now().Add(wait))
				slog.Warn("rate limited, cooling down account",
					slog.String("account_name", accountName),
					slog.String("url", rawURL),
					slog.Int("attempt", attempt),
					slog.Float64("pause", wait.Seconds()))
			} else {
				wait = transientBaseWait * time.Duration(intPow(3, attempt-1))
				slog.Warn("unexpected status, backing off",
					slog.String("account_name", accountName),
					slog.String("url", rawURL),
					slog.Int("attempt", attempt),
					slog.Int("status", status),
					slog.Float64("pause", wait.Seconds()))
			}
		}

		if attempt == maxAttempts {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) waitCooldown(ctx context.Context, accountName string) error {
	remaining := c.cooldowns.remaining(accountName, c.now())
	if remaining <= 0 {
		return nil
	}
	slog.Info("waiting out account cooldown",
		slog.String("account_name", accountName),
		slog.Float64("pause", remaining.Seconds()))
	return c.sleep(ctx, remaining)
}

// rateLimitWait picks the wait for a rate-limit response: the Retry-After
// header wins, then the usage header's regain-access estimate, then an
// exponential fallback.
func (c *Client) rateLimitWait(header http.Header, attempt int) time.Duration {
	if wait, ok := parseRetryAfter(header.Get("Retry-After")); ok {
		return wait
	}
	if wait, ok := regainAccessWait(header.Get(usageHeader)); ok {
		return wait
	}
	return rateLimitBaseWait * time.Duration(intPow(2, attempt-1))
}

func (c *Client) do(ctx context.Context, rawURL string, params url.Values, accessToken string) ([]byte, int, http.Header, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	requestURL := rawURL
	if encoded := params.Encode(); encoded != "" {
		requestURL = rawURL + "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, err
	}
	return body, resp.StatusCode, resp.Header, nil
}

// SanitizePermalink strips the platform domain and any query string; only the
// path distinguishes posts.
func SanitizePermalink(permalink string) string {
	prefixes := []string{
		"https://www.threads.com/",
		"https://www.threads.net/",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(permalink, prefix) {
			permalink = permalink[len(prefix):]
			if !strings.HasPrefix(permalink, "/") {
				permalink = "/" + permalink
			}
			break
		}
	}
	if idx := strings.Index(permalink, "?"); idx >= 0 {
		permalink = permalink[:idx]
	}
	return permalink
}

func apiErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error.Message == "" {
		return strings.TrimSpace(string(body))
	}
	return payload.Error.Message
}

func extractAfterParam(nextURL string) string {
	parsed, err := url.Parse(nextURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("after")
}

func intPow(base, exp int) int64 {
	result := int64(1)
	for i := 0; i < exp; i++ {
		result *= int64(base)
	}
	return result
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
