package threads

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rateLimitPhrase marks the 403 bodies the platform uses for per-profile
// throttling, e.g. "There have been too many calls for this Threads profile."
const rateLimitPhrase = "too many calls"

// usageHeader carries the platform's quota payload, including the estimated
// time until access is regained (in minutes).
const usageHeader = "X-Business-Use-Case-Usage"

// cooldownGate tracks the moment each account may send its next request.
// The platform's rate limit is scoped per upstream account, so a 403 for one
// account must block only that account.
type cooldownGate struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newCooldownGate() *cooldownGate {
	return &cooldownGate{until: make(map[string]time.Time)}
}

func (g *cooldownGate) remaining(accountName string, now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.until[accountName]
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

func (g *cooldownGate) set(accountName string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.until[accountName]; ok && current.After(until) {
		return
	}
	g.until[accountName] = until
}

func (g *cooldownGate) clear(accountName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.until, accountName)
}

// parseRetryAfter reads a Retry-After header value as a non-negative number
// of seconds. The platform does not send HTTP-date values here.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

// regainAccessWait digs through the usage header's JSON for an
// "estimated_time_to_regain_access" field, at any nesting depth. The value
// is advertised in minutes.
func regainAccessWait(headerValue string) (time.Duration, bool) {
	if headerValue == "" {
		return 0, false
	}
	var payload any
	if err := json.Unmarshal([]byte(headerValue), &payload); err != nil {
		return 0, false
	}
	minutes, ok := findRegainAccess(payload)
	if !ok || minutes < 0 {
		return 0, false
	}
	return time.Duration(minutes * float64(time.Minute)), true
}

func findRegainAccess(node any) (float64, bool) {
	switch v := node.(type) {
	case map[string]any:
		if raw, ok := v["estimated_time_to_regain_access"]; ok {
			if n, ok := raw.(float64); ok {
				return n, true
			}
			if s, ok := raw.(string); ok {
				if n, err := strconv.ParseFloat(s, 64); err == nil {
					return n, true
				}
			}
		}
		for _, child := range v {
			if n, ok := findRegainAccess(child); ok {
				return n, true
			}
		}
	case []any:
		for _, child := range v {
			if n, ok := findRegainAccess(child); ok {
				return n, true
			}
		}
	}
	return 0, false
}
