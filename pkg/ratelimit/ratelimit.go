// Package ratelimit implements the sliding-window call-rate limiter keyed
// by (tool, session), generalizing the per-session request-window pattern
// to PolicyShield's per-tool, per-scope rate limits.
package ratelimit

import (
	"sync"
	"time"

	"github.com/mishabar410/policyshield/pkg/rules"
)

const globalSessionKey = "*"

// Limiter holds one sliding-window timestamp deque per configured rate
// limit and (tool, session) key. A zero-second window behaves as a
// session-lifetime counter with no eviction, per §4.5.
type Limiter struct {
	mu      sync.Mutex
	configs []rules.RateLimit
	windows map[string][]time.Time
}

// New builds a Limiter from a rule-set's configured rate limits.
func New(configs []rules.RateLimit) *Limiter {
	return &Limiter{
		configs: configs,
		windows: make(map[string][]time.Time),
	}
}

// Check reports whether tool may be called again for session without
// exceeding any configured limit that applies to it. It does not record
// the call — callers call Record separately once the verdict is final.
func (l *Limiter) Check(tool, sessionID string, now time.Time) (allowed bool, limitTool string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rl := range l.configs {
		if !toolMatches(rl.Tool, tool) {
			continue
		}
		key := windowKey(rl, tool, sessionID)
		ts := l.windows[key]
		ts = pruneLocked(ts, rl.WindowSeconds, now)
		l.windows[key] = ts
		if rl.MaxCalls > 0 && len(ts) >= rl.MaxCalls {
			return false, rl.Tool
		}
	}
	return true, ""
}

// Record appends now() to every configured window's deque that applies to
// (tool, sessionID). Called once a check has been allowed through.
func (l *Limiter) Record(tool, sessionID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rl := range l.configs {
		if !toolMatches(rl.Tool, tool) {
			continue
		}
		key := windowKey(rl, tool, sessionID)
		l.windows[key] = append(pruneLocked(l.windows[key], rl.WindowSeconds, now), now)
	}
}

func toolMatches(selector, tool string) bool {
	return selector == "*" || selector == tool
}

func windowKey(rl rules.RateLimit, tool, sessionID string) string {
	scopeSession := sessionID
	if rl.Scope == "global" {
		scopeSession = globalSessionKey
	}
	return rl.Tool + "\x00" + scopeSession
}

// pruneLocked drops timestamps older than now-window. A window of 0 means
// unbounded (session-lifetime counter): nothing is ever pruned.
func pruneLocked(ts []time.Time, windowSeconds float64, now time.Time) []time.Time {
	if windowSeconds <= 0 {
		return ts
	}
	cutoff := now.Add(-time.Duration(windowSeconds * float64(time.Second)))
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Rebuild replaces the configured limits on reload, preserving existing
// timestamp deques for continuity (best effort), per §4.5.
func (l *Limiter) Rebuild(configs []rules.RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs = configs
}
