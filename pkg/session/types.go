// Package session owns SessionState: the mutable, TTL+LRU-bounded map from
// session id to tool counters, taints, and a bounded event ring. All
// mutation happens through store-owned methods; other packages only ever
// see read-only Snapshots.
package session

import (
	"time"

	"github.com/mishabar410/policyshield/pkg/rules"
)

// Event is one entry in a session's event ring: what tool was called, when,
// what verdict it received, and a truncated summary of its arguments.
type Event struct {
	Tool        string
	Timestamp   time.Time
	Verdict     rules.Verdict
	ArgsSummary string // truncated to 200 chars, see Store.RecordEvent
}

// Snapshot is a read-only, point-in-time copy of a SessionState, safe to
// read outside the store's lock. The matcher and rate limiter only ever see
// Snapshots, never the live state.
type Snapshot struct {
	ID          string
	CreatedAt   time.Time
	LastAccess  time.Time
	ToolCounts  map[string]int
	TotalCalls  int
	Taints      map[string]bool
	PIITainted  bool
	TaintReason string
	EventRing   []Event // oldest first, capacity-bounded copy
}

// ToolCount returns the snapshot's count for tool, or 0 if never called.
func (s Snapshot) ToolCount(tool string) int {
	return s.ToolCounts[tool]
}

// SinceWithTool reports whether the event ring contains an entry for tool
// within the last d, matching verdictFilter if non-nil, with at least
// minCount such matching entries. This is the primitive the chain-condition
// evaluator in pkg/matcher is built on.
func (s Snapshot) SinceWithTool(tool string, d time.Duration, verdictFilter *rules.Verdict, minCount int, now time.Time) bool {
	if minCount <= 0 {
		minCount = 1
	}
	cutoff := now.Add(-d)
	count := 0
	for _, ev := range s.EventRing {
		if ev.Tool != tool {
			continue
		}
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		if verdictFilter != nil && ev.Verdict != *verdictFilter {
			continue
		}
		count++
		if count >= minCount {
			return true
		}
	}
	return false
}
