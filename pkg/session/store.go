package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mishabar410/policyshield/pkg/rules"
)

// state is the mutable, store-owned representation of a session. Nothing
// outside this package ever holds a *state; callers only ever see Snapshot
// copies taken under the store's lock.
type state struct {
	id          string
	createdAt   time.Time
	lastAccess  time.Time
	toolCounts  map[string]int
	totalCalls  int
	taints      map[string]bool
	piiTainted  bool
	taintReason string
	ring        []Event
	ringCap     int
	lruElem     *list.Element
}

func newState(id string, cap int) *state {
	now := time.Now()
	if cap <= 0 {
		cap = 100
	}
	return &state{
		id:         id,
		createdAt:  now,
		lastAccess: now,
		toolCounts: make(map[string]int),
		taints:     make(map[string]bool),
		ring:       make([]Event, 0, cap),
		ringCap:    cap,
	}
}

func (s *state) snapshot() Snapshot {
	ring := make([]Event, len(s.ring))
	copy(ring, s.ring)
	counts := make(map[string]int, len(s.toolCounts))
	for k, v := range s.toolCounts {
		counts[k] = v
	}
	taints := make(map[string]bool, len(s.taints))
	for k, v := range s.taints {
		taints[k] = v
	}
	return Snapshot{
		ID:          s.id,
		CreatedAt:   s.createdAt,
		LastAccess:  s.lastAccess,
		ToolCounts:  counts,
		TotalCalls:  s.totalCalls,
		Taints:      taints,
		PIITainted:  s.piiTainted,
		TaintReason: s.taintReason,
		EventRing:   ring,
	}
}

// Store is a thread-safe, TTL+LRU-bounded map from session id to session
// state. All mutation happens under a single mutex; external callers only
// ever see read-only Snapshots.
type Store struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	ringCap  int
	entries  map[string]*state
	lru      *list.List // front = most recently used
}

// NewStore builds a Store with the given TTL, max session capacity, and
// default event-ring capacity per session (overridden by a rule-set's
// session.event_buffer_size when the engine wires that through).
func NewStore(ttl time.Duration, capacity, ringCap int) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	if ringCap <= 0 {
		ringCap = 100
	}
	return &Store{
		ttl:      ttl,
		capacity: capacity,
		ringCap:  ringCap,
		entries:  make(map[string]*state),
		lru:      list.New(),
	}
}

// GetOrCreate returns the session's snapshot, creating a fresh session if
// none exists or the existing one has TTL-expired, evicting the
// least-recently-accessed entry first if capacity would be exceeded. An
// empty id is replaced with a fresh UUID.
func (st *Store) GetOrCreate(id string) Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.getOrCreateLocked(id)
}

func (st *Store) getOrCreateLocked(id string) Snapshot {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	if s, ok := st.entries[id]; ok {
		if st.ttl <= 0 || now.Sub(s.lastAccess) < st.ttl {
			s.lastAccess = now
			st.lru.MoveToFront(s.lruElem)
			return s.snapshot()
		}
		st.evictLocked(id)
	}

	if len(st.entries) >= st.capacity {
		st.evictLRULocked()
	}

	s := newState(id, st.ringCap)
	s.lruElem = st.lru.PushFront(id)
	st.entries[id] = s
	return s.snapshot()
}

func (st *Store) evictLocked(id string) {
	if s, ok := st.entries[id]; ok {
		st.lru.Remove(s.lruElem)
		delete(st.entries, id)
	}
}

func (st *Store) evictLRULocked() {
	back := st.lru.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	st.evictLocked(id)
}

// RecordEvent appends a call's outcome to the session's event ring
// (dropping the oldest entry on overflow) and increments its counters. Per
// the engine's contract, only checks that reach verdict computation call
// this — a timed-out or panicked check never does.
func (st *Store) RecordEvent(id string, tool string, verdict rules.Verdict, argsSummary string) {
	const maxSummaryLen = 200
	if len(argsSummary) > maxSummaryLen {
		argsSummary = argsSummary[:maxSummaryLen]
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.entries[id]
	if !ok {
		return
	}
	ev := Event{Tool: tool, Timestamp: time.Now(), Verdict: verdict, ArgsSummary: argsSummary}
	if len(s.ring) >= s.ringCap {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
	}
	s.ring = append(s.ring, ev)
	s.toolCounts[tool]++
	s.totalCalls++
}

// SetTaint marks a session as PII-tainted with a reason. Taint is
// monotonic: once set, reason is only overwritten by a subsequent SetTaint,
// never cleared except by ClearTaint.
func (st *Store) SetTaint(id string, piiType string, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.entries[id]
	if !ok {
		return
	}
	s.piiTainted = true
	s.taintReason = reason
	if piiType != "" {
		s.taints[piiType] = true
	}
}

// ClearTaint resets a session's taint flag, e.g. in response to an admin
// /clear-taint call.
func (st *Store) ClearTaint(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.entries[id]
	if !ok {
		return false
	}
	s.piiTainted = false
	s.taintReason = ""
	s.taints = make(map[string]bool)
	return true
}

// Snapshot returns a read-only copy of the session's current state without
// touching its TTL (used by read endpoints, not the check pipeline).
func (st *Store) Snapshot(id string) (Snapshot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Sweep removes TTL-expired entries. RunSweeper calls it periodically;
// GetOrCreate does not call it and only replaces the one expired entry it
// looks up.
func (st *Store) Sweep() int {
	if st.ttl <= 0 {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	var expired []string
	for id, s := range st.entries {
		if now.Sub(s.lastAccess) >= st.ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		st.evictLocked(id)
	}
	return len(expired)
}

// Len reports the current number of tracked sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}

// RunSweeper blocks, sweeping at the given interval until stop is closed. The
// engine runs this as one of its background workers.
func (st *Store) RunSweeper(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st.Sweep()
		}
	}
}
