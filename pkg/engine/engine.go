// Package engine implements the Shield Engine: the orchestrator that runs
// every tool call through sanitize -> session -> match -> rate-limit ->
// verdict -> redact/approve, generalizing the teacher's staged-pipeline
// Guardian into a policy firewall.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mishabar410/policyshield/pkg/approval"
	"github.com/mishabar410/policyshield/pkg/matcher"
	"github.com/mishabar410/policyshield/pkg/metrics"
	"github.com/mishabar410/policyshield/pkg/pii"
	"github.com/mishabar410/policyshield/pkg/ratelimit"
	"github.com/mishabar410/policyshield/pkg/rules"
	"github.com/mishabar410/policyshield/pkg/sanitizer"
	"github.com/mishabar410/policyshield/pkg/session"
	"github.com/mishabar410/policyshield/pkg/trace"
	vpkg "github.com/mishabar410/policyshield/pkg/verdict"
)

// Config configures a new Engine. RuleSet must be non-nil: callers compile
// it (via rules.LoadFile / rules.Compile) before construction, the same
// rule-set a successful reload would later swap in.
type Config struct {
	RuleSet *rules.RuleSet
	Mode    rules.Mode

	SanitizerConfig sanitizer.Config
	SessionTTL      time.Duration
	SessionCapacity int

	ApprovalBackend      approval.Backend
	ApprovalTimeout      time.Duration
	OnTimeoutAutoApprove bool

	Trace *trace.Recorder

	OnErrorAllow bool
	CheckTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// CheckInput is one tool-call evaluation request.
type CheckInput struct {
	Tool      string
	Args      map[string]any
	SessionID string
	Sender    string
	Context   map[string]string
	RequestID string
}

// PostCheckResult is the outcome of scanning a tool's result for PII.
type PostCheckResult struct {
	PIITypes       []string
	RedactedOutput string
	Tainted        bool
}

// RuleSetSummary describes the currently active rule-set for /constraints
// and /health.
type RuleSetSummary struct {
	ShieldName     string
	Version        string
	ContentHash    string
	RulesCount     int
	RateLimitCount int
}

// Engine is the shield's central orchestrator. All of its dependent
// packages are wired in at construction and swapped atomically on Reload.
type Engine struct {
	mu          sync.RWMutex
	ruleSet     *rules.RuleSet
	rateLimiter *ratelimit.Limiter
	pii         *pii.Detector
	mode        rules.Mode

	killed atomic.Bool

	sessions  *session.Store
	sanitizer *sanitizer.Sanitizer

	approvalBackend      approval.Backend
	approvalCache        *approval.Cache
	approvalTimeout      time.Duration
	onTimeoutAutoApprove bool
	approvalMeta         *approvalMetaStore

	trace *trace.Recorder

	onErrorAllow bool
	checkTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Registry
}

// New builds an Engine from cfg, applying documented defaults for anything
// left zero-valued.
func New(cfg Config) (*Engine, error) {
	if cfg.RuleSet == nil {
		return nil, fmt.Errorf("engine: rule set is required")
	}
	if cfg.Trace == nil {
		return nil, fmt.Errorf("engine: trace recorder is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = rules.ModeEnforce
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	if cfg.SessionCapacity <= 0 {
		cfg.SessionCapacity = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	e := &Engine{
		ruleSet:              cfg.RuleSet,
		rateLimiter:          ratelimit.New(cfg.RuleSet.RateLimits),
		pii:                  pii.New(cfg.RuleSet.CustomPIIPatterns),
		mode:                 cfg.Mode,
		sessions:             session.NewStore(cfg.SessionTTL, cfg.SessionCapacity, cfg.RuleSet.Session.EventBufferSize),
		sanitizer:            sanitizer.New(cfg.SanitizerConfig),
		approvalBackend:      cfg.ApprovalBackend,
		approvalCache:        approval.NewCache(),
		approvalTimeout:      cfg.ApprovalTimeout,
		onTimeoutAutoApprove: cfg.OnTimeoutAutoApprove,
		approvalMeta:         newApprovalMetaStore(time.Hour),
		trace:                cfg.Trace,
		onErrorAllow:         cfg.OnErrorAllow,
		checkTimeout:         cfg.CheckTimeout,
		logger:               cfg.Logger,
		metrics:              cfg.Metrics,
	}
	e.metrics.DescribeCounter("shield_checks_total", "total checks processed, by verdict")
	e.metrics.DescribeGauge("shield_sessions_active", "current tracked sessions")
	e.metrics.DescribeGauge("shield_kill_switch", "1 if the kill-switch is active, else 0")
	return e, nil
}

// Kill activates the kill-switch: every subsequent check returns BLOCK
// regardless of rules until Resume is called.
func (e *Engine) Kill(reason string) {
	e.killed.Store(true)
	e.metrics.SetGauge("shield_kill_switch", "", 1)
	e.logger.Warn("engine: kill-switch activated", "reason", reason)
}

// Resume deactivates the kill-switch.
func (e *Engine) Resume() {
	e.killed.Store(false)
	e.metrics.SetGauge("shield_kill_switch", "", 0)
	e.logger.Info("engine: kill-switch resumed")
}

// Killed reports whether the kill-switch is currently active.
func (e *Engine) Killed() bool { return e.killed.Load() }

// Reload atomically swaps in a newly compiled rule-set, rebuilding the
// dependent rate limiter and PII detector from it. Compilation itself
// happens off the critical path, in the caller (the watcher or the /reload
// handler) — Reload only ever receives an already-valid *rules.RuleSet.
func (e *Engine) Reload(rs *rules.RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ruleSet = rs
	e.rateLimiter.Rebuild(rs.RateLimits)
	e.pii = pii.New(rs.CustomPIIPatterns)
	e.logger.Info("engine: rule-set reloaded", "shield_name", rs.ShieldName, "version", rs.Version, "content_hash", rs.ContentHash, "rules", len(rs.Rules))
}

// RuleSetSummary describes the currently active rule-set.
func (e *Engine) RuleSetSummary() RuleSetSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs := e.ruleSet
	return RuleSetSummary{
		ShieldName:     rs.ShieldName,
		Version:        rs.Version,
		ContentHash:    rs.ContentHash,
		RulesCount:     len(rs.Rules),
		RateLimitCount: len(rs.RateLimits),
	}
}

// Mode returns the engine's currently configured enforcement mode.
func (e *Engine) Mode() rules.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// ClearTaint resets a session's PII taint flag, e.g. in response to an
// admin /clear-taint call.
func (e *Engine) ClearTaint(sessionID string) bool {
	return e.sessions.ClearTaint(sessionID)
}

// SessionSnapshot returns a read-only copy of a session's current state.
func (e *Engine) SessionSnapshot(id string) (session.Snapshot, bool) {
	return e.sessions.Snapshot(id)
}

// ApprovalBackend exposes the configured approval backend for health and
// pending-approvals reporting, or nil if none is configured.
func (e *Engine) ApprovalBackend() approval.Backend {
	return e.approvalBackend
}

// RespondApproval resolves a pending approval request and, if the check
// that submitted it already returned (e.g. it hit its own check timeout
// before the human responded), finalizes a trace record for the async
// resolution using the bookkeeping entry recorded at submission time.
func (e *Engine) RespondApproval(requestID string, approved bool, responder, comment string) (*approval.Response, error) {
	resp, err := e.approvalBackend.Respond(requestID, approved, responder, comment)
	if err != nil {
		return resp, err
	}
	if meta, ok := e.approvalMeta.get(requestID); ok {
		ruleID := meta.RuleID
		e.trace.Append(trace.Record{
			Timestamp: resp.RespondedAt,
			Session:   meta.SessionID,
			Tool:      meta.Tool,
			Verdict:   string(boolToVerdict(approved)),
			Rule:      &ruleID,
			RequestID: requestID,
			Approval: &trace.Approval{
				Status:         string(approvalStatus(approved)),
				ApprovedBy:     responder,
				ApprovedAt:     resp.RespondedAt.Format(time.RFC3339),
				ResponseTimeMs: resp.RespondedAt.Sub(meta.CreatedAt).Milliseconds(),
			},
		})
	}
	return resp, nil
}

// StartBackground launches the engine's background workers (session
// sweeper, approval backend GC, approval-meta sweep, periodic trace flush)
// under a single errgroup.Group bound to ctx, mirroring the teacher's
// errgroup-supervised worker lifecycle. The returned group's Wait blocks
// until ctx is canceled and every worker has returned.
func (e *Engine) StartBackground(ctx context.Context) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	stop := ctx.Done()

	g.Go(func() error {
		e.sessions.RunSweeper(stop, time.Minute)
		return nil
	})

	if gcer, ok := e.approvalBackend.(interface {
		RunGC(<-chan struct{}, time.Duration)
	}); ok {
		g.Go(func() error {
			gcer.RunGC(stop, 5*time.Minute)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-ticker.C:
				e.approvalMeta.sweep()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				e.trace.Flush()
				return nil
			case <-ticker.C:
				e.metrics.SetGauge("shield_sessions_active", "", float64(e.sessions.Len()))
				e.trace.Flush()
			}
		}
	})

	return g
}

// Close flushes and closes the trace recorder. Called last in the
// graceful-shutdown sequence, after background workers have stopped.
func (e *Engine) Close() error {
	return e.trace.Close()
}

// Check runs a single tool call through the full control-flow pipeline,
// enforcing the configured check timeout and recovering from any panic in
// the pipeline itself. A timeout or panic yields the on-error verdict
// (BLOCK by default, ALLOW if fail-open is configured) — it is still
// returned to the caller and still traced, but never reaches the session's
// event ring, since the check never reached a real verdict computation.
func (e *Engine) Check(ctx context.Context, in CheckInput) vpkg.Result {
	start := time.Now()

	e.mu.RLock()
	timeout := e.checkTimeout
	onErrorAllow := e.onErrorAllow
	e.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var aborted atomic.Int32
	var resolvedSession string
	resultCh := make(chan vpkg.Result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("engine: panic recovered during check", "panic", r, "tool", in.Tool)
				resultCh <- e.errorVerdict(onErrorAllow)
			}
		}()
		resultCh <- e.doCheck(checkCtx, in, &resolvedSession, &aborted)
	}()

	var result vpkg.Result
	select {
	case result = <-resultCh:
	case <-checkCtx.Done():
		// The instant the deadline passes, the check is "timed out" for
		// ring-update purposes (doCheck's own deferred RecordEvent checks
		// this flag) even if, within the grace window below, it still
		// manages to hand back a real verdict instead of the generic one.
		aborted.Store(1)
		e.logger.Warn("engine: check timed out or was canceled", "tool", in.Tool, "error", checkCtx.Err())
		select {
		case result = <-resultCh:
		case <-time.After(50 * time.Millisecond):
			result = e.errorVerdict(onErrorAllow)
		}
	}

	e.metrics.IncCounter("shield_checks_total", metrics.Labels("verdict", string(result.Verdict)))

	sessionForTrace := resolvedSession
	if sessionForTrace == "" {
		sessionForTrace = in.SessionID
	}
	rec := trace.Record{
		Timestamp: start,
		Session:   sessionForTrace,
		Tool:      in.Tool,
		Verdict:   string(result.Verdict),
		PII:       result.PIITypes,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		RequestID: in.RequestID,
		Args:      in.Args,
	}
	if result.RuleID != "" {
		ruleID := result.RuleID
		rec.Rule = &ruleID
	}
	e.trace.Append(rec)

	return result
}

// doCheck implements the twelve-step control flow. resolvedSession is set
// the moment a session is actually created or fetched (step 4), so the
// caller can trace against it even when the pipeline short-circuits before
// reaching a matched rule. aborted is set by Check if the outer select
// picked the timeout/cancellation branch, suppressing the ring update a
// late-finishing goroutine would otherwise still perform.
func (e *Engine) doCheck(ctx context.Context, in CheckInput, resolvedSession *string, aborted *atomic.Int32) (result vpkg.Result) {
	now := time.Now()

	defer func() {
		if p := recover(); p != nil {
			panic(p)
		}

		e.mu.RLock()
		mode := e.mode
		e.mu.RUnlock()

		if mode == rules.ModeAudit && (result.Verdict == rules.Block || result.Verdict == rules.Approve) {
			wouldBe := result.Verdict
			result.Verdict = rules.Allow
			result.Message = fmt.Sprintf("(audit mode, would have been %s) %s", wouldBe, result.Message)
			result.ApprovalID = ""
		}

		if *resolvedSession != "" && aborted.Load() == 0 {
			e.sessions.RecordEvent(*resolvedSession, in.Tool, result.Verdict, summarizeArgs(in.Args))
		}
	}()

	if e.Killed() {
		result = vpkg.Block("", "", vpkg.ReasonKillSwitch)
		return
	}

	e.mu.RLock()
	rs := e.ruleSet
	rl := e.rateLimiter
	detector := e.pii
	mode := e.mode
	e.mu.RUnlock()

	if mode == rules.ModeDisabled {
		result = vpkg.Allow()
		return
	}

	if err := e.sanitizer.CheckTool(in.Tool); err != nil {
		result = vpkg.Block(sanitizerRuleID(err), err.Error(), vpkg.ReasonSanitizer)
		return
	}
	if err := e.sanitizer.CheckArgs(in.Args); err != nil {
		result = vpkg.Block(sanitizerRuleID(err), err.Error(), vpkg.ReasonSanitizer)
		return
	}

	snap := e.sessions.GetOrCreate(in.SessionID)
	*resolvedSession = snap.ID

	piiMatches := detector.ScanDict(in.Args, "")
	piiHit := len(piiMatches) > 0

	if rs.TaintChain.Enabled && snap.PIITainted && containsTool(rs.TaintChain.OutgoingTools, in.Tool) {
		result = vpkg.Block("__taint_chain__", fmt.Sprintf("session tainted: %s", snap.TaintReason), vpkg.ReasonTaint)
		return
	}

	idx := matcher.FindBestMatch(rs, matcher.Input{
		Tool:    in.Tool,
		Args:    in.Args,
		Session: snap,
		Sender:  in.Sender,
		Context: in.Context,
		PIIHit:  piiHit,
		Now:     now,
	})

	verdictValue := rs.DefaultVerdict
	var matchedRule *rules.Rule
	if idx >= 0 {
		r := rs.Rules[idx]
		matchedRule = &r
		verdictValue = r.Then
	}

	if allowed, limitTool := rl.Check(in.Tool, snap.ID, now); !allowed {
		result = vpkg.Block("__rate_limit__", fmt.Sprintf("rate limit exceeded for tool %q", limitTool), vpkg.ReasonRateLimit)
		return
	}
	rl.Record(in.Tool, snap.ID, now)

	switch verdictValue {
	case rules.Redact:
		masked, _ := detector.MaskDict(in.Args, piiMatches).(map[string]any)
		result = vpkg.Redact(ruleID(matchedRule), ruleMessage(matchedRule), masked, piiTypeStrings(piiMatches))
	case rules.Approve:
		result = e.handleApprove(ctx, in, snap.ID, matchedRule, detector)
	case rules.Block:
		result = vpkg.Block(ruleID(matchedRule), ruleMessage(matchedRule), vpkg.ReasonRule)
	default:
		result = vpkg.Allow()
	}
	return
}

// handleApprove implements step 10: cache lookup, submission, and a
// blocking wait for resolution or timeout.
func (e *Engine) handleApprove(ctx context.Context, in CheckInput, sessionID string, rule *rules.Rule, detector *pii.Detector) vpkg.Result {
	ruleIDStr, msg := ruleID(rule), ruleMessage(rule)
	strategy := rules.StrategyNone
	if rule != nil {
		strategy = rule.ApprovalStrategy
	}

	if cached, ok := e.approvalCache.Lookup(strategy, sessionID, ruleIDStr, in.Tool, in.Args); ok {
		if cached.Approved {
			return vpkg.Allow()
		}
		return vpkg.Block(ruleIDStr, msg, vpkg.ReasonApprovalDeny)
	}

	if e.approvalBackend == nil {
		return vpkg.Block(ruleIDStr, approval.NoBackendMessage(in.Tool), vpkg.ReasonApprovalNo)
	}

	piiMatches := detector.ScanDict(in.Args, "")
	maskedArgs, _ := detector.MaskDict(in.Args, piiMatches).(map[string]any)

	req := approval.NewRequest(in.Tool, maskedArgs, ruleIDStr, msg, sessionID)
	e.approvalMeta.put(req.RequestID, approvalMetaEntry{
		Tool: in.Tool, SessionID: sessionID, RuleID: ruleIDStr, CreatedAt: req.CreatedAt,
	})

	if err := e.approvalBackend.Submit(ctx, req); err != nil {
		e.logger.Error("engine: approval submit failed", "error", err, "tool", in.Tool)
		return vpkg.Block(ruleIDStr, "failed to submit approval request", vpkg.ReasonApprovalNo)
	}

	resp, ok := e.approvalBackend.WaitFor(ctx, req.RequestID, e.approvalTimeout)
	if !ok {
		if ctx.Err() == context.Canceled {
			// The outer check was canceled (client disconnected) rather than
			// the approval itself timing out. Leave the approval pending so
			// a later respond() still resolves it normally.
			return vpkg.Approve(ruleIDStr, msg, req.RequestID)
		}
		if marker, ok2 := e.approvalBackend.(interface{ MarkTimedOut(string) }); ok2 {
			marker.MarkTimedOut(req.RequestID)
		}
		if e.onTimeoutAutoApprove {
			return vpkg.Allow()
		}
		res := vpkg.Block(ruleIDStr, "", vpkg.ReasonApprovalTO)
		res.ApprovalID = req.RequestID
		return res
	}

	e.approvalCache.Store(strategy, sessionID, ruleIDStr, in.Tool, in.Args, resp)
	if resp.Approved {
		return vpkg.Allow()
	}
	return vpkg.Block(ruleIDStr, msg, vpkg.ReasonApprovalDeny)
}

// PostCheck scans a tool's result string for PII (step: post-execution
// taint marking) and, when the rule-set's taint-chain is enabled, marks the
// session tainted so subsequent calls to its configured outgoing tools are
// blocked by the synthetic taint rule in doCheck.
func (e *Engine) PostCheck(tool, resultText, sessionID string) PostCheckResult {
	e.mu.RLock()
	detector := e.pii
	taintEnabled := e.ruleSet.TaintChain.Enabled
	e.mu.RUnlock()

	matches := detector.Scan(resultText)
	types := piiTypeStrings(matches)
	tainted := false
	if len(matches) > 0 && taintEnabled {
		reason := fmt.Sprintf("PII detected in result of %q: %v", tool, types)
		firstType := ""
		if len(types) > 0 {
			firstType = types[0]
		}
		e.sessions.SetTaint(sessionID, firstType, reason)
		tainted = true
	}

	return PostCheckResult{
		PIITypes:       types,
		RedactedOutput: detector.MaskString(resultText, matches),
		Tainted:        tainted,
	}
}

func (e *Engine) errorVerdict(onErrorAllow bool) vpkg.Result {
	if onErrorAllow {
		return vpkg.Allow()
	}
	return vpkg.Block("", "", vpkg.ReasonEngineError)
}

func ruleID(r *rules.Rule) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func ruleMessage(r *rules.Rule) string {
	if r == nil {
		return ""
	}
	return r.Message
}

func containsTool(list []string, tool string) bool {
	for _, t := range list {
		if t == tool {
			return true
		}
	}
	return false
}

func sanitizerRuleID(err error) string {
	if v, ok := err.(sanitizer.Violation); ok {
		return "__sanitizer_" + v.Detector + "__"
	}
	return "__sanitizer__"
}

func piiTypeStrings(matches []pii.Match) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		t := string(m.Type)
		if m.Type == pii.Custom && m.Label != "" {
			t = m.Label
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func summarizeArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

func boolToVerdict(approved bool) rules.Verdict {
	if approved {
		return rules.Allow
	}
	return rules.Block
}

func approvalStatus(approved bool) approval.Status {
	if approved {
		return approval.StatusApproved
	}
	return approval.StatusDenied
}

type approvalMetaEntry struct {
	Tool      string
	SessionID string
	RuleID    string
	CreatedAt time.Time
}

// approvalMetaStore is a small TTL-bounded map from request id to the
// bookkeeping the engine needs to finalize a trace record when a response
// arrives after the original check already returned.
type approvalMetaStore struct {
	mu      sync.Mutex
	entries map[string]approvalMetaEntry
	ttl     time.Duration
}

func newApprovalMetaStore(ttl time.Duration) *approvalMetaStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &approvalMetaStore{entries: make(map[string]approvalMetaEntry), ttl: ttl}
}

func (s *approvalMetaStore) put(id string, e approvalMetaEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = e
}

func (s *approvalMetaStore) get(id string) (approvalMetaEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *approvalMetaStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	var drop []string
	for id, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		delete(s.entries, id)
	}
	return len(drop)
}
