package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mishabar410/policyshield/pkg/approval"
	"github.com/mishabar410/policyshield/pkg/rules"
	"github.com/mishabar410/policyshield/pkg/trace"
	vpkg "github.com/mishabar410/policyshield/pkg/verdict"
)

func testRuleSet(t *testing.T, yamlText string) *rules.RuleSet {
	t.Helper()
	rs, err := rules.Compile([]byte(yamlText))
	require.NoError(t, err)
	return rs
}

func testRecorder(t *testing.T) *trace.Recorder {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "trace")
	r := trace.New(trace.Config{Dir: dir}, nil)
	t.Cleanup(func() { r.Close() })
	return r
}

func newTestEngine(t *testing.T, rs *rules.RuleSet, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		RuleSet:      rs,
		Mode:         rules.ModeEnforce,
		CheckTimeout: time.Second,
		Trace:        testRecorder(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

const blockExecYAML = `
shield_name: test
version: "1"
default_verdict: ALLOW
rules:
  - id: block-exec
    when:
      tool: exec_shell
    then: BLOCK
    message: shell execution is forbidden
`

func TestCheck_defaultAllowWhenNoRuleMatches(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, nil)

	res := e.Check(context.Background(), CheckInput{Tool: "read_file", Args: map[string]any{"path": "/tmp/x"}, SessionID: "s1"})
	assert.Equal(t, rules.Allow, res.Verdict)
}

func TestCheck_matchedRuleBlocks(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, nil)

	res := e.Check(context.Background(), CheckInput{Tool: "exec_shell", Args: map[string]any{"cmd": "ls"}, SessionID: "s1"})
	assert.Equal(t, rules.Block, res.Verdict)
	assert.Equal(t, "block-exec", res.RuleID)
}

func TestCheck_killSwitchBlocksRegardlessOfRules(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, nil)
	e.Kill("incident")

	res := e.Check(context.Background(), CheckInput{Tool: "read_file", SessionID: "s1"})
	assert.Equal(t, rules.Block, res.Verdict)

	e.Resume()
	res = e.Check(context.Background(), CheckInput{Tool: "read_file", SessionID: "s1"})
	assert.Equal(t, rules.Allow, res.Verdict)
}

func TestCheck_disabledModeAllowsEverythingWithoutSanitizing(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, func(c *Config) { c.Mode = rules.ModeDisabled })

	res := e.Check(context.Background(), CheckInput{Tool: "exec_shell", Args: map[string]any{"cmd": "../../etc/passwd"}, SessionID: "s1"})
	assert.Equal(t, rules.Allow, res.Verdict)
}

func TestCheck_auditModeCoercesBlockToAllowButRecordsWouldBe(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, func(c *Config) { c.Mode = rules.ModeAudit })

	res := e.Check(context.Background(), CheckInput{Tool: "exec_shell", SessionID: "s1"})
	assert.Equal(t, rules.Allow, res.Verdict)
	assert.Contains(t, res.Message, "would have been BLOCK")
}

func TestCheck_sanitizerRejectsBeforeSessionIsTouched(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, nil)

	res := e.Check(context.Background(), CheckInput{Tool: "read_file", Args: map[string]any{"path": "../../etc/passwd"}, SessionID: "fresh-session"})
	assert.Equal(t, rules.Block, res.Verdict)
	assert.Equal(t, 0, e.sessions.Len())
}

const rateLimitYAML = `
shield_name: test
version: "1"
default_verdict: ALLOW
rate_limits:
  - tool: send_email
    max_calls: 1
    window: 60
    scope: session
`

func TestCheck_rateLimiterOverridesRuleVerdict(t *testing.T) {
	rs := testRuleSet(t, rateLimitYAML)
	e := newTestEngine(t, rs, nil)

	first := e.Check(context.Background(), CheckInput{Tool: "send_email", SessionID: "s1"})
	assert.Equal(t, rules.Allow, first.Verdict)

	second := e.Check(context.Background(), CheckInput{Tool: "send_email", SessionID: "s1"})
	assert.Equal(t, rules.Block, second.Verdict)
	assert.Equal(t, "__rate_limit__", second.RuleID)
}

const redactYAML = `
shield_name: test
version: "1"
default_verdict: ALLOW
rules:
  - id: redact-pii
    when:
      tool: send_message
    then: REDACT
`

func TestCheck_redactMasksDetectedPII(t *testing.T) {
	rs := testRuleSet(t, redactYAML)
	e := newTestEngine(t, rs, nil)

	res := e.Check(context.Background(), CheckInput{
		Tool:      "send_message",
		Args:      map[string]any{"body": "contact me at jane@example.com"},
		SessionID: "s1",
	})
	assert.Equal(t, rules.Redact, res.Verdict)
	assert.Contains(t, res.PIITypes, "EMAIL")
	body, _ := res.ModifiedArgs["body"].(string)
	assert.NotContains(t, body, "jane@example.com")
}

const taintChainYAML = `
shield_name: test
version: "1"
default_verdict: ALLOW
taint_chain:
  enabled: true
  outgoing_tools: ["send_email"]
`

func TestPostCheck_taintsSessionAndSubsequentOutgoingCallIsBlocked(t *testing.T) {
	rs := testRuleSet(t, taintChainYAML)
	e := newTestEngine(t, rs, nil)

	e.Check(context.Background(), CheckInput{Tool: "read_records", SessionID: "s1"})

	pc := e.PostCheck("read_records", "ssn on file: 123-45-6789", "s1")
	assert.Contains(t, pc.PIITypes, "SSN")
	assert.True(t, pc.Tainted)

	res := e.Check(context.Background(), CheckInput{Tool: "send_email", SessionID: "s1"})
	assert.Equal(t, rules.Block, res.Verdict)
	assert.Equal(t, "__taint_chain__", res.RuleID)

	assert.True(t, e.ClearTaint("s1"))
	res = e.Check(context.Background(), CheckInput{Tool: "send_email", SessionID: "s1"})
	assert.Equal(t, rules.Allow, res.Verdict)
}

const approveYAML = `
shield_name: test
version: "1"
default_verdict: ALLOW
rules:
  - id: approve-wire
    when:
      tool: wire_transfer
    then: APPROVE
`

func TestCheck_approveAllowsOnApprovedResponse(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	backend := approval.NewInMemory(time.Hour)
	e := newTestEngine(t, rs, func(c *Config) {
		c.ApprovalBackend = backend
		c.ApprovalTimeout = 2 * time.Second
	})

	done := make(chan vpkg.Result, 1)
	go func() {
		done <- e.Check(context.Background(), CheckInput{Tool: "wire_transfer", Args: map[string]any{"amount": 100}, SessionID: "s1"})
	}()

	require.Eventually(t, func() bool { return len(backend.Pending()) == 1 }, time.Second, 10*time.Millisecond)
	reqID := backend.Pending()[0].RequestID
	_, err := backend.Respond(reqID, true, "alice", "looks fine")
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, rules.Allow, r.Verdict)
	case <-time.After(2 * time.Second):
		t.Fatal("check did not return after approval")
	}
}

func TestCheck_approveBlocksOnDeniedResponse(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	backend := approval.NewInMemory(time.Hour)
	e := newTestEngine(t, rs, func(c *Config) {
		c.ApprovalBackend = backend
		c.ApprovalTimeout = 2 * time.Second
	})

	done := make(chan vpkg.Result, 1)
	go func() {
		done <- e.Check(context.Background(), CheckInput{Tool: "wire_transfer", Args: map[string]any{"amount": 100}, SessionID: "s1"})
	}()

	require.Eventually(t, func() bool { return len(backend.Pending()) == 1 }, time.Second, 10*time.Millisecond)
	reqID := backend.Pending()[0].RequestID
	_, err := backend.Respond(reqID, false, "alice", "too large")
	require.NoError(t, err)

	r := <-done
	assert.Equal(t, rules.Block, r.Verdict)
}

func TestCheck_approveTimesOutToBlockByDefault(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	backend := approval.NewInMemory(time.Hour)
	e := newTestEngine(t, rs, func(c *Config) {
		c.ApprovalBackend = backend
		c.ApprovalTimeout = 50 * time.Millisecond
		c.CheckTimeout = time.Second
	})

	res := e.Check(context.Background(), CheckInput{Tool: "wire_transfer", Args: map[string]any{"amount": 100}, SessionID: "s1"})
	assert.Equal(t, rules.Block, res.Verdict)
	assert.NotEmpty(t, res.ApprovalID)

	status, ok := backend.Status(res.ApprovalID)
	assert.True(t, ok)
	assert.Equal(t, approval.StatusTimedOut, status)
}

func TestCheck_noApprovalBackendConfiguredBlocks(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	e := newTestEngine(t, rs, nil)

	res := e.Check(context.Background(), CheckInput{Tool: "wire_transfer", SessionID: "s1"})
	assert.Equal(t, rules.Block, res.Verdict)
}

func TestCheck_checkTimeoutYieldsBlockAndSkipsRingUpdate(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	backend := approval.NewInMemory(time.Hour)
	e := newTestEngine(t, rs, func(c *Config) {
		c.ApprovalBackend = backend
		c.ApprovalTimeout = time.Minute
		c.CheckTimeout = 20 * time.Millisecond
	})

	rs2 := testRuleSet(t, approveYAML)
	e.Reload(rs2)

	res := e.Check(context.Background(), CheckInput{Tool: "wire_transfer", SessionID: "sx"})
	assert.Equal(t, rules.Block, res.Verdict)

	time.Sleep(50 * time.Millisecond)
	snap, ok := e.sessions.Snapshot("sx")
	if ok {
		assert.Equal(t, 0, snap.TotalCalls)
	}
}

func TestErrorVerdict_onErrorAllowPicksAllowOtherwiseBlock(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, nil)

	assert.Equal(t, rules.Block, e.errorVerdict(false).Verdict)
	assert.Equal(t, rules.Allow, e.errorVerdict(true).Verdict)
}

func TestReload_swapsRuleSetRateLimiterAndPIIDetector(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, nil)

	res := e.Check(context.Background(), CheckInput{Tool: "exec_shell", SessionID: "s1"})
	assert.Equal(t, rules.Block, res.Verdict)

	allowAll := testRuleSet(t, `
shield_name: test
version: "2"
default_verdict: ALLOW
`)
	e.Reload(allowAll)

	res = e.Check(context.Background(), CheckInput{Tool: "exec_shell", SessionID: "s1"})
	assert.Equal(t, rules.Allow, res.Verdict)
	assert.Equal(t, "2", e.RuleSetSummary().Version)
}

func TestStartBackground_stopsCleanlyOnContextCancel(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	e := newTestEngine(t, rs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	g := e.StartBackground(ctx)
	cancel()
	require.NoError(t, g.Wait())
}

func TestCheck_clientCancelLeavesApprovalPendingInsteadOfTimingItOut(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	backend := approval.NewInMemory(time.Hour)
	e := newTestEngine(t, rs, func(c *Config) {
		c.ApprovalBackend = backend
		c.ApprovalTimeout = time.Minute
		c.CheckTimeout = time.Minute
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan vpkg.Result, 1)
	go func() {
		done <- e.Check(ctx, CheckInput{Tool: "wire_transfer", SessionID: "s1"})
	}()

	require.Eventually(t, func() bool { return len(backend.Pending()) == 1 }, time.Second, 10*time.Millisecond)
	reqID := backend.Pending()[0].RequestID
	cancel()

	res := <-done
	assert.Equal(t, rules.Approve, res.Verdict)
	assert.Equal(t, reqID, res.ApprovalID)

	status, ok := backend.Status(reqID)
	require.True(t, ok)
	assert.Equal(t, approval.StatusPending, status)

	_, err := e.RespondApproval(reqID, true, "bob", "late approval")
	require.NoError(t, err)
}

