package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mishabar410/policyshield/pkg/approval"
	"github.com/mishabar410/policyshield/pkg/engine"
	"github.com/mishabar410/policyshield/pkg/rules"
	"github.com/mishabar410/policyshield/pkg/trace"
)

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

const approveYAML = `
shield_name: test
version: "1"
default_verdict: ALLOW
rules:
  - id: approve-pay
    when:
      tool: send_payment
    then: APPROVE
    message: payments require approval
`

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

func newTestEngine(t *testing.T, rs *rules.RuleSet, mutate func(*engine.Config)) *engine.Engine {
	t.Helper()
	cfg := engine.Config{
		RuleSet:      rs,
		Mode:         rules.ModeEnforce,
		CheckTimeout: time.Second,
		Trace:        testRecorder(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := engine.New(cfg)
	require.NoError(t, err)
	return e
}

func newTestServer(t *testing.T, rs *rules.RuleSet, mutate func(*engine.Config), mutateCfg func(*Config)) *Server {
	t.Helper()
	e := newTestEngine(t, rs, mutate)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	cfg := Config{
		Engine:    e,
		RulesPath: path,
		RulesLoader: func(string) (*rules.RuleSet, error) {
			return rs, nil
		},
	}
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}
	return New(cfg)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleCheck_defaultAllow(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rules.Allow, resp.Verdict)
	assert.NotEmpty(t, resp.RequestID)
}

func TestHandleCheck_matchedRuleBlocks(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "exec_shell", SessionID: "s1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rules.Block, resp.Verdict)
	assert.Equal(t, "block-exec", resp.RuleID)
}

func TestHandleCheck_missingToolNameIsBadRequest(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{SessionID: "s1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCheck_wrongMethodNotAllowed(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/check", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleCheck_idempotencyReplaysFirstResponse(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	headers := map[string]string{"X-Idempotency-Key": "abc-123"}

	rec1 := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "exec_shell", SessionID: "s1"}, headers)
	require.Equal(t, http.StatusOK, rec1.Code)
	var resp1 checkResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &resp1))

	// A second call, even with a differing session id, must replay the
	// exact first response rather than re-evaluate.
	rec2 := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "exec_shell", SessionID: "s2"}, headers)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, rec1.Body.Bytes(), rec2.Body.Bytes())
}

func TestAuth_apiTokenRequiredOnNonPublicEndpoint(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) { c.APITokens = []string{"secret"} })
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_adminTokenOnlyDoesNotGateOrdinaryEndpoints(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) { c.AdminToken = "admin-secret" })
	h := s.Handler()

	// No api_token configured: /check must remain open.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// But /kill, an admin action, must demand the admin token.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/kill", killRequest{Reason: "test"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/kill", killRequest{Reason: "test"}, map[string]string{"Authorization": "Bearer admin-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_apiTokenInsufficientForAdminAction(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) {
		c.APITokens = []string{"regular"}
		c.AdminToken = "admin-secret"
	})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/kill", killRequest{}, map[string]string{"Authorization": "Bearer regular"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/kill", killRequest{}, map[string]string{"Authorization": "Bearer admin-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndLivez_alwaysPublic(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) { c.APITokens = []string{"secret"} })
	h := s.Handler()

	for _, path := range []string{"/api/v1/health", "/api/v1/livez", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestReadyz_reflectsUnhealthyApprovalBackend(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, func(c *engine.Config) {
		c.ApprovalBackend = &fakeBackend{healthy: false}
	}, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestKillAndResume(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/kill", killRequest{Reason: "incident"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, nil)
	var resp checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rules.Block, resp.Verdict)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/resume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rules.Allow, resp.Verdict)
}

func TestHandleReload_compileFailureReturnsUnprocessableEntity(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) {
		c.RulesLoader = func(string) (*rules.RuleSet, error) {
			return nil, assert.AnError
		}
	})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/reload", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleReload_successReportsNewSummary(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	rs2 := testRuleSet(t, approveYAML)
	s := newTestServer(t, rs, nil, func(c *Config) {
		c.RulesLoader = func(string) (*rules.RuleSet, error) {
			return rs2, nil
		}
	})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/reload", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp reloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.RulesCount)
}

func TestHandleRespondApproval_unknownRequestIsNotFound(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	s := newTestServer(t, rs, func(c *engine.Config) {
		c.ApprovalBackend = approval.NewInMemory(time.Hour)
	}, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/respond-approval", respondApprovalRequest{ApprovalID: "does-not-exist", Approved: true}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRespondApproval_alreadyResolvedIsConflict(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	backend := approval.NewInMemory(time.Hour)
	s := newTestServer(t, rs, func(c *engine.Config) {
		c.ApprovalBackend = backend
	}, nil)
	h := s.Handler()

	// Seed a pending request directly against the backend rather than
	// driving it through /check, which blocks synchronously for the
	// approval window — out of scope for this handler-level test.
	req := approval.NewRequest("send_payment", nil, "approve-pay", "payments require approval", "s1")
	require.NoError(t, backend.Submit(context.Background(), req))

	rec := doJSON(t, h, http.MethodPost, "/api/v1/respond-approval", respondApprovalRequest{ApprovalID: req.RequestID, Approved: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/respond-approval", respondApprovalRequest{ApprovalID: req.RequestID, Approved: true}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlePendingApprovals_listsOutstandingRequest(t *testing.T) {
	rs := testRuleSet(t, approveYAML)
	backend := approval.NewInMemory(time.Hour)
	s := newTestServer(t, rs, func(c *engine.Config) {
		c.ApprovalBackend = backend
	}, nil)
	h := s.Handler()

	req := approval.NewRequest("send_payment", nil, "approve-pay", "payments require approval", "s1")
	require.NoError(t, backend.Submit(context.Background(), req))

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/pending-approvals", nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var pending []pendingApprovalDTO
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "send_payment", pending[0].Tool)
}

func TestHandleClearTaint_requiresSessionID(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/clear-taint", clearTaintRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSession_unknownSessionIsNotFound(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSession_foundAfterACheck(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var sess sessionDTO
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &sess))
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, 1, sess.TotalCalls)
}

func TestHandleConstraints_reportsSummary(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/constraints", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 rules")
}

func TestHandleRules_reportsRuleSetSummary(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var dto ruleSetSummaryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, 1, dto.RulesCount)
}

func TestBodyLimitMiddleware_rejectsOversizedRequest(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) { c.MaxRequestSize = 16 })
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", Args: map[string]any{"a": "this is definitely longer than sixteen bytes"}, SessionID: "s1"}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestContentTypeMiddleware_rejectsNonJSONBody(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/check", bytes.NewBufferString(`{"tool_name":"read_file"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAdmissionMiddleware_rejectsWhenSemaphoreExhausted(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) { c.MaxConcurrentChecks = 1 })

	require.True(t, s.sem.TryAcquire(1))
	defer s.sem.Release(1)

	h := s.Handler()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSMiddleware_preflightShortCircuits(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/check", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDMiddleware_echoesSuppliedID(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, map[string]string{"X-Request-ID": "fixed-id"})
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func TestAuthFailLockout_locksOutAfterRepeatedFailures(t *testing.T) {
	rs := testRuleSet(t, blockExecYAML)
	s := newTestServer(t, rs, nil, func(c *Config) {
		c.APITokens = []string{"secret"}
		c.AuthFailRateLimitPerMin = 1
		c.AuthFailLockout = time.Minute
	})
	h := s.Handler()

	wrong := map[string]string{"Authorization": "Bearer wrong"}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, wrong)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Second failure exceeds the 1/min budget and trips the lockout.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, wrong)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A subsequent attempt, even with the correct token, is now locked out.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"}, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

// fakeBackend is a minimal approval.Backend stub for exercising readyz's
// health-check wiring without standing up a real backend.
type fakeBackend struct {
	healthy bool
}

func (f *fakeBackend) Submit(ctx context.Context, req approval.Request) error { return nil }

func (f *fakeBackend) WaitFor(ctx context.Context, requestID string, timeout time.Duration) (*approval.Response, bool) {
	return nil, false
}

func (f *fakeBackend) Respond(requestID string, approved bool, responder, comment string) (*approval.Response, error) {
	return nil, approval.ErrUnknownRequest
}

func (f *fakeBackend) Pending() []approval.Request { return nil }

func (f *fakeBackend) Health() (bool, string) {
	if f.healthy {
		return true, "ok"
	}
	return false, "unhealthy"
}

var _ approval.Backend = (*fakeBackend)(nil)
