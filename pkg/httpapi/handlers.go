package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mishabar410/policyshield/pkg/approval"
	"github.com/mishabar410/policyshield/pkg/engine"
	"github.com/mishabar410/policyshield/pkg/rules"
	vpkg "github.com/mishabar410/policyshield/pkg/verdict"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func requestID(r *http.Request, bodyRequestID string) string {
	if bodyRequestID != "" {
		return bodyRequestID
	}
	return requestIDFromContext(r.Context())
}

// --- POST /api/v1/check ---

type checkRequest struct {
	Tool      string            `json:"tool_name"`
	Args      map[string]any    `json:"args"`
	SessionID string            `json:"session_id"`
	Sender    string            `json:"sender"`
	Context   map[string]string `json:"context"`
	RequestID string            `json:"request_id"`
}

type checkResponse struct {
	Verdict      rules.Verdict  `json:"verdict"`
	Message      string         `json:"message"`
	RuleID       string         `json:"rule_id,omitempty"`
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	PIITypes     []string       `json:"pii_types,omitempty"`
	ApprovalID   string         `json:"approval_id,omitempty"`
	RequestID    string         `json:"request_id"`
}

func resultToResponse(res vpkg.Result, reqID string) checkResponse {
	return checkResponse{
		Verdict:      res.Verdict,
		Message:      res.Message,
		RuleID:       res.RuleID,
		ModifiedArgs: res.ModifiedArgs,
		PIITypes:     res.PIITypes,
		ApprovalID:   res.ApprovalID,
		RequestID:    reqID,
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeBadRequest(w, r, "tool_name is required")
		return
	}

	reqID := requestID(r, req.RequestID)
	res := s.engine.Check(r.Context(), engine.CheckInput{
		Tool:      req.Tool,
		Args:      req.Args,
		SessionID: req.SessionID,
		Sender:    req.Sender,
		Context:   req.Context,
		RequestID: reqID,
	})
	writeJSON(w, http.StatusOK, resultToResponse(res, reqID))
}

// --- POST /api/v1/post-check ---

type postCheckRequest struct {
	Tool      string `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

type postCheckResponse struct {
	PIITypes       []string `json:"pii_types"`
	RedactedOutput string   `json:"redacted_output,omitempty"`
}

func (s *Server) handlePostCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req postCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}

	pc := s.engine.PostCheck(req.Tool, req.Result, req.SessionID)
	writeJSON(w, http.StatusOK, postCheckResponse{
		PIITypes:       pc.PIITypes,
		RedactedOutput: pc.RedactedOutput,
	})
}

// --- POST /api/v1/check-approval ---

type checkApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
}

type checkApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Responder  string `json:"responder,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// resultReporter is the subset of approval.Backend that InMemory (and,
// through embedding, ChatChannel) additionally expose for read-only status
// queries that Backend itself does not need to define.
type resultReporter interface {
	Result(requestID string) (*approval.Response, approval.Status, bool)
}

func (s *Server) handleCheckApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req checkApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.ApprovalID == "" {
		writeBadRequest(w, r, "approval_id is required")
		return
	}

	backend := s.engine.ApprovalBackend()
	if backend == nil {
		writeNotFound(w, r, "no approval backend configured")
		return
	}
	reporter, ok := backend.(resultReporter)
	if !ok {
		writeNotFound(w, r, "approval backend does not support status lookup")
		return
	}
	resp, status, ok := reporter.Result(req.ApprovalID)
	if !ok {
		writeNotFound(w, r, "unknown approval_id")
		return
	}

	out := checkApprovalResponse{ApprovalID: req.ApprovalID, Status: string(status)}
	if resp != nil {
		out.Responder = resp.Responder
		out.Comment = resp.Comment
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /api/v1/respond-approval ---

type respondApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Responder  string `json:"responder"`
	Comment    string `json:"comment"`
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req respondApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.ApprovalID == "" {
		writeBadRequest(w, r, "approval_id is required")
		return
	}

	if _, err := s.engine.RespondApproval(req.ApprovalID, req.Approved, req.Responder, req.Comment); err != nil {
		switch err {
		case approval.ErrUnknownRequest:
			writeNotFound(w, r, err.Error())
		case approval.ErrAlreadyResolved:
			writeProblem(w, r, http.StatusConflict, "Conflict", err.Error())
		default:
			writeInternal(w, r, s.logger, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- GET /api/v1/pending-approvals ---

type pendingApprovalDTO struct {
	ApprovalID string         `json:"approval_id"`
	Tool       string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
	RuleID     string         `json:"rule_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	backend := s.engine.ApprovalBackend()
	if backend == nil {
		writeJSON(w, http.StatusOK, []pendingApprovalDTO{})
		return
	}
	pending := backend.Pending()
	out := make([]pendingApprovalDTO, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingApprovalDTO{
			ApprovalID: p.RequestID,
			Tool:       p.ToolName,
			Args:       p.Args,
			RuleID:     p.RuleID,
			Message:    p.Message,
			SessionID:  p.SessionID,
			CreatedAt:  p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /api/v1/reload ---

type reloadResponse struct {
	RulesCount int       `json:"rules_count"`
	Hash       string    `json:"hash"`
	ReloadedAt time.Time `json:"reloaded_at"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	rs, err := s.rulesLoader(s.rulesPath)
	if err != nil {
		writeProblem(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", "rule-set failed to compile: "+err.Error())
		return
	}
	s.engine.Reload(rs)
	writeJSON(w, http.StatusOK, reloadResponse{
		RulesCount: len(rs.Rules),
		Hash:       rs.ContentHash,
		ReloadedAt: time.Now(),
	})
}

// --- POST /api/v1/kill & /api/v1/resume ---

type killRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req killRequest
	_ = decodeJSON(r, &req) // body is optional
	s.engine.Kill(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	s.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// --- POST /api/v1/clear-taint ---

type clearTaintRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleClearTaint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req clearTaintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeBadRequest(w, r, "session_id is required")
		return
	}
	ok := s.engine.ClearTaint(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "session_id": req.SessionID})
}

// --- GET /api/v1/constraints ---

func (s *Server) handleConstraints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	sum := s.engine.RuleSetSummary()
	summary := sum.ShieldName + " v" + sum.Version + ": " +
		strconv.Itoa(sum.RulesCount) + " rules, " + strconv.Itoa(sum.RateLimitCount) + " rate limits, mode " + string(s.engine.Mode())
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

// --- GET /api/v1/rules ---

type ruleSetSummaryDTO struct {
	ShieldName     string `json:"shield_name"`
	Version        string `json:"version"`
	ContentHash    string `json:"content_hash"`
	RulesCount     int    `json:"rules_count"`
	RateLimitCount int    `json:"rate_limit_count"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	sum := s.engine.RuleSetSummary()
	writeJSON(w, http.StatusOK, ruleSetSummaryDTO{
		ShieldName:     sum.ShieldName,
		Version:        sum.Version,
		ContentHash:    sum.ContentHash,
		RulesCount:     sum.RulesCount,
		RateLimitCount: sum.RateLimitCount,
	})
}

// --- GET /api/v1/sessions/{id} ---

type eventDTO struct {
	Tool        string    `json:"tool_name"`
	Timestamp   time.Time `json:"timestamp"`
	Verdict     string    `json:"verdict"`
	ArgsSummary string    `json:"args_summary,omitempty"`
}

type sessionDTO struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	LastAccess  time.Time      `json:"last_access"`
	ToolCounts  map[string]int `json:"tool_counts"`
	TotalCalls  int            `json:"total_calls"`
	PIITainted  bool           `json:"pii_tainted"`
	TaintReason string         `json:"taint_reason,omitempty"`
	Events      []eventDTO     `json:"events"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	const prefix = "/api/v1/sessions/"
	id := r.URL.Path[len(prefix):]
	if id == "" {
		writeBadRequest(w, r, "session id is required")
		return
	}
	snap, ok := s.engine.SessionSnapshot(id)
	if !ok {
		writeNotFound(w, r, "unknown session")
		return
	}

	events := make([]eventDTO, 0, len(snap.EventRing))
	for _, ev := range snap.EventRing {
		events = append(events, eventDTO{
			Tool:        ev.Tool,
			Timestamp:   ev.Timestamp,
			Verdict:     string(ev.Verdict),
			ArgsSummary: ev.ArgsSummary,
		})
	}

	writeJSON(w, http.StatusOK, sessionDTO{
		ID:          snap.ID,
		CreatedAt:   snap.CreatedAt,
		LastAccess:  snap.LastAccess,
		ToolCounts:  snap.ToolCounts,
		TotalCalls:  snap.TotalCalls,
		PIITainted:  snap.PIITainted,
		TaintReason: snap.TaintReason,
		Events:      events,
	})
}

// --- GET /api/v1/health, /api/v1/livez ---

type healthResponse struct {
	Status     string `json:"status"`
	ShieldName string `json:"shield_name"`
	Version    string `json:"version"`
	Mode       string `json:"mode"`
	RulesCount int    `json:"rules_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sum := s.engine.RuleSetSummary()
	status := "ok"
	if s.engine.Killed() {
		status = "killed"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		ShieldName: sum.ShieldName,
		Version:    ServerVersion,
		Mode:       string(s.engine.Mode()),
		RulesCount: sum.RulesCount,
	})
}

// --- GET /api/v1/readyz ---

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{"rules_loaded": s.engine.RuleSetSummary().RulesCount >= 0}

	ready := true
	if backend := s.engine.ApprovalBackend(); backend != nil {
		ok, detail := backend.Health()
		checks["approval_backend"] = ok
		if !ok {
			ready = false
			_ = detail
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

// --- GET /metrics ---

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.Render()))
}
