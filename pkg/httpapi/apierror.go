// Package httpapi exposes the Shield Engine over HTTP: the endpoint set of
// §6.1 plus a couple of read-only additions, bearer/admin auth, admission
// control, idempotency, and RFC 7807 error bodies — generalizing the
// teacher's api/auth packages onto a single policy-firewall engine.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). Every
// transport-level error response (auth, limits, validation, internal) uses
// this shape; a computed policy verdict never does; it is always 200 with
// the flat {verdict, message, ...} body described in §6.1.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://policyshield.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

func writeForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "insufficient permissions"
	}
	writeProblem(w, r, http.StatusForbidden, "Forbidden", detail)
}

func writeNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusNotFound, "Not Found", detail)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "the HTTP method is not supported for this endpoint")
}

func writeUnsupportedMediaType(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusUnsupportedMediaType, "Unsupported Media Type", "Content-Type must be application/json")
}

func writeTooLarge(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", "request body exceeds the configured size limit")
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded, retry after the specified interval")
}

func writeUnavailable(w http.ResponseWriter, r *http.Request, detail string, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	}
	writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

func writeGatewayTimeout(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusGatewayTimeout, "Gateway Timeout", "the request exceeded the whole-request timeout")
}

// writeInternal logs err (never exposed to the client) and writes a generic
// 500 body.
func writeInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.Error("httpapi: internal error", "error", err, "path", r.URL.Path)
	writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
