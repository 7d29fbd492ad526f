// Package verdict formats the agent-facing counterexample message that
// accompanies a non-ALLOW verdict, so an agent's repair loop has something
// concrete to act on.
package verdict

import (
	"fmt"

	"github.com/mishabar410/policyshield/pkg/rules"
)

// Reason tags the failure class driving a BLOCK, independent of which rule
// (if any) produced it — used to pick a sensible default message when a
// rule carries no custom message.
type Reason string

const (
	ReasonRule        Reason = "rule"
	ReasonPII         Reason = "pii-block"
	ReasonRateLimit   Reason = "rate-limit"
	ReasonSanitizer   Reason = "sanitizer"
	ReasonTaint       Reason = "tainted"
	ReasonApprovalNo  Reason = "no-backend"
	ReasonApprovalTO  Reason = "approval-timeout"
	ReasonApprovalDeny Reason = "approval-denied"
	ReasonKillSwitch  Reason = "kill-switch"
	ReasonEngineError Reason = "engine-error"
)

// Result is the fully-formed response payload for a /check call.
type Result struct {
	Verdict      rules.Verdict
	Message      string
	RuleID       string // empty if no rule matched
	ModifiedArgs map[string]any
	PIITypes     []string
	ApprovalID   string
}

var defaultMessages = map[Reason]string{
	ReasonRule:         "blocked by policy rule",
	ReasonPII:          "blocked: sensitive data detected and this tool does not allow it",
	ReasonRateLimit:    "rate limit exceeded for this tool",
	ReasonSanitizer:    "blocked by input sanitizer",
	ReasonTaint:        "blocked: session is tainted by prior sensitive data exposure",
	ReasonApprovalNo:   "blocked: no approval backend configured",
	ReasonApprovalTO:   "Approval timed out",
	ReasonApprovalDeny: "blocked: approval request was denied",
	ReasonKillSwitch:   "blocked: shield kill-switch is active",
	ReasonEngineError:  "blocked: internal engine error",
}

var defaultSuggestions = map[Reason]string{
	ReasonRule:       "adjust the call to satisfy the rule's condition, or request an exception",
	ReasonPII:        "remove or mask the sensitive value before retrying",
	ReasonRateLimit:  "wait for the rate-limit window to clear before retrying",
	ReasonSanitizer:  "remove the flagged pattern from the arguments",
	ReasonTaint:      "this session cannot call outgoing tools until its taint is cleared",
	ReasonApprovalNo: "configure an approval backend or avoid tools that require approval",
}

// Block builds the BLOCK result for a matched rule, falling back to a
// reason-keyed default message when the rule carries none.
func Block(ruleID, ruleMessage string, reason Reason) Result {
	msg := ruleMessage
	if msg == "" {
		msg = defaultMessages[reason]
	}
	full := fmt.Sprintf("rule: %s\ntool reason: %s\n%s", orNone(ruleID), reason, msg)
	if s, ok := defaultSuggestions[reason]; ok {
		full += "\nsuggestion: " + s
	}
	return Result{
		Verdict: rules.Block,
		Message: full,
		RuleID:  ruleID,
	}
}

// Allow builds the ALLOW result.
func Allow() Result {
	return Result{Verdict: rules.Allow, Message: "allowed"}
}

// Redact builds the REDACT result with the masked arguments and the
// detected PII types.
func Redact(ruleID, ruleMessage string, modifiedArgs map[string]any, piiTypes []string) Result {
	msg := ruleMessage
	if msg == "" {
		msg = "arguments redacted: sensitive data masked before delegation"
	}
	return Result{
		Verdict:      rules.Redact,
		Message:      msg,
		RuleID:       ruleID,
		ModifiedArgs: modifiedArgs,
		PIITypes:     piiTypes,
	}
}

// Approve builds the APPROVE result carrying the pending approval id.
func Approve(ruleID, ruleMessage, approvalID string) Result {
	msg := ruleMessage
	if msg == "" {
		msg = "this call requires human approval"
	}
	return Result{
		Verdict:    rules.Approve,
		Message:    msg,
		RuleID:     ruleID,
		ApprovalID: approvalID,
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none — default verdict applied)"
	}
	return s
}
