// Package rules holds the in-memory representation of a PolicyShield
// RuleSet and the compiler that turns the YAML wire format into it.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Verdict is the authoritative decision produced by the engine for a call.
type Verdict string

const (
	Allow   Verdict = "ALLOW"
	Block   Verdict = "BLOCK"
	Redact  Verdict = "REDACT"
	Approve Verdict = "APPROVE"
)

// strictness ranks verdicts for tie-breaking: BLOCK > APPROVE > REDACT > ALLOW.
var strictness = map[Verdict]int{
	Block:   3,
	Approve: 2,
	Redact:  1,
	Allow:   0,
}

// Stricter reports whether a is strictly more severe than b by verdict order.
func Stricter(a, b Verdict) bool {
	return strictness[a] > strictness[b]
}

// Severity ordering is secondary to verdict when tie-breaking matches.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns a numeric ordering for severity comparisons.
func (s Severity) Rank() int { return severityRank[s] }

// Mode controls whether the engine actually enforces verdicts.
type Mode string

const (
	ModeEnforce  Mode = "ENFORCE"
	ModeAudit    Mode = "AUDIT"
	ModeDisabled Mode = "DISABLED"
)

// ApprovalStrategy controls approval-cache reuse scope (§4.7).
type ApprovalStrategy string

const (
	StrategyNone       ApprovalStrategy = ""
	StrategyOnce       ApprovalStrategy = "once"
	StrategyPerSession ApprovalStrategy = "per_session"
	StrategyPerRule    ApprovalStrategy = "per_rule"
	StrategyPerTool    ApprovalStrategy = "per_tool"
)

// PredicateKind tags the sum-type of when-clause predicates (§9 Design Notes).
type PredicateKind int

const (
	PredRegex PredicateKind = iota
	PredContains
	PredStartsWith
	PredEq
	PredContainsPattern
)

// Predicate is the tagged sum type `Regex | Contains | StartsWith | Eq |
// ContainsPattern` called for in §9. Only one of the fields is meaningful,
// selected by Kind.
type Predicate struct {
	Kind    PredicateKind
	Re      *regexp.Regexp // PredRegex
	Str     string         // PredContains / PredStartsWith / PredEq
	Pattern string         // PredContainsPattern, currently only "pii"
	Negate  bool           // leading "!" on context predicates
}

// Matches evaluates the predicate against a stringified leaf value.
// piiHit is the caller's answer to "was PII detected for this call" and is
// only consulted for PredContainsPattern.
func (p Predicate) Matches(value string, piiHit bool) bool {
	var ok bool
	switch p.Kind {
	case PredRegex:
		if p.Re == nil {
			ok = false
		} else {
			ok = p.Re.MatchString(value)
		}
	case PredContains:
		ok = strings.Contains(value, p.Str)
	case PredStartsWith:
		ok = strings.HasPrefix(value, p.Str)
	case PredEq:
		ok = value == p.Str
	case PredContainsPattern:
		ok = p.Pattern == "pii" && piiHit
	}
	if p.Negate {
		return !ok
	}
	return ok
}

// ToolMatcher decides whether a rule's when.tool selector matches a call's
// tool name. It is one of: literal, regex, wildcard, or a list of literals.
type ToolMatcher struct {
	Wildcard bool
	Literal  string   // non-empty when this is a single literal match
	List     []string // non-empty when `tool` was a YAML list
	Regex    *regexp.Regexp
}

// Matches reports whether the given tool name satisfies this selector.
func (t ToolMatcher) Matches(tool string) bool {
	if t.Wildcard {
		return true
	}
	if t.Regex != nil {
		return t.Regex.MatchString(tool)
	}
	if len(t.List) > 0 {
		for _, l := range t.List {
			if l == tool {
				return true
			}
		}
		return false
	}
	return t.Literal == tool
}

// SessionPredicate compares a session counter (e.g. tool_count.exec) against
// a threshold using one of gt/lt/gte/lte/eq.
type SessionPredicate struct {
	Field string // e.g. "tool_count.exec", "total_calls"
	Op    string // gt | lt | gte | lte | eq
	Value int
}

// Check evaluates the predicate against an observed integer value.
func (p SessionPredicate) Check(observed int) bool {
	switch p.Op {
	case "gt":
		return observed > p.Value
	case "lt":
		return observed < p.Value
	case "gte":
		return observed >= p.Value
	case "lte":
		return observed <= p.Value
	case "eq":
		return observed == p.Value
	default:
		return false
	}
}

// ContextPredicate is one entry of the when.context map: time_of_day,
// day_of_week, or an arbitrary key/value, optionally negated with "!".
type ContextPredicate struct {
	Key        string
	Value      string
	Negate     bool
	TimeOfDay  bool // Key == "time_of_day"
	DayOfWeek  bool // Key == "day_of_week"
	StartHHMM  string
	EndHHMM    string
	DayStart   time.Weekday
	DayEnd     time.Weekday
	ValidRange bool // false if the range syntax failed to parse
}

// ChainCondition is a temporal precondition: "tool X must have been called
// within N seconds, optionally with a verdict filter / minimum count."
type ChainCondition struct {
	Tool        string
	WithinSecs  float64
	Verdict     *Verdict
	MinCount    int
}

// WhenClause is the full match condition attached to a Rule.
type WhenClause struct {
	Tool      ToolMatcher
	ArgsMatch map[string]Predicate // field -> predicate; "any_field" is special
	Session   []SessionPredicate
	Sender    *Predicate
	Context   []ContextPredicate
	Chain     []ChainCondition
}

// Rule is a single compiled policy rule.
type Rule struct {
	ID               string
	Description      string
	When             WhenClause
	Then             Verdict
	Severity         Severity
	Message          string
	Enabled          bool
	ApprovalStrategy ApprovalStrategy
	SourceOrder      int // document order, used for tie-breaking
}

// RateLimit describes one configured rate-limit bucket (§3).
type RateLimit struct {
	Tool          string // literal tool name or "*"
	MaxCalls      int
	WindowSeconds float64
	Scope         string // "session" | "global"
}

// CustomPIIPattern augments the built-in PII pattern set (§4.3).
type CustomPIIPattern struct {
	Label   string
	Pattern *regexp.Regexp
}

// TaintChainConfig configures outgoing-tool blocking after a taint (§4.9).
type TaintChainConfig struct {
	Enabled       bool
	OutgoingTools []string
}

// SessionConfig holds session-store tunables loaded from the rule-set.
type SessionConfig struct {
	EventBufferSize int
}

// RuleSet is the fully compiled policy bundle: rules, rate limits, custom
// PII patterns, taint-chain config, session config, and a content hash.
type RuleSet struct {
	ShieldName         string
	Version            string
	DefaultVerdict     Verdict
	Rules              []Rule
	RateLimits         []RateLimit
	CustomPIIPatterns  []CustomPIIPattern
	TaintChain         TaintChainConfig
	Session            SessionConfig
	ContentHash        string

	// byLiteral/byWildcard/byRegex are the tool-indexed lookup buckets built
	// at compile time per §4.1 "Indexing".
	byLiteral  map[string][]int // tool name -> rule indices
	byWildcard []int
	byRegex    []int
}

// Validate checks the invariants from §3: unique ids among enabled rules,
// and (by construction, since compilation fails otherwise) all regexes
// already compiled successfully.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if !r.Enabled {
			continue
		}
		if seen[r.ID] {
			return fmt.Errorf("rules: duplicate rule id %q among enabled rules", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// RulesForTool returns the candidate rule indices for a given tool call:
// its literal bucket, the regex bucket, and the wildcard bucket, per the
// indexing scheme in §4.1.
func (rs *RuleSet) RulesForTool(tool string) []int {
	out := make([]int, 0, 4)
	out = append(out, rs.byLiteral[tool]...)
	out = append(out, rs.byRegex...)
	out = append(out, rs.byWildcard...)
	return out
}
