// Package matcher implements the policy matcher: given a tool call and its
// full evaluation context, it returns the single best-matching rule.
package matcher

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mishabar410/policyshield/pkg/rules"
	"github.com/mishabar410/policyshield/pkg/session"
)

// Input is everything the matcher needs to evaluate a when-clause: the
// call's tool and args, a read-only session snapshot, the caller-asserted
// sender, ambient context key/values, and whether the PII detector already
// found a hit on these args (consulted only by contains_pattern: pii).
type Input struct {
	Tool    string
	Args    map[string]any
	Session session.Snapshot
	Sender  string
	Context map[string]string
	PIIHit  bool
	Now     time.Time
}

// FindBestMatch returns the index into rs.Rules of the best-matching enabled
// rule, or -1 if none matched. Rules with chain conditions are evaluated
// last, per the tie-breaking rule that chain-checks require the event ring
// and are the most expensive predicate.
func FindBestMatch(rs *rules.RuleSet, in Input) int {
	if rs == nil || len(rs.Rules) == 0 {
		return -1
	}
	candidates := rs.RulesForTool(in.Tool)
	if len(candidates) == 0 {
		return -1
	}

	best := -1
	var bestRule rules.Rule
	var deferredChain []int

	consider := func(idx int) {
		r := rs.Rules[idx]
		if best == -1 {
			best, bestRule = idx, r
			return
		}
		if rules.Stricter(r.Then, bestRule.Then) {
			best, bestRule = idx, r
			return
		}
		if r.Then != bestRule.Then {
			return
		}
		if r.Severity.Rank() > bestRule.Severity.Rank() {
			best, bestRule = idx, r
			return
		}
		if r.Severity.Rank() < bestRule.Severity.Rank() {
			return
		}
		if r.SourceOrder < bestRule.SourceOrder {
			best, bestRule = idx, r
		}
	}

	for _, idx := range candidates {
		r := rs.Rules[idx]
		if !r.Enabled {
			continue
		}
		if len(r.When.Chain) > 0 {
			deferredChain = append(deferredChain, idx)
			continue
		}
		if ruleMatches(r, in) {
			consider(idx)
		}
	}
	for _, idx := range deferredChain {
		r := rs.Rules[idx]
		if ruleMatches(r, in) && chainSatisfied(r.When.Chain, in) {
			consider(idx)
		}
	}
	return best
}

func ruleMatches(r rules.Rule, in Input) bool {
	if !r.When.Tool.Matches(in.Tool) {
		return false
	}
	for field, pred := range r.When.ArgsMatch {
		if field == "any_field" {
			if !anyFieldMatches(pred, in.Args, in.PIIHit) {
				return false
			}
			continue
		}
		val, ok := in.Args[field]
		if !ok {
			return false
		}
		s, ok := stringifyLeaf(val)
		if !ok {
			return false
		}
		if !pred.Matches(s, in.PIIHit) {
			return false
		}
	}
	for _, sp := range r.When.Session {
		if !sp.Check(observedSessionValue(sp.Field, in.Session)) {
			return false
		}
	}
	if r.When.Sender != nil && !r.When.Sender.Matches(in.Sender, in.PIIHit) {
		return false
	}
	for _, cp := range r.When.Context {
		if !contextMatches(cp, in) {
			return false
		}
	}
	return true
}

// observedSessionValue resolves a session predicate field, e.g.
// "tool_count.exec" or "total_calls", against the snapshot.
func observedSessionValue(field string, snap session.Snapshot) int {
	const prefix = "tool_count."
	if len(field) > len(prefix) && field[:len(prefix)] == prefix {
		return snap.ToolCount(field[len(prefix):])
	}
	if field == "total_calls" {
		return snap.TotalCalls
	}
	return 0
}

func contextMatches(cp rules.ContextPredicate, in Input) bool {
	switch {
	case cp.TimeOfDay:
		if !cp.ValidRange {
			return false
		}
		ok := inTimeOfDayRange(cp.StartHHMM, cp.EndHHMM, in.Now)
		if cp.Negate {
			return !ok
		}
		return ok
	case cp.DayOfWeek:
		if !cp.ValidRange {
			return false
		}
		ok := inWeekdayRange(cp.DayStart, cp.DayEnd, in.Now.Weekday())
		if cp.Negate {
			return !ok
		}
		return ok
	default:
		v, present := in.Context[cp.Key]
		if !present {
			// Missing context key fails closed in match semantics.
			return false
		}
		ok := v == cp.Value
		if cp.Negate {
			return !ok
		}
		return ok
	}
}

func inTimeOfDayRange(startHHMM, endHHMM string, now time.Time) bool {
	start, okS := parseHHMM(startHHMM)
	end, okE := parseHHMM(endHHMM)
	if !okS || !okE {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	// Wrapping range, e.g. 22:00-06:00.
	return cur >= start || cur <= end
}

func parseHHMM(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h, err1 := strconv.Atoi(s[0:2])
	m, err2 := strconv.Atoi(s[3:5])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func inWeekdayRange(start, end, cur time.Weekday) bool {
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func chainSatisfied(conds []rules.ChainCondition, in Input) bool {
	for _, c := range conds {
		d := time.Duration(c.WithinSecs * float64(time.Second))
		if !in.Session.SinceWithTool(c.Tool, d, c.Verdict, c.MinCount, in.Now) {
			return false
		}
	}
	return true
}

// anyFieldMatches applies pred to every stringifiable leaf value of args,
// depth-first, returning true on the first leaf that matches.
func anyFieldMatches(pred rules.Predicate, args map[string]any, piiHit bool) bool {
	found := false
	walkLeaves(args, func(v any) bool {
		s, ok := stringifyLeaf(v)
		if !ok {
			return true
		}
		if pred.Matches(s, piiHit) {
			found = true
			return false
		}
		return true
	})
	return found
}

// walkLeaves visits every scalar leaf of a JSON-shaped value (maps, slices,
// scalars) depth-first, calling visit(leaf) until it returns false.
func walkLeaves(v any, visit func(any) bool) bool {
	switch t := v.(type) {
	case map[string]any:
		for _, val := range t {
			if !walkLeaves(val, visit) {
				return false
			}
		}
	case []any:
		for _, val := range t {
			if !walkLeaves(val, visit) {
				return false
			}
		}
	default:
		return visit(t)
	}
	return true
}

// stringifyLeaf converts a scalar JSON leaf to a string for predicate
// evaluation. Non-scalar values (nested maps/slices reached via a named
// field rather than any_field) cannot be stringified and make the predicate
// fail without panicking, per §4.1 edge cases.
func stringifyLeaf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case nil:
		return "", false
	default:
		return "", false
	}
}
