package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// The structs below mirror the §6.2 wire schema one-to-one; they are the
// intermediate form decoded straight off YAML before Compile() turns them
// into the Rule/RuleSet types in model.go. Kept separate from the compiled
// model so that decode errors and compile errors (bad regex, duplicate id)
// are reported distinctly, matching the teacher's
// policyloader.PolicyBundle / PolicyRule split between wire shape and
// runtime shape.
type wireRuleSet struct {
	ShieldName     string            `yaml:"shield_name"`
	Version        string            `yaml:"version"`
	DefaultVerdict string            `yaml:"default_verdict"`
	Rules          []wireRule        `yaml:"rules"`
	RateLimits     []wireRateLimit   `yaml:"rate_limits"`
	PIIPatterns    []wirePIIPattern  `yaml:"pii_patterns"`
	TaintChain     wireTaintChain    `yaml:"taint_chain"`
	Session        wireSessionConfig `yaml:"session"`
}

type wireRule struct {
	ID               string         `yaml:"id"`
	Description      string         `yaml:"description"`
	When             wireWhen       `yaml:"when"`
	Then             string         `yaml:"then"`
	Severity         string         `yaml:"severity"`
	Message          string         `yaml:"message"`
	Enabled          *bool          `yaml:"enabled"`
	ApprovalStrategy string         `yaml:"approval_strategy"`
}

type wireWhen struct {
	Tool      yaml.Node                `yaml:"tool"`
	ArgsMatch map[string]yaml.Node     `yaml:"args_match"`
	Session   map[string]yaml.Node     `yaml:"session"`
	Sender    string                   `yaml:"sender"`
	Context   map[string]string        `yaml:"context"`
	Chain     []wireChainCondition     `yaml:"chain"`
}

type wireChainCondition struct {
	Tool          string  `yaml:"tool"`
	WithinSeconds float64 `yaml:"within_seconds"`
	Verdict       string  `yaml:"verdict"`
	MinCount      int     `yaml:"min_count"`
}

type wireRateLimit struct {
	Tool      string  `yaml:"tool"`
	MaxCalls  int     `yaml:"max_calls"`
	Window    float64 `yaml:"window"`
	Scope     string  `yaml:"scope"`
}

type wirePIIPattern struct {
	Type    string `yaml:"type"`
	Label   string `yaml:"label"`
	Pattern string `yaml:"pattern"`
}

type wireTaintChain struct {
	Enabled       bool     `yaml:"enabled"`
	OutgoingTools []string `yaml:"outgoing_tools"`
}

type wireSessionConfig struct {
	EventBufferSize int `yaml:"event_buffer_size"`
}

// Parse decodes raw YAML bytes into a wireRuleSet without compiling it.
func parse(data []byte) (*wireRuleSet, error) {
	var w wireRuleSet
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("rules: yaml decode: %w", err)
	}
	return &w, nil
}

// Compile turns raw YAML bytes into a fully compiled, indexed RuleSet.
// Per the invariant in §3, every regex in the returned RuleSet has already
// been compiled successfully — Compile returns an error instead of a
// partially-compiled RuleSet otherwise.
func Compile(data []byte) (*RuleSet, error) {
	w, err := parse(data)
	if err != nil {
		return nil, err
	}

	rs := &RuleSet{
		ShieldName:     w.ShieldName,
		Version:        w.Version,
		DefaultVerdict: normalizeVerdict(w.DefaultVerdict, Allow),
		ContentHash:    ContentHash(data),
	}
	rs.Session.EventBufferSize = w.Session.EventBufferSize
	if rs.Session.EventBufferSize <= 0 {
		rs.Session.EventBufferSize = 100
	}
	rs.TaintChain.Enabled = w.TaintChain.Enabled
	rs.TaintChain.OutgoingTools = append([]string(nil), w.TaintChain.OutgoingTools...)

	for _, p := range w.PIIPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules: custom pii pattern %q: %w", p.Label, err)
		}
		label := p.Label
		if label == "" {
			label = p.Type
		}
		rs.CustomPIIPatterns = append(rs.CustomPIIPatterns, CustomPIIPattern{
			Label:   label,
			Pattern: re,
		})
	}

	for _, rl := range w.RateLimits {
		scope := rl.Scope
		if scope == "" {
			scope = "session"
		}
		rs.RateLimits = append(rs.RateLimits, RateLimit{
			Tool:          rl.Tool,
			MaxCalls:      rl.MaxCalls,
			WindowSeconds: rl.Window,
			Scope:         scope,
		})
	}

	seen := make(map[string]bool, len(w.Rules))
	for i, wr := range w.Rules {
		rule, err := compileRule(wr, i)
		if err != nil {
			return nil, fmt.Errorf("rules: rule[%d] %q: %w", i, wr.ID, err)
		}
		if rule.Enabled {
			if seen[rule.ID] {
				return nil, fmt.Errorf("rules: duplicate enabled rule id %q", rule.ID)
			}
			seen[rule.ID] = true
		}
		rs.Rules = append(rs.Rules, rule)
	}

	rs.buildIndex()
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// buildIndex groups compiled rules into the tool-indexed buckets per §4.1.
func (rs *RuleSet) buildIndex() {
	rs.byLiteral = make(map[string][]int)
	rs.byWildcard = nil
	rs.byRegex = nil
	for i, r := range rs.Rules {
		switch {
		case r.When.Tool.Wildcard:
			rs.byWildcard = append(rs.byWildcard, i)
		case r.When.Tool.Regex != nil:
			rs.byRegex = append(rs.byRegex, i)
		case len(r.When.Tool.List) > 0:
			for _, t := range r.When.Tool.List {
				rs.byLiteral[t] = append(rs.byLiteral[t], i)
			}
		default:
			rs.byLiteral[r.When.Tool.Literal] = append(rs.byLiteral[r.When.Tool.Literal], i)
		}
	}
}

func compileRule(wr wireRule, order int) (Rule, error) {
	enabled := true
	if wr.Enabled != nil {
		enabled = *wr.Enabled
	}

	when, err := compileWhen(wr.When)
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		ID:               wr.ID,
		Description:      wr.Description,
		When:             when,
		Then:             normalizeVerdict(wr.Then, Allow),
		Severity:         normalizeSeverity(wr.Severity),
		Message:          wr.Message,
		Enabled:          enabled,
		ApprovalStrategy: ApprovalStrategy(strings.ToLower(wr.ApprovalStrategy)),
		SourceOrder:      order,
	}, nil
}

func compileWhen(w wireWhen) (WhenClause, error) {
	var wc WhenClause

	tm, err := compileToolMatcher(&w.Tool)
	if err != nil {
		return wc, fmt.Errorf("when.tool: %w", err)
	}
	wc.Tool = tm

	if len(w.ArgsMatch) > 0 {
		wc.ArgsMatch = make(map[string]Predicate, len(w.ArgsMatch))
		for field, node := range w.ArgsMatch {
			pred, err := compilePredicateNode(&node)
			if err != nil {
				return wc, fmt.Errorf("when.args_match[%s]: %w", field, err)
			}
			wc.ArgsMatch[field] = pred
		}
	}

	for field, node := range w.Session {
		sp, err := compileSessionPredicate(field, &node)
		if err != nil {
			return wc, fmt.Errorf("when.session[%s]: %w", field, err)
		}
		wc.Session = append(wc.Session, sp)
	}

	if w.Sender != "" {
		p := Predicate{Kind: PredEq, Str: w.Sender}
		wc.Sender = &p
	}

	for key, val := range w.Context {
		cp, err := compileContextPredicate(key, val)
		if err != nil {
			return wc, fmt.Errorf("when.context[%s]: %w", key, err)
		}
		wc.Context = append(wc.Context, cp)
	}

	for i, c := range w.Chain {
		cc := ChainCondition{
			Tool:       c.Tool,
			WithinSecs: c.WithinSeconds,
			MinCount:   c.MinCount,
		}
		if cc.MinCount <= 0 {
			cc.MinCount = 1
		}
		if cc.WithinSecs <= 0 {
			return wc, fmt.Errorf("when.chain[%d]: within_seconds must be > 0", i)
		}
		if c.Verdict != "" {
			v := normalizeVerdict(c.Verdict, Allow)
			cc.Verdict = &v
		}
		wc.Chain = append(wc.Chain, cc)
	}

	return wc, nil
}

func compileToolMatcher(node *yaml.Node) (ToolMatcher, error) {
	if node == nil || node.Kind == 0 {
		return ToolMatcher{}, fmt.Errorf("required")
	}
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return ToolMatcher{}, err
		}
		return ToolMatcher{List: list}, nil
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return ToolMatcher{}, err
		}
		if s == "*" {
			return ToolMatcher{Wildcard: true}, nil
		}
		if looksLikeRegex(s) {
			re, err := regexp.Compile(s)
			if err != nil {
				return ToolMatcher{}, fmt.Errorf("regex tool selector: %w", err)
			}
			return ToolMatcher{Regex: re}, nil
		}
		return ToolMatcher{Literal: s}, nil
	default:
		return ToolMatcher{}, fmt.Errorf("unsupported tool selector shape")
	}
}

// looksLikeRegex applies a conservative heuristic: a bare identifier-ish
// string (letters, digits, ., _, -) is treated as a literal tool name;
// anything containing other regex metacharacters is compiled as a regex.
func looksLikeRegex(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return true
		}
	}
	return false
}

func compilePredicateNode(node *yaml.Node) (Predicate, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return Predicate{}, fmt.Errorf("predicate must be a map with exactly one of regex|contains|starts_with|eq|contains_pattern")
	}
	m := map[string]string{}
	if err := node.Decode(&m); err != nil {
		return Predicate{}, err
	}
	if v, ok := m["regex"]; ok {
		re, err := regexp.Compile(v)
		if err != nil {
			return Predicate{}, fmt.Errorf("regex: %w", err)
		}
		return Predicate{Kind: PredRegex, Re: re}, nil
	}
	if v, ok := m["contains"]; ok {
		return Predicate{Kind: PredContains, Str: v}, nil
	}
	if v, ok := m["starts_with"]; ok {
		return Predicate{Kind: PredStartsWith, Str: v}, nil
	}
	if v, ok := m["eq"]; ok {
		return Predicate{Kind: PredEq, Str: v}, nil
	}
	if v, ok := m["contains_pattern"]; ok {
		return Predicate{Kind: PredContainsPattern, Pattern: v}, nil
	}
	return Predicate{}, fmt.Errorf("no recognized predicate key")
}

func compileSessionPredicate(field string, node *yaml.Node) (SessionPredicate, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return SessionPredicate{}, fmt.Errorf("session predicate must be a map with one of gt|lt|gte|lte|eq")
	}
	m := map[string]int{}
	if err := node.Decode(&m); err != nil {
		return SessionPredicate{}, err
	}
	for _, op := range []string{"gt", "lt", "gte", "lte", "eq"} {
		if v, ok := m[op]; ok {
			return SessionPredicate{Field: field, Op: op, Value: v}, nil
		}
	}
	return SessionPredicate{}, fmt.Errorf("no recognized comparison operator")
}

func compileContextPredicate(key, val string) (ContextPredicate, error) {
	negate := false
	k := key
	if strings.HasPrefix(k, "!") {
		negate = true
		k = strings.TrimPrefix(k, "!")
	}
	cp := ContextPredicate{Key: k, Value: val, Negate: negate}
	switch k {
	case "time_of_day":
		cp.TimeOfDay = true
		start, end, ok := splitRange(val)
		if !ok {
			cp.ValidRange = false
			return cp, fmt.Errorf("time_of_day must be HH:MM-HH:MM")
		}
		cp.StartHHMM, cp.EndHHMM = start, end
		cp.ValidRange = true
	case "day_of_week":
		cp.DayOfWeek = true
		start, end, ok := splitRange(val)
		if !ok {
			return cp, fmt.Errorf("day_of_week must be Mon-Fri")
		}
		sd, ok1 := parseWeekday(start)
		ed, ok2 := parseWeekday(end)
		if !ok1 || !ok2 {
			return cp, fmt.Errorf("day_of_week: unrecognized weekday in %q", val)
		}
		cp.DayStart, cp.DayEnd = sd, ed
		cp.ValidRange = true
	}
	return cp, nil
}

func splitRange(s string) (string, string, bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

var weekdays = map[string]time.Weekday{
	"Sun": time.Sunday, "Mon": time.Monday, "Tue": time.Tuesday,
	"Wed": time.Wednesday, "Thu": time.Thursday, "Fri": time.Friday, "Sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[s]
	return d, ok
}

func normalizeVerdict(s string, def Verdict) Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow
	case "block":
		return Block
	case "redact":
		return Redact
	case "approve":
		return Approve
	default:
		return def
	}
}

func normalizeSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// ContentHash computes the deterministic RuleSet content-hash per
// SPEC_FULL.md §3.a: sha256 over line-ending-normalized, trailing-whitespace
// trimmed bytes, hex-encoded with a "sha256:" prefix.
func ContentHash(data []byte) string {
	normalized := strings.ReplaceAll(string(data), "\r\n", "\n")
	normalized = strings.TrimRight(normalized, " \t\r\n") + "\n"
	sum := sha256.Sum256([]byte(normalized))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// LoadFile reads and compiles a RuleSet from a YAML file on disk. This is
// the "compile function" referenced by the Hot-Reload Watcher (§4.10) and
// by the Shield Engine constructor's "rule source (path ...)" option (§4.9).
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	rs, err := Compile(data)
	if err != nil {
		return nil, fmt.Errorf("rules: compile %s: %w", path, err)
	}
	return rs, nil
}
