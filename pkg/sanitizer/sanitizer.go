// Package sanitizer implements the pre-match stage: payload-shape
// validation and built-in threat-family detectors, run before the matcher
// ever sees a call.
package sanitizer

import (
	"fmt"
	"regexp"
	"strings"
)

// Config tunes the sanitizer's bounds and which threat families are active.
// Zero-value Config applies the documented defaults via WithDefaults.
type Config struct {
	MaxDepth          int
	MaxStringLen      int
	DetectPathTraversal bool
	DetectShellInjection bool
	DetectSQLInjection   bool
	DetectSSRF           bool
	DetectDangerousSchemes bool
	AllowPrivateRanges     bool // if true, SSRF detector skips private-range IPs
}

// WithDefaults fills in the spec's default bounds for any zero fields.
func (c Config) WithDefaults() Config {
	if c.MaxDepth == 0 {
		c.MaxDepth = 32
	}
	if c.MaxStringLen == 0 {
		c.MaxStringLen = 64 * 1024
	}
	return c
}

// DefaultConfig returns a Config with every built-in detector enabled and
// the spec's default bounds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:               32,
		MaxStringLen:           64 * 1024,
		DetectPathTraversal:    true,
		DetectShellInjection:   true,
		DetectSQLInjection:     true,
		DetectSSRF:             true,
		DetectDangerousSchemes: true,
	}
}

// Violation is a rejected call: which detector fired and why.
type Violation struct {
	Detector string
	Reason   string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Detector, v.Reason)
}

var toolNamePattern = regexp.MustCompile(`^[\w.\-]+$`)

var (
	shellInjectionPattern = regexp.MustCompile("[`;|]|&&|\\$\\(")
	sqlTautologyPattern   = regexp.MustCompile(`(?i)\b(or|and)\b\s+['"]?\w*['"]?\s*=\s*['"]?\w*['"]?`)
	sqlUnionPattern       = regexp.MustCompile(`(?i)\bunion\b\s+\bselect\b`)
	sqlCommentPattern     = regexp.MustCompile(`(--|#|/\*)`)
	dangerousSchemePattern = regexp.MustCompile(`(?i)^(file|gopher|dict|ftp)://`)
	privateIPv4Patterns = []*regexp.Regexp{
		regexp.MustCompile(`^127\.`),
		regexp.MustCompile(`^10\.`),
		regexp.MustCompile(`^192\.168\.`),
		regexp.MustCompile(`^172\.(1[6-9]|2[0-9]|3[01])\.`),
		regexp.MustCompile(`^169\.254\.`),
	}
)

// Sanitizer validates shape and scans for the configured threat families.
type Sanitizer struct {
	cfg Config
}

// New builds a Sanitizer from cfg, applying defaults for zero fields.
func New(cfg Config) *Sanitizer {
	return &Sanitizer{cfg: cfg.WithDefaults()}
}

// CheckTool validates the tool name itself: pattern and length bounds.
func (s *Sanitizer) CheckTool(tool string) error {
	if len(tool) < 1 || len(tool) > 256 {
		return Violation{Detector: "tool_name_length", Reason: "tool name must be 1-256 characters"}
	}
	if !toolNamePattern.MatchString(tool) {
		return Violation{Detector: "tool_name_pattern", Reason: "tool name must match ^[\\w.\\-]+$"}
	}
	return nil
}

// CheckArgs validates shape (depth, string length) and runs the enabled
// threat-family detectors over every string leaf of args.
func (s *Sanitizer) CheckArgs(args map[string]any) error {
	return s.walk(args, 1)
}

func (s *Sanitizer) walk(v any, depth int) error {
	if depth > s.cfg.MaxDepth {
		return Violation{Detector: "max_depth", Reason: fmt.Sprintf("args nesting exceeds %d", s.cfg.MaxDepth)}
	}
	switch t := v.(type) {
	case map[string]any:
		for _, val := range t {
			if err := s.walk(val, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range t {
			if err := s.walk(val, depth+1); err != nil {
				return err
			}
		}
	case string:
		if len(t) > s.cfg.MaxStringLen {
			return Violation{Detector: "max_string_length", Reason: fmt.Sprintf("string value exceeds %d bytes", s.cfg.MaxStringLen)}
		}
		return s.scanString(t)
	}
	return nil
}

func (s *Sanitizer) scanString(v string) error {
	if s.cfg.DetectPathTraversal && hasPathTraversal(v) {
		return Violation{Detector: "path_traversal", Reason: "value contains a parent-directory traversal segment"}
	}
	if s.cfg.DetectShellInjection && shellInjectionPattern.MatchString(v) {
		return Violation{Detector: "shell_injection", Reason: "value contains shell metacharacters"}
	}
	if s.cfg.DetectSQLInjection && looksLikeSQLInjection(v) {
		return Violation{Detector: "sql_injection", Reason: "value resembles a SQL injection payload"}
	}
	if s.cfg.DetectSSRF && looksLikeSSRF(v, s.cfg.AllowPrivateRanges) {
		return Violation{Detector: "ssrf", Reason: "value targets a metadata, loopback, or private address"}
	}
	if s.cfg.DetectDangerousSchemes && dangerousSchemePattern.MatchString(v) {
		return Violation{Detector: "dangerous_url_scheme", Reason: "value uses a disallowed URL scheme"}
	}
	return nil
}

func hasPathTraversal(v string) bool {
	for _, seg := range strings.Split(v, "/") {
		if seg == ".." {
			return true
		}
	}
	for _, seg := range strings.Split(v, "\\") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func looksLikeSQLInjection(v string) bool {
	return sqlUnionPattern.MatchString(v) || sqlCommentPattern.MatchString(v) || sqlTautologyPattern.MatchString(v)
}

func looksLikeSSRF(v string, allowPrivate bool) bool {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "169.254.169.254") {
		return true
	}
	if strings.Contains(lower, "localhost") {
		return true
	}
	if allowPrivate {
		return false
	}
	host := extractHost(lower)
	for _, p := range privateIPv4Patterns {
		if p.MatchString(host) {
			return true
		}
	}
	return false
}

func trimScheme(v string) string {
	if i := strings.Index(v, "://"); i >= 0 {
		return v[i+3:]
	}
	return v
}

func extractHost(v string) string {
	h := trimScheme(v)
	if i := strings.IndexAny(h, "/:"); i >= 0 {
		h = h[:i]
	}
	return h
}
