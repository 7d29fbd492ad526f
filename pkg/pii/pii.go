// Package pii implements the PII detector: built-in and custom regex
// patterns, checksum-gated candidate filtering, and type-preserving masking.
package pii

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mishabar410/policyshield/pkg/rules"
)

// Type tags the kind of PII a Match represents.
type Type string

const (
	Email       Type = "EMAIL"
	Phone       Type = "PHONE"
	CreditCard  Type = "CREDIT_CARD"
	SSN         Type = "SSN"
	IBAN        Type = "IBAN"
	IPAddress   Type = "IP_ADDRESS"
	Passport    Type = "PASSPORT"
	DateOfBirth Type = "DATE_OF_BIRTH"
	Custom      Type = "CUSTOM"
)

// Match is one detected occurrence, located by field path for scan_dict.
type Match struct {
	Type      Type
	Label     string // non-empty only for Custom, the user-provided label
	Value     string
	FieldPath string // dotted path, e.g. "args.recipient.email"; "" for scan(string)
}

type builtinPattern struct {
	typ      Type
	re       *regexp.Regexp
	checksum func(candidate string) bool
	mask     func(string) string
}

// Detector scans strings and nested args for PII and masks matched values.
// Patterns are immutable once built by New, matching the invariant that the
// detector owns compilation.
type Detector struct {
	builtins []builtinPattern
	custom   []rules.CustomPIIPattern
}

// New builds a Detector with the built-in pattern table plus any custom
// patterns loaded from the rule-set.
func New(custom []rules.CustomPIIPattern) *Detector {
	return &Detector{
		builtins: defaultPatterns(),
		custom:   custom,
	}
}

func defaultPatterns() []builtinPattern {
	return []builtinPattern{
		{
			typ:  Email,
			re:   regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			mask: maskEmail,
		},
		{
			typ:  Phone,
			re:   regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`),
			mask: maskPhone,
		},
		{
			typ:      CreditCard,
			re:       regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`),
			checksum: func(s string) bool { return luhnValid(digitsOnly(s)) },
			mask:     maskCreditCard,
		},
		{
			typ:  SSN,
			re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			mask: maskSSN,
		},
		{
			typ:      IBAN,
			re:       regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`),
			checksum: ibanValid,
			mask:     maskIBAN,
		},
		{
			typ:  IPAddress,
			re:   regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
			mask: maskGeneric,
		},
		{
			typ:  Passport,
			re:   regexp.MustCompile(`\b[A-Z]{1,2}[0-9]{6,9}\b`),
			mask: maskGeneric,
		},
		{
			typ:  DateOfBirth,
			re:   regexp.MustCompile(`\b(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12][0-9]|3[01])\b`),
			mask: maskGeneric,
		},
	}
}

// Scan finds every PII occurrence in a single string. Built-in
// checksum-gated types reject candidates that fail their checksum: a regex
// match whose checksum fails is never reported.
func (d *Detector) Scan(s string) []Match {
	var out []Match
	for _, p := range d.builtins {
		for _, m := range p.re.FindAllString(s, -1) {
			if p.checksum != nil && !p.checksum(m) {
				continue
			}
			out = append(out, Match{Type: p.typ, Value: m})
		}
	}
	for _, cp := range d.custom {
		for _, m := range cp.Pattern.FindAllString(s, -1) {
			out = append(out, Match{Type: Custom, Label: cp.Label, Value: m})
		}
	}
	return out
}

// ScanDict recursively walks a JSON-shaped args tree (maps, slices, scalars)
// and returns every PII match found, each tagged with its dotted field path.
func (d *Detector) ScanDict(v any, pathPrefix string) []Match {
	var out []Match
	d.scanDictInto(v, pathPrefix, &out)
	return out
}

func (d *Detector) scanDictInto(v any, path string, out *[]Match) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			child := k
			if path != "" {
				child = path + "." + k
			}
			d.scanDictInto(val, child, out)
		}
	case []any:
		for i, val := range t {
			child := fmt.Sprintf("%s[%d]", path, i)
			d.scanDictInto(val, child, out)
		}
	case string:
		for _, m := range d.Scan(t) {
			m.FieldPath = path
			*out = append(*out, m)
		}
	}
}

// MaskDict returns a deep copy of v with every matched substring replaced by
// its type-specific mask. Matches not found verbatim in their field's string
// value are skipped rather than panicking.
func (d *Detector) MaskDict(v any, matches []Match) any {
	byPath := make(map[string][]Match, len(matches))
	for _, m := range matches {
		byPath[m.FieldPath] = append(byPath[m.FieldPath], m)
	}
	return d.maskDictInto(v, "", byPath)
}

func (d *Detector) maskDictInto(v any, path string, byPath map[string][]Match) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			child := k
			if path != "" {
				child = path + "." + k
			}
			out[k] = d.maskDictInto(val, child, byPath)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			child := fmt.Sprintf("%s[%d]", path, i)
			out[i] = d.maskDictInto(val, child, byPath)
		}
		return out
	case string:
		s := t
		for _, m := range byPath[path] {
			s = strings.ReplaceAll(s, m.Value, d.mask(m))
		}
		return s
	default:
		return v
	}
}

// MaskString returns a copy of s with every match's value replaced by its
// type-specific mask, used by post-check result scanning where the value
// being masked is a raw string rather than a structured args tree.
func (d *Detector) MaskString(s string, matches []Match) string {
	out := s
	for _, m := range matches {
		out = strings.ReplaceAll(out, m.Value, d.mask(m))
	}
	return out
}

// mask returns the type-specific masked form of a single match's value,
// preserving length for string inputs.
func (d *Detector) mask(m Match) string {
	if m.Type == Custom {
		return strings.Repeat("*", len(m.Value))
	}
	for _, p := range d.builtins {
		if p.typ == m.Type {
			return p.mask(m.Value)
		}
	}
	return maskGeneric(m.Value)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid implements the Luhn checksum used by credit-card numbers.
func luhnValid(digits string) bool {
	if len(digits) < 12 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// ibanValid implements the mod-97 checksum from ISO 13616: move the first
// four characters to the end, convert letters to numbers (A=10..Z=35), and
// verify the result mod 97 == 1.
func ibanValid(raw string) bool {
	s := strings.ToUpper(strings.ReplaceAll(raw, " ", ""))
	if len(s) < 15 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var numeric strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			numeric.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			numeric.WriteString(strconv.Itoa(int(r-'A') + 10))
		default:
			return false
		}
	}
	remainder := 0
	for _, r := range numeric.String() {
		remainder = (remainder*10 + int(r-'0')) % 97
	}
	return remainder == 1
}

func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return maskGeneric(s)
	}
	local, domain := s[:at], s[at+1:]
	dot := strings.LastIndexByte(domain, '.')
	maskedLocal := maskKeepFirst(local, 1)
	maskedDomain := domain
	if dot > 0 {
		maskedDomain = maskKeepFirst(domain[:dot], 1) + domain[dot:]
	}
	return maskedLocal + "@" + maskedDomain
}

func maskKeepFirst(s string, n int) string {
	if len(s) <= n {
		return strings.Repeat("*", len(s))
	}
	return s[:n] + strings.Repeat("*", len(s)-n)
}

func maskPhone(s string) string {
	return maskLastN(s, 4)
}

func maskSSN(s string) string {
	return maskLastN(s, 4)
}

func maskLastN(s string, n int) string {
	if len(s) <= n {
		return strings.Repeat("*", len(s))
	}
	keepFrom := len(s) - n
	var b strings.Builder
	for i, r := range s {
		if i < keepFrom && r != '-' && r != '.' && r != ' ' {
			b.WriteByte('*')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// maskCreditCard exposes the first 4 and last 4 digits, masking the rest —
// the resolution adopted for credit-card masking (see design notes).
func maskCreditCard(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func maskIBAN(s string) string {
	return maskKeepFirst(s, 4)
}

func maskGeneric(s string) string {
	return strings.Repeat("*", len(s))
}
