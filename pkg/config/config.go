// Package config loads PolicyShield's runtime configuration from
// environment variables, following the teacher's env-var-with-fallback
// Load() pattern.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds PolicyShield's runtime settings. All of them except the
// admin and auth-fail rate limits come from POLICYSHIELD_* variables.
type Config struct {
	Mode     string // ENFORCE | AUDIT | DISABLED
	FailOpen bool   // on-error policy: true => ALLOW, false => BLOCK

	APITokens  []string
	AdminToken string

	MaxConcurrentChecks int
	MaxRequestSize      int64
	RequestTimeout      time.Duration
	CheckTimeout        time.Duration

	ApprovalTimeout    time.Duration
	ApprovalTTL        time.Duration
	ApprovalWebhookURL string // empty => InMemory backend, set => ChatChannel backend

	TraceDir     string
	TracePrivacy bool

	RulesPath string

	SessionTTL      time.Duration
	SessionCapacity int

	LogFormat string
	LogLevel  string

	CORSOrigins []string

	AdminRateLimitPerMin   int
	AuthFailRateLimitPerMin int
	AuthFailLockout        time.Duration

	ListenAddr string
}

// Load reads each setting from its POLICYSHIELD_* environment variable,
// falling back to the documented default when unset or unparsable.
// AdminRateLimitPerMin (10), AuthFailRateLimitPerMin (5) and AuthFailLockout
// (5 minutes) are fixed values and are not read from the environment.
func Load() *Config {
	return &Config{
		Mode:     envString("POLICYSHIELD_MODE", "ENFORCE"),
		FailOpen: envString("POLICYSHIELD_FAIL_OPEN", "false") == "true",

		APITokens:  envList("POLICYSHIELD_API_TOKEN"),
		AdminToken: envString("POLICYSHIELD_ADMIN_TOKEN", ""),

		MaxConcurrentChecks: envInt("POLICYSHIELD_MAX_CONCURRENT_CHECKS", 100),
		MaxRequestSize:      envInt64("POLICYSHIELD_MAX_REQUEST_SIZE", 1<<20),
		RequestTimeout:      envDuration("POLICYSHIELD_REQUEST_TIMEOUT", 30*time.Second),
		CheckTimeout:        envDuration("POLICYSHIELD_CHECK_TIMEOUT", 5*time.Second),

		ApprovalTimeout:    envDuration("POLICYSHIELD_APPROVAL_TIMEOUT", 5*time.Minute),
		ApprovalTTL:        envDuration("POLICYSHIELD_APPROVAL_TTL", time.Hour),
		ApprovalWebhookURL: envString("POLICYSHIELD_APPROVAL_WEBHOOK_URL", ""),

		TraceDir:     envString("POLICYSHIELD_TRACE_DIR", "./trace"),
		TracePrivacy: envString("POLICYSHIELD_TRACE_PRIVACY", "false") == "true",

		RulesPath: envString("POLICYSHIELD_RULES_PATH", "./rules.yaml"),

		SessionTTL:      envDuration("POLICYSHIELD_SESSION_TTL", time.Hour),
		SessionCapacity: envInt("POLICYSHIELD_SESSION_CAPACITY", 10000),

		LogFormat: envString("POLICYSHIELD_LOG_FORMAT", "json"),
		LogLevel:  envString("POLICYSHIELD_LOG_LEVEL", "info"),

		CORSOrigins: envList("POLICYSHIELD_CORS_ORIGINS"),

		AdminRateLimitPerMin:    10,
		AuthFailRateLimitPerMin: 5,
		AuthFailLockout:         5 * time.Minute,

		ListenAddr: envString("POLICYSHIELD_LISTEN_ADDR", ":8443"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
