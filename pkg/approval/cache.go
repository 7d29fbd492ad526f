package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/mishabar410/policyshield/pkg/rules"
)

// Cache reuses a prior approval decision according to a rule's configured
// ApprovalStrategy, keyed by {strategy, session, rule_id, tool, args_hash}.
// Under PER_RULE the key intentionally omits session — see the design
// decision recorded for this deployment model.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Response
}

// NewCache builds an empty approval cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Response)}
}

// Lookup returns a cached Response for this (strategy, session, rule, tool,
// args) combination, if one exists.
func (c *Cache) Lookup(strategy rules.ApprovalStrategy, sessionID, ruleID, tool string, args map[string]any) (*Response, bool) {
	if strategy == rules.StrategyNone {
		return nil, false
	}
	key := cacheKey(strategy, sessionID, ruleID, tool, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[key]
	return resp, ok
}

// Store records a resolved Response under this strategy's key so future
// matching calls can reuse it instead of resubmitting to the backend.
func (c *Cache) Store(strategy rules.ApprovalStrategy, sessionID, ruleID, tool string, args map[string]any, resp *Response) {
	if strategy == rules.StrategyNone {
		return
	}
	key := cacheKey(strategy, sessionID, ruleID, tool, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resp
}

func cacheKey(strategy rules.ApprovalStrategy, sessionID, ruleID, tool string, args map[string]any) string {
	session := sessionID
	argsPart := ""
	switch strategy {
	case rules.StrategyOnce:
		argsPart = argsHash(args)
	case rules.StrategyPerSession:
	case rules.StrategyPerRule:
		session = "" // global: omit session from the key by design
	case rules.StrategyPerTool:
		session = ""
		ruleID = "" // global per-tool, independent of which rule triggered it
	}
	return string(strategy) + "\x00" + session + "\x00" + ruleID + "\x00" + tool + "\x00" + argsPart
}

func argsHash(args map[string]any) string {
	data, _ := json.Marshal(args)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
