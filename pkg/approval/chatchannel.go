package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ChatChannel submits approval requests to an outbound chat webhook (a
// group bot with approve/deny buttons) and expects inbound responses to
// arrive via Respond, called from whatever callback/webhook handler the
// HTTP surface wires up. It composes an InMemory state machine for the
// pending/resolved bookkeeping and layers outbound delivery on top.
type ChatChannel struct {
	*InMemory
	webhookURL string
	client     *http.Client
	mu         sync.Mutex
	lastHealth error
}

// NewChatChannel builds a ChatChannel backend posting to webhookURL.
func NewChatChannel(webhookURL string, client *http.Client, ttl time.Duration) *ChatChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ChatChannel{
		InMemory:   NewInMemory(ttl),
		webhookURL: webhookURL,
		client:     client,
	}
}

type outboundPayload struct {
	RequestID string         `json:"request_id"`
	Tool      string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	RuleID    string         `json:"rule_id"`
	Message   string         `json:"message"`
	Actions   []action       `json:"actions"`
}

type action struct {
	Label   string `json:"label"`
	Payload string `json:"payload"`
}

// Submit registers the request locally and posts it to the webhook with
// exponential backoff (1s/2s/4s, capped at 30s, max 3 tries). Network
// errors and 5xx responses retry; 4xx is terminal.
func (c *ChatChannel) Submit(ctx context.Context, req Request) error {
	if err := c.InMemory.Submit(ctx, req); err != nil {
		return err
	}

	payload := outboundPayload{
		RequestID: req.RequestID,
		Tool:      req.ToolName,
		Args:      req.Args,
		RuleID:    req.RuleID,
		Message:   req.Message,
		Actions: []action{
			{Label: "Approve", Payload: req.RequestID + ":approve"},
			{Label: "Deny", Payload: req.RequestID + ":deny"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("approval: marshal chat payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.post(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	return err
}

func (c *ChatChannel) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("approval: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.setHealth(err)
		return err // network error: retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		err := fmt.Errorf("approval: chat webhook returned %d", resp.StatusCode)
		c.setHealth(err)
		return err // 5xx: retryable
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("approval: chat webhook returned %d", resp.StatusCode)
		c.setHealth(err)
		return backoff.Permanent(err) // 4xx: terminal
	}
	c.setHealth(nil)
	return nil
}

func (c *ChatChannel) setHealth(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHealth = err
}

// Health reports the outcome of the most recent outbound POST.
func (c *ChatChannel) Health() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHealth == nil {
		return true, "ok"
	}
	return false, c.lastHealth.Error()
}

var _ Backend = (*ChatChannel)(nil)
