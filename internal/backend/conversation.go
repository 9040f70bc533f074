package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mroger/tom/llm"
)

var (
	tokenEncOnce sync.Once
	tokenEnc     *tiktoken.Tiktoken
	tokenEncErr  error
)

// tokenEncoding lazily loads the cl100k_base encoding shared by every
// conversation, since tiktoken.GetEncoding downloads its merge table on
// first use and is safe to share across goroutines once built.
func tokenEncoding() (*tiktoken.Tiktoken, error) {
	tokenEncOnce.Do(func() {
		tokenEnc, tokenEncErr = tiktoken.GetEncoding("cl100k_base")
	})
	return tokenEnc, tokenEncErr
}

// countTokens estimates a message's token cost the way OpenAI's own
// chat-completion accounting does: a small per-message overhead plus the
// encoded length of its role and content.
func countTokens(enc *tiktoken.Tiktoken, m llm.Message) int {
	n := 4 + len(enc.Encode(string(m.Role), nil, nil)) + len(enc.Encode(m.Content, nil, nil))
	for _, tc := range m.ToolCalls {
		n += len(enc.Encode(tc.Name, nil, nil)) + len(enc.Encode(string(tc.Arguments), nil, nil))
	}
	return n
}

// Conversation is a per-user, in-memory ordered message log, per spec §3.3.
// It models the source system's in-place list mutation as an append-only
// log plus one mutable pointer for slot 0 (the clock message), per §9's
// redesign note: "Tests assert no mid-log mutations."
type Conversation struct {
	mu       sync.Mutex
	messages []llm.Message
}

// NewConversation returns an empty conversation; slot 0/1 are populated by
// the first RewriteClock and EnsureBaseContext calls.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Len returns the current message count.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Snapshot returns a copy of the current messages, safe to mutate by the
// caller and safe to hold across a blocking LLM call without racing further
// appends (the caller owns the per-user lock for the duration of a turn).
func (c *Conversation) Snapshot() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Reset clears the conversation entirely, per §4.1.1's reset() operation.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// RewriteClock replaces slot 0 with a fresh system message, or inserts it if
// the conversation is empty. This is the one place the log is mutated
// in place rather than appended to, per the invariant in §3.3.
func (c *Conversation) RewriteClock(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clock := llm.Message{Role: llm.RoleSystem, Content: content}
	if len(c.messages) == 0 {
		c.messages = append(c.messages, clock)
		return
	}
	c.messages[0] = clock
}

// EnsureBaseContext inserts slot 1 (the base system prompt) the first time
// it's called on an otherwise-empty (post-clock) conversation; subsequent
// calls replace slot 1 in place too, since the behavior-module addendum can
// change between turns (per §4.1.6) without that counting as conversation
// history.
func (c *Conversation) EnsureBaseContext(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := llm.Message{Role: llm.RoleSystem, Content: content}
	switch len(c.messages) {
	case 0:
		// Should not happen: RewriteClock always runs first; guard anyway.
		c.messages = append(c.messages, llm.Message{Role: llm.RoleSystem}, base)
	case 1:
		c.messages = append(c.messages, base)
	default:
		c.messages[1] = base
	}
}

// AppendUser appends the new user utterance, per §4.1.2(e).
func (c *Conversation) AppendUser(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: content})
}

// AppendSystem appends a module's system_context, per §4.1.4.
func (c *Conversation) AppendSystem(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleSystem, Content: content})
}

// AppendAssistant appends the model's response message (which may itself
// carry tool_calls), per §4.1.4 step 2/3.
func (c *Conversation) AppendAssistant(msg llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.Role = llm.RoleAssistant
	c.messages = append(c.messages, msg)
}

// AppendToolResult appends one role=tool message carrying the JSON result
// for toolCallID, per §4.1.4 step 3 and the invariant in §3.3 that every
// tool message's id matches an earlier assistant tool_call id.
func (c *Conversation) AppendToolResult(toolCallID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
	})
}

// EstimateTokens returns the conversation's approximate token cost under the
// cl100k_base encoding, used by TrimToBudget to decide when to shed history.
func (c *Conversation) EstimateTokens() (int, error) {
	enc, err := tokenEncoding()
	if err != nil {
		return 0, fmt.Errorf("load tiktoken encoding: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, m := range c.messages {
		total += countTokens(enc, m)
	}
	return total, nil
}

// TrimToBudget drops the oldest history messages, starting right after the
// pinned clock (slot 0) and base-context (slot 1) messages, until the
// conversation's estimated token count is at or under maxTokens. It never
// removes slot 0/1, and stops once only three messages remain (slot 0,
// slot 1 and the newest message), so a turn always keeps its latest message.
func (c *Conversation) TrimToBudget(maxTokens int) (dropped int, err error) {
	enc, err := tokenEncoding()
	if err != nil {
		return 0, fmt.Errorf("load tiktoken encoding: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	costs := make([]int, len(c.messages))
	for i, m := range c.messages {
		costs[i] = countTokens(enc, m)
		total += costs[i]
	}

	const pinned = 2
	for total > maxTokens && len(c.messages) > pinned+1 {
		total -= costs[pinned]
		c.messages = append(c.messages[:pinned], c.messages[pinned+1:]...)
		costs = append(costs[:pinned], costs[pinned+1:]...)
		dropped++
	}
	return dropped, nil
}

// Validate checks the §3.3/§8.1 invariant that every tool message's id
// corresponds to a preceding assistant tool_call id, for use in tests.
func (c *Conversation) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := map[string]bool{}
	for i, m := range c.messages {
		switch m.Role {
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
		case llm.RoleTool:
			if !pending[m.ToolCallID] {
				return fmt.Errorf("message %d: tool result for unknown call id %q", i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		}
	}
	return nil
}

// ClockPreamble formats the weekday/day/month/year/week preamble required
// in slot 0, per §4.1.2(b) and the round-trip property in §8.1 ("C[0].role
// =="system" and its content contains today's date in the user's timezone").
func ClockPreamble(now time.Time, gps *GPS) string {
	_, week := now.ISOWeek()
	s := fmt.Sprintf(
		"Current date and time: %s, %d %s %d, %02d:%02d:%02d (week %d).",
		now.Weekday(), now.Day(), now.Month(), now.Year(), now.Hour(), now.Minute(), now.Second(), week,
	)
	if gps != nil {
		s += fmt.Sprintf(" Current location: lat=%.6f, lon=%.6f.", gps.Latitude, gps.Longitude)
	}
	return s
}

// GPS is an optional client-reported position, per §4.1.1.
type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
