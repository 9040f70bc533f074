// Package backend implements Tom's assistant backend: the per-user
// orchestration core that turns an utterance into an answer by running a
// triage phase followed by a tool-calling execute loop, per spec §4.1.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mroger/tom/internal/config"
	"github.com/mroger/tom/internal/llmadapter"
	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/internal/store"
)

// MaxIterations bounds the execute loop, per §4.1.4's "no a-priori bound...
// implementers may cap (recommended >= 8)" and the Open Question decision
// recorded in SPEC_FULL.md §8.
const MaxIterations = 8

// maxContextTokens bounds the per-turn conversation history kept in memory,
// trimmed via Conversation.TrimToBudget before each turn so a long-running
// session's log doesn't grow unbounded against the model's own context window.
const maxContextTokens = 6000

const (
	triageToolModules = "modules_needed_to_answer_user_prompt"
	triageToolReset   = "reset_conversation"
)

var greetings = map[string]string{
	"en": "Hello! How can I help you?",
	"fr": "Salut ! Comment puis-je t'aider ?",
}

// Charter is the fixed assistant system prompt prefix, independent of any
// per-user personal context or module addendum.
const Charter = "You are Tom, a helpful personal assistant. Answer concisely and use the available modules only when needed."

// Backend is the orchestration core, one instance shared by every user
// (conversations and module instances are scoped per-username internally).
type Backend struct {
	cfg      *config.Config
	logger   *zap.Logger
	adapter  *llmadapter.Adapter
	registry *provider.Registry
	calllog  *store.CallLog

	mu            sync.Mutex
	conversations map[string]*Conversation
	userLocks     map[string]*sync.Mutex // serializes /process per user, per §5
}

// New constructs a Backend.
func New(cfg *config.Config, logger *zap.Logger, adapter *llmadapter.Adapter, registry *provider.Registry, calllog *store.CallLog) *Backend {
	return &Backend{
		cfg:           cfg,
		logger:        logger,
		adapter:       adapter,
		registry:      registry,
		calllog:       calllog,
		conversations: map[string]*Conversation{},
		userLocks:     map[string]*sync.Mutex{},
	}
}

func (b *Backend) lockFor(username string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.userLocks[username]
	if !ok {
		l = &sync.Mutex{}
		b.userLocks[username] = l
	}
	return l
}

func (b *Backend) conversationFor(username string) *Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[username]
	if !ok {
		c = NewConversation()
		b.conversations[username] = c
	}
	return c
}

// Reset clears username's conversation, per §4.1.1.
func (b *Backend) Reset(username string) {
	b.conversationFor(username).Reset()
}

// ProcessResult is the outcome of one Process call.
type ProcessResult struct {
	Response string
}

// Process implements §4.1.1's process(text, lang, gps?, client_kind): a
// single user turn, strictly serialized per user (§5).
func (b *Backend) Process(ctx context.Context, username, text, lang string, gps *GPS, clientKind string) (*ProcessResult, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty input", ErrBadRequest)
	}

	lock := b.lockFor(username)
	lock.Lock()
	defer lock.Unlock()

	conv := b.conversationFor(username)

	user, _ := b.cfg.UserByName(username)
	now := b.userNow(user, gps)
	conv.RewriteClock(ClockPreamble(now, gps))

	modules, err := b.registry.All(username)
	if err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}
	conv.EnsureBaseContext(b.baseSystemPrompt(ctx, user, modules))
	conv.AppendUser(text)

	if dropped, err := conv.TrimToBudget(maxContextTokens); err != nil {
		b.logger.Warn("token budget estimation failed", zap.String("username", username), zap.Error(err))
	} else if dropped > 0 {
		b.logger.Debug("trimmed conversation history to fit token budget",
			zap.String("username", username), zap.Int("dropped_messages", dropped))
	}

	selected, reset, err := b.triage(ctx, conv, modules, lang)
	if err != nil {
		// Triage failure ⇒ treat as empty module set and try direct answer, §4.1.7.
		b.logger.Warn("triage failed, falling back to direct answer", zap.String("username", username), zap.Error(err))
		selected = nil
	}
	if reset {
		conv.Reset()
		return &ProcessResult{Response: greetingFor(lang)}, nil
	}

	text2, err := b.execute(ctx, username, text, conv, selected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	return &ProcessResult{Response: text2}, nil
}

func greetingFor(lang string) string {
	if g, ok := greetings[lang]; ok {
		return g
	}
	return greetings["en"]
}

func (b *Backend) userNow(user store.User, gps *GPS) time.Time {
	tz := user.Timezone
	if tz == "" {
		tz = "Europe/Paris"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc)
}

func (b *Backend) baseSystemPrompt(ctx context.Context, user store.User, modules []provider.ToolProvider) string {
	prompt := Charter
	if user.PersonalContext != "" {
		prompt += "\n" + user.PersonalContext
	}
	for _, m := range modules {
		if m.Name() != "behavior" {
			continue
		}
		result, err := m.Invoke(ctx, "get_behavior_content", json.RawMessage(`{}`))
		if err == nil && len(result) > 0 {
			var content string
			if json.Unmarshal(result, &content) == nil && content != "" {
				prompt += "\n" + content
			}
		}
	}
	return prompt
}

// Errors returned by Process, mapped to HTTP status by the gateway per §7.
var (
	ErrBadRequest     = fmt.Errorf("bad request")
	ErrLLMUnavailable = fmt.Errorf("llm unavailable")
)

// Registry returns the module registry, exposed for /status.
func (b *Backend) Registry() *provider.Registry { return b.registry }

// Adapter returns the LLM adapter, exposed for /status.
func (b *Backend) Adapter() *llmadapter.Adapter { return b.adapter }

// CallLog returns the call log writer.
func (b *Backend) CallLog() *store.CallLog { return b.calllog }
