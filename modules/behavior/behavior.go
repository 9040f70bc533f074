// Package behavior implements the optional "behavior" tool provider, per
// spec §4.1.6: its single tool's return value is appended to every turn's
// base system prompt, letting a user tune tone/style without a restart.
// Grounded on the provider.ToolProvider contract; there is no teacher
// analogue for a single-tool "tone" provider, so the shape follows the
// simplest possible implementation of that interface.
package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mroger/tom/internal/provider"
)

const toolGetBehaviorContent = "get_behavior_content"

// Provider reads a per-user behavior.md file on every call; the file is
// small and edited rarely, so no cache is warranted (§4.3.3 only lists
// caches for providers wrapping slow upstreams).
type Provider struct {
	username string
	path     string

	mu      sync.Mutex
	content string
}

// New constructs a behavior provider reading <userDataDir>/<username>/behavior.md.
func New(userDataDir, username string) *Provider {
	return &Provider{
		username: username,
		path:     filepath.Join(userDataDir, username, "behavior.md"),
	}
}

// Factory adapts New to provider.Factory for registry registration.
func Factory(userDataDir string) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		return New(userDataDir, username), nil
	}
}

func (p *Provider) Name() string { return "behavior" }

func (p *Provider) Describe() string {
	return "Stores the user's preferred tone and style for assistant replies."
}

func (p *Provider) Complexity() int { return 0 }

func (p *Provider) SystemContext() string { return "" }

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolGetBehaviorContent,
			Description: "Return the user's stored behavior/tone preferences, if any.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Strict:      true,
		},
	}
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	if name != toolGetBehaviorContent {
		return json.RawMessage(fmt.Sprintf(`{"status":"error","message":"unknown tool %q"}`, name)), nil
	}
	content, err := p.read()
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, err.Error())), nil
	}
	return json.Marshal(content)
}

func (p *Provider) read() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read behavior file: %w", err)
	}
	p.content = string(data)
	return p.content, nil
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
