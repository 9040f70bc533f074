// Package todo implements the todo list tool provider, per §4.3.3: unlike
// every other cached provider, todo keeps no local cache and round-trips to
// the upstream (CalDAV) on every call, advertising live list names through
// PromptConsign per §3.6's description://prompt_consign example.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mroger/tom/internal/provider"
)

const (
	toolListNames  = "list_names"
	toolListItems  = "list_items"
	toolAddItem    = "add_to_list"
	toolRemoveItem = "remove_from_list"
)

// Item is one todo entry.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"item_name"`
	Done bool   `json:"done"`
}

// Upstream is the real list backend (e.g. CalDAV VTODO collections), kept as
// an injectable black box per the same precedent applied to memory/FCM/
// calendar: the spec never specifies a CalDAV wire contract to implement
// against.
type Upstream interface {
	ListNames(ctx context.Context) ([]string, error)
	Items(ctx context.Context, listName string) ([]Item, error)
	AddItem(ctx context.Context, listName, itemName string) (Item, error)
	RemoveItem(ctx context.Context, listName, itemID string) error
}

// NullUpstream is the default Upstream: one empty default list, mutations fail.
type NullUpstream struct {
	DefaultListName string
}

func (u NullUpstream) ListNames(ctx context.Context) ([]string, error) {
	name := u.DefaultListName
	if name == "" {
		name = "todo"
	}
	return []string{name}, nil
}
func (u NullUpstream) Items(ctx context.Context, listName string) ([]Item, error) { return nil, nil }
func (u NullUpstream) AddItem(ctx context.Context, listName, itemName string) (Item, error) {
	return Item{}, fmt.Errorf("todo upstream not configured")
}
func (u NullUpstream) RemoveItem(ctx context.Context, listName, itemID string) error {
	return fmt.Errorf("todo upstream not configured")
}

// Provider is the per-user todo tool provider. It holds no cache by design.
type Provider struct {
	username string
	upstream Upstream
}

// New constructs a Provider over upstream, defaulting to NullUpstream.
func New(username string, upstream Upstream) *Provider {
	if upstream == nil {
		upstream = NullUpstream{}
	}
	return &Provider{username: username, upstream: upstream}
}

// Factory adapts New to provider.Factory.
func Factory(upstream Upstream) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		return New(username, upstream), nil
	}
}

func (p *Provider) Name() string { return "todo" }

func (p *Provider) Describe() string {
	return "Reads and manages the user's todo lists: list names, list items, add, and remove."
}

func (p *Provider) Complexity() int { return 0 }

func (p *Provider) SystemContext() string {
	return "You can list, add to, and remove items from the user's todo lists."
}

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolListNames,
			Description: "List the names of the user's todo lists.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Strict:      true,
		},
		{
			Name:        toolListItems,
			Description: "List the items on a given todo list.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"list_name":{"type":"string"}},"required":["list_name"]}`),
			Strict:      true,
		},
		{
			Name:        toolAddItem,
			Description: "Add an item to a todo list.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"item_name":{"type":"string"},"list_name":{"type":"string"}},"required":["item_name","list_name"]}`),
			Strict:      true,
		},
		{
			Name:        toolRemoveItem,
			Description: "Remove an item from a todo list by its id.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"item_id":{"type":"string"},"list_name":{"type":"string"}},"required":["item_id","list_name"]}`),
			Strict:      true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolListNames:
		return p.listNames(ctx)
	case toolListItems:
		return p.listItems(ctx, argsJSON)
	case toolAddItem:
		return p.addItem(ctx, argsJSON)
	case toolRemoveItem:
		return p.removeItem(ctx, argsJSON)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

func (p *Provider) listNames(ctx context.Context) (json.RawMessage, error) {
	names, err := p.upstream.ListNames(ctx)
	if err != nil {
		return errorPayload("list names failed: %v", err), nil
	}
	return json.Marshal(names)
}

type listItemsArgs struct {
	ListName string `json:"list_name"`
}

func (p *Provider) listItems(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args listItemsArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	items, err := p.upstream.Items(ctx, args.ListName)
	if err != nil {
		return errorPayload("list items failed: %v", err), nil
	}
	return json.Marshal(items)
}

type addItemArgs struct {
	ItemName string `json:"item_name"`
	ListName string `json:"list_name"`
}

func (p *Provider) addItem(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args addItemArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	item, err := p.upstream.AddItem(ctx, args.ListName, args.ItemName)
	if err != nil {
		return errorPayload("add item failed: %v", err), nil
	}
	return json.Marshal(item)
}

type removeItemArgs struct {
	ItemID   string `json:"item_id"`
	ListName string `json:"list_name"`
}

func (p *Provider) removeItem(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args removeItemArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	if err := p.upstream.RemoveItem(ctx, args.ListName, args.ItemID); err != nil {
		return errorPayload("remove item failed: %v", err), nil
	}
	return json.Marshal(map[string]bool{"status_ok": true})
}

// PromptConsign surfaces live list names, per §3.6's example:
// {"description":"Available lists","list_name":[…],"is_list_name_case_sensitive":true}.
func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) {
	names, err := p.upstream.ListNames(ctx)
	if err != nil || len(names) == 0 {
		return nil, false
	}
	sort.Strings(names)
	payload, err := json.Marshal(map[string]interface{}{
		"description":                 "Available lists",
		"list_name":                   names,
		"is_list_name_case_sensitive": true,
	})
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }
