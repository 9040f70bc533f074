// Package notifications exposes internal/notify's ReminderStore as a
// ToolProvider, per §4.4.2, so the LLM can schedule/list/cancel reminders
// the same way an end user can over the HTTP API. It wraps the shared store
// rather than keeping its own cache: the store is already the single source
// of truth the reminder worker reads from.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mroger/tom/internal/notify"
	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/internal/store"
)

const (
	toolCreateReminder = "create_reminder"
	toolListReminders  = "list_reminders"
	toolCancelReminder = "cancel_reminder"
)

// Provider is the per-user notifications tool provider. It is personal in
// the sense that List scopes to one recipient, but the underlying store is
// shared across every user, matching the reminders table's layout (§6.2).
type Provider struct {
	username string
	store    *notify.ReminderStore
}

// Factory adapts a shared *notify.ReminderStore to provider.Factory.
func Factory(reminders *notify.ReminderStore) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		return &Provider{username: username, store: reminders}, nil
	}
}

func (p *Provider) Name() string { return "notifications" }

func (p *Provider) Describe() string {
	return "Schedules, lists, and cancels reminders that are pushed to the user's device when due."
}

func (p *Provider) Complexity() int { return 0 }

func (p *Provider) SystemContext() string {
	return "You can schedule a reminder for the user or another recipient, list existing reminders, and cancel one."
}

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolCreateReminder,
			Description: "Schedule a reminder. due_at is an RFC3339 timestamp; recurrence is one of none, daily, weekly, monthly.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"due_at":{"type":"string","description":"RFC3339 timestamp"},
				"recipient":{"type":"string","description":"username to notify; defaults to the caller"},
				"message":{"type":"string"},
				"recurrence":{"type":"string","enum":["none","daily","weekly","monthly"]}
			},"required":["due_at","message"]}`),
			Strict: true,
		},
		{
			Name:        toolListReminders,
			Description: "List the caller's scheduled reminders.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Strict:      true,
		},
		{
			Name:        toolCancelReminder,
			Description: "Cancel a scheduled reminder by id.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]}`),
			Strict:      true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolCreateReminder:
		return p.createReminder(argsJSON)
	case toolListReminders:
		return p.listReminders()
	case toolCancelReminder:
		return p.cancelReminder(argsJSON)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

type createArgs struct {
	DueAt      string          `json:"due_at"`
	Recipient  string          `json:"recipient"`
	Message    string          `json:"message"`
	Recurrence store.Recurrence `json:"recurrence"`
}

func (p *Provider) createReminder(argsJSON json.RawMessage) (json.RawMessage, error) {
	var args createArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	dueAt, err := time.Parse(time.RFC3339, args.DueAt)
	if err != nil {
		return errorPayload("due_at must be an RFC3339 timestamp: %v", err), nil
	}
	recipient := args.Recipient
	if recipient == "" {
		recipient = p.username
	}
	created, err := p.store.Create(store.Reminder{
		DueAt:      dueAt,
		Recipient:  recipient,
		Sender:     p.username,
		Message:    args.Message,
		Recurrence: args.Recurrence,
	})
	if err != nil {
		return errorPayload("create reminder failed: %v", err), nil
	}
	return json.Marshal(created)
}

func (p *Provider) listReminders() (json.RawMessage, error) {
	rows, err := p.store.List(p.username)
	if err != nil {
		return errorPayload("list reminders failed: %v", err), nil
	}
	return json.Marshal(rows)
}

type cancelArgs struct {
	ID uint `json:"id"`
}

func (p *Provider) cancelReminder(argsJSON json.RawMessage) (json.RawMessage, error) {
	var args cancelArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	if err := p.store.Delete(args.ID); err != nil {
		return errorPayload("cancel reminder failed: %v", err), nil
	}
	return json.Marshal(map[string]bool{"status_ok": true})
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
