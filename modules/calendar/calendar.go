// Package calendar implements the calendar tool provider, per spec §4.3.3:
// a materialized one-year-back/one-year-forward event cache refreshed on
// every mutation and on any search call. Grounded on internal/sqlitepool
// (adapted from the teacher's internal/database.PoolManager) for the
// embedded store, and on internal/provider.ToolProvider for the contract.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/internal/sqlitepool"
)

const (
	toolSearchEvents = "search_events"
	toolCreateEvent  = "create_event"
	toolDeleteEvent  = "delete_event"
)

// Event is one materialized calendar entry, per §4.3.3's "one-year-back /
// one-year-forward materialized event list".
type Event struct {
	ID          uint `gorm:"primaryKey"`
	UID         string
	Summary     string
	Start       time.Time
	End         time.Time
	Location    string
	Description string
}

// Upstream is the real calendar backend (e.g. CalDAV). The spec treats
// every per-provider upstream this way unless its wire contract is spelled
// out (§7's memory-service precedent); NullUpstream lets Tom run with the
// cache empty until a real upstream is wired.
type Upstream interface {
	List(ctx context.Context, from, to time.Time) ([]Event, error)
	Create(ctx context.Context, e Event) (Event, error)
	Delete(ctx context.Context, uid string) error
}

// NullUpstream is the default Upstream: reads return no events, mutations fail.
type NullUpstream struct{}

func (NullUpstream) List(ctx context.Context, from, to time.Time) ([]Event, error) { return nil, nil }
func (NullUpstream) Create(ctx context.Context, e Event) (Event, error) {
	return Event{}, fmt.Errorf("calendar upstream not configured")
}
func (NullUpstream) Delete(ctx context.Context, uid string) error {
	return fmt.Errorf("calendar upstream not configured")
}

// Provider is the per-user calendar tool provider.
type Provider struct {
	username string
	db       *gorm.DB
	upstream Upstream
}

// Open opens (or creates) the per-user calendar cache at path.
func Open(username, path string, upstream Upstream) (*Provider, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate calendar cache: %w", err)
	}
	if upstream == nil {
		upstream = NullUpstream{}
	}
	return &Provider{username: username, db: db, upstream: upstream}, nil
}

// Factory adapts Open to provider.Factory, one sqlite file per user under
// dataDir/<username>/tasks.sqlite per §6.2's persisted-state layout
// ("/data/<user>/ ... tasks.sqlite").
func Factory(dataDir string, upstream Upstream) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		path := dataDir + "/" + username + "/calendar.sqlite"
		return Open(username, path, upstream)
	}
}

func (p *Provider) Name() string { return "calendar" }

func (p *Provider) Describe() string {
	return "Reads and manages the user's calendar: search, create, and delete events."
}

func (p *Provider) Complexity() int { return 1 }

func (p *Provider) SystemContext() string {
	return "You can search, create, and delete the user's calendar events via the calendar tools."
}

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolSearchEvents,
			Description: "Search calendar events by free-text query within the cached one-year window.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Strict:      true,
		},
		{
			Name:        toolCreateEvent,
			Description: "Create a new calendar event.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"summary":{"type":"string"},
				"start":{"type":"string","description":"RFC3339 timestamp"},
				"end":{"type":"string","description":"RFC3339 timestamp"},
				"location":{"type":"string"},
				"description":{"type":"string"}
			},"required":["summary","start","end"]}`),
			Strict: true,
		},
		{
			Name:        toolDeleteEvent,
			Description: "Delete a calendar event by its uid.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"uid":{"type":"string"}},"required":["uid"]}`),
			Strict:      true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolSearchEvents:
		return p.searchEvents(ctx, argsJSON)
	case toolCreateEvent:
		return p.createEvent(ctx, argsJSON)
	case toolDeleteEvent:
		return p.deleteEvent(ctx, argsJSON)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

// window is the materialized one-year-back/one-year-forward range, per §4.3.3.
func (p *Provider) window(now time.Time) (time.Time, time.Time) {
	return now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0)
}

// refresh re-pulls the materialized window from upstream, per §4.3.4's
// read-through-plus-refresh rule: every search call refreshes first.
func (p *Provider) refresh(ctx context.Context) error {
	from, to := p.window(time.Now())
	events, err := p.upstream.List(ctx, from, to)
	if err != nil {
		return fmt.Errorf("refresh calendar cache: %w", err)
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Event{}).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		return tx.Create(&events).Error
	})
}

type searchArgs struct {
	Query string `json:"query"`
}

func (p *Provider) searchEvents(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args searchArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	if err := p.refresh(ctx); err != nil {
		return errorPayload("%v", err), nil
	}
	var events []Event
	like := "%" + args.Query + "%"
	if err := p.db.Where("summary LIKE ? OR description LIKE ?", like, like).Find(&events).Error; err != nil {
		return errorPayload("search failed: %v", err), nil
	}
	return json.Marshal(events)
}

type createArgs struct {
	Summary     string `json:"summary"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

func (p *Provider) createEvent(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args createArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	start, err := time.Parse(time.RFC3339, args.Start)
	if err != nil {
		return errorPayload("invalid start timestamp: %v", err), nil
	}
	end, err := time.Parse(time.RFC3339, args.End)
	if err != nil {
		return errorPayload("invalid end timestamp: %v", err), nil
	}
	created, err := p.upstream.Create(ctx, Event{
		Summary:     args.Summary,
		Start:       start,
		End:         end,
		Location:    args.Location,
		Description: args.Description,
	})
	if err != nil {
		return errorPayload("create failed: %v", err), nil
	}
	// Writes hit upstream first, then trigger an immediate refresh, per §4.3.4.
	if err := p.refresh(ctx); err != nil {
		return errorPayload("%v", err), nil
	}
	return json.Marshal(created)
}

type deleteArgs struct {
	UID string `json:"uid"`
}

func (p *Provider) deleteEvent(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args deleteArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	if err := p.upstream.Delete(ctx, args.UID); err != nil {
		return errorPayload("delete failed: %v", err), nil
	}
	if err := p.refresh(ctx); err != nil {
		return errorPayload("%v", err), nil
	}
	return json.Marshal(map[string]bool{"status_ok": true})
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
