// Package gpodder implements the podcast-subscription tool provider per
// spec §4.3.3: subscriptions/episodes synced from a gpodder-compatible
// upstream every 15 minutes, skipping episodes older than 5 months at
// fetch time and purging played episodes older than 6 months. Grounded
// on modules/calendar's sqlitepool/Upstream shape.
package gpodder

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
	toolListSubscriptions = "list_subscriptions"
	toolListEpisodes      = "list_episodes"
	toolSetEpisodeStatus  = "set_episode_status"

	syncInterval    = 15 * time.Minute
	episodeMaxAge   = -5 * 30 * 24 * time.Hour // ~5 months, per §4.3.3
	playedPurgeAge  = -6 * 30 * 24 * time.Hour // ~6 months, per §4.3.3
)

// EpisodeStatus is the closed set of states an episode can be in.
type EpisodeStatus string

const (
	StatusUnplayed   EpisodeStatus = "unplayed"
	StatusDownloaded EpisodeStatus = "downloaded"
	StatusPlayed     EpisodeStatus = "played"
)

// Subscription is one podcast feed the user follows.
type Subscription struct {
	ID    uint `gorm:"primaryKey"`
	Title string
	URL   string
}

// Episode is one synced episode, per §4.3.3's episodes table.
type Episode struct {
	ID             uint `gorm:"primaryKey"`
	SubscriptionID uint
	Title          string
	PubDate        time.Time
	URL            string `gorm:"uniqueIndex"`
	Status         EpisodeStatus
}

// Upstream is the real gpodder-compatible subscription service.
type Upstream interface {
	Subscriptions(ctx context.Context) ([]Subscription, error)
	Episodes(ctx context.Context, subscriptionID uint) ([]Episode, error)
}

// NullUpstream is the default Upstream: sync returns nothing.
type NullUpstream struct{}

func (NullUpstream) Subscriptions(ctx context.Context) ([]Subscription, error) { return nil, nil }
func (NullUpstream) Episodes(ctx context.Context, subscriptionID uint) ([]Episode, error) {
	return nil, nil
}

// Provider is the per-user podcast tool provider.
type Provider struct {
	username string
	db       *gorm.DB
	upstream Upstream
	lastSync time.Time
}

// Open opens (or creates) the per-user gpodder cache at path.
func Open(username, path string, upstream Upstream) (*Provider, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Subscription{}, &Episode{}); err != nil {
		return nil, fmt.Errorf("migrate gpodder cache: %w", err)
	}
	if upstream == nil {
		upstream = NullUpstream{}
	}
	return &Provider{username: username, db: db, upstream: upstream}, nil
}

// Factory adapts Open to provider.Factory, one sqlite file per user.
func Factory(dataDir string, upstream Upstream) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		path := dataDir + "/" + username + "/gpodder.sqlite"
		return Open(username, path, upstream)
	}
}

func (p *Provider) Name() string { return "gpodder" }

func (p *Provider) Describe() string {
	return "Lists podcast subscriptions and episodes, and tracks which episodes have been played."
}

func (p *Provider) Complexity() int { return 1 }

func (p *Provider) SystemContext() string {
	return "You can list the user's podcast subscriptions and episodes, and mark episodes played, via the gpodder tools."
}

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolListSubscriptions,
			Description: "List the user's podcast subscriptions, syncing first if the cache is stale.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Strict:      true,
		},
		{
			Name:        toolListEpisodes,
			Description: "List episodes for a subscription, syncing first if the cache is stale.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"subscription_id":{"type":"integer"}},"required":["subscription_id"]}`),
			Strict:      true,
		},
		{
			Name:        toolSetEpisodeStatus,
			Description: "Mark an episode's play status (unplayed, downloaded, played).",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"episode_id":{"type":"integer"},
				"status":{"type":"string","enum":["unplayed","downloaded","played"]}
			},"required":["episode_id","status"]}`),
			Strict: true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolListSubscriptions:
		return p.listSubscriptions(ctx)
	case toolListEpisodes:
		return p.listEpisodes(ctx, argsJSON)
	case toolSetEpisodeStatus:
		return p.setEpisodeStatus(argsJSON)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

// sync performs a full subscriptions+episodes resync if the last one is
// older than syncInterval, then skips stale episodes and purges old
// played ones, per §4.3.3.
func (p *Provider) sync(ctx context.Context) {
	if time.Since(p.lastSync) < syncInterval {
		return
	}
	p.lastSync = time.Now()

	subs, err := p.upstream.Subscriptions(ctx)
	if err != nil {
		return
	}
	for _, sub := range subs {
		p.db.Where(Subscription{Title: sub.Title, URL: sub.URL}).FirstOrCreate(&sub)
		episodes, err := p.upstream.Episodes(ctx, sub.ID)
		if err != nil {
			continue
		}
		cutoff := time.Now().Add(episodeMaxAge)
		for _, ep := range episodes {
			if ep.PubDate.Before(cutoff) {
				continue
			}
			ep.SubscriptionID = sub.ID
			p.db.Where(Episode{URL: ep.URL}).Assign(ep).FirstOrCreate(&Episode{})
		}
	}

	purgeCutoff := time.Now().Add(playedPurgeAge)
	p.db.Where("status = ? AND pub_date < ?", StatusPlayed, purgeCutoff).Delete(&Episode{})
}

func (p *Provider) listSubscriptions(ctx context.Context) (json.RawMessage, error) {
	p.sync(ctx)
	var subs []Subscription
	if err := p.db.Find(&subs).Error; err != nil {
		return errorPayload("list failed: %v", err), nil
	}
	return json.Marshal(subs)
}

type episodesArgs struct {
	SubscriptionID uint `json:"subscription_id"`
}

func (p *Provider) listEpisodes(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args episodesArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	p.sync(ctx)
	var episodes []Episode
	if err := p.db.Where("subscription_id = ?", args.SubscriptionID).Order("pub_date DESC").Find(&episodes).Error; err != nil {
		return errorPayload("list failed: %v", err), nil
	}
	return json.Marshal(episodes)
}

type statusArgs struct {
	EpisodeID uint          `json:"episode_id"`
	Status    EpisodeStatus `json:"status"`
}

func (p *Provider) setEpisodeStatus(argsJSON json.RawMessage) (json.RawMessage, error) {
	var args statusArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	switch args.Status {
	case StatusUnplayed, StatusDownloaded, StatusPlayed:
	default:
		return errorPayload("invalid status %q", args.Status), nil
	}
	if err := p.db.Model(&Episode{}).Where("id = ?", args.EpisodeID).Update("status", args.Status).Error; err != nil {
		return errorPayload("update failed: %v", err), nil
	}
	return json.Marshal(map[string]bool{"status_ok": true})
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) {
	var count int64
	p.db.Model(&Episode{}).Where("status = ?", StatusUnplayed).Count(&count)
	if count == 0 {
		return "", false
	}
	return fmt.Sprintf("%d unplayed episode(s)", count), true
}

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
