// Package news implements the news tool provider per spec §4.3.3/§4.3.5:
// an RSS feed polled every 5 minutes plus a set of plug-in HTML scrapers
// polled every 6 hours, merged into one materialized article cache.
// Grounded on modules/calendar for the sqlitepool/Upstream shape; the
// scraper registry is grounded on internal/provider.Registry's
// name-to-factory table (same "static table, fail fast on duplicate"
// discipline, applied to scrapers instead of modules).
package news

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
	toolListArticles = "list_articles"
	toolMarkRead     = "mark_read"
	toolMarkToRead   = "mark_to_read"

	rssRefreshInterval     = 5 * time.Minute
	scraperRefreshInterval = 6 * time.Hour
)

// Article is one cached news item, per §4.3.3's news table.
type Article struct {
	ID       uint `gorm:"primaryKey"`
	Source   string
	Category string
	NewsID   string `gorm:"uniqueIndex"`
	Author   string
	Read     bool
	ToRead   bool
	Title    string
	Summary  string
	URL      string
	Datetime time.Time
}

// ScrapeResult is what one scraper returns for a single run, per §4.3.5.
type ScrapeResult struct {
	Success  bool
	Articles []Article
	Error    string
}

// Scraper is a plug-in news source beyond the RSS feed, per §4.3.5: each
// declares its own update cadence, and one scraper failing must not stop
// the others from running.
type Scraper interface {
	Name() string
	Category() string
	UpdateIntervalHours() int
	Scrape(ctx context.Context) (ScrapeResult, error)
}

// RSSFeed is the always-on 5-minute RSS upstream.
type RSSFeed interface {
	Fetch(ctx context.Context) ([]Article, error)
}

// NullRSSFeed is the default RSSFeed: returns no articles.
type NullRSSFeed struct{}

func (NullRSSFeed) Fetch(ctx context.Context) ([]Article, error) { return nil, nil }

// Provider is the per-user news tool provider. Articles are not
// per-user in the upstream sense, but the cache is opened per user like
// every other module so one slow/broken feed can't affect another user.
type Provider struct {
	username string
	db       *gorm.DB
	rss      RSSFeed
	scrapers []Scraper
	lastScraped map[string]time.Time
	lastRSS     time.Time
}

// Open opens (or creates) the per-user news cache at path.
func Open(username, path string, rss RSSFeed, scrapers []Scraper) (*Provider, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Article{}); err != nil {
		return nil, fmt.Errorf("migrate news cache: %w", err)
	}
	if rss == nil {
		rss = NullRSSFeed{}
	}
	return &Provider{
		username:    username,
		db:          db,
		rss:         rss,
		scrapers:    scrapers,
		lastScraped: make(map[string]time.Time),
	}, nil
}

// Factory adapts Open to provider.Factory, one sqlite file per user,
// sharing the same RSS feed and scraper set across users (§4.3.5: each
// scraper is independent of the calling user).
func Factory(dataDir string, rss RSSFeed, scrapers []Scraper) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		path := dataDir + "/" + username + "/news.sqlite"
		return Open(username, path, rss, scrapers)
	}
}

func (p *Provider) Name() string { return "news" }

func (p *Provider) Describe() string {
	return "Lists and tracks read status of news articles gathered from RSS and plug-in scrapers."
}

func (p *Provider) Complexity() int { return 1 }

func (p *Provider) SystemContext() string {
	return "You can list unread news articles and mark them read or to-read via the news tools."
}

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolListArticles,
			Description: "List cached news articles, optionally filtered by category, refreshing stale sources first.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"category":{"type":"string"}}}`),
			Strict:      true,
		},
		{
			Name:        toolMarkRead,
			Description: "Mark a news article as read.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"news_id":{"type":"string"}},"required":["news_id"]}`),
			Strict:      true,
		},
		{
			Name:        toolMarkToRead,
			Description: "Flag a news article to read later.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"news_id":{"type":"string"}},"required":["news_id"]}`),
			Strict:      true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolListArticles:
		return p.listArticles(ctx, argsJSON)
	case toolMarkRead:
		return p.setFlag(argsJSON, "read", true)
	case toolMarkToRead:
		return p.setFlag(argsJSON, "to_read", true)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

// refresh pulls the RSS feed every 5 min and runs each scraper on its own
// cadence, per §4.3.3/§4.3.5. A scraper failure is logged into its own
// result and does not stop the others.
func (p *Provider) refresh(ctx context.Context) {
	now := time.Now()
	if now.Sub(p.lastRSS) >= rssRefreshInterval {
		if articles, err := p.rss.Fetch(ctx); err == nil {
			p.upsert(articles)
		}
		p.lastRSS = now
	}
	for _, s := range p.scrapers {
		interval := time.Duration(s.UpdateIntervalHours()) * time.Hour
		if interval <= 0 {
			interval = scraperRefreshInterval
		}
		if now.Sub(p.lastScraped[s.Name()]) < interval {
			continue
		}
		p.lastScraped[s.Name()] = now
		result, err := s.Scrape(ctx)
		if err != nil || !result.Success {
			continue
		}
		p.upsert(result.Articles)
	}
}

func (p *Provider) upsert(articles []Article) {
	for _, a := range articles {
		a.Datetime = a.Datetime.UTC()
		p.db.Where(Article{NewsID: a.NewsID}).Assign(a).FirstOrCreate(&Article{})
	}
}

type listArgs struct {
	Category string `json:"category"`
}

func (p *Provider) listArticles(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args listArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	p.refresh(ctx)

	q := p.db.Order("datetime DESC")
	if args.Category != "" {
		q = q.Where("category = ?", args.Category)
	}
	var articles []Article
	if err := q.Find(&articles).Error; err != nil {
		return errorPayload("list failed: %v", err), nil
	}
	return json.Marshal(articles)
}

type flagArgs struct {
	NewsID string `json:"news_id"`
}

func (p *Provider) setFlag(argsJSON json.RawMessage, column string, value bool) (json.RawMessage, error) {
	var args flagArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	if err := p.db.Model(&Article{}).Where("news_id = ?", args.NewsID).Update(column, value).Error; err != nil {
		return errorPayload("update failed: %v", err), nil
	}
	return json.Marshal(map[string]bool{"status_ok": true})
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) {
	var count int64
	p.db.Model(&Article{}).Where("read = ? AND to_read = ?", false, true).Count(&count)
	if count == 0 {
		return "", false
	}
	return fmt.Sprintf("%d article(s) flagged to read", count), true
}

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
