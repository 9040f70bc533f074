// Package kwyk implements the kwyk (school-exercise tracking) tool
// provider per spec §4.3.3: one autonomous(date, day{...}, full{...})
// row refreshed every 3-10 hours, randomized. Grounded on modules/
// calendar's sqlitepool/Upstream shape.
package kwyk

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/internal/sqlitepool"
)

const toolGetAutonomousStats = "get_autonomous_stats"

const (
	minRefreshInterval = 3 * time.Hour
	maxRefreshInterval = 10 * time.Hour
)

// Stats is one day/full counter triple, per §4.3.3's day{...}/full{...}.
type Stats struct {
	Correct   int `json:"correct"`
	MCQ       int `json:"mcq"`
	Incorrect int `json:"incorrect"`
	Total     int `json:"total"`
}

// Autonomous is the single cached row, per §4.3.3's autonomous table.
type Autonomous struct {
	Date      time.Time `gorm:"primaryKey"`
	DayCorrect, DayMCQ, DayIncorrect, DayTotal             int
	FullCorrect, FullMCQ, FullIncorrect, FullTotal         int
	UpdatedAt time.Time
}

func (a Autonomous) day() Stats {
	return Stats{Correct: a.DayCorrect, MCQ: a.DayMCQ, Incorrect: a.DayIncorrect, Total: a.DayTotal}
}

func (a Autonomous) full() Stats {
	return Stats{Correct: a.FullCorrect, MCQ: a.FullMCQ, Incorrect: a.FullIncorrect, Total: a.FullTotal}
}

type statsResponse struct {
	Date time.Time `json:"date"`
	Day  Stats     `json:"day"`
	Full Stats     `json:"full"`
}

// Upstream is the real kwyk progress API.
type Upstream interface {
	Autonomous(ctx context.Context) (Autonomous, error)
}

// NullUpstream is the default Upstream: every refresh fails.
type NullUpstream struct{}

func (NullUpstream) Autonomous(ctx context.Context) (Autonomous, error) {
	return Autonomous{}, fmt.Errorf("kwyk upstream not configured")
}

// Provider is the per-user kwyk tool provider.
type Provider struct {
	username        string
	db              *gorm.DB
	upstream        Upstream
	lastRefresh      time.Time
	nextRefreshAfter time.Duration
	rng              *rand.Rand
}

func randomizedInterval(rng *rand.Rand) time.Duration {
	span := maxRefreshInterval - minRefreshInterval
	return minRefreshInterval + time.Duration(rng.Int63n(int64(span)))
}

// Open opens (or creates) the per-user kwyk cache at path.
func Open(username, path string, upstream Upstream) (*Provider, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Autonomous{}); err != nil {
		return nil, fmt.Errorf("migrate kwyk cache: %w", err)
	}
	if upstream == nil {
		upstream = NullUpstream{}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Provider{
		username:         username,
		db:               db,
		upstream:         upstream,
		nextRefreshAfter: randomizedInterval(rng),
		rng:              rng,
	}, nil
}

// Factory adapts Open to provider.Factory, one sqlite file per user.
func Factory(dataDir string, upstream Upstream) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		path := dataDir + "/" + username + "/kwyk.sqlite"
		return Open(username, path, upstream)
	}
}

func (p *Provider) Name() string { return "kwyk" }

func (p *Provider) Describe() string {
	return "Reports the user's kwyk exercise completion stats for today and overall."
}

func (p *Provider) Complexity() int { return 0 }

func (p *Provider) SystemContext() string {
	return "You can report the user's kwyk autonomous exercise stats via get_autonomous_stats."
}

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolGetAutonomousStats,
			Description: "Get today's and all-time kwyk autonomous exercise stats, refreshing the cache if stale.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Strict:      true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolGetAutonomousStats:
		return p.getAutonomousStats(ctx)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

func (p *Provider) getAutonomousStats(ctx context.Context) (json.RawMessage, error) {
	var cached Autonomous
	hasCached := p.db.Order("date DESC").First(&cached).Error == nil

	if time.Since(p.lastRefresh) >= p.nextRefreshAfter || !hasCached {
		fresh, err := p.upstream.Autonomous(ctx)
		if err == nil {
			fresh.UpdatedAt = time.Now()
			if err := p.db.Save(&fresh).Error; err == nil {
				cached = fresh
				hasCached = true
			}
		} else if !hasCached {
			return errorPayload("autonomous stats fetch failed: %v", err), nil
		}
		p.lastRefresh = time.Now()
		p.nextRefreshAfter = randomizedInterval(p.rng)
	}

	return json.Marshal(statsResponse{Date: cached.Date, Day: cached.day(), Full: cached.full()})
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
