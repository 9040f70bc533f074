// Package weather implements the weather tool provider listed in Tom's
// module layout alongside calendar/todo/news. The spec gives no wire
// schema for weather (§4.3.3 enumerates schemas for news/gpodder/idfm/
// kwyk/cafetaria only), so this follows the same cached-upstream shape
// those providers use: a single-row-per-location cache refreshed on a
// fixed TTL, grounded on modules/calendar's Upstream/NullUpstream split.
package weather

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
	toolGetForecast = "get_forecast"
	refreshInterval = 30 * time.Minute
)

// Forecast is one cached location's current conditions.
type Forecast struct {
	Location    string `gorm:"primaryKey"`
	Summary     string
	TempC       float64
	UpdatedAt   time.Time
}

// Upstream is the real forecast provider (e.g. a public weather API).
type Upstream interface {
	Forecast(ctx context.Context, location string) (Forecast, error)
}

// NullUpstream is the default Upstream: every lookup fails until a real
// forecast API key is configured.
type NullUpstream struct{}

func (NullUpstream) Forecast(ctx context.Context, location string) (Forecast, error) {
	return Forecast{}, fmt.Errorf("weather upstream not configured")
}

// Provider is the per-user weather tool provider.
type Provider struct {
	username string
	db       *gorm.DB
	upstream Upstream
}

// Open opens (or creates) the per-user weather cache at path.
func Open(username, path string, upstream Upstream) (*Provider, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Forecast{}); err != nil {
		return nil, fmt.Errorf("migrate weather cache: %w", err)
	}
	if upstream == nil {
		upstream = NullUpstream{}
	}
	return &Provider{username: username, db: db, upstream: upstream}, nil
}

// Factory adapts Open to provider.Factory, one sqlite file per user.
func Factory(dataDir string, upstream Upstream) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		path := dataDir + "/" + username + "/weather.sqlite"
		return Open(username, path, upstream)
	}
}

func (p *Provider) Name() string { return "weather" }

func (p *Provider) Describe() string {
	return "Reports the current weather forecast for a named location."
}

func (p *Provider) Complexity() int { return 0 }

func (p *Provider) SystemContext() string {
	return "You can look up the current weather forecast for a place via the weather tool."
}

func (p *Provider) IsPersonal() bool { return false }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolGetForecast,
			Description: "Get the current forecast for a location, refreshing the cache if stale.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}`),
			Strict:      true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolGetForecast:
		return p.getForecast(ctx, argsJSON)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

type forecastArgs struct {
	Location string `json:"location"`
}

func (p *Provider) getForecast(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args forecastArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	var cached Forecast
	err := p.db.First(&cached, "location = ?", args.Location).Error
	if err == nil && time.Since(cached.UpdatedAt) < refreshInterval {
		return json.Marshal(cached)
	}
	fresh, err := p.upstream.Forecast(ctx, args.Location)
	if err != nil {
		if cached.Location != "" {
			return json.Marshal(cached)
		}
		return errorPayload("forecast failed: %v", err), nil
	}
	fresh.Location = args.Location
	fresh.UpdatedAt = time.Now()
	if err := p.db.Save(&fresh).Error; err != nil {
		return errorPayload("cache forecast: %v", err), nil
	}
	return json.Marshal(fresh)
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
