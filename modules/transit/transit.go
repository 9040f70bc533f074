// Package transit implements the idfm tool provider per spec §4.3.3 and
// the journey scenario of §8.4.5: stations/lines/station_line/
// station_cache tables populated once from a public reference dataset,
// then cached lookups on first use, plus a journey-planning flow
// (search_station -> plan_a_journey -> select_a_route ->
// retrieve_current_selected_route). Grounded on modules/calendar's
// sqlitepool/Upstream shape; the route-selection table follows the same
// per-user single-row pattern internal/store uses for session state.
package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/internal/sqlitepool"
)

const (
	toolSearchStation               = "search_station"
	toolPlanAJourney                = "plan_a_journey"
	toolSelectARoute                = "select_a_route"
	toolRetrieveCurrentSelectedRoute = "retrieve_current_selected_route"
)

// Station is one cached public-transport stop, per §4.3.3's stations table.
type Station struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

// Line is one cached line/route identifier, per §4.3.3's lines table.
type Line struct {
	ID   string `gorm:"primaryKey"`
	Name string
	Mode string
}

// StationLine is the many-to-many join between stations and lines, per
// §4.3.3's station_line table.
type StationLine struct {
	StationID string `gorm:"primaryKey"`
	LineID    string `gorm:"primaryKey"`
}

// StationCache records a once-looked-up station search result, per
// §4.3.3: "further station lookups cached on first use".
type StationCache struct {
	Query     string `gorm:"primaryKey"`
	StationID string
}

// Route is one proposed itinerary returned by plan_a_journey.
type Route struct {
	ID    int      `json:"route_id"`
	Legs  []string `json:"legs"`
	Depart string  `json:"depart"`
	Arrive string  `json:"arrive"`
}

// Upstream is the real idfm journey-planning API.
type Upstream interface {
	// Reference returns the full station/line reference dataset, fetched
	// once and cached locally per §4.3.3.
	Reference(ctx context.Context) ([]Station, []Line, []StationLine, error)
	PlanJourney(ctx context.Context, fromStationID, toStationID, departAt string) ([]Route, error)
}

// NullUpstream is the default Upstream: reference is empty, planning fails.
type NullUpstream struct{}

func (NullUpstream) Reference(ctx context.Context) ([]Station, []Line, []StationLine, error) {
	return nil, nil, nil, nil
}
func (NullUpstream) PlanJourney(ctx context.Context, fromStationID, toStationID, departAt string) ([]Route, error) {
	return nil, fmt.Errorf("transit upstream not configured")
}

// Provider is the per-user transit tool provider. The selected-route
// state is per-instance (one Provider per (username) per the registry's
// caching rule), matching the scenario's "OK, take the first one"
// follow-up referring to the same conversation's prior plan call.
type Provider struct {
	username string
	db       *gorm.DB
	upstream Upstream

	mu            sync.Mutex
	referenced    bool
	lastRoutes    []Route
	selectedIndex int
	hasSelection  bool
}

// Open opens (or creates) the per-user transit cache at path.
func Open(username, path string, upstream Upstream) (*Provider, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Station{}, &Line{}, &StationLine{}, &StationCache{}); err != nil {
		return nil, fmt.Errorf("migrate transit cache: %w", err)
	}
	if upstream == nil {
		upstream = NullUpstream{}
	}
	return &Provider{username: username, db: db, upstream: upstream, selectedIndex: -1}, nil
}

// Factory adapts Open to provider.Factory, one sqlite file per user.
func Factory(dataDir string, upstream Upstream) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		path := dataDir + "/" + username + "/transit.sqlite"
		return Open(username, path, upstream)
	}
}

func (p *Provider) Name() string { return "transit" }

func (p *Provider) Describe() string {
	return "Searches stations and plans public-transport journeys."
}

func (p *Provider) Complexity() int { return 2 }

func (p *Provider) SystemContext() string {
	return "You can search stations and plan a journey with search_station, plan_a_journey, select_a_route, and retrieve_current_selected_route."
}

func (p *Provider) IsPersonal() bool { return false }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolSearchStation,
			Description: "Search for a station by free-text name.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Strict:      true,
		},
		{
			Name:        toolPlanAJourney,
			Description: "Plan a journey between two station ids departing at a given time, returning candidate routes.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"from_station_id":{"type":"string"},
				"to_station_id":{"type":"string"},
				"depart_at":{"type":"string","description":"RFC3339 timestamp"}
			},"required":["from_station_id","to_station_id","depart_at"]}`),
			Strict: true,
		},
		{
			Name:        toolSelectARoute,
			Description: "Select one of the routes returned by the last plan_a_journey call, by index.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"route_id":{"type":"integer"}},"required":["route_id"]}`),
			Strict:      true,
		},
		{
			Name:        toolRetrieveCurrentSelectedRoute,
			Description: "Retrieve the route previously chosen with select_a_route.",
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
	case toolSearchStation:
		return p.searchStation(ctx, argsJSON)
	case toolPlanAJourney:
		return p.planAJourney(ctx, argsJSON)
	case toolSelectARoute:
		return p.selectARoute(argsJSON)
	case toolRetrieveCurrentSelectedRoute:
		return p.retrieveCurrentSelectedRoute()
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

// ensureReference populates stations/lines/station_line once from the
// public reference dataset, per §4.3.3's "populated once" rule.
func (p *Provider) ensureReference(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.referenced {
		return nil
	}
	var count int64
	p.db.Model(&Station{}).Count(&count)
	if count > 0 {
		p.referenced = true
		return nil
	}
	stations, lines, links, err := p.upstream.Reference(ctx)
	if err != nil {
		return fmt.Errorf("fetch transit reference data: %w", err)
	}
	err = p.db.Transaction(func(tx *gorm.DB) error {
		if len(stations) > 0 {
			if err := tx.Create(&stations).Error; err != nil {
				return err
			}
		}
		if len(lines) > 0 {
			if err := tx.Create(&lines).Error; err != nil {
				return err
			}
		}
		if len(links) > 0 {
			if err := tx.Create(&links).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.referenced = true
	return nil
}

type searchArgs struct {
	Query string `json:"query"`
}

func (p *Provider) searchStation(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args searchArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	if err := p.ensureReference(ctx); err != nil {
		return errorPayload("%v", err), nil
	}

	var cached StationCache
	if err := p.db.First(&cached, "query = ?", args.Query).Error; err == nil {
		var station Station
		if err := p.db.First(&station, "id = ?", cached.StationID).Error; err == nil {
			return json.Marshal([]Station{station})
		}
	}

	var stations []Station
	like := "%" + args.Query + "%"
	if err := p.db.Where("name LIKE ?", like).Find(&stations).Error; err != nil {
		return errorPayload("search failed: %v", err), nil
	}
	if len(stations) > 0 {
		p.db.Save(&StationCache{Query: args.Query, StationID: stations[0].ID})
	}
	return json.Marshal(stations)
}

type planArgs struct {
	FromStationID string `json:"from_station_id"`
	ToStationID   string `json:"to_station_id"`
	DepartAt      string `json:"depart_at"`
}

func (p *Provider) planAJourney(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args planArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	routes, err := p.upstream.PlanJourney(ctx, args.FromStationID, args.ToStationID, args.DepartAt)
	if err != nil {
		return errorPayload("plan failed: %v", err), nil
	}
	for i := range routes {
		routes[i].ID = i
	}

	p.mu.Lock()
	p.lastRoutes = routes
	p.hasSelection = false
	p.selectedIndex = -1
	p.mu.Unlock()

	return json.Marshal(routes)
}

type selectArgs struct {
	RouteID int `json:"route_id"`
}

func (p *Provider) selectARoute(argsJSON json.RawMessage) (json.RawMessage, error) {
	var args selectArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if args.RouteID < 0 || args.RouteID >= len(p.lastRoutes) {
		return errorPayload("no such route_id %d; call plan_a_journey first", args.RouteID), nil
	}
	p.selectedIndex = args.RouteID
	p.hasSelection = true
	return json.Marshal(map[string]bool{"status_ok": true})
}

func (p *Provider) retrieveCurrentSelectedRoute() (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasSelection {
		return errorPayload("no route selected yet; call select_a_route first"), nil
	}
	return json.Marshal(p.lastRoutes[p.selectedIndex])
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
