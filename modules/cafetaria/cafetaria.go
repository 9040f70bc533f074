// Package cafetaria implements the school-cafeteria tool provider per
// spec §4.3.3: cafetaria(date PK, id, is_reserved) plus solde(solde),
// refreshed on every tool call when the relevant half is stale (credit
// balance past 12h, reservations past 48h). Grounded on modules/
// calendar's sqlitepool/Upstream shape.
package cafetaria

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
	toolGetSolde          = "get_solde"
	toolListReservations  = "list_reservations"
	toolReserveDay        = "reserve_day"

	creditRefreshInterval     = 12 * time.Hour
	reservationRefreshInterval = 48 * time.Hour
)

// Reservation is one cached day, per §4.3.3's cafetaria table.
type Reservation struct {
	Date       time.Time `gorm:"primaryKey"`
	ExternalID string
	IsReserved bool
}

// Solde is the single cached credit-balance row, per §4.3.3's solde table.
type Solde struct {
	ID        uint `gorm:"primaryKey"`
	Amount    float64
	UpdatedAt time.Time
}

// Upstream is the real cafeteria account API.
type Upstream interface {
	Solde(ctx context.Context) (float64, error)
	Reservations(ctx context.Context) ([]Reservation, error)
	Reserve(ctx context.Context, date time.Time) error
}

// NullUpstream is the default Upstream: every call fails.
type NullUpstream struct{}

func (NullUpstream) Solde(ctx context.Context) (float64, error) {
	return 0, fmt.Errorf("cafetaria upstream not configured")
}
func (NullUpstream) Reservations(ctx context.Context) ([]Reservation, error) {
	return nil, fmt.Errorf("cafetaria upstream not configured")
}
func (NullUpstream) Reserve(ctx context.Context, date time.Time) error {
	return fmt.Errorf("cafetaria upstream not configured")
}

// Provider is the per-user cafeteria tool provider.
type Provider struct {
	username           string
	db                  *gorm.DB
	upstream            Upstream
	lastCreditRefresh    time.Time
	lastReservationRefresh time.Time
}

// Open opens (or creates) the per-user cafetaria cache at path.
func Open(username, path string, upstream Upstream) (*Provider, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Reservation{}, &Solde{}); err != nil {
		return nil, fmt.Errorf("migrate cafetaria cache: %w", err)
	}
	if upstream == nil {
		upstream = NullUpstream{}
	}
	return &Provider{username: username, db: db, upstream: upstream}, nil
}

// Factory adapts Open to provider.Factory, one sqlite file per user.
func Factory(dataDir string, upstream Upstream) provider.Factory {
	return func(username string) (provider.ToolProvider, error) {
		path := dataDir + "/" + username + "/cafetaria.sqlite"
		return Open(username, path, upstream)
	}
}

func (p *Provider) Name() string { return "cafetaria" }

func (p *Provider) Describe() string {
	return "Reports the user's cafeteria credit balance and meal reservations."
}

func (p *Provider) Complexity() int { return 0 }

func (p *Provider) SystemContext() string {
	return "You can report the user's cafeteria credit balance and reservations, and reserve a day, via the cafetaria tools."
}

func (p *Provider) IsPersonal() bool { return true }

func (p *Provider) Tools() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        toolGetSolde,
			Description: "Get the user's cafeteria credit balance, refreshing if stale (>12h).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Strict:      true,
		},
		{
			Name:        toolListReservations,
			Description: "List the user's cached cafeteria reservations, refreshing if stale (>48h).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Strict:      true,
		},
		{
			Name:        toolReserveDay,
			Description: "Reserve a cafeteria meal for a given date.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"date":{"type":"string","description":"RFC3339 date"}},"required":["date"]}`),
			Strict:      true,
		},
	}
}

func errorPayload(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":"error","message":%q}`, fmt.Sprintf(format, args...)))
}

func (p *Provider) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	switch name {
	case toolGetSolde:
		return p.getSolde(ctx)
	case toolListReservations:
		return p.listReservations(ctx)
	case toolReserveDay:
		return p.reserveDay(ctx, argsJSON)
	default:
		return errorPayload("unknown tool %q", name), nil
	}
}

func (p *Provider) getSolde(ctx context.Context) (json.RawMessage, error) {
	var cached Solde
	hasCached := p.db.First(&cached).Error == nil
	if !hasCached || time.Since(p.lastCreditRefresh) > creditRefreshInterval {
		amount, err := p.upstream.Solde(ctx)
		if err != nil {
			if hasCached {
				return json.Marshal(cached)
			}
			return errorPayload("solde fetch failed: %v", err), nil
		}
		cached = Solde{ID: 1, Amount: amount, UpdatedAt: time.Now()}
		p.db.Save(&cached)
		p.lastCreditRefresh = time.Now()
	}
	return json.Marshal(cached)
}

func (p *Provider) listReservations(ctx context.Context) (json.RawMessage, error) {
	if time.Since(p.lastReservationRefresh) > reservationRefreshInterval {
		reservations, err := p.upstream.Reservations(ctx)
		if err == nil {
			p.db.Transaction(func(tx *gorm.DB) error {
				if err := tx.Where("1 = 1").Delete(&Reservation{}).Error; err != nil {
					return err
				}
				if len(reservations) == 0 {
					return nil
				}
				return tx.Create(&reservations).Error
			})
			p.lastReservationRefresh = time.Now()
		}
	}
	var reservations []Reservation
	if err := p.db.Order("date").Find(&reservations).Error; err != nil {
		return errorPayload("list failed: %v", err), nil
	}
	return json.Marshal(reservations)
}

type reserveArgs struct {
	Date string `json:"date"`
}

func (p *Provider) reserveDay(ctx context.Context, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args reserveArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorPayload("invalid arguments: %v", err), nil
	}
	date, err := time.Parse(time.RFC3339, args.Date)
	if err != nil {
		return errorPayload("invalid date: %v", err), nil
	}
	if err := p.upstream.Reserve(ctx, date); err != nil {
		return errorPayload("reserve failed: %v", err), nil
	}
	p.lastReservationRefresh = time.Time{}
	return p.listReservations(ctx)
}

func (p *Provider) BackgroundStatus(ctx context.Context) (string, bool) { return "", false }

func (p *Provider) PromptConsign(ctx context.Context) (json.RawMessage, bool) { return nil, false }
