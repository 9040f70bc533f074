package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mroger/tom/internal/sqlitepool"
	"github.com/mroger/tom/internal/store"
)

// ReminderTick is the worker cadence, per §4.4.2 ("a worker thread wakes
// every minute").
const ReminderTick = 1 * time.Minute

// ReminderStore wraps the shared notifications table
// (/data/mcp/notifications/notifications.sqlite, per §6.2).
type ReminderStore struct {
	db *gorm.DB
}

// OpenReminderStore opens (or creates) the reminders database at path.
func OpenReminderStore(path string) (*ReminderStore, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&store.Reminder{}); err != nil {
		return nil, fmt.Errorf("migrate reminders table: %w", err)
	}
	return &ReminderStore{db: db}, nil
}

// Create inserts a new reminder row.
func (s *ReminderStore) Create(r store.Reminder) (store.Reminder, error) {
	if err := s.db.Create(&r).Error; err != nil {
		return store.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	return r, nil
}

// List returns every reminder for recipient, earliest due first.
func (s *ReminderStore) List(recipient string) ([]store.Reminder, error) {
	var rows []store.Reminder
	if err := s.db.Where("recipient = ?", recipient).Order("due_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return rows, nil
}

// Delete removes a reminder by id.
func (s *ReminderStore) Delete(id uint) error {
	return s.db.Delete(&store.Reminder{}, id).Error
}

// due returns every unsent reminder whose due_at has passed, as of now.
func (s *ReminderStore) due(now time.Time) ([]store.Reminder, error) {
	var rows []store.Reminder
	if err := s.db.Where("sent = ? AND due_at <= ?", false, now).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	return rows, nil
}

func (s *ReminderStore) save(r *store.Reminder) error {
	return s.db.Save(r).Error
}

// ReminderWorker fires due reminders and recurring-reschedules them, per
// §4.4.2 / §8.1 ("after it fires, either sent=1 (non-recurring) or due_at
// has advanced by exactly the recurrence interval").
type ReminderWorker struct {
	store  *ReminderStore
	tokens *store.FCMStore
	pusher Pusher
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewReminderWorker constructs a worker over the given stores.
func NewReminderWorker(reminders *ReminderStore, tokens *store.FCMStore, pusher Pusher, logger *zap.Logger) *ReminderWorker {
	return &ReminderWorker{store: reminders, tokens: tokens, pusher: pusher, logger: logger}
}

// Start launches the per-minute tick loop.
func (w *ReminderWorker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go func() {
		ticker := time.NewTicker(ReminderTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx, time.Now())
			}
		}
	}()
}

// Stop cancels the tick loop.
func (w *ReminderWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// tick fires every due reminder. It takes an explicit `now` so tests can
// drive it deterministically without waiting on a real clock.
func (w *ReminderWorker) tick(ctx context.Context, now time.Time) {
	due, err := w.store.due(now)
	if err != nil {
		w.logger.Error("reminder tick: query failed", zap.Error(err))
		return
	}
	for _, r := range due {
		w.fire(ctx, r, now)
	}
}

func (w *ReminderWorker) fire(ctx context.Context, r store.Reminder, now time.Time) {
	toks, err := w.tokens.TokensFor(r.Recipient)
	if err != nil {
		w.logger.Error("reminder fire: token lookup failed", zap.Error(err))
		return
	}

	anySucceeded := false
	for _, tok := range toks {
		invalid, err := w.pusher.Send(ctx, tok.Token, "Tom", r.Message)
		if err != nil {
			w.logger.Warn("reminder push failed", zap.String("token", tok.Token), zap.Error(err))
			continue
		}
		if invalid {
			_ = w.tokens.Invalidate(tok.Token)
			continue
		}
		anySucceeded = true
	}

	// On all-tokens-failed, the row remains unsent and is retried next
	// minute, per §7/§4.4.2 — including when the recipient has no tokens at
	// all, which also counts as "nothing succeeded".
	if !anySucceeded {
		return
	}

	if r.Recurrence.Interval() > 0 {
		r.DueAt = r.DueAt.Add(r.Recurrence.Interval())
		r.Sent = false
	} else {
		r.Sent = true
	}
	if err := w.store.save(&r); err != nil {
		w.logger.Error("reminder fire: save failed", zap.Error(err))
	}
}
