package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mroger/tom/internal/sqlitepool"
)

// FCMStore is the single shared SQLite-backed table of push tokens, per
// spec §3.7 / §5 ("FCM token store: single shared SQLite file; writes are
// idempotent upserts keyed by token").
type FCMStore struct {
	db *gorm.DB
}

// NewFCMStore opens (or creates) the shared tokens database at path.
func NewFCMStore(path string) (*FCMStore, error) {
	db, err := sqlitepool.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&FCMToken{}); err != nil {
		return nil, fmt.Errorf("migrate fcm token table: %w", err)
	}
	return &FCMStore{db: db}, nil
}

// Upsert registers or refreshes a token, keyed by the token value itself.
// Registering the same token twice leaves exactly one row, per §8.1/§8.2.
func (s *FCMStore) Upsert(token, username, platform string) error {
	rec := FCMToken{Token: token, Username: username, Platform: platform, Created: time.Now()}
	return s.db.Save(&rec).Error
}

// TokensFor returns every registered device token for a username.
func (s *FCMStore) TokensFor(username string) ([]FCMToken, error) {
	var toks []FCMToken
	if err := s.db.Where("username = ?", username).Find(&toks).Error; err != nil {
		return nil, fmt.Errorf("query fcm tokens for %s: %w", username, err)
	}
	return toks, nil
}

// Invalidate removes a token once the upstream push service reports it as
// no longer valid.
func (s *FCMStore) Invalidate(token string) error {
	return s.db.Delete(&FCMToken{}, "token = ?", token).Error
}
