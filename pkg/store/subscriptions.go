package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LitBomb/meshcore-ha/pkg/models"
)

// ErrDuplicatePrefix is returned when adding a subscription whose
// pubkey prefix is already present.
var ErrDuplicatePrefix = errors.New("subscription prefix already exists")

var selectSubscriptions = `SELECT * FROM repeater_subscriptions`

// SubscriptionStore provides database operations for repeater
// subscriptions.
type SubscriptionStore interface {
	List(ctx context.Context) ([]*models.RepeaterSubscription, error)
	GetByPrefix(ctx context.Context, prefix string) (*models.RepeaterSubscription, error)
	Add(ctx context.Context, sub *models.RepeaterSubscription) error
	Remove(ctx context.Context, prefix string) error
	SetEnabled(ctx context.Context, prefix string, enabled bool) error
	SetUpdateInterval(ctx context.Context, prefix string, seconds int) error
}

type sqliteSubscriptionStore struct {
	db *sqlx.DB
}

// NewSubscriptionDB creates a new subscription store.
func NewSubscriptionDB(dbconn *sqlx.DB) SubscriptionStore {
	return &sqliteSubscriptionStore{db: dbconn}
}

// List retrieves all subscriptions, oldest first.
func (s *sqliteSubscriptionStore) List(ctx context.Context) ([]*models.RepeaterSubscription, error) {
	query := selectSubscriptions + " ORDER BY created, pubkey_prefix;"
	subs := []*models.RepeaterSubscription{}
	err := s.db.SelectContext(ctx, &subs, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// GetByPrefix retrieves a subscription by its pubkey prefix. A missing
// prefix returns nil, nil.
func (s *sqliteSubscriptionStore) GetByPrefix(ctx context.Context, prefix string) (*models.RepeaterSubscription, error) {
	query := selectSubscriptions + " WHERE pubkey_prefix = ?;"
	var sub models.RepeaterSubscription
	err := s.db.GetContext(ctx, &sub, query, prefix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Add inserts a new subscription. A duplicate prefix fails with
// ErrDuplicatePrefix and leaves the set unchanged.
func (s *sqliteSubscriptionStore) Add(ctx context.Context, sub *models.RepeaterSubscription) error {
	if sub.Created.IsZero() {
		sub.Created = time.Now().UTC()
	}

	stmt := `
	INSERT INTO repeater_subscriptions (pubkey_prefix, name, firmware_version, password, update_interval, enabled, created)
	VALUES (:pubkey_prefix, :name, :firmware_version, :password, :update_interval, :enabled, :created)
	;`

	_, err := s.db.NamedExecContext(ctx, stmt, sub)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicatePrefix
	}
	return err
}

// Remove deletes a subscription by its pubkey prefix.
func (s *sqliteSubscriptionStore) Remove(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repeater_subscriptions WHERE pubkey_prefix = ?;`, prefix)
	return err
}

// SetEnabled toggles status polling for a subscription.
func (s *sqliteSubscriptionStore) SetEnabled(ctx context.Context, prefix string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repeater_subscriptions SET enabled = ? WHERE pubkey_prefix = ?;`, enabled, prefix)
	return err
}

// SetUpdateInterval changes the status poll interval for a subscription.
func (s *sqliteSubscriptionStore) SetUpdateInterval(ctx context.Context, prefix string, seconds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repeater_subscriptions SET update_interval = ? WHERE pubkey_prefix = ?;`, seconds, prefix)
	return err
}
