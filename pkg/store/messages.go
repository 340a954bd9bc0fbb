package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LitBomb/meshcore-ha/pkg/models"
)

var selectMessages = `SELECT * FROM mesh_messages`

// MessageStore provides database operations for the message log.
type MessageStore interface {
	Append(ctx context.Context, msg *models.MeshMessage) error
	Recent(ctx context.Context, limit int) ([]*models.MeshMessage, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type sqliteMessageStore struct {
	db *sqlx.DB
}

// NewMessageDB creates a new message store.
func NewMessageDB(dbconn *sqlx.DB) MessageStore {
	return &sqliteMessageStore{db: dbconn}
}

// Append adds a message to the log and fills in its assigned ID.
func (s *sqliteMessageStore) Append(ctx context.Context, msg *models.MeshMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	stmt := `
	INSERT INTO mesh_messages (direction, pubkey_prefix, channel_idx, text, txt_type, path_len, sender_timestamp, received_at)
	VALUES (:direction, :pubkey_prefix, :channel_idx, :text, :txt_type, :path_len, :sender_timestamp, :received_at)
	;`

	res, err := s.db.NamedExecContext(ctx, stmt, msg)
	if err != nil {
		return err
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

// Recent retrieves the newest messages, most recent first.
func (s *sqliteMessageStore) Recent(ctx context.Context, limit int) ([]*models.MeshMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectMessages + " ORDER BY received_at DESC, id DESC LIMIT ?;"
	msgs := []*models.MeshMessage{}
	err := s.db.SelectContext(ctx, &msgs, query, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// PruneBefore deletes log entries received before the cutoff and
// reports how many were removed.
func (s *sqliteMessageStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mesh_messages WHERE received_at < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
