package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rceold/whisperbot/internal/store"
)

// StateStore implements store.StateStore backed by sqlite. One row per
// telegram user, overwritten on every save.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

func (s *StateStore) Save(ctx context.Context, rec *store.StateRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_states (telegram_user_id, state_name, payload_json, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (telegram_user_id) DO UPDATE SET
		   state_name = excluded.state_name,
		   payload_json = excluded.payload_json,
		   updated_at = excluded.updated_at`,
		rec.TelegramUserID, rec.StateName, rec.PayloadJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	return nil
}

func (s *StateStore) ByTelegramUserID(ctx context.Context, telegramUserID int64) (*store.StateRecord, error) {
	var rec store.StateRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT telegram_user_id, state_name, payload_json, updated_at
		 FROM conversation_states WHERE telegram_user_id = ? LIMIT 1`,
		telegramUserID).Scan(&rec.TelegramUserID, &rec.StateName, &rec.PayloadJSON, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation state: %w", err)
	}
	return &rec, nil
}

func (s *StateStore) Clear(ctx context.Context, telegramUserID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_states WHERE telegram_user_id = ?`, telegramUserID)
	if err != nil {
		return fmt.Errorf("clear conversation state: %w", err)
	}
	return nil
}
