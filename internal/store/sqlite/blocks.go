package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BlockStore implements store.BlockStore backed by sqlite.
type BlockStore struct {
	db *sql.DB
}

func NewBlockStore(db *sql.DB) *BlockStore {
	return &BlockStore{db: db}
}

func (s *BlockStore) IsBlocked(ctx context.Context, targetUserID, senderTelegramUserID int64) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM blocks WHERE target_user_id = ? AND blocked_sender_telegram_user_id = ? LIMIT 1`,
		targetUserID, senderTelegramUserID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query block: %w", err)
	}
	return true, nil
}

func (s *BlockStore) Block(ctx context.Context, targetUserID, senderTelegramUserID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blocks (target_user_id, blocked_sender_telegram_user_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (target_user_id, blocked_sender_telegram_user_id) DO NOTHING`,
		targetUserID, senderTelegramUserID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("block rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *BlockStore) CountByTarget(ctx context.Context, targetUserID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE target_user_id = ?`, targetUserID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}
