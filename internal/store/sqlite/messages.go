package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rceold/whisperbot/internal/store"
)

// MessageStore implements store.MessageStore backed by sqlite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Create(ctx context.Context, m *store.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (target_user_id, sender_telegram_user_id, thread_id, message_type, text, media_file_id, content_hash, is_deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.TargetUserID, m.SenderTelegramUserID, m.ThreadID, string(m.Type),
		nullable(m.Text), nullable(m.MediaFileID), m.ContentHash, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message insert id: %w", err)
	}
	return id, nil
}

func (s *MessageStore) ByID(ctx context.Context, id int64) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target_user_id, sender_telegram_user_id, thread_id, message_type, text, media_file_id, content_hash, created_at
		 FROM messages WHERE id = ? AND is_deleted = 0 LIMIT 1`, id)
	return scanMessage(row)
}

func (s *MessageStore) Inbox(ctx context.Context, targetUserID int64, limit int) ([]*store.Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_user_id, sender_telegram_user_id, thread_id, message_type, text, media_file_id, content_hash, created_at
		 FROM messages WHERE target_user_id = ? AND is_deleted = 0
		 ORDER BY id DESC LIMIT ?`, targetUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) CountBySenderSince(ctx context.Context, senderTelegramUserID int64, since time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM messages WHERE sender_telegram_user_id = ? AND created_at >= ? AND is_deleted = 0`,
		senderTelegramUserID, since.UTC())
}

func (s *MessageStore) CountByTargetSince(ctx context.Context, targetUserID int64, since time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM messages WHERE target_user_id = ? AND created_at >= ? AND is_deleted = 0`,
		targetUserID, since.UTC())
}

func (s *MessageStore) HasDuplicateSince(ctx context.Context, targetUserID, senderTelegramUserID int64, contentHash string, since time.Time) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM messages
		 WHERE target_user_id = ? AND sender_telegram_user_id = ? AND content_hash = ? AND created_at >= ? AND is_deleted = 0
		 LIMIT 1`,
		targetUserID, senderTelegramUserID, contentHash, since.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query duplicate: %w", err)
	}
	return true, nil
}

func (s *MessageStore) CountReceived(ctx context.Context, targetUserID int64) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM messages WHERE target_user_id = ? AND is_deleted = 0`, targetUserID)
}

func (s *MessageStore) CountSent(ctx context.Context, senderTelegramUserID int64) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM messages WHERE sender_telegram_user_id = ? AND is_deleted = 0`, senderTelegramUserID)
}

func (s *MessageStore) CountReportsOnTarget(ctx context.Context, targetUserID int64) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(r.id) FROM reports r
		 INNER JOIN messages m ON m.id = r.message_id
		 WHERE m.target_user_id = ?`, targetUserID)
}

// PruneOlderThan soft-deletes so filed reports keep their message rows.
func (s *MessageStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = 1 WHERE is_deleted = 0 AND created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (s *MessageStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var msgType string
	var text, media sql.NullString
	err := row.Scan(&m.ID, &m.TargetUserID, &m.SenderTelegramUserID, &m.ThreadID, &msgType, &text, &media, &m.ContentHash, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Type = store.MessageType(msgType)
	m.Text = text.String
	m.MediaFileID = media.String
	return &m, nil
}
