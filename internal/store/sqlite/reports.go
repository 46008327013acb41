package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rceold/whisperbot/internal/store"
)

// ReportStore implements store.ReportStore backed by sqlite.
type ReportStore struct {
	db *sql.DB
}

func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

func (s *ReportStore) Create(ctx context.Context, messageID, reporterUserID int64, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (message_id, reporter_user_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		messageID, reporterUserID, reason, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("report insert id: %w", err)
	}
	return id, nil
}

func (s *ReportStore) CountByReporter(ctx context.Context, reporterUserID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports WHERE reporter_user_id = ?`, reporterUserID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

func (s *ReportStore) WithMessageContext(ctx context.Context, reportID int64) (*store.ReportContext, error) {
	var rc store.ReportContext
	var msgType string
	var text sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.message_id, r.reporter_user_id, r.reason, r.created_at,
		        m.target_user_id, m.sender_telegram_user_id, m.message_type, m.text, m.created_at
		 FROM reports r
		 INNER JOIN messages m ON m.id = r.message_id
		 WHERE r.id = ? LIMIT 1`, reportID).Scan(
		&rc.ID, &rc.MessageID, &rc.ReporterUserID, &rc.Reason, &rc.CreatedAt,
		&rc.TargetUserID, &rc.SenderTelegramUserID, &msgType, &text, &rc.MessageCreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report context: %w", err)
	}
	rc.MessageType = store.MessageType(msgType)
	rc.MessageText = text.String
	return &rc, nil
}
