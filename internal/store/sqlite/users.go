package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rceold/whisperbot/internal/store"
)

// UserStore implements store.UserStore backed by sqlite.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, u *store.User) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_user_id, first_name, username, public_slug, is_active, settings_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		u.TelegramUserID, u.FirstName, nullable(u.Username), u.PublicSlug, u.SettingsJSON, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrConflict
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user insert id: %w", err)
	}
	return id, nil
}

func (s *UserStore) ByID(ctx context.Context, id int64) (*store.User, error) {
	return s.one(ctx, `WHERE id = ?`, id)
}

func (s *UserStore) ByTelegramUserID(ctx context.Context, telegramUserID int64) (*store.User, error) {
	return s.one(ctx, `WHERE telegram_user_id = ?`, telegramUserID)
}

func (s *UserStore) BySlug(ctx context.Context, slug string) (*store.User, error) {
	return s.one(ctx, `WHERE public_slug = ?`, slug)
}

func (s *UserStore) UpdateProfile(ctx context.Context, telegramUserID int64, firstName, username string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET first_name = ?, username = ?, updated_at = ? WHERE telegram_user_id = ?`,
		firstName, nullable(username), time.Now().UTC(), telegramUserID,
	)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

func (s *UserStore) UpdateSettings(ctx context.Context, userID int64, settingsJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET settings_json = ?, updated_at = ? WHERE id = ?`,
		settingsJSON, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("update user settings: %w", err)
	}
	return nil
}

func (s *UserStore) one(ctx context.Context, where string, arg any) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, telegram_user_id, first_name, username, public_slug, is_active, settings_json, created_at, updated_at
		 FROM users `+where+` LIMIT 1`, arg)

	var u store.User
	var username sql.NullString
	var active int
	if err := row.Scan(&u.ID, &u.TelegramUserID, &u.FirstName, &username, &u.PublicSlug, &active, &u.SettingsJSON, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Username = username.String
	u.Active = active == 1
	return &u, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches the modernc driver's constraint error text.
// The driver does not export typed constraint errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
