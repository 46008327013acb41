// Package store defines the persisted entities and the narrow per-entity
// interfaces the core depends on. Backends live in subpackages (sqlite for
// the real deployment, memory for tests and ephemeral runs).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness constraint rejects a write.
// Callers surface it as a "try again" condition; the store does not retry.
var ErrConflict = errors.New("store: constraint conflict")

// MessageType discriminates the two supported payload kinds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessagePhoto MessageType = "photo"
)

// Settings is the per-user preference blob embedded in User. It is always
// normalized (defaults applied, banned words bounded and deduplicated)
// before it crosses a read/write boundary; see users.NormalizeSettings.
type Settings struct {
	AcceptMessages bool     `json:"accept_messages"`
	AllowMedia     bool     `json:"allow_media"`
	BannedWords    []string `json:"banned_words"`
}

// User is a registered bot user. PublicSlug is the stable pseudorandom
// token used in deep-links; it is assigned once and never reused.
type User struct {
	ID             int64
	TelegramUserID int64
	FirstName      string
	Username       string // without "@", empty if unset
	PublicSlug     string
	Active         bool
	SettingsJSON   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is immutable once created; retention pruning is the only delete.
type Message struct {
	ID                   int64
	TargetUserID         int64
	SenderTelegramUserID int64
	ThreadID             string
	Type                 MessageType
	Text                 string
	MediaFileID          string
	ContentHash          string
	CreatedAt            time.Time
}

// StateRecord is the persisted form of a conversation state: at most one
// row per telegram user; absence means idle. The payload is opaque here,
// the conversation package owns its shape.
type StateRecord struct {
	TelegramUserID int64
	StateName      string
	PayloadJSON    string
	UpdatedAt      time.Time
}

// Report is an append-only abuse report on a received message.
type Report struct {
	ID             int64
	MessageID      int64
	ReporterUserID int64
	Reason         string
	CreatedAt      time.Time
}

// ReportContext joins a report with its message for admin actions.
type ReportContext struct {
	Report
	TargetUserID         int64
	SenderTelegramUserID int64
	MessageType          MessageType
	MessageText          string
	MessageCreatedAt     time.Time
}

// UserStore persists users. Create must fail with ErrConflict when the
// slug collides; callers allocate a fresh slug and retry.
type UserStore interface {
	Create(ctx context.Context, u *User) (int64, error)
	ByID(ctx context.Context, id int64) (*User, error)
	ByTelegramUserID(ctx context.Context, telegramUserID int64) (*User, error)
	BySlug(ctx context.Context, slug string) (*User, error)
	UpdateProfile(ctx context.Context, telegramUserID int64, firstName, username string) error
	UpdateSettings(ctx context.Context, userID int64, settingsJSON string) error
}

// MessageStore persists messages and answers the counting queries the
// abuse guard and stats need.
type MessageStore interface {
	Create(ctx context.Context, m *Message) (int64, error)
	ByID(ctx context.Context, id int64) (*Message, error)
	Inbox(ctx context.Context, targetUserID int64, limit int) ([]*Message, error)

	CountBySenderSince(ctx context.Context, senderTelegramUserID int64, since time.Time) (int, error)
	CountByTargetSince(ctx context.Context, targetUserID int64, since time.Time) (int, error)
	HasDuplicateSince(ctx context.Context, targetUserID, senderTelegramUserID int64, contentHash string, since time.Time) (bool, error)

	CountReceived(ctx context.Context, targetUserID int64) (int, error)
	CountSent(ctx context.Context, senderTelegramUserID int64) (int, error)
	CountReportsOnTarget(ctx context.Context, targetUserID int64) (int, error)

	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StateStore persists conversation states, one row per user, overwritten
// on every save.
type StateStore interface {
	Save(ctx context.Context, rec *StateRecord) error
	ByTelegramUserID(ctx context.Context, telegramUserID int64) (*StateRecord, error)
	Clear(ctx context.Context, telegramUserID int64) error
}

// BlockStore persists (target user, blocked sender) pairs. Block is
// idempotent; the bool result reports whether a new pair was created.
type BlockStore interface {
	IsBlocked(ctx context.Context, targetUserID, senderTelegramUserID int64) (bool, error)
	Block(ctx context.Context, targetUserID, senderTelegramUserID int64) (bool, error)
	CountByTarget(ctx context.Context, targetUserID int64) (int, error)
}

// ReportStore persists abuse reports.
type ReportStore interface {
	Create(ctx context.Context, messageID, reporterUserID int64, reason string) (int64, error)
	CountByReporter(ctx context.Context, reporterUserID int64) (int, error)
	WithMessageContext(ctx context.Context, reportID int64) (*ReportContext, error)
}

// Stores bundles all backends for wiring.
type Stores struct {
	Users    UserStore
	Messages MessageStore
	States   StateStore
	Blocks   BlockStore
	Reports  ReportStore
}
