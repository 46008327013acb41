// Package users manages registration, public slugs, and the per-user
// settings blob. Every inbound event passes through EnsureUser so profile
// data stays fresh without an explicit signup step.
package users

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"

	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/transport"
)

const (
	slugPrefix     = "u_"
	slugRandLength = 6
	slugAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"

	// slugMaxAttempts bounds retries on slug collisions. At 36^6 values a
	// collision is already rare; hitting the bound means something is wrong.
	slugMaxAttempts = 30

	maxBannedWords = 50
)

var slugPattern = regexp.MustCompile(`^u_[a-z0-9]{6,20}$`)

// ErrSlugExhausted is returned when slug generation keeps colliding.
var ErrSlugExhausted = errors.New("users: could not generate a unique slug")

// Service owns user lifecycle and settings.
type Service struct {
	users store.UserStore
}

func NewService(users store.UserStore) *Service {
	return &Service{users: users}
}

// EnsureUser returns the user for info, creating the row on first contact.
// On repeat contact it refreshes the stored name/username when they changed
// and re-normalizes a drifted settings blob.
func (s *Service) EnsureUser(ctx context.Context, info transport.UserInfo) (*store.User, error) {
	u, err := s.users.ByTelegramUserID(ctx, info.TelegramUserID)
	if errors.Is(err, store.ErrNotFound) {
		return s.create(ctx, info)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	if u.FirstName != info.FirstName || u.Username != info.Username {
		if err := s.users.UpdateProfile(ctx, info.TelegramUserID, info.FirstName, info.Username); err != nil {
			return nil, fmt.Errorf("refresh profile: %w", err)
		}
		u.FirstName = info.FirstName
		u.Username = info.Username
	}

	normalized := marshalSettings(NormalizeSettings(u.SettingsJSON))
	if normalized != u.SettingsJSON {
		if err := s.users.UpdateSettings(ctx, u.ID, normalized); err != nil {
			return nil, fmt.Errorf("repair settings: %w", err)
		}
		u.SettingsJSON = normalized
	}

	return u, nil
}

func (s *Service) create(ctx context.Context, info transport.UserInfo) (*store.User, error) {
	for attempt := 0; attempt < slugMaxAttempts; attempt++ {
		u := &store.User{
			TelegramUserID: info.TelegramUserID,
			FirstName:      info.FirstName,
			Username:       info.Username,
			PublicSlug:     newSlug(),
			Active:         true,
			SettingsJSON:   marshalSettings(DefaultSettings()),
		}
		id, err := s.users.Create(ctx, u)
		if errors.Is(err, store.ErrConflict) {
			// Either the slug collided or a concurrent event already
			// registered this user. Check which before retrying.
			if existing, lookupErr := s.users.ByTelegramUserID(ctx, info.TelegramUserID); lookupErr == nil {
				return existing, nil
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		u.ID = id
		slog.Info("user registered", "user_id", id, "slug", u.PublicSlug)
		return u, nil
	}
	return nil, ErrSlugExhausted
}

func newSlug() string {
	var b strings.Builder
	b.WriteString(slugPrefix)
	max := big.NewInt(int64(len(slugAlphabet)))
	for i := 0; i < slugRandLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform is broken; there is
			// no reasonable recovery at this depth.
			panic(fmt.Sprintf("users: random source failed: %v", err))
		}
		b.WriteByte(slugAlphabet[n.Int64()])
	}
	return b.String()
}

// FindBySlug resolves a deep-link slug to its owner. Malformed slugs are
// rejected before touching storage.
func (s *Service) FindBySlug(ctx context.Context, slug string) (*store.User, error) {
	if !slugPattern.MatchString(slug) {
		return nil, store.ErrNotFound
	}
	return s.users.BySlug(ctx, slug)
}

// ByID is a thin passthrough for callers that resolved an internal id.
func (s *Service) ByID(ctx context.Context, id int64) (*store.User, error) {
	return s.users.ByID(ctx, id)
}

// ByTelegramUserID resolves a platform identity to its user row.
func (s *Service) ByTelegramUserID(ctx context.Context, telegramUserID int64) (*store.User, error) {
	return s.users.ByTelegramUserID(ctx, telegramUserID)
}

// SaveSettings normalizes and persists cfg for the user.
func (s *Service) SaveSettings(ctx context.Context, u *store.User, cfg store.Settings) error {
	raw := marshalSettings(normalize(cfg))
	if err := s.users.UpdateSettings(ctx, u.ID, raw); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	u.SettingsJSON = raw
	return nil
}

// DefaultSettings is the blob assigned at registration: open inbox,
// media allowed, no banned words.
func DefaultSettings() store.Settings {
	return store.Settings{AcceptMessages: true, AllowMedia: true}
}

// Settings decodes a user's blob, applying normalization. A corrupt blob
// degrades to defaults rather than failing the request.
func Settings(u *store.User) store.Settings {
	return NormalizeSettings(u.SettingsJSON)
}

// NormalizeSettings parses raw and forces it into shape: unknown fields
// dropped, banned words deduplicated and bounded, corrupt JSON replaced
// with defaults.
func NormalizeSettings(raw string) store.Settings {
	if raw == "" {
		return DefaultSettings()
	}
	var cfg struct {
		AcceptMessages *bool    `json:"accept_messages"`
		AllowMedia     *bool    `json:"allow_media"`
		BannedWords    []string `json:"banned_words"`
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultSettings()
	}
	out := DefaultSettings()
	if cfg.AcceptMessages != nil {
		out.AcceptMessages = *cfg.AcceptMessages
	}
	if cfg.AllowMedia != nil {
		out.AllowMedia = *cfg.AllowMedia
	}
	out.BannedWords = cfg.BannedWords
	return normalize(out)
}

func normalize(cfg store.Settings) store.Settings {
	seen := make(map[string]bool, len(cfg.BannedWords))
	words := make([]string, 0, len(cfg.BannedWords))
	for _, w := range cfg.BannedWords {
		w = strings.ToLower(strings.TrimSpace(w))
		n := len([]rune(w))
		if n < 2 || n > 32 || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
		if len(words) == maxBannedWords {
			break
		}
	}
	if len(words) == 0 {
		words = nil
	}
	cfg.BannedWords = words
	return cfg
}

func marshalSettings(cfg store.Settings) string {
	raw, err := json.Marshal(cfg)
	if err != nil {
		// Settings is a plain struct; this cannot fail at runtime.
		panic(err)
	}
	return string(raw)
}

// DisplayName renders a user for admin-facing notices.
func DisplayName(u *store.User) string {
	name := strings.TrimSpace(u.FirstName)
	if name == "" {
		name = "Anonymous"
	}
	if u.Username != "" {
		return fmt.Sprintf("%s (@%s)", name, u.Username)
	}
	return name
}
