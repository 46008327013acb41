// Package settings renders the inline settings screen and applies its
// toggles. The screen is self-refreshing: every action edits the message
// it was pressed on with the new state.
package settings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/textutil"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport"
	"github.com/rceold/whisperbot/internal/users"
)

// buttonTTL bounds how long a settings keyboard stays pressable. Stale
// screens force the user back through /settings.
const (
	buttonTTL = 2 * time.Hour

	// bannedWordsPreview caps how many words the settings screen lists.
	bannedWordsPreview = 20
)

// Service applies settings mutations and renders the screen.
type Service struct {
	users  *users.Service
	tokens *token.Codec
}

func NewService(userSvc *users.Service, tokens *token.Codec) *Service {
	return &Service{users: userSvc, tokens: tokens}
}

// ToggleAccept flips whether the user's inbox accepts new messages.
func (s *Service) ToggleAccept(ctx context.Context, u *store.User) (store.Settings, error) {
	cfg := users.Settings(u)
	cfg.AcceptMessages = !cfg.AcceptMessages
	if err := s.users.SaveSettings(ctx, u, cfg); err != nil {
		return store.Settings{}, err
	}
	return cfg, nil
}

// ToggleMedia flips whether incoming photos are allowed.
func (s *Service) ToggleMedia(ctx context.Context, u *store.User) (store.Settings, error) {
	cfg := users.Settings(u)
	cfg.AllowMedia = !cfg.AllowMedia
	if err := s.users.SaveSettings(ctx, u, cfg); err != nil {
		return store.Settings{}, err
	}
	return cfg, nil
}

// SetBannedWords replaces the user's banned-word list from free text.
// Returns the settings and how many words were kept after filtering.
func (s *Service) SetBannedWords(ctx context.Context, u *store.User, raw string) (store.Settings, int, error) {
	cfg := users.Settings(u)
	cfg.BannedWords = textutil.ParseBannedWords(raw)
	if err := s.users.SaveSettings(ctx, u, cfg); err != nil {
		return store.Settings{}, 0, err
	}
	return cfg, len(cfg.BannedWords), nil
}

// ClearBannedWords empties the list.
func (s *Service) ClearBannedWords(ctx context.Context, u *store.User) (store.Settings, error) {
	cfg := users.Settings(u)
	cfg.BannedWords = nil
	if err := s.users.SaveSettings(ctx, u, cfg); err != nil {
		return store.Settings{}, err
	}
	return cfg, nil
}

// Render produces the settings text and its inline keyboard for u.
func (s *Service) Render(u *store.User) (string, transport.Keyboard) {
	cfg := users.Settings(u)

	var b strings.Builder
	b.WriteString("Your settings\n\n")
	fmt.Fprintf(&b, "Accept messages: %s\n", onOff(cfg.AcceptMessages))
	fmt.Fprintf(&b, "Allow photos: %s\n", onOff(cfg.AllowMedia))
	if n := len(cfg.BannedWords); n > 0 {
		preview := cfg.BannedWords
		if len(preview) > bannedWordsPreview {
			preview = preview[:bannedWordsPreview]
		}
		fmt.Fprintf(&b, "Banned words (%d): %s", n, strings.Join(preview, ", "))
		if n > bannedWordsPreview {
			b.WriteString(", ...")
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Banned words: none\n")
	}

	kb := transport.Keyboard{
		{{Label: acceptLabel(cfg), Data: s.tokens.Issue(token.ActionToggleAccept, 0, u.TelegramUserID, buttonTTL)}},
		{{Label: mediaLabel(cfg), Data: s.tokens.Issue(token.ActionToggleMedia, 0, u.TelegramUserID, buttonTTL)}},
		{{Label: "Edit banned words", Data: s.tokens.Issue(token.ActionBannedWords, 0, u.TelegramUserID, buttonTTL)}},
	}
	return b.String(), kb
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func acceptLabel(cfg store.Settings) string {
	if cfg.AcceptMessages {
		return "Stop accepting messages"
	}
	return "Start accepting messages"
}

func mediaLabel(cfg store.Settings) string {
	if cfg.AllowMedia {
		return "Disallow photos"
	}
	return "Allow photos"
}
