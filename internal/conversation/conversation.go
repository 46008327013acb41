// Package conversation is the per-user single-active-state machine. Each
// user has at most one state; setting a new one overwrites the old, and
// completion or /cancel clears back to idle (no persisted row). The machine
// holds no timers: a stale state persists until the user acts.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rceold/whisperbot/internal/store"
)

// ErrUnknownState marks a persisted state name this version does not
// recognize. The dispatcher force-resets to idle and tells the user.
var ErrUnknownState = errors.New("conversation: unknown persisted state")

const (
	nameAwaitingAnonymousMessage = "awaiting_anonymous_message"
	nameAwaitingReply            = "awaiting_reply"
	nameAwaitingBannedWords      = "awaiting_banned_words"
)

// State is the tagged union of conversation states. The JSON payload shape
// exists only at the persistence edge inside this package.
type State interface {
	name() string
}

// AwaitingAnonymousMessage: the user opened someone's link and the next
// text/photo goes to that target.
type AwaitingAnonymousMessage struct {
	TargetUserID int64 `json:"target_user_id"`
}

func (AwaitingAnonymousMessage) name() string { return nameAwaitingAnonymousMessage }

// AwaitingReply: the user pressed a reply button and the next text answers
// the referenced message.
type AwaitingReply struct {
	MessageID int64 `json:"message_id"`
}

func (AwaitingReply) name() string { return nameAwaitingReply }

// AwaitingBannedWords: the next text replaces the user's banned-word list.
type AwaitingBannedWords struct{}

func (AwaitingBannedWords) name() string { return nameAwaitingBannedWords }

// Service persists states through a store.StateStore.
type Service struct {
	states store.StateStore
}

func NewService(states store.StateStore) *Service {
	return &Service{states: states}
}

// Set overwrites the user's active state with s.
func (svc *Service) Set(ctx context.Context, telegramUserID int64, s State) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal state payload: %w", err)
	}
	rec := &store.StateRecord{
		TelegramUserID: telegramUserID,
		StateName:      s.name(),
		PayloadJSON:    string(payload),
	}
	if err := svc.states.Save(ctx, rec); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Get returns the user's active state, or (nil, nil) when idle.
// A recognized name with a corrupt payload decodes to zero values rather
// than failing; an unrecognized name returns ErrUnknownState.
func (svc *Service) Get(ctx context.Context, telegramUserID int64) (State, error) {
	rec, err := svc.states.ByTelegramUserID(ctx, telegramUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	switch rec.StateName {
	case nameAwaitingAnonymousMessage:
		var s AwaitingAnonymousMessage
		json.Unmarshal([]byte(rec.PayloadJSON), &s)
		return s, nil
	case nameAwaitingReply:
		var s AwaitingReply
		json.Unmarshal([]byte(rec.PayloadJSON), &s)
		return s, nil
	case nameAwaitingBannedWords:
		return AwaitingBannedWords{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, rec.StateName)
	}
}

// Clear transitions the user back to idle. Clearing an idle user is a no-op.
func (svc *Service) Clear(ctx context.Context, telegramUserID int64) error {
	if err := svc.states.Clear(ctx, telegramUserID); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}
