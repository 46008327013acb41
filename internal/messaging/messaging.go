// Package messaging is the anonymous message pipeline: validation, abuse
// checks, persistence, and delivery with action buttons. Submission and
// reply share one validation path; only the direction differs.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rceold/whisperbot/internal/guard"
	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/textutil"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport"
	"github.com/rceold/whisperbot/internal/users"
)

// messageButtonTTL covers how long reply/block/report buttons stay usable.
const messageButtonTTL = 30 * 24 * time.Hour

// ErrNotYours is returned when a user acts on a message they did not receive.
var ErrNotYours = errors.New("messaging: message does not belong to this user")

// Limits are the payload bounds, already clamped by the config layer.
type Limits struct {
	MaxTextRunes    int
	MaxCaptionRunes int
	MaxPhotoBytes   int64
}

func DefaultLimits() Limits {
	return Limits{MaxTextRunes: 2000, MaxCaptionRunes: 900, MaxPhotoBytes: 10 << 20}
}

// Payload is the content a sender submitted. Photo set means a photo
// message; Caption rides along with it.
type Payload struct {
	Text    string
	Photo   *transport.PhotoInfo
	Caption string
}

// Rejection is a policy or validation refusal with its user-facing text.
type Rejection struct {
	Message string
}

// Result reports a successful submission. Delivered false means the row is
// persisted but the recipient's copy failed to send.
type Result struct {
	MessageID int64
	Delivered bool
}

// Engine runs the pipeline.
type Engine struct {
	messages store.MessageStore
	blocks   store.BlockStore
	userSvc  *users.Service
	guard    *guard.Guard
	tokens   *token.Codec
	tr       transport.Transport
	limits   Limits
}

func NewEngine(messages store.MessageStore, blocks store.BlockStore, userSvc *users.Service,
	g *guard.Guard, tokens *token.Codec, tr transport.Transport, limits Limits) *Engine {
	return &Engine{
		messages: messages,
		blocks:   blocks,
		userSvc:  userSvc,
		guard:    g,
		tokens:   tokens,
		tr:       tr,
		limits:   limits,
	}
}

// Submit runs the full pipeline for a fresh anonymous message from sender
// to target. Exactly one of Result and Rejection is non-nil on a nil error.
func (e *Engine) Submit(ctx context.Context, sender, target *store.User, p Payload) (*Result, *Rejection, error) {
	if !target.Active {
		return nil, &Rejection{Message: "This user is no longer available."}, nil
	}
	return e.deliverTo(ctx, sender, target, p, "")
}

// Reply sends fromUser's text back to the sender of messageID. The original
// sender becomes the new target and the pipeline re-runs in that direction.
func (e *Engine) Reply(ctx context.Context, fromUser *store.User, messageID int64, text string) (*Result, *Rejection, error) {
	original, err := e.messages.ByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Rejection{Message: "That message no longer exists."}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load original message: %w", err)
	}
	if original.TargetUserID != fromUser.ID {
		return nil, nil, ErrNotYours
	}

	target, err := e.userSvc.ByTelegramUserID(ctx, original.SenderTelegramUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Rejection{Message: "The sender is no longer reachable."}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve reply target: %w", err)
	}

	return e.deliverTo(ctx, fromUser, target, Payload{Text: text}, original.ThreadID)
}

// deliverTo runs validation steps shared by submit and reply, persists the
// row, and attempts delivery.
func (e *Engine) deliverTo(ctx context.Context, sender, target *store.User, p Payload, threadID string) (*Result, *Rejection, error) {
	blocked, err := e.blocks.IsBlocked(ctx, target.ID, sender.TelegramUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return nil, &Rejection{Message: "You have been blocked by this user."}, nil
	}

	cfg := users.Settings(target)
	if !cfg.AcceptMessages {
		return nil, &Rejection{Message: "This user is not accepting messages right now."}, nil
	}

	msg, rej := e.shape(target, cfg, p)
	if rej != nil {
		return nil, rej, nil
	}

	if textutil.ContainsBannedWord(msg.Text, cfg.BannedWords) {
		return nil, &Rejection{Message: "Your message contains a word this user has banned."}, nil
	}

	violation, err := e.guard.Validate(ctx, sender.TelegramUserID, target.ID, msg.ContentHash)
	if err != nil {
		return nil, nil, fmt.Errorf("abuse guard: %w", err)
	}
	if violation != nil {
		return nil, &Rejection{Message: violation.Message}, nil
	}

	msg.TargetUserID = target.ID
	msg.SenderTelegramUserID = sender.TelegramUserID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	msg.ThreadID = threadID

	id, err := e.messages.Create(ctx, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("persist message: %w", err)
	}
	msg.ID = id

	delivered := true
	if err := e.deliver(ctx, target, msg); err != nil {
		slog.Error("message delivery failed", "message_id", id,
			"target_user_id", target.ID, "error", err)
		delivered = false
	}
	return &Result{MessageID: id, Delivered: delivered}, nil, nil
}

// shape validates the payload and builds the unsaved message row.
func (e *Engine) shape(target *store.User, cfg store.Settings, p Payload) (*store.Message, *Rejection) {
	if p.Photo != nil {
		if !cfg.AllowMedia {
			return nil, &Rejection{Message: "This user does not accept photos."}
		}
		if p.Photo.FileID == "" {
			return nil, &Rejection{Message: "That photo could not be read. Please try again."}
		}
		if p.Photo.SizeBytes > e.limits.MaxPhotoBytes {
			return nil, &Rejection{Message: fmt.Sprintf("Photos are limited to %d MB.", e.limits.MaxPhotoBytes>>20)}
		}
		caption := textutil.Sanitize(p.Caption)
		if textutil.RuneLen(caption) > e.limits.MaxCaptionRunes {
			return nil, &Rejection{Message: fmt.Sprintf("Captions are limited to %d characters.", e.limits.MaxCaptionRunes)}
		}
		return &store.Message{
			Type:        store.MessagePhoto,
			Text:        caption,
			MediaFileID: p.Photo.FileID,
			ContentHash: textutil.ContentHash(caption, p.Photo.FileID),
		}, nil
	}

	text := textutil.Sanitize(p.Text)
	if text == "" {
		return nil, &Rejection{Message: "The message is empty. Send some text or a photo."}
	}
	if textutil.RuneLen(text) > e.limits.MaxTextRunes {
		return nil, &Rejection{Message: fmt.Sprintf("Messages are limited to %d characters.", e.limits.MaxTextRunes)}
	}
	return &store.Message{
		Type:        store.MessageText,
		Text:        text,
		ContentHash: textutil.ContentHash(text, ""),
	}, nil
}

func (e *Engine) deliver(ctx context.Context, target *store.User, msg *store.Message) error {
	kb := e.ActionKeyboard(msg.ID, target.TelegramUserID)
	opts := &transport.SendOptions{Keyboard: kb}

	if msg.Type == store.MessagePhoto {
		caption := "You received an anonymous photo."
		if msg.Text != "" {
			caption = "You received an anonymous photo:\n\n" + msg.Text
		}
		_, err := e.tr.SendPhoto(ctx, target.TelegramUserID, msg.MediaFileID, caption, opts)
		return err
	}

	text := "You received an anonymous message:\n\n" + msg.Text
	_, err := e.tr.SendText(ctx, target.TelegramUserID, text, opts)
	return err
}

// ActionKeyboard builds the reply/block/report row for a delivered message,
// bound to the recipient's identity.
func (e *Engine) ActionKeyboard(messageID, recipientTelegramUserID int64) transport.Keyboard {
	return transport.Keyboard{{
		{Label: "Reply", Data: e.tokens.Issue(token.ActionReply, messageID, recipientTelegramUserID, messageButtonTTL)},
		{Label: "Block", Data: e.tokens.Issue(token.ActionBlock, messageID, recipientTelegramUserID, messageButtonTTL)},
		{Label: "Report", Data: e.tokens.Issue(token.ActionReport, messageID, recipientTelegramUserID, messageButtonTTL)},
	}}
}

// BlockSenderFromMessage blocks the sender of messageID on behalf of owner.
// Returns false when the pair was already blocked.
func (e *Engine) BlockSenderFromMessage(ctx context.Context, owner *store.User, messageID int64) (bool, error) {
	msg, err := e.messages.ByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrNotYours
	}
	if err != nil {
		return false, fmt.Errorf("load message: %w", err)
	}
	if msg.TargetUserID != owner.ID {
		return false, ErrNotYours
	}

	created, err := e.blocks.Block(ctx, owner.ID, msg.SenderTelegramUserID)
	if err != nil {
		return false, fmt.Errorf("create block: %w", err)
	}
	if created {
		slog.Info("sender blocked", "target_user_id", owner.ID, "message_id", messageID)
	}
	return created, nil
}

// MessageByID loads a message enforcing that owner was its recipient.
func (e *Engine) MessageByID(ctx context.Context, owner *store.User, messageID int64) (*store.Message, error) {
	msg, err := e.messages.ByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotYours
	}
	if err != nil {
		return nil, err
	}
	if msg.TargetUserID != owner.ID {
		return nil, ErrNotYours
	}
	return msg, nil
}
