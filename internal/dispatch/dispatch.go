// Package dispatch is the single entry point for inbound events. It owns
// the routing policy: token verification and authorization for button
// presses, command and conversation-state routing for plain messages, the
// membership gate, and the piggybacked retention sweep.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rceold/whisperbot/internal/conversation"
	"github.com/rceold/whisperbot/internal/gate"
	"github.com/rceold/whisperbot/internal/maintenance"
	"github.com/rceold/whisperbot/internal/messaging"
	"github.com/rceold/whisperbot/internal/reports"
	"github.com/rceold/whisperbot/internal/settings"
	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport"
	"github.com/rceold/whisperbot/internal/users"
)

const (
	joinPromptCooldown   = 90 * time.Second
	helpFallbackCooldown = 45 * time.Second

	joinCheckButtonTTL = time.Hour
)

// Shown when membership is required but the channel's member list can't be
// read. The usual cause is the bot not being an admin of the channel.
const membershipUnavailableText = "I can't verify your channel membership right now. " +
	"The bot must be an administrator of the channel; ask the channel owner to check that, then try again."

// Deps wires the dispatcher. Sweeper may be nil (no retention).
type Deps struct {
	Transport transport.Transport
	Users     *users.Service
	States    *conversation.Service
	Settings  *settings.Service
	Engine    *messaging.Engine
	Reports   *reports.Service
	Gate      *gate.Gate
	Tokens    *token.Codec
	Sweeper   *maintenance.Sweeper

	Messages store.MessageStore
	Blocks   store.BlockStore
	Filed    store.ReportStore

	BotUsername string
	AppBaseURL  string
	JoinURL     string
}

// Dispatcher routes one event at a time. Safe for sequential use; the
// polling loop calls Handle per event.
type Dispatcher struct {
	deps        Deps
	joinPrompts *gate.Cooldown
	helpPrompts *gate.Cooldown
}

func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps:        deps,
		joinPrompts: gate.NewCooldown(joinPromptCooldown),
		helpPrompts: gate.NewCooldown(helpFallbackCooldown),
	}
}

// Handle processes one event. It never panics out and never returns an
// error: every failure path is logged and the event dropped.
func (d *Dispatcher) Handle(ctx context.Context, ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handling panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if d.deps.Sweeper != nil {
		d.deps.Sweeper.RunIfDue(ctx)
	}

	switch {
	case ev.Callback != nil:
		d.handleCallback(ctx, ev.Callback)
	case ev.Message != nil:
		d.handleMessage(ctx, ev.Message)
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, cb *transport.CallbackEvent) {
	tok, ok := d.deps.Tokens.Verify(cb.Data)
	if !ok {
		d.answer(ctx, cb.CallbackID, "This button has expired. Ask for a fresh one.", true)
		return
	}
	if tok.UserID != cb.From.TelegramUserID {
		d.answer(ctx, cb.CallbackID, "This button is not for you.", true)
		return
	}

	u, err := d.deps.Users.EnsureUser(ctx, cb.From)
	if err != nil {
		slog.Error("resolve callback user failed", "user_id", cb.From.TelegramUserID, "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}

	// The join check itself must stay reachable for non-members.
	if tok.Action != token.ActionJoinCheck {
		switch d.deps.Gate.Resolve(ctx, cb.From.TelegramUserID, false) {
		case gate.StatusNotJoined:
			d.answer(ctx, cb.CallbackID, "Join the channel first.", true)
			d.maybePromptJoin(ctx, cb.From.TelegramUserID, cb.ChatID)
			return
		case gate.StatusUnavailable:
			d.answer(ctx, cb.CallbackID, membershipUnavailableText, true)
			return
		}
	}

	switch tok.Action {
	case token.ActionReply:
		d.onReplyButton(ctx, cb, u, tok.ReferenceID)
	case token.ActionBlock:
		d.onBlockButton(ctx, cb, u, tok.ReferenceID)
	case token.ActionReport:
		d.onReportButton(ctx, cb, u, tok.ReferenceID)
	case token.ActionAdminBlock:
		d.onAdminBlockButton(ctx, cb, tok.ReferenceID)
	case token.ActionToggleAccept, token.ActionToggleMedia:
		d.onSettingsToggle(ctx, cb, u, tok.Action)
	case token.ActionBannedWords:
		d.onBannedWordsButton(ctx, cb, u)
	case token.ActionJoinCheck:
		d.onJoinCheck(ctx, cb, u)
	default:
		d.answer(ctx, cb.CallbackID, "Invalid action.", false)
	}
}

func (d *Dispatcher) onReplyButton(ctx context.Context, cb *transport.CallbackEvent, u *store.User, messageID int64) {
	if _, err := d.deps.Engine.MessageByID(ctx, u, messageID); err != nil {
		if errors.Is(err, messaging.ErrNotYours) {
			d.answer(ctx, cb.CallbackID, "That message is gone.", true)
			return
		}
		slog.Error("load message for reply failed", "message_id", messageID, "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}
	if err := d.deps.States.Set(ctx, u.TelegramUserID, conversation.AwaitingReply{MessageID: messageID}); err != nil {
		slog.Error("set reply state failed", "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}
	d.answer(ctx, cb.CallbackID, "", false)
	d.send(ctx, cb.ChatID, "Write your reply now. It will be delivered anonymously. Send /cancel to abort.", nil)
}

func (d *Dispatcher) onBlockButton(ctx context.Context, cb *transport.CallbackEvent, u *store.User, messageID int64) {
	created, err := d.deps.Engine.BlockSenderFromMessage(ctx, u, messageID)
	if errors.Is(err, messaging.ErrNotYours) {
		d.answer(ctx, cb.CallbackID, "That message is gone.", true)
		return
	}
	if err != nil {
		slog.Error("block from button failed", "message_id", messageID, "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}
	if created {
		d.answer(ctx, cb.CallbackID, "Sender blocked. They can no longer message you.", true)
	} else {
		d.answer(ctx, cb.CallbackID, "This sender was already blocked.", false)
	}
}

func (d *Dispatcher) onReportButton(ctx context.Context, cb *transport.CallbackEvent, u *store.User, messageID int64) {
	_, err := d.deps.Reports.Report(ctx, u, messageID)
	if errors.Is(err, messaging.ErrNotYours) {
		d.answer(ctx, cb.CallbackID, "That message is gone.", true)
		return
	}
	if err != nil {
		slog.Error("report from button failed", "message_id", messageID, "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}
	d.answer(ctx, cb.CallbackID, "Reported to the admins. Thank you.", true)
}

func (d *Dispatcher) onAdminBlockButton(ctx context.Context, cb *transport.CallbackEvent, reportID int64) {
	created, err := d.deps.Reports.AdminBlockSender(ctx, cb.From.TelegramUserID, reportID)
	if errors.Is(err, reports.ErrNotAdmin) {
		d.answer(ctx, cb.CallbackID, "This button is not for you.", true)
		return
	}
	if err != nil {
		slog.Error("admin block failed", "report_id", reportID, "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}
	if created {
		d.answer(ctx, cb.CallbackID, "Sender blocked for the reporter.", false)
	} else {
		d.answer(ctx, cb.CallbackID, "That sender was already blocked.", false)
	}
}

func (d *Dispatcher) onSettingsToggle(ctx context.Context, cb *transport.CallbackEvent, u *store.User, action token.Action) {
	var (
		cfg store.Settings
		err error
	)
	if action == token.ActionToggleAccept {
		cfg, err = d.deps.Settings.ToggleAccept(ctx, u)
	} else {
		cfg, err = d.deps.Settings.ToggleMedia(ctx, u)
	}
	if err != nil {
		slog.Error("settings toggle failed", "action", action, "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}

	toast := "Inbox closed."
	if action == token.ActionToggleAccept && cfg.AcceptMessages {
		toast = "Inbox open."
	}
	if action == token.ActionToggleMedia {
		toast = "Photos disallowed."
		if cfg.AllowMedia {
			toast = "Photos allowed."
		}
	}
	d.answer(ctx, cb.CallbackID, toast, false)

	// Refresh the keyboard in place so the labels track the new state.
	_, kb := d.deps.Settings.Render(u)
	if err := d.deps.Transport.EditButtons(ctx, cb.ChatID, cb.MessageID, kb); err != nil {
		slog.Warn("settings keyboard refresh failed", "error", err)
	}
}

func (d *Dispatcher) onBannedWordsButton(ctx context.Context, cb *transport.CallbackEvent, u *store.User) {
	if err := d.deps.States.Set(ctx, u.TelegramUserID, conversation.AwaitingBannedWords{}); err != nil {
		slog.Error("set banned-words state failed", "error", err)
		d.answer(ctx, cb.CallbackID, "Something went wrong. Please try again.", true)
		return
	}
	d.answer(ctx, cb.CallbackID, "", false)
	d.send(ctx, cb.ChatID, "Send your banned words separated by commas or new lines. Send /clear to remove them all, or /cancel to keep the current list.", nil)
}

func (d *Dispatcher) onJoinCheck(ctx context.Context, cb *transport.CallbackEvent, u *store.User) {
	switch d.deps.Gate.Resolve(ctx, u.TelegramUserID, true) {
	case gate.StatusJoined:
		d.answer(ctx, cb.CallbackID, "Welcome aboard!", false)
		// Drop the join keyboard from the prompt so it can't be re-pressed.
		if err := d.deps.Transport.EditButtons(ctx, cb.ChatID, cb.MessageID, nil); err != nil {
			slog.Debug("clear join keyboard failed", "error", err)
		}
		d.send(ctx, cb.ChatID, "Membership confirmed. You can use the bot now.", d.mainMenu())
	case gate.StatusUnavailable:
		d.answer(ctx, cb.CallbackID, membershipUnavailableText, true)
	default:
		d.answer(ctx, cb.CallbackID, "You haven't joined yet. Join the channel, then press the button again.", true)
	}
}

// maybePromptJoin sends the join prompt unless one went out recently.
func (d *Dispatcher) maybePromptJoin(ctx context.Context, telegramUserID, chatID int64) {
	if !d.joinPrompts.Allow(telegramUserID) {
		return
	}
	d.sendJoinPrompt(ctx, telegramUserID, chatID)
}

func (d *Dispatcher) sendJoinPrompt(ctx context.Context, telegramUserID, chatID int64) {
	kb := transport.Keyboard{}
	if d.deps.JoinURL != "" {
		kb = append(kb, []transport.Button{{Label: "Join the channel", URL: d.deps.JoinURL}})
	}
	kb = append(kb, []transport.Button{{
		Label: "I joined, check again",
		Data:  d.deps.Tokens.Issue(token.ActionJoinCheck, 0, telegramUserID, joinCheckButtonTTL),
	}})
	d.send(ctx, chatID, "You need to join our channel before using the bot.", &transport.SendOptions{Keyboard: kb})
}

func (d *Dispatcher) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := d.deps.Transport.AnswerCallback(ctx, callbackID, text, alert); err != nil {
		slog.Warn("answer callback failed", "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, text string, opts *transport.SendOptions) {
	if _, err := d.deps.Transport.SendText(ctx, chatID, text, opts); err != nil {
		slog.Error("send failed", "chat_id", chatID, "error", err)
	}
}
