package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rceold/whisperbot/internal/conversation"
	"github.com/rceold/whisperbot/internal/gate"
	"github.com/rceold/whisperbot/internal/messaging"
	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/textutil"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport"
)

const inboxPageSize = 10

// quickCommands maps normalized natural-language phrases to commands. The
// Persian synonyms match the phrasing the bot's audience actually types;
// keys must already be in textutil.NormalizeQuickInput form.
var quickCommands = map[string]string{
	"my link":       "link",
	"link":          "link",
	"get my link":   "link",
	"لینک من":       "link",
	"لینک":          "link",
	"دریافت لینک":   "link",
	"inbox":         "inbox",
	"messages":      "inbox",
	"صندوق پیام":    "inbox",
	"پیام های من":   "inbox",
	"settings":      "settings",
	"تنظیمات":       "settings",
	"stats":         "stats",
	"آمار":          "stats",
	"help":          "help",
	"راهنما":        "help",
	"check membership": "joincheck",
	"i joined":         "joincheck",
	"عضو شدم":          "joincheck",
	"بررسی عضویت":      "joincheck",
	"cancel": "cancel",
	"لغو":    "cancel",
	"انصراف": "cancel",
}

// Only the join check stays reachable for non-members; every other command
// is behind the gate.
var gateExemptCommands = map[string]bool{
	"joincheck": true,
}

// knownCommands are the slash commands runCommand handles. Slash text
// outside this set typed during an active conversation flows into the
// state handler instead (this is how /clear reaches the banned-words
// input).
var knownCommands = map[string]bool{
	"start":     true,
	"cancel":    true,
	"link":      true,
	"inbox":     true,
	"stats":     true,
	"settings":  true,
	"banwords":  true,
	"joincheck": true,
	"help":      true,
	"menu":      true,
}

func (d *Dispatcher) handleMessage(ctx context.Context, m *transport.MessageEvent) {
	u, err := d.deps.Users.EnsureUser(ctx, m.From)
	if err != nil {
		slog.Error("resolve user failed", "user_id", m.From.TelegramUserID, "error", err)
		return
	}

	cmd, arg := extractCommand(m.Text, d.deps.BotUsername)
	quick := quickCommands[textutil.NormalizeQuickInput(m.Text)]

	state, err := d.deps.States.Get(ctx, u.TelegramUserID)
	if errors.Is(err, conversation.ErrUnknownState) {
		// Defensive recovery: a state written by a different version.
		if clearErr := d.deps.States.Clear(ctx, u.TelegramUserID); clearErr != nil {
			slog.Error("state recovery failed", "error", clearErr)
		}
		d.send(ctx, m.ChatID, "Something got out of sync, so I reset the conversation. Please start over.", d.mainMenu())
		return
	}
	if err != nil {
		slog.Error("load state failed", "user_id", u.TelegramUserID, "error", err)
		return
	}

	// Idle chatter from non-members gets no join nag; anything with intent
	// behind it does.
	effective := cmd
	if effective == "" {
		effective = quick
	}
	hasIntent := cmd != "" || quick != "" || state != nil || m.ReplyTo != nil
	if hasIntent && !gateExemptCommands[effective] {
		switch d.deps.Gate.Resolve(ctx, u.TelegramUserID, false) {
		case gate.StatusNotJoined:
			d.maybePromptJoin(ctx, u.TelegramUserID, m.ChatID)
			return
		case gate.StatusUnavailable:
			d.send(ctx, m.ChatID, membershipUnavailableText, nil)
			return
		}
	}

	switch {
	case cmd != "" && (knownCommands[cmd] || state == nil):
		d.runCommand(ctx, m, u, cmd, arg)
	case state != nil:
		d.continueState(ctx, m, u, state)
	case quick != "":
		d.runCommand(ctx, m, u, quick, "")
	case d.tryReplyHeuristic(ctx, m, u):
	default:
		if d.helpPrompts.Allow(u.TelegramUserID) {
			d.send(ctx, m.ChatID, d.helpText(), d.mainMenu())
		}
	}
}

// extractCommand parses "/cmd arg" and strips an "@botname" suffix.
func extractCommand(text, botUsername string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(head, "@"); at >= 0 {
		mention := head[at+1:]
		if botUsername != "" && !strings.EqualFold(mention, botUsername) {
			return "", ""
		}
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(rest)
}

func (d *Dispatcher) runCommand(ctx context.Context, m *transport.MessageEvent, u *store.User, cmd, arg string) {
	switch cmd {
	case "start":
		d.cmdStart(ctx, m, u, arg)
	case "cancel":
		if err := d.deps.States.Clear(ctx, u.TelegramUserID); err != nil {
			slog.Error("cancel failed", "error", err)
		}
		d.send(ctx, m.ChatID, "Cancelled.", d.mainMenu())
	case "link":
		d.sendLink(ctx, m.ChatID, u)
	case "inbox":
		d.cmdInbox(ctx, m, u)
	case "stats":
		d.cmdStats(ctx, m, u)
	case "settings":
		text, kb := d.deps.Settings.Render(u)
		d.send(ctx, m.ChatID, text, &transport.SendOptions{Keyboard: kb})
	case "banwords":
		d.cmdBanwords(ctx, m, u, arg)
	case "joincheck":
		d.cmdJoinCheck(ctx, m, u)
	case "help", "menu":
		d.send(ctx, m.ChatID, d.helpText(), d.mainMenu())
	default:
		d.send(ctx, m.ChatID, "Unknown command. Try /help.", nil)
	}
}

func (d *Dispatcher) cmdStart(ctx context.Context, m *transport.MessageEvent, u *store.User, arg string) {
	if arg != "" {
		target, err := d.deps.Users.FindBySlug(ctx, arg)
		if errors.Is(err, store.ErrNotFound) {
			// Ignore garbage parameters; greet as a plain /start.
			d.sendWelcome(ctx, m.ChatID, u)
			return
		}
		if err != nil {
			slog.Error("resolve slug failed", "slug", arg, "error", err)
			d.sendWelcome(ctx, m.ChatID, u)
			return
		}
		if target.ID == u.ID {
			d.send(ctx, m.ChatID, "That is your own link. Share it with others so they can message you.", d.mainMenu())
			return
		}
		if err := d.deps.States.Set(ctx, u.TelegramUserID, conversation.AwaitingAnonymousMessage{TargetUserID: target.ID}); err != nil {
			slog.Error("set submit state failed", "error", err)
			return
		}
		d.send(ctx, m.ChatID, "Write the anonymous message you want to send. Text or a photo both work. Send /cancel to abort.", nil)
		return
	}
	d.sendWelcome(ctx, m.ChatID, u)
}

func (d *Dispatcher) sendWelcome(ctx context.Context, chatID int64, u *store.User) {
	text := "Welcome! People can send you anonymous messages through your personal link:\n\n" +
		d.linkFor(u) +
		"\n\nShare it anywhere. Use the menu below to manage your inbox."
	d.send(ctx, chatID, text, d.mainMenu())
}

func (d *Dispatcher) sendLink(ctx context.Context, chatID int64, u *store.User) {
	d.send(ctx, chatID, "Your personal link:\n\n"+d.linkFor(u), nil)
}

// linkFor renders the shareable deep link for u.
func (d *Dispatcher) linkFor(u *store.User) string {
	if d.deps.AppBaseURL != "" {
		return strings.TrimRight(d.deps.AppBaseURL, "/") + "/" + u.PublicSlug
	}
	if d.deps.BotUsername != "" {
		return fmt.Sprintf("https://t.me/%s?start=%s", d.deps.BotUsername, u.PublicSlug)
	}
	return u.PublicSlug + " (set a bot username or app_base_url to get a full link)"
}

func (d *Dispatcher) cmdInbox(ctx context.Context, m *transport.MessageEvent, u *store.User) {
	msgs, err := d.deps.Messages.Inbox(ctx, u.ID, inboxPageSize)
	if err != nil {
		slog.Error("inbox query failed", "user_id", u.ID, "error", err)
		d.send(ctx, m.ChatID, "Could not load your inbox right now.", nil)
		return
	}
	if len(msgs) == 0 {
		d.send(ctx, m.ChatID, "Your inbox is empty. Share your link to receive messages.", nil)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your last %d messages:\n", len(msgs))
	for _, msg := range msgs {
		label := "text"
		if msg.Type == store.MessagePhoto {
			label = "photo"
		}
		fmt.Fprintf(&b, "\n#%d [%s] %s\n%s\n",
			msg.ID, label,
			msg.CreatedAt.UTC().Format("2006-01-02 15:04"),
			textutil.Preview(msg.Text, 80))
	}
	d.send(ctx, m.ChatID, b.String(), nil)
}

func (d *Dispatcher) cmdStats(ctx context.Context, m *transport.MessageEvent, u *store.User) {
	received, err := d.deps.Messages.CountReceived(ctx, u.ID)
	if err != nil {
		slog.Error("stats query failed", "error", err)
		d.send(ctx, m.ChatID, "Could not load your stats right now.", nil)
		return
	}
	sent, _ := d.deps.Messages.CountSent(ctx, u.TelegramUserID)
	blocked, _ := d.deps.Blocks.CountByTarget(ctx, u.ID)
	filed, _ := d.deps.Filed.CountByReporter(ctx, u.ID)
	reported, _ := d.deps.Messages.CountReportsOnTarget(ctx, u.ID)

	text := fmt.Sprintf(
		"Your stats\n\nReceived: %d\nSent: %d\nBlocked senders: %d\nReports you filed: %d\nReports on messages you received: %d",
		received, sent, blocked, filed, reported)
	d.send(ctx, m.ChatID, text, nil)
}

func (d *Dispatcher) cmdBanwords(ctx context.Context, m *transport.MessageEvent, u *store.User, arg string) {
	if arg != "" {
		_, kept, err := d.deps.Settings.SetBannedWords(ctx, u, arg)
		if err != nil {
			slog.Error("set banned words failed", "error", err)
			d.send(ctx, m.ChatID, "Could not save your banned words. Please try again.", nil)
			return
		}
		d.send(ctx, m.ChatID, fmt.Sprintf("Saved %d banned words.", kept), nil)
		return
	}
	if err := d.deps.States.Set(ctx, u.TelegramUserID, conversation.AwaitingBannedWords{}); err != nil {
		slog.Error("set banned-words state failed", "error", err)
		return
	}
	d.send(ctx, m.ChatID, "Send your banned words separated by commas or new lines. Send /clear to remove them all, or /cancel to keep the current list.", nil)
}

func (d *Dispatcher) cmdJoinCheck(ctx context.Context, m *transport.MessageEvent, u *store.User) {
	if !d.deps.Gate.Enabled() {
		d.send(ctx, m.ChatID, "No channel membership is required on this bot.", d.mainMenu())
		return
	}
	switch d.deps.Gate.Resolve(ctx, u.TelegramUserID, true) {
	case gate.StatusJoined:
		d.send(ctx, m.ChatID, "Membership confirmed. You can use the bot now.", d.mainMenu())
	case gate.StatusUnavailable:
		d.send(ctx, m.ChatID, membershipUnavailableText, nil)
	default:
		// Explicit request bypasses the prompt cooldown.
		d.sendJoinPrompt(ctx, u.TelegramUserID, m.ChatID)
	}
}

func (d *Dispatcher) continueState(ctx context.Context, m *transport.MessageEvent, u *store.User, state conversation.State) {
	switch s := state.(type) {
	case conversation.AwaitingAnonymousMessage:
		d.continueSubmit(ctx, m, u, s.TargetUserID)
	case conversation.AwaitingReply:
		d.continueReply(ctx, m, u, s.MessageID)
	case conversation.AwaitingBannedWords:
		d.continueBannedWords(ctx, m, u)
	}
}

func (d *Dispatcher) continueSubmit(ctx context.Context, m *transport.MessageEvent, u *store.User, targetUserID int64) {
	target, err := d.deps.Users.ByID(ctx, targetUserID)
	if errors.Is(err, store.ErrNotFound) {
		d.clearState(ctx, u)
		d.send(ctx, m.ChatID, "This user no longer exists.", d.mainMenu())
		return
	}
	if err != nil {
		slog.Error("resolve submit target failed", "target_user_id", targetUserID, "error", err)
		return
	}

	payload := messaging.Payload{Text: m.Text, Photo: m.Photo, Caption: m.Caption}
	res, rej, err := d.deps.Engine.Submit(ctx, u, target, payload)
	if err != nil {
		slog.Error("submit failed", "error", err)
		d.send(ctx, m.ChatID, "Something went wrong. Please try again.", nil)
		return
	}
	if rej != nil {
		// State stays active so the sender can fix the message and retry.
		d.send(ctx, m.ChatID, rej.Message, nil)
		return
	}

	d.clearState(ctx, u)
	text := "Your message was delivered anonymously."
	if !res.Delivered {
		text = "Your message was accepted, but delivery may be delayed."
	}
	d.send(ctx, m.ChatID, text, d.mainMenu())
}

func (d *Dispatcher) continueReply(ctx context.Context, m *transport.MessageEvent, u *store.User, messageID int64) {
	if strings.TrimSpace(m.Text) == "" {
		d.send(ctx, m.ChatID, "Replies are text only. Write your reply, or send /cancel.", nil)
		return
	}

	res, rej, err := d.deps.Engine.Reply(ctx, u, messageID, m.Text)
	if errors.Is(err, messaging.ErrNotYours) {
		d.clearState(ctx, u)
		d.send(ctx, m.ChatID, "That message is gone.", d.mainMenu())
		return
	}
	if err != nil {
		slog.Error("reply failed", "message_id", messageID, "error", err)
		d.send(ctx, m.ChatID, "Something went wrong. Please try again.", nil)
		return
	}
	if rej != nil {
		d.send(ctx, m.ChatID, rej.Message, nil)
		return
	}

	d.clearState(ctx, u)
	text := "Your reply was delivered anonymously."
	if !res.Delivered {
		text = "Your reply was accepted, but delivery may be delayed."
	}
	d.send(ctx, m.ChatID, text, d.mainMenu())
}

func (d *Dispatcher) continueBannedWords(ctx context.Context, m *transport.MessageEvent, u *store.User) {
	normalized := textutil.NormalizeQuickInput(m.Text)
	if strings.TrimSpace(m.Text) == "/clear" || normalized == "clear" || normalized == "پاک" {
		if _, err := d.deps.Settings.ClearBannedWords(ctx, u); err != nil {
			slog.Error("clear banned words failed", "error", err)
			d.send(ctx, m.ChatID, "Could not update your banned words. Please try again.", nil)
			return
		}
		d.clearState(ctx, u)
		d.send(ctx, m.ChatID, "Banned words cleared.", d.mainMenu())
		return
	}

	_, kept, err := d.deps.Settings.SetBannedWords(ctx, u, m.Text)
	if err != nil {
		slog.Error("set banned words failed", "error", err)
		d.send(ctx, m.ChatID, "Could not save your banned words. Please try again.", nil)
		return
	}
	d.clearState(ctx, u)
	if kept == 0 {
		d.send(ctx, m.ChatID, "No usable words found (each must be 2-32 characters). Your list is unchanged except for removals.", d.mainMenu())
		return
	}
	d.send(ctx, m.ChatID, fmt.Sprintf("Saved %d banned words.", kept), d.mainMenu())
}

// tryReplyHeuristic handles the user replying (with Telegram's reply
// feature) to a delivered anonymous message instead of pressing Reply.
// The replied-to message's buttons reveal the message id.
func (d *Dispatcher) tryReplyHeuristic(ctx context.Context, m *transport.MessageEvent, u *store.User) bool {
	if m.ReplyTo == nil || !m.ReplyTo.FromSelf || strings.TrimSpace(m.Text) == "" {
		return false
	}
	for _, data := range m.ReplyTo.CallbackData {
		tok, ok := d.deps.Tokens.Verify(data)
		if !ok || tok.Action != token.ActionReply || tok.UserID != u.TelegramUserID {
			continue
		}

		res, rej, err := d.deps.Engine.Reply(ctx, u, tok.ReferenceID, m.Text)
		if err != nil {
			if !errors.Is(err, messaging.ErrNotYours) {
				slog.Error("heuristic reply failed", "message_id", tok.ReferenceID, "error", err)
			}
			d.send(ctx, m.ChatID, "That message can no longer be replied to.", nil)
			return true
		}
		if rej != nil {
			d.send(ctx, m.ChatID, rej.Message, nil)
			return true
		}
		text := "Your reply was delivered anonymously."
		if !res.Delivered {
			text = "Your reply was accepted, but delivery may be delayed."
		}
		d.send(ctx, m.ChatID, text, nil)
		return true
	}
	return false
}

func (d *Dispatcher) clearState(ctx context.Context, u *store.User) {
	if err := d.deps.States.Clear(ctx, u.TelegramUserID); err != nil {
		slog.Error("clear state failed", "user_id", u.TelegramUserID, "error", err)
	}
}

func (d *Dispatcher) helpText() string {
	return "This bot delivers anonymous messages.\n\n" +
		"/link - get your personal link\n" +
		"/inbox - your last received messages\n" +
		"/stats - your numbers\n" +
		"/settings - inbox, photo and banned-word settings\n" +
		"/banwords - edit banned words directly\n" +
		"/cancel - abort whatever you were doing\n\n" +
		"Open someone's link to send them an anonymous message."
}

// mainMenu is the persistent reply keyboard under the input field.
func (d *Dispatcher) mainMenu() *transport.SendOptions {
	rows := transport.ReplyKeyboard{
		{"My link", "Inbox"},
		{"Settings", "Stats"},
	}
	last := []string{"Help"}
	if d.deps.Gate.Enabled() {
		last = append(last, "Check membership")
	}
	rows = append(rows, last)
	return &transport.SendOptions{ReplyKeyboard: rows}
}
