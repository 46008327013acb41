// Package telegram implements transport.Transport over the Bot API using
// long polling via telego.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/rceold/whisperbot/internal/transport"
)

// Options configures the Telegram transport.
type Options struct {
	Token          string
	Proxy          string
	PollingTimeout int   // seconds, passed to getUpdates
	InitialOffset  int64 // resume cursor, 0 starts fresh
}

// Transport talks to the Telegram Bot API. Outbound calls go through a
// shared rate limiter so bursts of deliveries stay under Bot API limits.
type Transport struct {
	bot     *telego.Bot
	timeout int
	offset  int64
	limiter *rate.Limiter
}

// New creates the transport and validates the token against the API.
func New(opts Options) (*Transport, error) {
	var botOpts []telego.BotOption
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.Proxy, err)
		}
		botOpts = append(botOpts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(opts.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	timeout := opts.PollingTimeout
	if timeout <= 0 {
		timeout = 25
	}

	return &Transport{
		bot:     bot,
		timeout: timeout,
		offset:  opts.InitialOffset,
		// Bot API allows ~30 messages/second overall.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}, nil
}

// Offset returns the next getUpdates cursor. The serve loop persists it so
// a restart does not replay already-handled updates.
func (t *Transport) Offset() int64 { return t.offset }

// PullEvents performs one long-poll round and maps updates to engine events.
func (t *Transport) PullEvents(ctx context.Context) ([]transport.Event, error) {
	updates, err := t.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         int(t.offset),
		Timeout:        t.timeout,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}

	events := make([]transport.Event, 0, len(updates))
	for _, update := range updates {
		if int64(update.UpdateID)+1 > t.offset {
			t.offset = int64(update.UpdateID) + 1
		}
		switch {
		case update.Message != nil:
			if ev := mapMessage(update.Message); ev != nil {
				events = append(events, transport.Event{Message: ev})
			}
		case update.CallbackQuery != nil:
			if ev := mapCallback(update.CallbackQuery); ev != nil {
				events = append(events, transport.Event{Callback: ev})
			}
		default:
			slog.Debug("telegram update skipped", "update_id", update.UpdateID)
		}
	}
	return events, nil
}

func mapMessage(msg *telego.Message) *transport.MessageEvent {
	// Only private chats carry engine traffic. Group noise is dropped here
	// so the dispatcher never sees it.
	if msg.From == nil || msg.Chat.Type != telego.ChatTypePrivate {
		return nil
	}

	ev := &transport.MessageEvent{
		From: transport.UserInfo{
			TelegramUserID: msg.From.ID,
			FirstName:      msg.From.FirstName,
			Username:       msg.From.Username,
		},
		ChatID:  msg.Chat.ID,
		Text:    msg.Text,
		Caption: msg.Caption,
	}

	if len(msg.Photo) > 0 {
		// Sizes arrive smallest first; the last entry is the original.
		largest := msg.Photo[len(msg.Photo)-1]
		ev.Photo = &transport.PhotoInfo{
			FileID:    largest.FileID,
			SizeBytes: int64(largest.FileSize),
		}
	}

	if reply := msg.ReplyToMessage; reply != nil {
		info := &transport.ReplyInfo{MessageID: int64(reply.MessageID)}
		if reply.From != nil && reply.From.IsBot {
			info.FromSelf = true
		}
		if reply.ReplyMarkup != nil {
			for _, row := range reply.ReplyMarkup.InlineKeyboard {
				for _, btn := range row {
					if btn.CallbackData != "" {
						info.CallbackData = append(info.CallbackData, btn.CallbackData)
					}
				}
			}
		}
		ev.ReplyTo = info
	}

	return ev
}

func mapCallback(q *telego.CallbackQuery) *transport.CallbackEvent {
	if q.Message == nil {
		return nil
	}
	return &transport.CallbackEvent{
		From: transport.UserInfo{
			TelegramUserID: q.From.ID,
			FirstName:      q.From.FirstName,
			Username:       q.From.Username,
		},
		CallbackID: q.ID,
		ChatID:     q.Message.GetChat().ID,
		MessageID:  int64(q.Message.GetMessageID()),
		Data:       q.Data,
	}
}

func (t *Transport) SendText(ctx context.Context, chatID int64, text string, opts *transport.SendOptions) (int64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := tu.Message(tu.ID(chatID), text)
	applySendOptions(&params.ReplyMarkup, &params.ReplyParameters, opts)
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return int64(msg.MessageID), nil
}

func (t *Transport) SendPhoto(ctx context.Context, chatID int64, fileID, caption string, opts *transport.SendOptions) (int64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := tu.Photo(tu.ID(chatID), tu.FileFromID(fileID))
	params.Caption = caption
	applySendOptions(&params.ReplyMarkup, &params.ReplyParameters, opts)
	msg, err := t.bot.SendPhoto(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send photo: %w", err)
	}
	return int64(msg.MessageID), nil
}

func applySendOptions(markup *telego.ReplyMarkup, replyParams **telego.ReplyParameters, opts *transport.SendOptions) {
	if opts == nil {
		return
	}
	switch {
	case opts.Keyboard != nil:
		*markup = buildInlineKeyboard(opts.Keyboard)
	case opts.ReplyKeyboard != nil:
		*markup = buildReplyKeyboard(opts.ReplyKeyboard)
	}
	if opts.ReplyTo != 0 {
		*replyParams = &telego.ReplyParameters{MessageID: int(opts.ReplyTo)}
	}
}

func buildInlineKeyboard(kb transport.Keyboard) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btn := tu.InlineKeyboardButton(b.Label)
			if b.URL != "" {
				btn = btn.WithURL(b.URL)
			} else {
				btn = btn.WithCallbackData(b.Data)
			}
			buttons = append(buttons, btn)
		}
		rows = append(rows, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func buildReplyKeyboard(kb transport.ReplyKeyboard) *telego.ReplyKeyboardMarkup {
	rows := make([][]telego.KeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]telego.KeyboardButton, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, tu.KeyboardButton(label))
		}
		rows = append(rows, buttons)
	}
	markup := tu.Keyboard(rows...)
	markup.ResizeKeyboard = true
	return markup
}

func (t *Transport) EditButtons(ctx context.Context, chatID, messageID int64, kb transport.Keyboard) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	params := &telego.EditMessageReplyMarkupParams{
		ChatID:    tu.ID(chatID),
		MessageID: int(messageID),
	}
	if kb != nil {
		params.ReplyMarkup = buildInlineKeyboard(kb)
	}
	if _, err := t.bot.EditMessageReplyMarkup(ctx, params); err != nil {
		return fmt.Errorf("edit reply markup: %w", err)
	}
	return nil
}

func (t *Transport) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	err := t.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       alert,
	})
	if err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// activeStatuses are the member statuses that count as joined. "restricted"
// still means present in the channel.
var activeStatuses = map[string]bool{
	telego.MemberStatusCreator:       true,
	telego.MemberStatusAdministrator: true,
	telego.MemberStatusMember:        true,
	telego.MemberStatusRestricted:    true,
}

func (t *Transport) GetMembership(ctx context.Context, channelID string, userID int64) (transport.Membership, error) {
	member, err := t.bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: resolveChatID(channelID),
		UserID: userID,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "member list is inaccessible") {
			return "", transport.ErrMembershipHidden
		}
		return "", fmt.Errorf("get chat member: %w", err)
	}
	if activeStatuses[member.MemberStatus()] {
		return transport.MemberJoined, nil
	}
	return transport.MemberNotJoined, nil
}

func resolveChatID(channelID string) telego.ChatID {
	if id, err := strconv.ParseInt(channelID, 10, 64); err == nil {
		return tu.ID(id)
	}
	if !strings.HasPrefix(channelID, "@") {
		channelID = "@" + channelID
	}
	return tu.Username(channelID)
}

func (t *Transport) SelfIdentity(ctx context.Context) (transport.Identity, error) {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("get me: %w", err)
	}
	return transport.Identity{TelegramUserID: me.ID, Username: me.Username}, nil
}
