// Package transport defines the messaging surface the engine talks through.
// The engine never touches a bot API directly; it consumes Events and calls
// the Transport interface, so tests can run against an in-memory fake.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrMembershipHidden marks a channel whose member list the bot cannot
// read (bot not admin, channel private to it). The gate treats this as
// "unavailable" rather than "not joined".
var ErrMembershipHidden = errors.New("transport: member list is inaccessible")

// Membership is the resolved relation between a user and the required channel.
type Membership string

const (
	MemberJoined    Membership = "joined"
	MemberNotJoined Membership = "not_joined"
)

// UserInfo is the profile snapshot attached to every inbound event.
type UserInfo struct {
	TelegramUserID int64
	FirstName      string
	Username       string
}

// PhotoInfo references the largest size of an inbound photo.
type PhotoInfo struct {
	FileID    string
	SizeBytes int64
}

// ReplyInfo describes the message an inbound message replies to, when the
// sender used Telegram's reply feature. CallbackData carries the button
// payloads of the replied-to message so the engine can recover context.
type ReplyInfo struct {
	MessageID    int64
	FromSelf     bool
	CallbackData []string
}

// MessageEvent is an inbound private-chat message.
type MessageEvent struct {
	From    UserInfo
	ChatID  int64
	Text    string
	Photo   *PhotoInfo
	Caption string
	ReplyTo *ReplyInfo
}

// CallbackEvent is an inline button press.
type CallbackEvent struct {
	From       UserInfo
	CallbackID string
	ChatID     int64
	MessageID  int64
	Data       string
}

// Event is exactly one of Message or Callback.
type Event struct {
	Message  *MessageEvent
	Callback *CallbackEvent
}

// Button is one inline keyboard button. URL buttons leave Data empty.
type Button struct {
	Label string
	Data  string
	URL   string
}

// Keyboard is rows of inline buttons.
type Keyboard [][]Button

// ReplyKeyboard is a persistent reply keyboard shown under the input field.
type ReplyKeyboard [][]string

// SendOptions carries the optional trimmings of an outbound message.
type SendOptions struct {
	Keyboard      Keyboard
	ReplyKeyboard ReplyKeyboard
	ReplyTo       int64
}

// Identity is the bot's own account, resolved once at startup.
type Identity struct {
	TelegramUserID int64
	Username       string
}

// Transport is the full bot-side surface the engine needs.
type Transport interface {
	// PullEvents blocks up to the configured long-poll timeout and returns
	// the next batch of events. An empty batch is a normal timeout.
	PullEvents(ctx context.Context) ([]Event, error)

	SendText(ctx context.Context, chatID int64, text string, opts *SendOptions) (messageID int64, err error)
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string, opts *SendOptions) (messageID int64, err error)

	// EditButtons replaces the inline keyboard of an existing message.
	// A nil keyboard removes it.
	EditButtons(ctx context.Context, chatID, messageID int64, kb Keyboard) error

	// AnswerCallback acknowledges a button press. When alert is true the
	// text shows as a popup instead of a toast.
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error

	// GetMembership resolves whether the user belongs to the channel.
	// Returns ErrMembershipHidden when the bot cannot read the member list.
	GetMembership(ctx context.Context, channelID string, userID int64) (Membership, error)

	SelfIdentity(ctx context.Context) (Identity, error)
}

// Clock is the injectable time source shared by transport consumers.
type Clock func() time.Time
