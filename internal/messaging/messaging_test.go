package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rceold/whisperbot/internal/guard"
	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/store/memory"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport"
	"github.com/rceold/whisperbot/internal/users"
)

type sentMessage struct {
	ChatID  int64
	Text    string
	FileID  string
	Opts    *transport.SendOptions
	IsPhoto bool
}

// fakeTransport records sends; failSends makes every send fail.
type fakeTransport struct {
	sent      []sentMessage
	failSends bool
	nextID    int64
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string, opts *transport.SendOptions) (int64, error) {
	if f.failSends {
		return 0, errors.New("network down")
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, Opts: opts})
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTransport) SendPhoto(_ context.Context, chatID int64, fileID, caption string, opts *transport.SendOptions) (int64, error) {
	if f.failSends {
		return 0, errors.New("network down")
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: caption, FileID: fileID, Opts: opts, IsPhoto: true})
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTransport) EditButtons(context.Context, int64, int64, transport.Keyboard) error {
	return nil
}

func (f *fakeTransport) AnswerCallback(context.Context, string, string, bool) error { return nil }

func (f *fakeTransport) GetMembership(context.Context, string, int64) (transport.Membership, error) {
	return transport.MemberJoined, nil
}

func (f *fakeTransport) SelfIdentity(context.Context) (transport.Identity, error) {
	return transport.Identity{TelegramUserID: 1, Username: "whisper_bot"}, nil
}

func (f *fakeTransport) PullEvents(context.Context) ([]transport.Event, error) { return nil, nil }

type env struct {
	stores  *store.Stores
	userSvc *users.Service
	engine  *Engine
	tr      *fakeTransport
	codec   *token.Codec
	sender  *store.User
	target  *store.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	stores := memory.NewStores()
	userSvc := users.NewService(stores.Users)
	codec := token.NewCodec("test-secret")
	tr := &fakeTransport{}
	engine := NewEngine(stores.Messages, stores.Blocks, userSvc,
		guard.New(stores.Messages, guard.DefaultLimits()), codec, tr, DefaultLimits())

	sender, err := userSvc.EnsureUser(ctx, transport.UserInfo{TelegramUserID: 100, FirstName: "Sender"})
	if err != nil {
		t.Fatal(err)
	}
	target, err := userSvc.EnsureUser(ctx, transport.UserInfo{TelegramUserID: 200, FirstName: "Target"})
	if err != nil {
		t.Fatal(err)
	}
	return &env{stores: stores, userSvc: userSvc, engine: engine, tr: tr, codec: codec, sender: sender, target: target}
}

func TestSubmitDeliversWithActionButtons(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, rej, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "hello there"})
	if err != nil || rej != nil {
		t.Fatalf("submit: res=%v rej=%v err=%v", res, rej, err)
	}
	if !res.Delivered || res.MessageID == 0 {
		t.Fatalf("result = %+v", res)
	}

	if len(e.tr.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(e.tr.sent))
	}
	got := e.tr.sent[0]
	if got.ChatID != e.target.TelegramUserID {
		t.Errorf("delivered to chat %d, want %d", got.ChatID, e.target.TelegramUserID)
	}
	if !strings.Contains(got.Text, "hello there") {
		t.Errorf("delivered text %q", got.Text)
	}

	kb := got.Opts.Keyboard
	if len(kb) != 1 || len(kb[0]) != 3 {
		t.Fatalf("keyboard shape %v", kb)
	}
	wantActions := []token.Action{token.ActionReply, token.ActionBlock, token.ActionReport}
	for i, btn := range kb[0] {
		tok, ok := e.codec.Verify(btn.Data)
		if !ok {
			t.Fatalf("button %d token unverifiable", i)
		}
		if tok.Action != wantActions[i] {
			t.Errorf("button %d action = %q, want %q", i, tok.Action, wantActions[i])
		}
		if tok.UserID != e.target.TelegramUserID {
			t.Errorf("button %d bound to %d, want target %d", i, tok.UserID, e.target.TelegramUserID)
		}
		if tok.ReferenceID != res.MessageID {
			t.Errorf("button %d references %d, want %d", i, tok.ReferenceID, res.MessageID)
		}
	}
}

func TestSubmitValidationOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(t *testing.T, e *env)
		payload Payload
		wantRej string
	}{
		{
			"inactive target",
			func(t *testing.T, e *env) { e.target.Active = false },
			Payload{Text: "hi"},
			"no longer available",
		},
		{
			"blocked sender",
			func(t *testing.T, e *env) {
				if _, err := e.stores.Blocks.Block(ctx, e.target.ID, e.sender.TelegramUserID); err != nil {
					t.Fatal(err)
				}
			},
			Payload{Text: "hi"},
			"blocked",
		},
		{
			"closed inbox",
			func(t *testing.T, e *env) {
				cfg := users.Settings(e.target)
				cfg.AcceptMessages = false
				if err := e.userSvc.SaveSettings(ctx, e.target, cfg); err != nil {
					t.Fatal(err)
				}
			},
			Payload{Text: "hi"},
			"not accepting",
		},
		{
			"empty text",
			func(*testing.T, *env) {},
			Payload{Text: "   \n\n  "},
			"empty",
		},
		{
			"oversized text",
			func(*testing.T, *env) {},
			Payload{Text: strings.Repeat("x", 2001)},
			"limited to 2000 characters",
		},
		{
			"media disallowed",
			func(t *testing.T, e *env) {
				cfg := users.Settings(e.target)
				cfg.AllowMedia = false
				if err := e.userSvc.SaveSettings(ctx, e.target, cfg); err != nil {
					t.Fatal(err)
				}
			},
			Payload{Photo: &transport.PhotoInfo{FileID: "f1", SizeBytes: 1024}},
			"does not accept photos",
		},
		{
			"oversized photo",
			func(*testing.T, *env) {},
			Payload{Photo: &transport.PhotoInfo{FileID: "f1", SizeBytes: 11 << 20}},
			"limited to 10 MB",
		},
		{
			"banned word, case-insensitive",
			func(t *testing.T, e *env) {
				cfg := users.Settings(e.target)
				cfg.BannedWords = []string{"spam"}
				if err := e.userSvc.SaveSettings(ctx, e.target, cfg); err != nil {
					t.Fatal(err)
				}
			},
			Payload{Text: "free SPAM offer"},
			"banned",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.prepare(t, e)

			res, rej, err := e.engine.Submit(ctx, e.sender, e.target, tt.payload)
			if err != nil {
				t.Fatalf("submit err: %v", err)
			}
			if res != nil {
				t.Fatalf("submission passed, want rejection %q", tt.wantRej)
			}
			if rej == nil || !strings.Contains(rej.Message, tt.wantRej) {
				t.Errorf("rejection = %v, want containing %q", rej, tt.wantRej)
			}
			if len(e.tr.sent) != 0 {
				t.Errorf("rejected submission still delivered: %+v", e.tr.sent)
			}
		})
	}
}

func TestSubmitRateLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, rej, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: strings.Repeat("m", i+1)})
		if err != nil || rej != nil || res == nil {
			t.Fatalf("message %d: res=%v rej=%v err=%v", i+1, res, rej, err)
		}
	}

	res, rej, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "fourth"})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil || rej == nil {
		t.Fatalf("fourth message should hit the per-minute cap, got res=%v rej=%v", res, rej)
	}
}

func TestSubmitDeliveryFailureIsNonFatal(t *testing.T) {
	e := newEnv(t)
	e.tr.failSends = true
	ctx := context.Background()

	res, rej, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "hello"})
	if err != nil || rej != nil {
		t.Fatalf("res=%v rej=%v err=%v", res, rej, err)
	}
	if res.Delivered {
		t.Error("Delivered should be false when the send fails")
	}

	// The row survived the failed delivery.
	if _, err := e.stores.Messages.ByID(ctx, res.MessageID); err != nil {
		t.Errorf("persisted message missing: %v", err)
	}
}

func TestReply(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "original"})
	if err != nil {
		t.Fatal(err)
	}

	replyRes, rej, err := e.engine.Reply(ctx, e.target, res.MessageID, "answer")
	if err != nil || rej != nil {
		t.Fatalf("reply: res=%v rej=%v err=%v", replyRes, rej, err)
	}
	if replyRes.MessageID == res.MessageID {
		t.Error("reply must create a new message row")
	}

	// Reply lands at the original sender with a fresh button set bound to them.
	last := e.tr.sent[len(e.tr.sent)-1]
	if last.ChatID != e.sender.TelegramUserID {
		t.Errorf("reply delivered to %d, want %d", last.ChatID, e.sender.TelegramUserID)
	}
	tok, ok := e.codec.Verify(last.Opts.Keyboard[0][0].Data)
	if !ok {
		t.Fatal("reply buttons unverifiable")
	}
	if tok.UserID != e.sender.TelegramUserID || tok.ReferenceID != replyRes.MessageID {
		t.Errorf("reply button token = %+v", tok)
	}

	// Both rows share a thread.
	orig, _ := e.stores.Messages.ByID(ctx, res.MessageID)
	reply, _ := e.stores.Messages.ByID(ctx, replyRes.MessageID)
	if orig.ThreadID == "" || orig.ThreadID != reply.ThreadID {
		t.Errorf("thread ids %q vs %q", orig.ThreadID, reply.ThreadID)
	}
}

func TestReplyOwnership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "original"})
	if err != nil {
		t.Fatal(err)
	}

	// The sender did not receive this message and cannot reply through it.
	_, _, err = e.engine.Reply(ctx, e.sender, res.MessageID, "sneaky")
	if !errors.Is(err, ErrNotYours) {
		t.Fatalf("err = %v, want ErrNotYours", err)
	}
}

func TestReplyRespectsBlockInReverseDirection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "original"})
	if err != nil {
		t.Fatal(err)
	}
	// The sender has blocked the target, so the reply direction is closed.
	if _, err := e.stores.Blocks.Block(ctx, e.sender.ID, e.target.TelegramUserID); err != nil {
		t.Fatal(err)
	}

	replyRes, rej, err := e.engine.Reply(ctx, e.target, res.MessageID, "answer")
	if err != nil {
		t.Fatal(err)
	}
	if replyRes != nil || rej == nil {
		t.Fatalf("reply should be rejected, got res=%v rej=%v", replyRes, rej)
	}
}

func TestBlockSenderFromMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "rude"})
	if err != nil {
		t.Fatal(err)
	}

	created, err := e.engine.BlockSenderFromMessage(ctx, e.target, res.MessageID)
	if err != nil || !created {
		t.Fatalf("block: created=%v err=%v", created, err)
	}

	// Second block of the same pair is a no-op.
	created, err = e.engine.BlockSenderFromMessage(ctx, e.target, res.MessageID)
	if err != nil || created {
		t.Fatalf("repeat block: created=%v err=%v", created, err)
	}

	// The blocked sender is now rejected.
	res2, rej, err := e.engine.Submit(ctx, e.sender, e.target, Payload{Text: "again"})
	if err != nil {
		t.Fatal(err)
	}
	if res2 != nil || rej == nil || !strings.Contains(rej.Message, "blocked") {
		t.Errorf("post-block submit: res=%v rej=%v", res2, rej)
	}

	// Ownership is enforced.
	if _, err := e.engine.BlockSenderFromMessage(ctx, e.sender, res.MessageID); !errors.Is(err, ErrNotYours) {
		t.Errorf("foreign block err = %v, want ErrNotYours", err)
	}
}

func TestSubmitPhoto(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, rej, err := e.engine.Submit(ctx, e.sender, e.target, Payload{
		Photo:   &transport.PhotoInfo{FileID: "photo-1", SizeBytes: 2 << 20},
		Caption: "look at this",
	})
	if err != nil || rej != nil {
		t.Fatalf("res=%v rej=%v err=%v", res, rej, err)
	}

	got := e.tr.sent[0]
	if !got.IsPhoto || got.FileID != "photo-1" {
		t.Fatalf("delivered %+v", got)
	}
	if !strings.Contains(got.Text, "look at this") {
		t.Errorf("caption %q", got.Text)
	}

	msg, err := e.stores.Messages.ByID(ctx, res.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != store.MessagePhoto || msg.MediaFileID != "photo-1" {
		t.Errorf("stored row %+v", msg)
	}
}
