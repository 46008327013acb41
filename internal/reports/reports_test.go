package reports

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rceold/whisperbot/internal/guard"
	"github.com/rceold/whisperbot/internal/messaging"
	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/store/memory"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport"
	"github.com/rceold/whisperbot/internal/users"
)

const adminID = 9000

type sent struct {
	ChatID int64
	Text   string
	Opts   *transport.SendOptions
}

type fakeTransport struct{ sent []sent }

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string, opts *transport.SendOptions) (int64, error) {
	f.sent = append(f.sent, sent{ChatID: chatID, Text: text, Opts: opts})
	return int64(len(f.sent)), nil
}

func (f *fakeTransport) SendPhoto(_ context.Context, chatID int64, _, caption string, opts *transport.SendOptions) (int64, error) {
	f.sent = append(f.sent, sent{ChatID: chatID, Text: caption, Opts: opts})
	return int64(len(f.sent)), nil
}

func (f *fakeTransport) EditButtons(context.Context, int64, int64, transport.Keyboard) error {
	return nil
}
func (f *fakeTransport) AnswerCallback(context.Context, string, string, bool) error { return nil }
func (f *fakeTransport) GetMembership(context.Context, string, int64) (transport.Membership, error) {
	return transport.MemberJoined, nil
}
func (f *fakeTransport) SelfIdentity(context.Context) (transport.Identity, error) {
	return transport.Identity{}, nil
}
func (f *fakeTransport) PullEvents(context.Context) ([]transport.Event, error) { return nil, nil }

func (f *fakeTransport) to(chatID int64) []sent {
	var out []sent
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

type env struct {
	stores  *store.Stores
	svc     *Service
	engine  *messaging.Engine
	tr      *fakeTransport
	codec   *token.Codec
	sender  *store.User
	target  *store.User
	msgID   int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	stores := memory.NewStores()
	userSvc := users.NewService(stores.Users)
	codec := token.NewCodec("test-secret")
	tr := &fakeTransport{}
	engine := messaging.NewEngine(stores.Messages, stores.Blocks, userSvc,
		guard.New(stores.Messages, guard.DefaultLimits()), codec, tr, messaging.DefaultLimits())
	svc := NewService(stores.Reports, stores.Blocks, userSvc, engine, codec, tr, []int64{adminID})

	sender, err := userSvc.EnsureUser(ctx, transport.UserInfo{TelegramUserID: 100, FirstName: "Sender"})
	if err != nil {
		t.Fatal(err)
	}
	target, err := userSvc.EnsureUser(ctx, transport.UserInfo{TelegramUserID: 200, FirstName: "Target"})
	if err != nil {
		t.Fatal(err)
	}
	res, rej, err := engine.Submit(ctx, sender, target, messaging.Payload{Text: "offensive text"})
	if err != nil || rej != nil {
		t.Fatalf("seed message: rej=%v err=%v", rej, err)
	}
	return &env{stores: stores, svc: svc, engine: engine, tr: tr, codec: codec,
		sender: sender, target: target, msgID: res.MessageID}
}

func TestReportNotifiesAdmins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	reportID, err := e.svc.Report(ctx, e.target, e.msgID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if reportID == 0 {
		t.Fatal("report id is zero")
	}

	notices := e.tr.to(adminID)
	if len(notices) != 1 {
		t.Fatalf("admin received %d notices, want 1", len(notices))
	}
	notice := notices[0]
	if !strings.Contains(notice.Text, "offensive text") {
		t.Errorf("notice lacks preview: %q", notice.Text)
	}

	tok, ok := e.codec.Verify(notice.Opts.Keyboard[0][0].Data)
	if !ok {
		t.Fatal("admin button unverifiable")
	}
	if tok.Action != token.ActionAdminBlock || tok.ReferenceID != reportID || tok.UserID != adminID {
		t.Errorf("admin button token = %+v", tok)
	}
}

func TestReportOwnership(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Report(context.Background(), e.sender, e.msgID)
	if !errors.Is(err, messaging.ErrNotYours) {
		t.Fatalf("err = %v, want ErrNotYours", err)
	}
	if len(e.tr.to(adminID)) != 0 {
		t.Error("no admin notice should go out for a rejected report")
	}
}

func TestAdminBlockSender(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	reportID, err := e.svc.Report(ctx, e.target, e.msgID)
	if err != nil {
		t.Fatal(err)
	}

	created, err := e.svc.AdminBlockSender(ctx, adminID, reportID)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}

	blocked, err := e.stores.Blocks.IsBlocked(ctx, e.target.ID, e.sender.TelegramUserID)
	if err != nil || !blocked {
		t.Errorf("blocked=%v err=%v, want pair blocked", blocked, err)
	}

	// The reporter hears back.
	var notified bool
	for _, m := range e.tr.to(e.target.TelegramUserID) {
		if strings.Contains(m.Text, "blocked the sender") {
			notified = true
		}
	}
	if !notified {
		t.Error("reporter was not notified")
	}

	// Repeat press is idempotent.
	created, err = e.svc.AdminBlockSender(ctx, adminID, reportID)
	if err != nil || created {
		t.Errorf("repeat: created=%v err=%v", created, err)
	}
}

func TestAdminBlockRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	reportID, err := e.svc.Report(ctx, e.target, e.msgID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.AdminBlockSender(ctx, e.sender.TelegramUserID, reportID); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("err = %v, want ErrNotAdmin", err)
	}
}
