package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/store/memory"
)

func newService(t *testing.T) (*Service, store.StateStore) {
	t.Helper()
	stores := memory.NewStores()
	return NewService(stores.States), stores.States
}

func TestIdleIsNil(t *testing.T) {
	svc, _ := newService(t)
	s, err := svc.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s != nil {
		t.Fatalf("idle user returned state %+v", s)
	}
}

func TestSetGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		state State
	}{
		{"awaiting anonymous message", AwaitingAnonymousMessage{TargetUserID: 77}},
		{"awaiting reply", AwaitingReply{MessageID: 1234}},
		{"awaiting banned words", AwaitingBannedWords{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t)
			if err := svc.Set(ctx, 42, tt.state); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := svc.Get(ctx, 42)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != tt.state {
				t.Errorf("got %+v, want %+v", got, tt.state)
			}
		})
	}
}

func TestSetOverwrites(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	if err := svc.Set(ctx, 42, AwaitingAnonymousMessage{TargetUserID: 7}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Set(ctx, 42, AwaitingReply{MessageID: 99}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != (AwaitingReply{MessageID: 99}) {
		t.Errorf("state = %+v, want the later AwaitingReply", got)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	if err := svc.Set(ctx, 42, AwaitingBannedWords{}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Clear(ctx, 42); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	s, err := svc.Get(ctx, 42)
	if err != nil || s != nil {
		t.Errorf("after clear: state=%+v err=%v, want idle", s, err)
	}

	// Clearing an idle user is a no-op.
	if err := svc.Clear(ctx, 42); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestUnknownStateName(t *testing.T) {
	ctx := context.Background()
	svc, states := newService(t)

	if err := states.Save(ctx, &store.StateRecord{
		TelegramUserID: 42,
		StateName:      "awaiting_something_from_the_future",
		PayloadJSON:    "{}",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Get(ctx, 42)
	if !errors.Is(err, ErrUnknownState) {
		t.Fatalf("err = %v, want ErrUnknownState", err)
	}
}

func TestStatesAreIndependentPerUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	if err := svc.Set(ctx, 1, AwaitingReply{MessageID: 5}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Set(ctx, 2, AwaitingBannedWords{}); err != nil {
		t.Fatal(err)
	}

	s1, _ := svc.Get(ctx, 1)
	s2, _ := svc.Get(ctx, 2)
	if s1 != (AwaitingReply{MessageID: 5}) {
		t.Errorf("user 1 state = %+v", s1)
	}
	if s2 != (AwaitingBannedWords{}) {
		t.Errorf("user 2 state = %+v", s2)
	}
}
