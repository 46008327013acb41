package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/store/memory"
)

// seedMessage inserts a row stamped with the store's current clock.
func seedMessage(t *testing.T, stores *store.Stores) int64 {
	t.Helper()
	id, err := stores.Messages.Create(context.Background(), &store.Message{
		TargetUserID:         1,
		SenderTelegramUserID: 2,
		ThreadID:             "t",
		Type:                 store.MessageText,
		Text:                 "old enough",
		ContentHash:          "h",
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSweepPrunesOldMessages(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	stores := memory.NewStoresAt(clock)

	// One message created 100 days back, one fresh.
	saved := current
	current = current.Add(-100 * 24 * time.Hour)
	oldID := seedMessage(t, stores)
	current = saved
	freshID := seedMessage(t, stores)

	marker := filepath.Join(t.TempDir(), "sweep.marker")
	sweeper := NewSweeperAt(stores.Messages, Options{MarkerPath: marker, RetentionDays: 90}, clock)
	sweeper.RunIfDue(context.Background())

	if _, err := stores.Messages.ByID(context.Background(), oldID); err == nil {
		t.Error("expired message survived the sweep")
	}
	if _, err := stores.Messages.ByID(context.Background(), freshID); err != nil {
		t.Errorf("fresh message pruned: %v", err)
	}
}

func TestSweepHonorsMarkerInterval(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	stores := memory.NewStoresAt(clock)
	marker := filepath.Join(t.TempDir(), "sweep.marker")
	sweeper := NewSweeperAt(stores.Messages, Options{MarkerPath: marker, RetentionDays: 90}, clock)
	ctx := context.Background()

	sweeper.RunIfDue(ctx)

	// Plant an expired message after the first sweep; within the six-hour
	// window it must survive further RunIfDue calls.
	oldCreated := current.Add(-100 * 24 * time.Hour)
	saved := current
	current = oldCreated
	oldID := seedMessage(t, stores)
	current = saved.Add(5 * time.Hour)

	sweeper.RunIfDue(ctx)
	if _, err := stores.Messages.ByID(ctx, oldID); err != nil {
		t.Fatalf("sweep ran inside the six-hour window: %v", err)
	}

	current = saved.Add(7 * time.Hour)
	sweeper.RunIfDue(ctx)
	if _, err := stores.Messages.ByID(ctx, oldID); err == nil {
		t.Error("sweep did not run after the window elapsed")
	}
}

func TestSweepDisabled(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	stores := memory.NewStoresAt(clock)

	saved := current
	current = current.Add(-100 * 24 * time.Hour)
	oldID := seedMessage(t, stores)
	current = saved

	marker := filepath.Join(t.TempDir(), "sweep.marker")
	sweeper := NewSweeperAt(stores.Messages, Options{MarkerPath: marker, RetentionDays: 0}, clock)
	sweeper.RunIfDue(context.Background())

	if _, err := stores.Messages.ByID(context.Background(), oldID); err != nil {
		t.Errorf("disabled sweeper pruned a message: %v", err)
	}
}

func TestSweepSchedule(t *testing.T) {
	// Schedule restricted to 04:00; at noon the sweep must wait.
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	stores := memory.NewStoresAt(clock)

	saved := current
	current = current.Add(-100 * 24 * time.Hour)
	oldID := seedMessage(t, stores)
	current = saved

	marker := filepath.Join(t.TempDir(), "sweep.marker")
	sweeper := NewSweeperAt(stores.Messages, Options{
		MarkerPath: marker, RetentionDays: 90, Schedule: "0 4 * * *",
	}, clock)
	ctx := context.Background()

	sweeper.RunIfDue(ctx)
	if _, err := stores.Messages.ByID(ctx, oldID); err != nil {
		t.Fatalf("sweep ran outside its schedule: %v", err)
	}

	current = time.Date(2025, 6, 2, 4, 0, 0, 0, time.UTC)
	sweeper.RunIfDue(ctx)
	if _, err := stores.Messages.ByID(ctx, oldID); err == nil {
		t.Error("sweep did not run at its scheduled time")
	}
}
