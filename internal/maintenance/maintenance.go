// Package maintenance runs the message retention sweep. The sweep is
// piggybacked on event handling: each handled batch calls RunIfDue, and a
// marker file keeps the actual prune to at most once per six hours even
// across restarts.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/adhocore/gronx"

	"github.com/rceold/whisperbot/internal/store"
)

// minInterval is the floor between sweeps regardless of schedule.
const minInterval = 6 * time.Hour

// Sweeper prunes messages older than the retention window.
type Sweeper struct {
	messages   store.MessageStore
	markerPath string
	retention  time.Duration
	schedule   string // optional cron expression gating the sweep
	cron       *gronx.Gronx
	now        func() time.Time
}

// Options configures a Sweeper. RetentionDays at or below zero disables
// sweeping entirely.
type Options struct {
	MarkerPath    string
	RetentionDays int
	Schedule      string
}

func NewSweeper(messages store.MessageStore, opts Options) *Sweeper {
	return &Sweeper{
		messages:   messages,
		markerPath: opts.MarkerPath,
		retention:  time.Duration(opts.RetentionDays) * 24 * time.Hour,
		schedule:   opts.Schedule,
		cron:       gronx.New(),
		now:        time.Now,
	}
}

// NewSweeperAt is NewSweeper with an injectable clock.
func NewSweeperAt(messages store.MessageStore, opts Options, now func() time.Time) *Sweeper {
	s := NewSweeper(messages, opts)
	s.now = now
	return s
}

// RunIfDue sweeps when the marker has expired and the schedule (if any)
// agrees. Failures are logged; event handling must never stall on them.
func (s *Sweeper) RunIfDue(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	now := s.now()
	if !s.markerExpired(now) {
		return
	}
	if s.schedule != "" {
		due, err := s.cron.IsDue(s.schedule, now)
		if err != nil {
			slog.Error("invalid retention schedule", "schedule", s.schedule, "error", err)
			return
		}
		if !due {
			return
		}
	}

	if err := s.touchMarker(now); err != nil {
		// Without a marker every event would trigger a sweep, so skip.
		slog.Error("retention marker write failed", "path", s.markerPath, "error", err)
		return
	}

	cutoff := now.Add(-s.retention)
	pruned, err := s.messages.PruneOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep failed", "cutoff", cutoff, "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("retention sweep pruned messages", "count", pruned, "cutoff", cutoff)
	}
}

func (s *Sweeper) markerExpired(now time.Time) bool {
	info, err := os.Stat(s.markerPath)
	if err != nil {
		return true
	}
	return now.Sub(info.ModTime()) >= minInterval
}

func (s *Sweeper) touchMarker(now time.Time) error {
	if err := os.WriteFile(s.markerPath, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return err
	}
	// WriteFile stamps wall-clock time; align the mtime with the injected
	// clock so tests stay deterministic.
	if err := os.Chtimes(s.markerPath, now, now); err != nil {
		return fmt.Errorf("set marker mtime: %w", err)
	}
	return nil
}
