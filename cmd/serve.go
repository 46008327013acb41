package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rceold/whisperbot/internal/config"
	"github.com/rceold/whisperbot/internal/conversation"
	"github.com/rceold/whisperbot/internal/dispatch"
	"github.com/rceold/whisperbot/internal/gate"
	"github.com/rceold/whisperbot/internal/guard"
	"github.com/rceold/whisperbot/internal/maintenance"
	"github.com/rceold/whisperbot/internal/messaging"
	"github.com/rceold/whisperbot/internal/reports"
	"github.com/rceold/whisperbot/internal/settings"
	"github.com/rceold/whisperbot/internal/store/sqlite"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport/telegram"
	"github.com/rceold/whisperbot/internal/users"
)

// errorBackoff is the pause after a failed poll iteration.
const errorBackoff = 3 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot (long polling)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	if err := serve(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("WHISPERBOT_TOKEN environment variable is not set")
	}

	if err := migrateUp(cfg.Database.Path); err != nil {
		return err
	}

	db, err := sqlite.OpenDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	stores := sqlite.NewStores(db)

	offset := readOffset(cfg.Polling.OffsetPath)
	tr, err := telegram.New(telegram.Options{
		Token:          cfg.Telegram.Token,
		Proxy:          cfg.Telegram.Proxy,
		PollingTimeout: cfg.Polling.TimeoutSeconds,
		InitialOffset:  offset,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	botUsername := cfg.Telegram.Username
	if botUsername == "" {
		identity, err := tr.SelfIdentity(ctx)
		if err != nil {
			return fmt.Errorf("resolve bot identity: %w", err)
		}
		botUsername = identity.Username
	}
	botUsername = strings.TrimPrefix(botUsername, "@")

	userSvc := users.NewService(stores.Users)
	codec := token.NewCodec(cfg.Secret)
	engine := messaging.NewEngine(stores.Messages, stores.Blocks, userSvc,
		guard.New(stores.Messages, guard.Limits{
			SenderPerMinute:        cfg.Limits.SenderPerMinute,
			SenderPerHour:          cfg.Limits.SenderPerHour,
			TargetPerMinute:        cfg.Limits.TargetPerMinute,
			DuplicateWindowSeconds: cfg.Limits.DuplicateWindowSeconds,
		}),
		codec, tr, messaging.Limits{
			MaxTextRunes:    cfg.Limits.MaxTextLength,
			MaxCaptionRunes: cfg.Limits.MaxCaptionLength,
			MaxPhotoBytes:   cfg.MaxPhotoBytes(),
		})

	dispatcher := dispatch.New(dispatch.Deps{
		Transport: tr,
		Users:     userSvc,
		States:    conversation.NewService(stores.States),
		Settings:  settings.NewService(userSvc, codec),
		Engine:    engine,
		Reports:   reports.NewService(stores.Reports, stores.Blocks, userSvc, engine, codec, tr, cfg.AdminIDs),
		Gate:      gate.New(tr, cfg.Channel.GateChannelID()),
		Tokens:    codec,
		Sweeper: maintenance.NewSweeper(stores.Messages, maintenance.Options{
			MarkerPath:    cfg.Retention.MarkerPath,
			RetentionDays: cfg.Retention.Days,
			Schedule:      cfg.Retention.Schedule,
		}),
		Messages:    stores.Messages,
		Blocks:      stores.Blocks,
		Filed:       stores.Reports,
		BotUsername: botUsername,
		AppBaseURL:  cfg.AppBaseURL,
		JoinURL:     cfg.Channel.JoinURL(),
	})

	slog.Info("whisperbot started", "username", botUsername,
		"gate", cfg.Channel.GateChannelID(), "offset", offset)

	idleSleep := time.Duration(cfg.Polling.IdleSleepSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		default:
		}

		events, err := tr.PullEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("shutting down")
				return nil
			}
			slog.Error("poll iteration failed", "error", err)
			sleep(ctx, errorBackoff)
			continue
		}

		for _, ev := range events {
			dispatcher.Handle(ctx, ev)
		}

		// Persist the cursor only after the whole batch was handled, so a
		// crash mid-batch replays it instead of dropping events.
		if err := writeOffset(cfg.Polling.OffsetPath, tr.Offset()); err != nil {
			slog.Error("persist offset failed", "error", err)
		}

		if len(events) == 0 && idleSleep > 0 {
			sleep(ctx, idleSleep)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func readOffset(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		slog.Warn("corrupt offset file, starting fresh", "path", path)
		return 0
	}
	return offset
}

func writeOffset(path string, offset int64) error {
	return os.WriteFile(path, []byte(strconv.FormatInt(offset, 10)+"\n"), 0o644)
}
