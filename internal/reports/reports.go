// Package reports routes abuse reports from recipients to the configured
// admins and applies the admin-side block action.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rceold/whisperbot/internal/messaging"
	"github.com/rceold/whisperbot/internal/store"
	"github.com/rceold/whisperbot/internal/textutil"
	"github.com/rceold/whisperbot/internal/token"
	"github.com/rceold/whisperbot/internal/transport"
	"github.com/rceold/whisperbot/internal/users"
)

// adminButtonTTL is how long the block-sender button on an admin notice
// stays pressable.
const adminButtonTTL = 7 * 24 * time.Hour

const previewRunes = 120

// ErrNotAdmin is returned when a non-admin triggers an admin action.
var ErrNotAdmin = errors.New("reports: caller is not an admin")

// Service files reports and executes admin decisions.
type Service struct {
	reports  store.ReportStore
	blocks   store.BlockStore
	userSvc  *users.Service
	engine   *messaging.Engine
	tokens   *token.Codec
	tr       transport.Transport
	adminIDs map[int64]bool
}

func NewService(reports store.ReportStore, blocks store.BlockStore, userSvc *users.Service,
	engine *messaging.Engine, tokens *token.Codec, tr transport.Transport, adminTelegramIDs []int64) *Service {
	admins := make(map[int64]bool, len(adminTelegramIDs))
	for _, id := range adminTelegramIDs {
		admins[id] = true
	}
	return &Service{
		reports:  reports,
		blocks:   blocks,
		userSvc:  userSvc,
		engine:   engine,
		tokens:   tokens,
		tr:       tr,
		adminIDs: admins,
	}
}

// IsAdmin reports whether the telegram identity may run admin actions.
func (s *Service) IsAdmin(telegramUserID int64) bool { return s.adminIDs[telegramUserID] }

// Report files a report on messageID by its recipient and notifies every
// admin. Notification failures are logged and do not fail the report.
func (s *Service) Report(ctx context.Context, reporter *store.User, messageID int64) (int64, error) {
	msg, err := s.engine.MessageByID(ctx, reporter, messageID)
	if err != nil {
		return 0, err
	}

	reportID, err := s.reports.Create(ctx, msg.ID, reporter.ID, "user_report")
	if err != nil {
		return 0, fmt.Errorf("create report: %w", err)
	}
	slog.Info("report filed", "report_id", reportID, "message_id", msg.ID,
		"reporter_user_id", reporter.ID)

	notice := s.renderNotice(reportID, reporter, msg)
	for adminID := range s.adminIDs {
		kb := transport.Keyboard{{{
			Label: "Block sender",
			Data:  s.tokens.Issue(token.ActionAdminBlock, reportID, adminID, adminButtonTTL),
		}}}
		if _, err := s.tr.SendText(ctx, adminID, notice, &transport.SendOptions{Keyboard: kb}); err != nil {
			slog.Error("admin notice failed", "report_id", reportID,
				"admin_id", adminID, "error", err)
		}
	}
	return reportID, nil
}

func (s *Service) renderNotice(reportID int64, reporter *store.User, msg *store.Message) string {
	kind := "message"
	if msg.Type == store.MessagePhoto {
		kind = "photo"
	}
	return fmt.Sprintf(
		"Report #%d\n\nA %s (message #%d) was reported by %s.\n\nContent: %s\nSent: %s",
		reportID, kind, msg.ID, users.DisplayName(reporter),
		textutil.Preview(msg.Text, previewRunes),
		msg.CreatedAt.UTC().Format("2006-01-02 15:04 MST"),
	)
}

// AdminBlockSender blocks the reported sender on behalf of the message's
// recipient and tells the reporter. Returns false when the block already
// existed.
func (s *Service) AdminBlockSender(ctx context.Context, adminTelegramUserID, reportID int64) (bool, error) {
	if !s.IsAdmin(adminTelegramUserID) {
		return false, ErrNotAdmin
	}

	rc, err := s.reports.WithMessageContext(ctx, reportID)
	if err != nil {
		return false, fmt.Errorf("load report context: %w", err)
	}

	created, err := s.blocks.Block(ctx, rc.TargetUserID, rc.SenderTelegramUserID)
	if err != nil {
		return false, fmt.Errorf("apply admin block: %w", err)
	}
	slog.Info("admin block applied", "report_id", reportID,
		"admin_id", adminTelegramUserID, "already_blocked", !created)

	if reporter, lookupErr := s.userSvc.ByID(ctx, rc.ReporterUserID); lookupErr == nil {
		text := "An admin reviewed your report and blocked the sender for you."
		if _, sendErr := s.tr.SendText(ctx, reporter.TelegramUserID, text, nil); sendErr != nil {
			slog.Warn("reporter notice failed", "report_id", reportID, "error", sendErr)
		}
	}
	return created, nil
}
