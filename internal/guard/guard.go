// Package guard enforces the anti-abuse limits on anonymous submissions:
// sender rate caps, target flood protection, and duplicate-content
// suppression. It is stateless logic over the message log's count queries.
package guard

import (
	"context"
	"fmt"
	"time"
)

// Limits configures the guard. A zero value disables that check.
type Limits struct {
	SenderPerMinute        int
	SenderPerHour          int
	TargetPerMinute        int
	DuplicateWindowSeconds int
}

// DefaultLimits mirrors the production defaults.
func DefaultLimits() Limits {
	return Limits{
		SenderPerMinute:        3,
		SenderPerHour:          20,
		TargetPerMinute:        25,
		DuplicateWindowSeconds: 120,
	}
}

// Reason identifies which policy rejected a submission. The order of the
// checks is part of the contract: sender limits before target limits,
// duplicate detection last, first failure wins.
type Reason string

const (
	ReasonSenderPerMinute Reason = "sender_per_minute"
	ReasonSenderPerHour   Reason = "sender_per_hour"
	ReasonTargetPerMinute Reason = "target_per_minute"
	ReasonDuplicate       Reason = "duplicate"
)

// Violation carries the rejection reason and the text shown to the sender.
type Violation struct {
	Reason  Reason
	Message string
}

// MessageLog is the slice of the message store the guard consumes.
type MessageLog interface {
	CountBySenderSince(ctx context.Context, senderTelegramUserID int64, since time.Time) (int, error)
	CountByTargetSince(ctx context.Context, targetUserID int64, since time.Time) (int, error)
	HasDuplicateSince(ctx context.Context, targetUserID, senderTelegramUserID int64, contentHash string, since time.Time) (bool, error)
}

// Guard validates submissions against the configured limits.
type Guard struct {
	log    MessageLog
	limits Limits
	now    func() time.Time
}

func New(log MessageLog, limits Limits) *Guard {
	return &Guard{log: log, limits: limits, now: time.Now}
}

// Validate returns the first violated policy, or nil when the submission
// passes. A store error is returned as an error, not a violation.
func (g *Guard) Validate(ctx context.Context, senderTelegramUserID, targetUserID int64, contentHash string) (*Violation, error) {
	now := g.now()

	if g.limits.SenderPerMinute > 0 {
		n, err := g.log.CountBySenderSince(ctx, senderTelegramUserID, now.Add(-time.Minute))
		if err != nil {
			return nil, fmt.Errorf("count sender per minute: %w", err)
		}
		if n >= g.limits.SenderPerMinute {
			return &Violation{
				Reason:  ReasonSenderPerMinute,
				Message: "You are sending too many messages per minute. Try again shortly.",
			}, nil
		}
	}

	if g.limits.SenderPerHour > 0 {
		n, err := g.log.CountBySenderSince(ctx, senderTelegramUserID, now.Add(-time.Hour))
		if err != nil {
			return nil, fmt.Errorf("count sender per hour: %w", err)
		}
		if n >= g.limits.SenderPerHour {
			return &Violation{
				Reason:  ReasonSenderPerHour,
				Message: "You have reached your hourly message limit. Please try again later.",
			}, nil
		}
	}

	if g.limits.TargetPerMinute > 0 {
		n, err := g.log.CountByTargetSince(ctx, targetUserID, now.Add(-time.Minute))
		if err != nil {
			return nil, fmt.Errorf("count target per minute: %w", err)
		}
		if n >= g.limits.TargetPerMinute {
			return &Violation{
				Reason:  ReasonTargetPerMinute,
				Message: "This user is temporarily receiving too many messages. Try again later.",
			}, nil
		}
	}

	if g.limits.DuplicateWindowSeconds > 0 {
		window := time.Duration(g.limits.DuplicateWindowSeconds) * time.Second
		dup, err := g.log.HasDuplicateSince(ctx, targetUserID, senderTelegramUserID, contentHash, now.Add(-window))
		if err != nil {
			return nil, fmt.Errorf("check duplicate: %w", err)
		}
		if dup {
			return &Violation{
				Reason:  ReasonDuplicate,
				Message: "You already sent this exact message. Send something new.",
			}, nil
		}
	}

	return nil, nil
}
