// Package gate enforces the required-channel membership check. Lookups are
// cached per user with a TTL that depends on the answer, so the hot path
// (already-joined users) stays cheap while a fresh join is noticed quickly.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rceold/whisperbot/internal/transport"
)

// Status is the gate's answer for one user.
type Status string

const (
	StatusJoined    Status = "joined"
	StatusNotJoined Status = "not_joined"
	// StatusUnavailable means the bot could not read the member list,
	// usually because it is not an admin of the channel. Callers block
	// the action but show the diagnostic instead of a join prompt.
	StatusUnavailable Status = "unavailable"
)

const (
	joinedTTL      = 3 * time.Second
	notJoinedTTL   = 20 * time.Second
	unavailableTTL = 120 * time.Second

	// maxTrackedUsers caps cache size to prevent unbounded growth from
	// drive-by senders.
	maxTrackedUsers = 4096
)

// MembershipChecker is the slice of transport the gate needs.
type MembershipChecker interface {
	GetMembership(ctx context.Context, channelID string, userID int64) (transport.Membership, error)
}

type cacheEntry struct {
	status    Status
	expiresAt time.Time
}

// Gate caches membership answers for a single required channel.
// Safe for concurrent use.
type Gate struct {
	checker   MembershipChecker
	channelID string
	now       func() time.Time

	mu    sync.Mutex
	cache map[int64]cacheEntry
}

// New creates a gate for channelID. An empty channelID disables the gate:
// Resolve always answers joined.
func New(checker MembershipChecker, channelID string) *Gate {
	return &Gate{
		checker:   checker,
		channelID: channelID,
		now:       time.Now,
		cache:     make(map[int64]cacheEntry),
	}
}

// NewAt is New with an injectable clock.
func NewAt(checker MembershipChecker, channelID string, now func() time.Time) *Gate {
	g := New(checker, channelID)
	g.now = now
	return g
}

// Enabled reports whether a required channel is configured.
func (g *Gate) Enabled() bool { return g.channelID != "" }

// ChannelID returns the configured channel, for building join links.
func (g *Gate) ChannelID() string { return g.channelID }

// Resolve answers whether the user may use the bot. forceRefresh bypasses
// the cache, used right after the user claims to have joined.
func (g *Gate) Resolve(ctx context.Context, userID int64, forceRefresh bool) Status {
	if !g.Enabled() {
		return StatusJoined
	}

	now := g.now()
	if !forceRefresh {
		g.mu.Lock()
		entry, ok := g.cache[userID]
		g.mu.Unlock()
		if ok && now.Before(entry.expiresAt) {
			return entry.status
		}
	}

	status := g.lookup(ctx, userID)

	ttl := joinedTTL
	switch status {
	case StatusNotJoined:
		ttl = notJoinedTTL
	case StatusUnavailable:
		ttl = unavailableTTL
	}

	g.mu.Lock()
	if len(g.cache) >= maxTrackedUsers {
		for k, e := range g.cache {
			if now.After(e.expiresAt) {
				delete(g.cache, k)
			}
		}
		for len(g.cache) >= maxTrackedUsers {
			for k := range g.cache {
				delete(g.cache, k)
				break
			}
		}
	}
	g.cache[userID] = cacheEntry{status: status, expiresAt: now.Add(ttl)}
	g.mu.Unlock()

	return status
}

func (g *Gate) lookup(ctx context.Context, userID int64) Status {
	membership, err := g.checker.GetMembership(ctx, g.channelID, userID)
	if err != nil {
		if errors.Is(err, transport.ErrMembershipHidden) {
			slog.Warn("channel member list inaccessible", "channel", g.channelID)
			return StatusUnavailable
		}
		// Transient lookup failures must not open the gate.
		slog.Error("membership lookup failed", "channel", g.channelID,
			"user_id", userID, "error", err)
		return StatusNotJoined
	}
	if membership == transport.MemberJoined {
		return StatusJoined
	}
	return StatusNotJoined
}
