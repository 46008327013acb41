// Package memory implements the store interfaces on mutex-guarded maps.
// It backs package tests and ephemeral runs; durability is out of scope.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rceold/whisperbot/internal/store"
)

// NewStores creates a full in-memory store set sharing one lock space.
func NewStores() *store.Stores {
	db := &database{
		usersByID:   map[int64]*store.User{},
		states:      map[int64]*store.StateRecord{},
		blocks:      map[blockKey]time.Time{},
		now:         time.Now,
	}
	return &store.Stores{
		Users:    &userStore{db: db},
		Messages: &messageStore{db: db},
		States:   &stateStore{db: db},
		Blocks:   &blockStore{db: db},
		Reports:  &reportStore{db: db},
	}
}

// NewStoresAt is NewStores with an injected clock, for time-window tests.
func NewStoresAt(now func() time.Time) *store.Stores {
	s := NewStores()
	s.Users.(*userStore).db.now = now
	return s
}

type blockKey struct {
	target int64
	sender int64
}

type database struct {
	mu sync.Mutex

	usersByID  map[int64]*store.User
	nextUserID int64

	messages      []*store.Message
	nextMessageID int64

	states map[int64]*store.StateRecord

	blocks map[blockKey]time.Time

	reports      []*store.Report
	nextReportID int64

	now func() time.Time
}

type userStore struct{ db *database }

func (s *userStore) Create(_ context.Context, u *store.User) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, existing := range s.db.usersByID {
		if existing.TelegramUserID == u.TelegramUserID || existing.PublicSlug == u.PublicSlug {
			return 0, store.ErrConflict
		}
	}

	s.db.nextUserID++
	clone := *u
	clone.ID = s.db.nextUserID
	clone.Active = true
	clone.CreatedAt = s.db.now()
	clone.UpdatedAt = clone.CreatedAt
	s.db.usersByID[clone.ID] = &clone
	return clone.ID, nil
}

func (s *userStore) ByID(_ context.Context, id int64) (*store.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if u, ok := s.db.usersByID[id]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (s *userStore) ByTelegramUserID(_ context.Context, telegramUserID int64) (*store.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, u := range s.db.usersByID {
		if u.TelegramUserID == telegramUserID {
			clone := *u
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *userStore) BySlug(_ context.Context, slug string) (*store.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, u := range s.db.usersByID {
		if u.PublicSlug == slug {
			clone := *u
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *userStore) UpdateProfile(_ context.Context, telegramUserID int64, firstName, username string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, u := range s.db.usersByID {
		if u.TelegramUserID == telegramUserID {
			u.FirstName = firstName
			u.Username = username
			u.UpdatedAt = s.db.now()
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *userStore) UpdateSettings(_ context.Context, userID int64, settingsJSON string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.usersByID[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.SettingsJSON = settingsJSON
	u.UpdatedAt = s.db.now()
	return nil
}

type messageStore struct{ db *database }

func (s *messageStore) Create(_ context.Context, m *store.Message) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.nextMessageID++
	clone := *m
	clone.ID = s.db.nextMessageID
	clone.CreatedAt = s.db.now()
	s.db.messages = append(s.db.messages, &clone)
	return clone.ID, nil
}

func (s *messageStore) ByID(_ context.Context, id int64) (*store.Message, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, m := range s.db.messages {
		if m.ID == id {
			clone := *m
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *messageStore) Inbox(_ context.Context, targetUserID int64, limit int) ([]*store.Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*store.Message
	for _, m := range s.db.messages {
		if m.TargetUserID == targetUserID {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *messageStore) CountBySenderSince(_ context.Context, sender int64, since time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, m := range s.db.messages {
		if m.SenderTelegramUserID == sender && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *messageStore) CountByTargetSince(_ context.Context, target int64, since time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, m := range s.db.messages {
		if m.TargetUserID == target && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *messageStore) HasDuplicateSince(_ context.Context, target, sender int64, hash string, since time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, m := range s.db.messages {
		if m.TargetUserID == target && m.SenderTelegramUserID == sender && m.ContentHash == hash && !m.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *messageStore) CountReceived(_ context.Context, target int64) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, m := range s.db.messages {
		if m.TargetUserID == target {
			n++
		}
	}
	return n, nil
}

func (s *messageStore) CountSent(_ context.Context, sender int64) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, m := range s.db.messages {
		if m.SenderTelegramUserID == sender {
			n++
		}
	}
	return n, nil
}

func (s *messageStore) CountReportsOnTarget(_ context.Context, target int64) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, r := range s.db.reports {
		for _, m := range s.db.messages {
			if m.ID == r.MessageID && m.TargetUserID == target {
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *messageStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	kept := s.db.messages[:0]
	var pruned int64
	for _, m := range s.db.messages {
		if m.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, m)
	}
	s.db.messages = kept
	return pruned, nil
}

type stateStore struct{ db *database }

func (s *stateStore) Save(_ context.Context, rec *store.StateRecord) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	clone := *rec
	clone.UpdatedAt = s.db.now()
	s.db.states[rec.TelegramUserID] = &clone
	return nil
}

func (s *stateStore) ByTelegramUserID(_ context.Context, telegramUserID int64) (*store.StateRecord, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if rec, ok := s.db.states[telegramUserID]; ok {
		clone := *rec
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (s *stateStore) Clear(_ context.Context, telegramUserID int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.states, telegramUserID)
	return nil
}

type blockStore struct{ db *database }

func (s *blockStore) IsBlocked(_ context.Context, target, sender int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	_, ok := s.db.blocks[blockKey{target, sender}]
	return ok, nil
}

func (s *blockStore) Block(_ context.Context, target, sender int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := blockKey{target, sender}
	if _, ok := s.db.blocks[key]; ok {
		return false, nil
	}
	s.db.blocks[key] = s.db.now()
	return true, nil
}

func (s *blockStore) CountByTarget(_ context.Context, target int64) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for key := range s.db.blocks {
		if key.target == target {
			n++
		}
	}
	return n, nil
}

type reportStore struct{ db *database }

func (s *reportStore) Create(_ context.Context, messageID, reporterUserID int64, reason string) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.nextReportID++
	s.db.reports = append(s.db.reports, &store.Report{
		ID:             s.db.nextReportID,
		MessageID:      messageID,
		ReporterUserID: reporterUserID,
		Reason:         reason,
		CreatedAt:      s.db.now(),
	})
	return s.db.nextReportID, nil
}

func (s *reportStore) CountByReporter(_ context.Context, reporterUserID int64) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, r := range s.db.reports {
		if r.ReporterUserID == reporterUserID {
			n++
		}
	}
	return n, nil
}

func (s *reportStore) WithMessageContext(_ context.Context, reportID int64) (*store.ReportContext, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, r := range s.db.reports {
		if r.ID != reportID {
			continue
		}
		for _, m := range s.db.messages {
			if m.ID == r.MessageID {
				return &store.ReportContext{
					Report:               *r,
					TargetUserID:         m.TargetUserID,
					SenderTelegramUserID: m.SenderTelegramUserID,
					MessageType:          m.Type,
					MessageText:          m.Text,
					MessageCreatedAt:     m.CreatedAt,
				}, nil
			}
		}
		return nil, store.ErrNotFound
	}
	return nil, store.ErrNotFound
}
