// Package memstore keeps conversations in memory and applies the same
// eligibility rules as the Postgres store. Used for dry runs and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"outreach/internal/domain"
	"outreach/internal/eligibility"
	"outreach/internal/store"
)

type message struct {
	direction domain.Direction
	at        time.Time
}

type Store struct {
	mu       sync.Mutex
	convs    map[int64]domain.Conversation
	messages map[int64][]message
	nextID   int64
}

func New() *Store {
	return &Store{
		convs:    map[int64]domain.Conversation{},
		messages: map[int64][]message{},
	}
}

// Put inserts or replaces a conversation. A zero ID gets the next free one.
func (s *Store) Put(c domain.Conversation) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		s.nextID++
		c.ID = s.nextID
	}
	if c.ID > s.nextID {
		s.nextID = c.ID
	}
	s.convs[c.ID] = c
	return c.ID
}

func (s *Store) AddMessage(conversationID int64, dir domain.Direction, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], message{direction: dir, at: at})
}

func (s *Store) Get(id int64) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindDue(ctx context.Context, q store.DueQuery) ([]domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snaps := make([]eligibility.Snapshot, 0, len(s.convs))
	for id, c := range s.convs {
		snaps = append(snaps, s.snapshotLocked(id, c))
	}
	s.mu.Unlock()
	return q.Rules.Select(snaps, q.Now, q.Limit), nil
}

func (s *Store) snapshotLocked(id int64, c domain.Conversation) eligibility.Snapshot {
	msgs := append([]message(nil), s.messages[id]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].at.Before(msgs[j].at) })

	snap := eligibility.Snapshot{Conversation: c}
	if c.LastActivity != nil {
		la := *c.LastActivity
		snap.Conversation.LastActivity = &la
	}
	if c.LastAttemptAt != nil {
		at := *c.LastAttemptAt
		snap.Conversation.LastAttemptAt = &at
	}
	for _, m := range msgs {
		snap.LastDirection = m.direction
		if m.direction == domain.DirectionOutbound {
			at := m.at
			snap.LastOutboundAt = &at
		}
	}
	return snap
}

func (s *Store) AdvanceState(ctx context.Context, in store.Advance) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[in.ID]
	if !ok || c.State != in.From {
		return false, nil
	}
	now := in.Now
	c.State = in.To
	c.LastActivity = &now
	c.FailedAttempts = 0
	c.LastAttemptAt = nil
	s.convs[in.ID] = c
	return true, nil
}

func (s *Store) RecordFailure(ctx context.Context, in store.Failure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[in.ID]
	if !ok || c.State != in.State {
		return nil
	}
	at := in.At
	c.FailedAttempts++
	c.LastAttemptAt = &at
	s.convs[in.ID] = c
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
