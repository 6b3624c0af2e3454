package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"decisium-backend/domain/message"
)

// MessageStore keeps messages per user.
type MessageStore struct {
	mu     sync.RWMutex
	byUser map[string][]message.Message
}

// NewMessageStore creates an empty message store
func NewMessageStore() *MessageStore {
	return &MessageStore{byUser: make(map[string][]message.Message)}
}

func (s *MessageStore) SaveMessages(ctx context.Context, msgs []message.Message) error {
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.byUser[m.UserID] = append(s.byUser[m.UserID], m)
	}
	return nil
}

func (s *MessageStore) ListByUserDay(ctx context.Context, userID string, day time.Time) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := message.DayKey(day)
	var out []message.Message
	for _, m := range s.byUser[userID] {
		if m.Day() == key {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MessageStore) ActiveUsers(ctx context.Context, day time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := message.DayKey(day)
	var users []string
	for userID, msgs := range s.byUser {
		for _, m := range msgs {
			if m.Day() == key {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	return users, nil
}
