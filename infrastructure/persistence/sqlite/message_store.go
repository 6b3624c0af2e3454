package sqlite

import (
	"context"
	"time"

	"decisium-backend/domain/message"
	pkgerrors "decisium-backend/pkg/errors"
)

// MessageStore implements ports.MessageStore on SQLite.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a message store on an open database
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) SaveMessages(ctx context.Context, msgs []message.Message) error {
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	err := s.db.inTx(ctx, func(q querier) error {
		for _, m := range msgs {
			_, err := q.ExecContext(ctx,
				`INSERT INTO messages (id, user_id, session_id, task_id, role, kind, content, day, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO NOTHING`,
				m.ID, m.UserID, m.SessionID, m.TaskID, string(m.Role), string(m.Kind), m.Content, m.Day(), m.CreatedAt.UnixNano())
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pkgerrors.NewDatabaseError("save messages", err)
	}
	return nil
}

func (s *MessageStore) ListByUserDay(ctx context.Context, userID string, day time.Time) ([]message.Message, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, task_id, role, kind, content, created_at
		 FROM messages WHERE user_id = ? AND day = ? ORDER BY created_at ASC`,
		userID, message.DayKey(day))
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("list messages", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var (
			m          message.Message
			role, kind string
			created    int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &m.TaskID, &role, &kind, &m.Content, &created); err != nil {
			return nil, pkgerrors.NewDatabaseError("scan message", err)
		}
		m.Role = message.Role(role)
		m.Kind = message.Kind(kind)
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) ActiveUsers(ctx context.Context, day time.Time) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM messages WHERE day = ? ORDER BY user_id`, message.DayKey(day))
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("active users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pkgerrors.NewDatabaseError("scan user", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
