package storage

import (
	"context"
	"fmt"
)

// InsertMessage persists a chat message. Callers set HumanAuthored when an
// operator writes under the assistant role during a takeover.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, human_authored, author_id)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.HumanAuthored, msg.AuthorID)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
