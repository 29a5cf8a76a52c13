package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const participantColumns = `id, session_id, display_name, COALESCE(avatar_color, ''),
	is_anonymous, is_active, COALESCE(anonymous_token, ''), COALESCE(consumer_id, ''),
	COALESCE(last_seen_at, '')`

func scanParticipant(row *sql.Row) (*Participant, error) {
	var p Participant
	var lastSeen string
	err := row.Scan(&p.ID, &p.SessionID, &p.DisplayName, &p.AvatarColor,
		&p.IsAnonymous, &p.IsActive, &p.AnonymousToken, &p.ConsumerID, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	p.LastSeenAt = parseTime(lastSeen)
	return &p, nil
}

// CreateParticipant inserts a participant row.
func (s *Store) CreateParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (id, session_id, display_name, avatar_color, is_anonymous, is_active, anonymous_token, consumer_id, last_seen_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP)`,
		p.ID, p.SessionID, p.DisplayName, p.AvatarColor, p.IsAnonymous, p.IsActive, p.AnonymousToken, p.ConsumerID)
	if err != nil {
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

// ListActiveParticipants returns the active attendees of a session, the
// snapshot a freshly connected consumer renders.
func (s *Store) ListActiveParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = ? AND is_active ORDER BY last_seen_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		var lastSeen string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.DisplayName, &p.AvatarColor,
			&p.IsAnonymous, &p.IsActive, &p.AnonymousToken, &p.ConsumerID, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.LastSeenAt = parseTime(lastSeen)
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

// GetActiveParticipantByConsumer finds the active participant row a consumer
// session owns in the given chat session.
func (s *Store) GetActiveParticipantByConsumer(ctx context.Context, sessionID, consumerID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants
		 WHERE session_id = ? AND consumer_id = ? AND is_active`, sessionID, consumerID)
	return scanParticipant(row)
}

// GetActiveParticipantByAnonToken finds the active participant matching an
// anonymous capability token.
func (s *Store) GetActiveParticipantByAnonToken(ctx context.Context, sessionID, token string) (*Participant, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants
		 WHERE session_id = ? AND anonymous_token = ? AND is_active`, sessionID, token)
	return scanParticipant(row)
}

// SetParticipantActive flips the soft-leave flag. Rows are never deleted.
func (s *Store) SetParticipantActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchParticipant refreshes a participant's last-seen timestamp.
func (s *Store) TouchParticipant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to touch participant: %w", err)
	}
	return nil
}
