package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateApp inserts a new application row.
func (s *Store) CreateApp(ctx context.Context, app *App) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO apps (id, org_id, name) VALUES (?, ?, ?)`,
		app.ID, app.OrgID, app.Name)
	if err != nil {
		return fmt.Errorf("failed to insert app: %w", err)
	}
	return nil
}

// CreateSession inserts a new chat session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	mode := sess.Mode
	if mode == "" {
		mode = ModeAI
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, app_id, title, mode, operator_id, multiplayer, owner_consumer_id, active, last_activity_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), TRUE, CURRENT_TIMESTAMP)`,
		sess.ID, sess.AppID, sess.Title, mode, sess.OperatorID, sess.Multiplayer, sess.OwnerConsumerID)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

const sessionColumns = `s.id, s.app_id, a.org_id, COALESCE(s.title, ''), s.mode,
	COALESCE(s.operator_id, ''), s.multiplayer, COALESCE(s.owner_consumer_id, ''),
	s.active, COALESCE(s.last_activity_at, s.created_at), s.created_at`

func (s *Store) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var lastActivity, createdAt string
	err := row.Scan(&sess.ID, &sess.AppID, &sess.OrgID, &sess.Title, &sess.Mode,
		&sess.OperatorID, &sess.Multiplayer, &sess.OwnerConsumerID,
		&sess.Active, &lastActivity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.LastActivityAt = parseTime(lastActivity)
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}

// GetSessionMeta looks up a session without loading message payloads. This is
// the lightweight variant used on every auth and action path.
func (s *Store) GetSessionMeta(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions s JOIN apps a ON a.id = s.app_id WHERE s.id = ?`, id)
	return s.scanSession(row)
}

// GetSession looks up a session including its message history.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.GetSessionMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, human_authored, COALESCE(author_id, ''), created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.HumanAuthored, &msg.AuthorID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = parseTime(createdAt)
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return sess, nil
}

// SetSessionMode persists the takeover state machine transition. An empty
// operatorID clears the column (release back to AI mode).
func (s *Store) SetSessionMode(ctx context.Context, id, mode, operatorID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET mode = ?, operator_id = NULLIF(?, '') WHERE id = ?`,
		mode, operatorID, id)
	if err != nil {
		return fmt.Errorf("failed to update session mode: %w", err)
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

// TouchSessionActivity refreshes the session's last-activity timestamp and
// marks it active again.
func (s *Store) TouchSessionActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_activity_at = CURRENT_TIMESTAMP, active = TRUE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to touch session activity: %w", err)
	}
	return nil
}

// EndSessionActivity marks a session inactive once its last consumer leaves.
func (s *Store) EndSessionActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET active = FALSE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to end session activity: %w", err)
	}
	return nil
}

// VerifyAccess reports whether the session belongs to an app owned by orgID.
func (s *Store) VerifyAccess(ctx context.Context, sessionID, orgID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_sessions s JOIN apps a ON a.id = s.app_id
		 WHERE s.id = ? AND a.org_id = ?`, sessionID, orgID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to verify access: %w", err)
	}
	return count > 0, nil
}

// CreateConsumerSession inserts a consumer browser session row.
func (s *Store) CreateConsumerSession(ctx context.Context, cs *ConsumerSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumer_sessions (id, expires_at) VALUES (?, ?)`,
		cs.ID, cs.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert consumer session: %w", err)
	}
	return nil
}

// GetConsumerSession looks up a consumer session, rejecting expired rows.
func (s *Store) GetConsumerSession(ctx context.Context, id string) (*ConsumerSession, error) {
	var cs ConsumerSession
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, expires_at FROM consumer_sessions WHERE id = ?`, id).Scan(&cs.ID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan consumer session: %w", err)
	}
	cs.ExpiresAt = parseTime(expiresAt)
	if !cs.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	return &cs, nil
}

// parseTime handles the timestamp formats SQLite hands back.
func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
