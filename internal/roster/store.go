package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
)

// Notifier announces roster mutations so connected clients can refetch and
// merge instead of polling. Implemented over the session channel by the
// composition root.
type Notifier interface {
	RosterChanged(ctx context.Context, sessionCode string) error
}

// Store is the Postgres-backed roster.
type Store struct {
	db       *sql.DB
	notifier Notifier
}

func NewStore(db *sql.DB, notifier Notifier) *Store {
	return &Store{db: db, notifier: notifier}
}

// CreateSession inserts a new session under the given code.
func (s *Store) CreateSession(ctx context.Context, code, deckName string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (code, deck_name)
		VALUES ($1, $2)
		RETURNING code, deck_name, created_at
	`, code, deckName).Scan(&sess.Code, &sess.DeckName, &sess.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session and its full participant roster.
func (s *Store) GetSession(ctx context.Context, code string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `SELECT code, deck_name, created_at FROM sessions WHERE code=$1`, code).
		Scan(&sess.Code, &sess.DeckName, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_code, name, emoji, color, current_step, status, last_activity, joined_at
		FROM participants
		WHERE session_code=$1
		ORDER BY joined_at
	`, code)
	if err != nil {
		return Session{}, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.SessionCode, &p.Name, &p.Emoji, &p.Color, &p.CurrentStep, &p.Status, &p.LastActivity, &p.JoinedAt); err != nil {
			return Session{}, fmt.Errorf("scan participant: %w", err)
		}
		sess.Participants = append(sess.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("iterate participants: %w", err)
	}
	return sess, nil
}

// GetParticipant returns one authoritative roster row.
func (s *Store) GetParticipant(ctx context.Context, code, participantID string) (Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_code, name, emoji, color, current_step, status, last_activity, joined_at
		FROM participants
		WHERE session_code=$1 AND id=$2
	`, code, participantID).Scan(&p.ID, &p.SessionCode, &p.Name, &p.Emoji, &p.Color, &p.CurrentStep, &p.Status, &p.LastActivity, &p.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrParticipantNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("lookup participant: %w", err)
	}
	return p, nil
}

// JoinSession creates a participant with an assigned identity. Identity
// fields are immutable for the life of the membership.
func (s *Store) JoinSession(ctx context.Context, code, name, emoji, color string) (Participant, error) {
	if _, err := s.GetSession(ctx, code); err != nil {
		return Participant{}, err
	}
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO participants (id, session_code, name, emoji, color, current_step, status)
		VALUES ($1, $2, $3, $4, $5, 1, 'sorting')
		RETURNING id, session_code, name, emoji, color, current_step, status, last_activity, joined_at
	`, uuid.NewString(), code, name, emoji, color).
		Scan(&p.ID, &p.SessionCode, &p.Name, &p.Emoji, &p.Color, &p.CurrentStep, &p.Status, &p.LastActivity, &p.JoinedAt)
	if err != nil {
		return Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	s.notify(ctx, code)
	return p, nil
}

// SetStep advances a participant's authoritative step progress.
func (s *Store) SetStep(ctx context.Context, code, participantID string, step int) error {
	if step < 1 || step > 3 {
		return fmt.Errorf("invalid step %d", step)
	}
	if err := s.exec(ctx, `
		UPDATE participants SET current_step=$3, last_activity=NOW()
		WHERE session_code=$1 AND id=$2
	`, code, participantID, step); err != nil {
		return err
	}
	s.notify(ctx, code)
	return nil
}

// SetStatus records a participant's last known status in the roster, used as
// the fallback when no presence record is available.
func (s *Store) SetStatus(ctx context.Context, code, participantID, status string) error {
	if err := s.exec(ctx, `
		UPDATE participants SET status=$3, last_activity=NOW()
		WHERE session_code=$1 AND id=$2
	`, code, participantID, status); err != nil {
		return err
	}
	s.notify(ctx, code)
	return nil
}

// TouchActivity bumps the roster's last-activity timestamp without
// broadcasting a roster change.
func (s *Store) TouchActivity(ctx context.Context, code, participantID string) error {
	return s.exec(ctx, `
		UPDATE participants SET last_activity=NOW()
		WHERE session_code=$1 AND id=$2
	`, code, participantID)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// notify is best-effort: clients that miss the event converge through the
// fallback refresh.
func (s *Store) notify(ctx context.Context, code string) {
	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.notifier.RosterChanged(nctx, code); err != nil {
		log.Printf("roster: change notification for %s failed: %v", code, err)
	}
}
