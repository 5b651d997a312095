package store

import (
	"database/sql"
	"errors"
	"time"
)

var ErrRoundNotFound = errors.New("round not found")

// Round statuses.
const (
	RoundWaiting   = "waiting"
	RoundActive    = "active"
	RoundCompleted = "completed"
)

// Round is one timed period within a session. At most one round per
// session is active at a time; transitions go through the compare-and-
// swap updates below, which is what enforces that invariant under
// concurrent timers and operator actions.
type Round struct {
	ID          string
	SessionID   string
	Number      int
	Status      string
	DurationSec int
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// Duration returns the configured round duration.
func (r *Round) Duration() time.Duration {
	return time.Duration(r.DurationSec) * time.Second
}

// CreateRounds bulk-creates the waiting rounds for a session, numbered
// from 1.
func (s *Store) CreateRounds(sessionID string, count, durationSec int) ([]*Round, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rounds := make([]*Round, 0, count)
	for n := 1; n <= count; n++ {
		id, err := generateID()
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(
			"INSERT INTO rounds (id, session_id, number, duration_sec) VALUES (?, ?, ?, ?)",
			id, sessionID, n, durationSec,
		)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, &Round{
			ID:          id,
			SessionID:   sessionID,
			Number:      n,
			Status:      RoundWaiting,
			DurationSec: durationSec,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rounds, nil
}

func scanRound(row *sql.Row) (*Round, error) {
	r := &Round{}
	var started, ended sql.NullTime
	err := row.Scan(&r.ID, &r.SessionID, &r.Number, &r.Status, &r.DurationSec, &started, &ended)
	if err == sql.ErrNoRows {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	return r, nil
}

const roundCols = "id, session_id, number, status, duration_sec, started_at, ended_at"

// GetRound retrieves a round by ID.
func (s *Store) GetRound(id string) (*Round, error) {
	return scanRound(s.db.QueryRow("SELECT "+roundCols+" FROM rounds WHERE id = ?", id))
}

// GetRoundByNumber retrieves a session's round by sequence number.
func (s *Store) GetRoundByNumber(sessionID string, number int) (*Round, error) {
	return scanRound(s.db.QueryRow(
		"SELECT "+roundCols+" FROM rounds WHERE session_id = ? AND number = ?",
		sessionID, number))
}

// ActiveRound returns the session's currently active round, or
// ErrRoundNotFound if none is active.
func (s *Store) ActiveRound(sessionID string) (*Round, error) {
	return scanRound(s.db.QueryRow(
		"SELECT "+roundCols+" FROM rounds WHERE session_id = ? AND status = ?",
		sessionID, RoundActive))
}

// NextWaitingRound returns the lowest-numbered waiting round for the
// session, or ErrRoundNotFound when the session has none left.
func (s *Store) NextWaitingRound(sessionID string) (*Round, error) {
	return scanRound(s.db.QueryRow(
		"SELECT "+roundCols+" FROM rounds WHERE session_id = ? AND status = ? ORDER BY number LIMIT 1",
		sessionID, RoundWaiting))
}

// ActivateRound transitions a round from waiting to active, guarded by
// the previous status. Returns false when the round was not waiting;
// the caller must treat that as "someone else already started it" and
// no-op. An additional session-scoped guard refuses to activate while
// another round in the same session is still active.
func (s *Store) ActivateRound(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE rounds SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM rounds r2
			WHERE r2.session_id = rounds.session_id AND r2.status = ?
		)`,
		RoundActive, time.Now().UTC(), id, RoundWaiting, RoundActive,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteRound transitions a round from active to completed, guarded
// by the previous status.
func (s *Store) CompleteRound(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE rounds SET status = ?, ended_at = ? WHERE id = ? AND status = ?",
		RoundCompleted, time.Now().UTC(), id, RoundActive,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountActiveRounds returns the number of active rounds for a session.
func (s *Store) CountActiveRounds(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM rounds WHERE session_id = ? AND status = ?",
		sessionID, RoundActive,
	).Scan(&n)
	return n, err
}
