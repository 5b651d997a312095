package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session code already exists")
)

// Session lifecycle statuses.
const (
	SessionPending = "pending"
	SessionActive  = "active"
	SessionEnded   = "ended"
)

// Session is one classroom instance of a market game.
type Session struct {
	ID           string
	Code         string
	GameType     string
	Config       map[string]any
	Status       string
	CurrentRound int
	OperatorID   string
	CreatedAt    time.Time
}

// CreateSession creates a pending session with the given join code.
func (s *Store) CreateSession(code, gameType string, config map[string]any, operatorID string) (*Session, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM sessions WHERE code = ?)", code).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrSessionExists
	}

	if config == nil {
		config = map[string]any{}
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}

	id, err := generateID()
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		"INSERT INTO sessions (id, code, game_type, config, operator_id) VALUES (?, ?, ?, ?, ?)",
		id, code, gameType, string(cfg), operatorID,
	)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:         id,
		Code:       code,
		GameType:   gameType,
		Config:     config,
		Status:     SessionPending,
		OperatorID: operatorID,
	}, nil
}

func (s *Store) scanSession(row *sql.Row) (*Session, error) {
	sess := &Session{}
	var cfg string
	var operatorID sql.NullString
	err := row.Scan(&sess.ID, &sess.Code, &sess.GameType, &cfg, &sess.Status,
		&sess.CurrentRound, &operatorID, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.OperatorID = operatorID.String
	if err := json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
		return nil, err
	}
	return sess, nil
}

const sessionCols = "id, code, game_type, config, status, current_round, operator_id, created_at"

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	return s.scanSession(s.db.QueryRow(
		"SELECT "+sessionCols+" FROM sessions WHERE id = ?", id))
}

// GetSessionByCode retrieves a session by its join code.
func (s *Store) GetSessionByCode(code string) (*Session, error) {
	return s.scanSession(s.db.QueryRow(
		"SELECT "+sessionCols+" FROM sessions WHERE code = ?", code))
}

// ActivateSession transitions a session from pending to active. Returns
// false if the session was not pending.
func (s *Store) ActivateSession(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ? WHERE id = ? AND status = ?",
		SessionActive, id, SessionPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// EndSession transitions a session from active to ended. Returns false
// if the session was not active, so racing auto-advance and operator
// paths observe exactly one winner.
func (s *Store) EndSession(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ? WHERE id = ? AND status = ?",
		SessionEnded, id, SessionActive,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetCurrentRound updates the session's current round pointer.
func (s *Store) SetCurrentRound(id string, number int) error {
	_, err := s.db.Exec("UPDATE sessions SET current_round = ? WHERE id = ?", number, id)
	return err
}
