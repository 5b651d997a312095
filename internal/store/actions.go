package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

var (
	ErrActionNotFound = errors.New("action not found")
	ErrActionExists   = errors.New("action already submitted for this turn")
	ErrResultExists   = errors.New("result already recorded")
)

// Turn types for two-stage mechanisms.
const (
	TurnFirstMove  = "first_move"
	TurnSecondMove = "second_move"
)

// Action is an opaque per-player decision record for non-order-book
// mechanisms. A player may have at most one action of a given turn
// type per round, enforced by a uniqueness constraint.
type Action struct {
	ID        string
	RoundID   string
	PlayerID  string
	TurnType  string
	Payload   string // JSON
	CreatedAt time.Time
}

// Result is the computed payoff record for one player in one round.
// At most one per (round, player).
type Result struct {
	ID          string
	RoundID     string
	PlayerID    string
	ProfitDelta int64
	Payload     string // JSON
	CreatedAt   time.Time
}

// CreateAction records a player's decision for a turn. Returns
// ErrActionExists when the player already submitted this turn type in
// this round.
func (s *Store) CreateAction(roundID, playerID, turnType, payload string) (*Action, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		"INSERT INTO actions (id, round_id, player_id, turn_type, payload) VALUES (?, ?, ?, ?, ?)",
		id, roundID, playerID, turnType, payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActionExists
		}
		return nil, err
	}

	return &Action{ID: id, RoundID: roundID, PlayerID: playerID, TurnType: turnType, Payload: payload}, nil
}

// GetAction retrieves a player's action of the given turn type within
// a round.
func (s *Store) GetAction(roundID, playerID, turnType string) (*Action, error) {
	a := &Action{}
	err := s.db.QueryRow(
		"SELECT id, round_id, player_id, turn_type, payload, created_at FROM actions WHERE round_id = ? AND player_id = ? AND turn_type = ?",
		roundID, playerID, turnType,
	).Scan(&a.ID, &a.RoundID, &a.PlayerID, &a.TurnType, &a.Payload, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CountActions returns how many actions of a turn type a round has.
func (s *Store) CountActions(roundID, turnType string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM actions WHERE round_id = ? AND turn_type = ?",
		roundID, turnType,
	).Scan(&n)
	return n, err
}

// CreateResult records a player's payoff for a round. Returns
// ErrResultExists when a result is already recorded; duplicate
// settlement attempts rely on this as the final defense.
func (s *Store) CreateResult(roundID, playerID string, profitDelta int64, payload string) (*Result, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}
	if payload == "" {
		payload = "{}"
	}

	_, err = s.db.Exec(
		"INSERT INTO results (id, round_id, player_id, profit_delta, payload) VALUES (?, ?, ?, ?, ?)",
		id, roundID, playerID, profitDelta, payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrResultExists
		}
		return nil, err
	}

	return &Result{ID: id, RoundID: roundID, PlayerID: playerID, ProfitDelta: profitDelta, Payload: payload}, nil
}

// ResultsByRound returns a round's results.
func (s *Store) ResultsByRound(roundID string) ([]*Result, error) {
	rows, err := s.db.Query(
		"SELECT id, round_id, player_id, profit_delta, payload, created_at FROM results WHERE round_id = ? ORDER BY rowid",
		roundID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r := &Result{}
		err := rows.Scan(&r.ID, &r.RoundID, &r.PlayerID, &r.ProfitDelta, &r.Payload, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountResults returns how many results a round has.
func (s *Store) CountResults(roundID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM results WHERE round_id = ?", roundID).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
