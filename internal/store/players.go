package store

import (
	"database/sql"
	"errors"
	"time"
)

var (
	ErrPlayerNotFound = errors.New("player not found")
	ErrPlayerExists   = errors.New("player name already taken in this session")
)

// Player is a session participant. Role and the private economic
// parameters are assigned by the mechanism's setup hook; profit only
// ever accumulates.
type Player struct {
	ID        string
	SessionID string
	Name      string
	Role      string
	Valuation int64
	Cost      int64
	Profit    int64
	IsBot     bool
	JoinedAt  time.Time
}

// CreatePlayer adds a participant to a session.
func (s *Store) CreatePlayer(sessionID, name string, isBot bool) (*Player, error) {
	var exists bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM players WHERE session_id = ? AND name = ?)",
		sessionID, name,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrPlayerExists
	}

	id, err := generateID()
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		"INSERT INTO players (id, session_id, name, is_bot) VALUES (?, ?, ?, ?)",
		id, sessionID, name, isBot,
	)
	if err != nil {
		return nil, err
	}

	return &Player{ID: id, SessionID: sessionID, Name: name, IsBot: isBot}, nil
}

const playerCols = "id, session_id, name, role, valuation, cost, profit, is_bot, joined_at"

func scanPlayer(row *sql.Row) (*Player, error) {
	p := &Player{}
	err := row.Scan(&p.ID, &p.SessionID, &p.Name, &p.Role, &p.Valuation, &p.Cost,
		&p.Profit, &p.IsBot, &p.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPlayer retrieves a player by ID.
func (s *Store) GetPlayer(id string) (*Player, error) {
	return scanPlayer(s.db.QueryRow("SELECT "+playerCols+" FROM players WHERE id = ?", id))
}

// PlayersBySession returns a session's players in join order. Pairing
// and role assignment depend on this ordering being stable.
func (s *Store) PlayersBySession(sessionID string) ([]*Player, error) {
	rows, err := s.db.Query(
		"SELECT "+playerCols+" FROM players WHERE session_id = ? ORDER BY rowid",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []*Player
	for rows.Next() {
		p := &Player{}
		err := rows.Scan(&p.ID, &p.SessionID, &p.Name, &p.Role, &p.Valuation, &p.Cost,
			&p.Profit, &p.IsBot, &p.JoinedAt)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// SetPlayerRole assigns a role and the private economic parameters.
func (s *Store) SetPlayerRole(id, role string, valuation, cost int64) error {
	res, err := s.db.Exec(
		"UPDATE players SET role = ?, valuation = ?, cost = ? WHERE id = ?",
		role, valuation, cost, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// AddProfit accumulates a settlement delta onto a player's cumulative
// profit. Additive by construction, never an overwrite.
func (s *Store) AddProfit(id string, delta int64) error {
	res, err := s.db.Exec("UPDATE players SET profit = profit + ? WHERE id = ?", delta, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// StandingsBySession returns players ordered by cumulative profit,
// highest first.
func (s *Store) StandingsBySession(sessionID string) ([]*Player, error) {
	rows, err := s.db.Query(
		"SELECT "+playerCols+" FROM players WHERE session_id = ? ORDER BY profit DESC, rowid",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []*Player
	for rows.Next() {
		p := &Player{}
		err := rows.Scan(&p.ID, &p.SessionID, &p.Name, &p.Role, &p.Valuation, &p.Cost,
			&p.Profit, &p.IsBot, &p.JoinedAt)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}
