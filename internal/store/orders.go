package store

import (
	"database/sql"
	"errors"
	"time"
)

var ErrOrderNotFound = errors.New("order not found")

// Order sides.
const (
	SideBid = "bid"
	SideAsk = "ask"
)

// Order is a unit-quantity standing offer within a round. Orders are
// deactivated on match or round end, never deleted, so the round's full
// order history survives as an audit trail.
type Order struct {
	ID        string
	RoundID   string
	PlayerID  string
	Side      string
	Price     int64
	Active    bool
	CreatedAt time.Time
}

// CreateOrder records a new active order. The creation timestamp is
// taken here with full precision because matching ties are broken by
// submission time.
func (s *Store) CreateOrder(roundID, playerID, side string, price int64) (*Order, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(
		"INSERT INTO orders (id, round_id, player_id, side, price, active, created_at) VALUES (?, ?, ?, ?, ?, TRUE, ?)",
		id, roundID, playerID, side, price, now,
	)
	if err != nil {
		return nil, err
	}

	return &Order{
		ID:        id,
		RoundID:   roundID,
		PlayerID:  playerID,
		Side:      side,
		Price:     price,
		Active:    true,
		CreatedAt: now,
	}, nil
}

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(id string) (*Order, error) {
	o := &Order{}
	err := s.db.QueryRow(
		"SELECT id, round_id, player_id, side, price, active, created_at FROM orders WHERE id = ?",
		id,
	).Scan(&o.ID, &o.RoundID, &o.PlayerID, &o.Side, &o.Price, &o.Active, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ActiveOrders returns a round's active orders in submission order.
func (s *Store) ActiveOrders(roundID string) ([]*Order, error) {
	rows, err := s.db.Query(
		"SELECT id, round_id, player_id, side, price, active, created_at FROM orders WHERE round_id = ? AND active ORDER BY created_at",
		roundID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o := &Order{}
		err := rows.Scan(&o.ID, &o.RoundID, &o.PlayerID, &o.Side, &o.Price, &o.Active, &o.CreatedAt)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DeactivateRoundOrders deactivates every resting order in a round.
// Used by settlement finalization.
func (s *Store) DeactivateRoundOrders(roundID string) error {
	_, err := s.db.Exec("UPDATE orders SET active = FALSE WHERE round_id = ? AND active", roundID)
	return err
}
