package store

import (
	"errors"
	"time"
)

var ErrOrderConsumed = errors.New("order already consumed")

// Trade is an immutable settlement record linking one bid and one ask
// to a clearing price and the profit deltas applied to each party.
type Trade struct {
	ID           string
	RoundID      string
	BidID        string
	AskID        string
	BuyerID      string
	SellerID     string
	Price        int64
	BuyerProfit  int64
	SellerProfit int64
	CreatedAt    time.Time
}

// ExecuteTrade applies one match as a unit: both orders are deactivated
// (guarded by their previous active state), the trade record is
// created, and both parties' profits are accumulated. If any step
// fails the whole match rolls back, so an order is never left inactive
// without its trade. ErrOrderConsumed means another pass already
// matched one of the orders.
func (s *Store) ExecuteTrade(t *Trade) error {
	if t.ID == "" {
		id, err := generateID()
		if err != nil {
			return err
		}
		t.ID = id
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, orderID := range []string{t.BidID, t.AskID} {
		res, err := tx.Exec("UPDATE orders SET active = FALSE WHERE id = ? AND active", orderID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrOrderConsumed
		}
	}

	_, err = tx.Exec(`
		INSERT INTO trades (id, round_id, bid_id, ask_id, buyer_id, seller_id, price, buyer_profit, seller_profit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RoundID, t.BidID, t.AskID, t.BuyerID, t.SellerID, t.Price, t.BuyerProfit, t.SellerProfit,
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec("UPDATE players SET profit = profit + ? WHERE id = ?", t.BuyerProfit, t.BuyerID); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE players SET profit = profit + ? WHERE id = ?", t.SellerProfit, t.SellerID); err != nil {
		return err
	}

	return tx.Commit()
}

// TradesByRound returns a round's trades in execution order.
func (s *Store) TradesByRound(roundID string) ([]*Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, round_id, bid_id, ask_id, buyer_id, seller_id, price, buyer_profit, seller_profit, created_at
		FROM trades WHERE round_id = ? ORDER BY rowid`,
		roundID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		err := rows.Scan(&t.ID, &t.RoundID, &t.BidID, &t.AskID, &t.BuyerID, &t.SellerID,
			&t.Price, &t.BuyerProfit, &t.SellerProfit, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CountTrades returns the number of trades recorded for a round.
func (s *Store) CountTrades(roundID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM trades WHERE round_id = ?", roundID).Scan(&n)
	return n, err
}
