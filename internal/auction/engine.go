// Package auction implements the continuous double-auction mechanism
// family: the reference matching engine plus the price-floor,
// price-ceiling, tax, and subsidy variants that share its matching
// core.
package auction

import (
	"context"
	"errors"
	"log"

	"github.com/google/btree"

	"econlab/internal/mechanism"
	"econlab/internal/store"
)

// bidLess orders bids by price descending, then submission time
// ascending, then ID. Min() returns the best bid.
func bidLess(a, b *store.Order) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// askLess orders asks by price ascending, then submission time
// ascending, then ID. Min() returns the best ask.
func askLess(a, b *store.Order) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ProfitFunc computes the profit deltas for one match. Variants use it
// to apply a tax or subsidy wedge without touching the recorded
// clearing price.
type ProfitFunc func(buyer, seller *store.Player, price int64) (buyerDelta, sellerDelta int64)

// rawProfit is the reference rule: valuation − price for the buyer,
// price − cost for the seller.
func rawProfit(buyer, seller *store.Player, price int64) (int64, int64) {
	return buyer.Valuation - price, price - seller.Cost
}

// Engine clears a round's order book. Matching is triggered after
// every accepted submission (continuous, not batch).
type Engine struct {
	store *store.Store
	bus   mechanism.Broadcaster
}

// NewEngine creates a matching engine over the given store.
func NewEngine(st *store.Store, bus mechanism.Broadcaster) *Engine {
	return &Engine{store: st, bus: bus}
}

// loadBooks reads the round's active orders into price-time ordered
// trees.
func (e *Engine) loadBooks(roundID string) (bids, asks *btree.BTreeG[*store.Order], err error) {
	orders, err := e.store.ActiveOrders(roundID)
	if err != nil {
		return nil, nil, err
	}

	const degree = 8
	bids = btree.NewG(degree, bidLess)
	asks = btree.NewG(degree, askLess)
	for _, o := range orders {
		if o.Side == store.SideBid {
			bids.ReplaceOrInsert(o)
		} else {
			asks.ReplaceOrInsert(o)
		}
	}
	return bids, asks, nil
}

// MatchRound walks the round's book and clears every crossing pair:
// while the best bid's price is at least the best ask's price, the
// pair trades. Each match consumes exactly one bid and one ask (orders
// are unit-quantity).
//
// The execution price is always the matched ask's price, regardless of
// which side arrived last. It lies in [ask, bid] by construction and
// treats both sides identically, so neither side gains by submitting
// second.
func (e *Engine) MatchRound(ctx context.Context, round *store.Round, profit ProfitFunc) ([]*store.Trade, error) {
	if profit == nil {
		profit = rawProfit
	}

	bids, asks, err := e.loadBooks(round.ID)
	if err != nil {
		return nil, err
	}

	players := make(map[string]*store.Player)
	getPlayer := func(id string) (*store.Player, error) {
		if p, ok := players[id]; ok {
			return p, nil
		}
		p, err := e.store.GetPlayer(id)
		if err != nil {
			return nil, err
		}
		players[id] = p
		return p, nil
	}

	var trades []*store.Trade
	for {
		bid, okBid := bids.Min()
		ask, okAsk := asks.Min()
		if !okBid || !okAsk || bid.Price < ask.Price {
			break
		}

		buyer, err := getPlayer(bid.PlayerID)
		if err != nil {
			return trades, err
		}
		seller, err := getPlayer(ask.PlayerID)
		if err != nil {
			return trades, err
		}

		price := ask.Price
		buyerDelta, sellerDelta := profit(buyer, seller, price)

		trade := &store.Trade{
			RoundID:      round.ID,
			BidID:        bid.ID,
			AskID:        ask.ID,
			BuyerID:      buyer.ID,
			SellerID:     seller.ID,
			Price:        price,
			BuyerProfit:  buyerDelta,
			SellerProfit: sellerDelta,
		}

		err = e.store.ExecuteTrade(trade)
		if errors.Is(err, store.ErrOrderConsumed) {
			// A concurrent pass already matched one of these orders.
			// Drop both from this pass; the consumed one is gone and
			// the survivor will be picked up by the next trigger.
			log.Printf("[auction] round %s: skipping consumed order pair bid=%s ask=%s", round.ID, bid.ID, ask.ID)
			bids.Delete(bid)
			asks.Delete(ask)
			continue
		}
		if err != nil {
			return trades, err
		}

		bids.Delete(bid)
		asks.Delete(ask)
		trades = append(trades, trade)

		e.bus.Publish(mechanism.MarketRoom(round.SessionID), "trade-executed", map[string]any{
			"round_id":  round.ID,
			"trade_id":  trade.ID,
			"price":     trade.Price,
			"buyer_id":  trade.BuyerID,
			"seller_id": trade.SellerID,
		})
	}

	return trades, nil
}

// PriceLevel is one aggregated price level of the standing book.
type PriceLevel struct {
	Price  int64 `json:"price"`
	Orders int   `json:"orders"`
}

// bookLevels aggregates a tree side into price levels in priority
// order.
func bookLevels(tree *btree.BTreeG[*store.Order]) []PriceLevel {
	levels := make([]PriceLevel, 0)
	tree.Ascend(func(o *store.Order) bool {
		if n := len(levels); n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Orders++
			return true
		}
		levels = append(levels, PriceLevel{Price: o.Price, Orders: 1})
		return true
	})
	return levels
}
