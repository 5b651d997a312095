package mechanism

import (
	"encoding/json"

	"econlab/internal/store"
)

// Action kinds, one per mechanism family.
const (
	KindOrder = "order" // order-book mechanisms
	KindPair  = "pair"  // two-stage sequential-pair mechanisms
)

// OrderAction is a bid or ask submission.
type OrderAction struct {
	Side  string `json:"side"` // "bid" or "ask"
	Price int64  `json:"price"`
}

// PairAction is a first or second move in a sequential-pair game.
// Amount carries the move's quantity (offer, transfer, effort);
// Accept carries the binary second-mover response where the game uses
// one.
type PairAction struct {
	Turn   string `json:"turn"` // "first_move" or "second_move"
	Amount int64  `json:"amount"`
	Accept bool   `json:"accept"`
}

// Action is the tagged union of all action payloads. Exactly one of
// the variant fields is set, matching Kind.
type Action struct {
	Kind  string       `json:"kind"`
	Order *OrderAction `json:"order,omitempty"`
	Pair  *PairAction  `json:"pair,omitempty"`
}

// DecodeAction parses and structurally validates a raw action payload
// at the boundary, before mechanism dispatch.
func DecodeAction(raw json.RawMessage) (*Action, error) {
	var act Action
	if err := json.Unmarshal(raw, &act); err != nil {
		return nil, Reject("malformed action payload")
	}

	switch act.Kind {
	case KindOrder:
		if act.Order == nil {
			return nil, Reject("order action requires an order body")
		}
		if act.Order.Side != store.SideBid && act.Order.Side != store.SideAsk {
			return nil, Reject("order side must be %q or %q", store.SideBid, store.SideAsk)
		}
		if act.Order.Price <= 0 {
			return nil, Reject("order price must be positive")
		}
	case KindPair:
		if act.Pair == nil {
			return nil, Reject("pair action requires a pair body")
		}
		if act.Pair.Turn != store.TurnFirstMove && act.Pair.Turn != store.TurnSecondMove {
			return nil, Reject("pair turn must be %q or %q", store.TurnFirstMove, store.TurnSecondMove)
		}
		if act.Pair.Amount < 0 {
			return nil, Reject("pair amount must not be negative")
		}
	default:
		return nil, Reject("unknown action kind %q", act.Kind)
	}

	return &act, nil
}
