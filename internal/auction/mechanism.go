package auction

import (
	"context"
	"log"
	"math/rand"

	"econlab/internal/mechanism"
	"econlab/internal/store"
)

// Roles assigned by the double-auction family.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// DoubleAuction is the continuous double-auction mechanism. Variants
// share the matching core and differ only in order pre-validation and
// the post-match profit rule.
type DoubleAuction struct {
	typ    string
	store  *store.Store
	bus    mechanism.Broadcaster
	engine *Engine

	extraFields []mechanism.ConfigField
	// checkOrder rejects an order before it is accepted (price floor
	// and ceiling variants). Nil means no extra validation.
	checkOrder func(cfg Config, act *mechanism.OrderAction) error
	// profitFor returns the match profit rule for a session config.
	// Nil means the reference rule.
	profitFor func(cfg Config) ProfitFunc
}

// NewDoubleAuction creates the reference continuous double auction.
func NewDoubleAuction(st *store.Store, bus mechanism.Broadcaster) *DoubleAuction {
	return &DoubleAuction{
		typ:    "double_auction",
		store:  st,
		bus:    bus,
		engine: NewEngine(st, bus),
	}
}

// NewPriceFloor creates the double-auction variant that rejects any
// order priced below the configured floor.
func NewPriceFloor(st *store.Store, bus mechanism.Broadcaster) *DoubleAuction {
	m := NewDoubleAuction(st, bus)
	m.typ = "price_floor"
	m.extraFields = []mechanism.ConfigField{
		{Name: "price_floor", Kind: "int", Description: "minimum legal order price in cents", Default: 3000},
	}
	m.checkOrder = func(cfg Config, act *mechanism.OrderAction) error {
		if act.Price < cfg.PriceFloor {
			return mechanism.Reject("price %d is below the floor of %d", act.Price, cfg.PriceFloor)
		}
		return nil
	}
	return m
}

// NewPriceCeiling creates the double-auction variant that rejects any
// order priced above the configured ceiling.
func NewPriceCeiling(st *store.Store, bus mechanism.Broadcaster) *DoubleAuction {
	m := NewDoubleAuction(st, bus)
	m.typ = "price_ceiling"
	m.extraFields = []mechanism.ConfigField{
		{Name: "price_ceiling", Kind: "int", Description: "maximum legal order price in cents", Default: 8000},
	}
	m.checkOrder = func(cfg Config, act *mechanism.OrderAction) error {
		if cfg.PriceCeiling > 0 && act.Price > cfg.PriceCeiling {
			return mechanism.Reject("price %d is above the ceiling of %d", act.Price, cfg.PriceCeiling)
		}
		return nil
	}
	return m
}

// NewBuyerTax creates the variant that charges the buyer a per-unit
// tax. The recorded clearing price is unchanged; only the buyer's
// profit carries the wedge.
func NewBuyerTax(st *store.Store, bus mechanism.Broadcaster) *DoubleAuction {
	m := NewDoubleAuction(st, bus)
	m.typ = "buyer_tax"
	m.extraFields = []mechanism.ConfigField{
		{Name: "tax_per_unit", Kind: "int", Description: "per-unit tax on the buyer in cents", Default: 500},
	}
	m.profitFor = func(cfg Config) ProfitFunc {
		return func(buyer, seller *store.Player, price int64) (int64, int64) {
			return buyer.Valuation - price - cfg.TaxPerUnit, price - seller.Cost
		}
	}
	return m
}

// NewSellerSubsidy creates the variant that pays the seller a per-unit
// subsidy on top of the clearing price.
func NewSellerSubsidy(st *store.Store, bus mechanism.Broadcaster) *DoubleAuction {
	m := NewDoubleAuction(st, bus)
	m.typ = "seller_subsidy"
	m.extraFields = []mechanism.ConfigField{
		{Name: "subsidy_per_unit", Kind: "int", Description: "per-unit subsidy to the seller in cents", Default: 500},
	}
	m.profitFor = func(cfg Config) ProfitFunc {
		return func(buyer, seller *store.Player, price int64) (int64, int64) {
			return buyer.Valuation - price, price - seller.Cost + cfg.SubsidyPerUnit
		}
	}
	return m
}

func (m *DoubleAuction) Type() string { return m.typ }

func (m *DoubleAuction) Describe() mechanism.ConfigSchema {
	fields := []mechanism.ConfigField{
		{Name: "min_valuation", Kind: "int", Description: "lowest buyer valuation in cents", Default: 5000},
		{Name: "max_valuation", Kind: "int", Description: "highest buyer valuation in cents", Default: 10000},
		{Name: "min_cost", Kind: "int", Description: "lowest seller cost in cents", Default: 1000},
		{Name: "max_cost", Kind: "int", Description: "highest seller cost in cents", Default: 6000},
	}
	return mechanism.ConfigSchema{Fields: append(fields, m.extraFields...)}
}

func (m *DoubleAuction) ValidateConfig(raw map[string]any) error {
	cfg := parseConfig(raw)
	if cfg.MinValuation <= 0 || cfg.MinCost < 0 {
		return mechanism.Reject("valuations must be positive and costs non-negative")
	}
	if cfg.MaxValuation < cfg.MinValuation {
		return mechanism.Reject("max_valuation must be at least min_valuation")
	}
	if cfg.MaxCost < cfg.MinCost {
		return mechanism.Reject("max_cost must be at least min_cost")
	}
	if m.typ == "price_floor" && cfg.PriceFloor <= 0 {
		return mechanism.Reject("price_floor must be positive")
	}
	if m.typ == "price_ceiling" && cfg.PriceCeiling <= 0 {
		return mechanism.Reject("price_ceiling must be positive")
	}
	if cfg.TaxPerUnit < 0 || cfg.SubsidyPerUnit < 0 {
		return mechanism.Reject("tax and subsidy must not be negative")
	}
	return nil
}

// SetupRound assigns roles and private parameters to any player that
// does not have them yet. Buyers and sellers alternate by join order;
// valuations and costs are drawn uniformly from the configured ranges.
func (m *DoubleAuction) SetupRound(ctx context.Context, session *store.Session, round *store.Round) error {
	cfg := parseConfig(session.Config)

	players, err := m.store.PlayersBySession(session.ID)
	if err != nil {
		return err
	}

	for i, p := range players {
		if p.Role != "" {
			continue
		}
		if i%2 == 0 {
			valuation := cfg.MinValuation + rand.Int63n(cfg.MaxValuation-cfg.MinValuation+1)
			if err := m.store.SetPlayerRole(p.ID, RoleBuyer, valuation, 0); err != nil {
				return err
			}
		} else {
			cost := cfg.MinCost + rand.Int63n(cfg.MaxCost-cfg.MinCost+1)
			if err := m.store.SetPlayerRole(p.ID, RoleSeller, 0, cost); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleAction accepts a bid or ask and immediately triggers a
// matching pass. A matching failure is logged but does not undo the
// accepted submission.
func (m *DoubleAuction) HandleAction(ctx context.Context, round *store.Round, player *store.Player, act *mechanism.Action) (*mechanism.Ack, error) {
	if act.Kind != mechanism.KindOrder {
		return nil, mechanism.Reject("%s expects order actions", m.typ)
	}
	order := act.Order

	switch player.Role {
	case RoleBuyer:
		if order.Side != store.SideBid {
			return nil, mechanism.Reject("buyers submit bids, not asks")
		}
	case RoleSeller:
		if order.Side != store.SideAsk {
			return nil, mechanism.Reject("sellers submit asks, not bids")
		}
	default:
		return nil, mechanism.Reject("player has no market role yet")
	}

	session, err := m.store.GetSession(round.SessionID)
	if err != nil {
		return nil, err
	}
	cfg := parseConfig(session.Config)

	if m.checkOrder != nil {
		if err := m.checkOrder(cfg, order); err != nil {
			return nil, err
		}
	}

	created, err := m.store.CreateOrder(round.ID, player.ID, order.Side, order.Price)
	if err != nil {
		return nil, err
	}

	event := "bid-submitted"
	if order.Side == store.SideAsk {
		event = "ask-submitted"
	}
	m.bus.Publish(mechanism.MarketRoom(session.ID), event, map[string]any{
		"round_id":  round.ID,
		"order_id":  created.ID,
		"player_id": player.ID,
		"price":     created.Price,
	})

	trades, err := m.engine.MatchRound(ctx, round, m.profitFunc(cfg))
	if err != nil {
		// The submission already succeeded; matching retries on the
		// next trigger or at round end.
		log.Printf("[auction] matching failed for round %s: %v", round.ID, err)
	}

	return &mechanism.Ack{Payload: map[string]any{
		"order_id": created.ID,
		"trades":   len(trades),
	}}, nil
}

func (m *DoubleAuction) profitFunc(cfg Config) ProfitFunc {
	if m.profitFor == nil {
		return nil
	}
	return m.profitFor(cfg)
}

// Settle runs a final matching pass, deactivates the resting orders,
// and reports each player's profit from the round's trades. The report
// is derived from durable trade records, so repeating it never
// re-applies profit.
func (m *DoubleAuction) Settle(ctx context.Context, round *store.Round) (*mechanism.Settlement, error) {
	session, err := m.store.GetSession(round.SessionID)
	if err != nil {
		return nil, err
	}
	cfg := parseConfig(session.Config)

	// Clear any cross left by a matching pass that failed mid-round.
	if _, err := m.engine.MatchRound(ctx, round, m.profitFunc(cfg)); err != nil {
		log.Printf("[auction] final matching pass failed for round %s: %v", round.ID, err)
	}

	if err := m.store.DeactivateRoundOrders(round.ID); err != nil {
		return nil, err
	}

	trades, err := m.store.TradesByRound(round.ID)
	if err != nil {
		return nil, err
	}

	profits := make(map[string]int64)
	var volume, priceSum int64
	for _, t := range trades {
		profits[t.BuyerID] += t.BuyerProfit
		profits[t.SellerID] += t.SellerProfit
		priceSum += t.Price
		volume++
	}

	players, err := m.store.PlayersBySession(session.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]mechanism.SettlementEntry, 0, len(players))
	for _, p := range players {
		entries = append(entries, mechanism.SettlementEntry{
			PlayerID: p.ID,
			Profit:   profits[p.ID],
			Payload:  map[string]any{"role": p.Role},
		})
	}

	summary := map[string]any{
		"trades": volume,
	}
	if volume > 0 {
		summary["avg_price"] = priceSum / volume
	}

	return &mechanism.Settlement{Entries: entries, Summary: summary}, nil
}

// Snapshot returns the book depth and trade tally, plus the player's
// private parameters, standing orders, and profit when a player is
// given. Reconnect recovery path; must be stable between actions.
func (m *DoubleAuction) Snapshot(ctx context.Context, round *store.Round, playerID string) (map[string]any, error) {
	bids, asks, err := m.engine.loadBooks(round.ID)
	if err != nil {
		return nil, err
	}

	trades, err := m.store.TradesByRound(round.ID)
	if err != nil {
		return nil, err
	}

	snap := map[string]any{
		"round_id":     round.ID,
		"round_number": round.Number,
		"status":       round.Status,
		"bids":         bookLevels(bids),
		"asks":         bookLevels(asks),
		"trades":       len(trades),
	}
	if n := len(trades); n > 0 {
		snap["last_price"] = trades[n-1].Price
	}

	if playerID == "" {
		return snap, nil
	}

	player, err := m.store.GetPlayer(playerID)
	if err != nil {
		return nil, err
	}

	var own []map[string]any
	appendOwn := func(o *store.Order) bool {
		if o.PlayerID == playerID {
			own = append(own, map[string]any{"order_id": o.ID, "side": o.Side, "price": o.Price})
		}
		return true
	}
	bids.Ascend(appendOwn)
	asks.Ascend(appendOwn)

	snap["player"] = map[string]any{
		"id":        player.ID,
		"role":      player.Role,
		"valuation": player.Valuation,
		"cost":      player.Cost,
		"profit":    player.Profit,
		"orders":    own,
	}
	return snap, nil
}
