package pairgame

import (
	"econlab/internal/mechanism"
	"econlab/internal/store"
)

// Trust is the investment game. The investor sends part of an
// endowment; the transfer is multiplied in transit; the trustee
// returns any share of the multiplied amount.
type Trust struct{}

// NewTrust creates the trust game wrapped in the pair engine.
func NewTrust(st *store.Store, bus mechanism.Broadcaster) *Game {
	return New(st, bus, Trust{})
}

func (Trust) Type() string { return "trust" }

func (Trust) Describe() []mechanism.ConfigField {
	return []mechanism.ConfigField{
		{Name: "endowment", Kind: "int", Description: "investor starting amount in cents", Default: 1000},
		{Name: "multiplier", Kind: "int", Description: "growth factor applied to the transfer", Default: 3},
	}
}

func (Trust) ValidateConfig(cfg Config) error {
	if cfg.Int("endowment", 1000) <= 0 {
		return mechanism.Reject("endowment must be positive")
	}
	if cfg.Int("multiplier", 3) < 1 {
		return mechanism.Reject("multiplier must be at least 1")
	}
	return nil
}

func (Trust) Roles() (string, string) { return "investor", "trustee" }

func (Trust) ValidateFirstMove(cfg Config, move *mechanism.PairAction) error {
	endowment := cfg.Int("endowment", 1000)
	if move.Amount > endowment {
		return mechanism.Reject("transfer %d exceeds the endowment of %d", move.Amount, endowment)
	}
	return nil
}

func (Trust) ValidateSecondMove(cfg Config, first, second *mechanism.PairAction) error {
	pot := first.Amount * cfg.Int("multiplier", 3)
	if second.Amount > pot {
		return mechanism.Reject("return %d exceeds the multiplied transfer of %d", second.Amount, pot)
	}
	return nil
}

func (Trust) Payoffs(cfg Config, first, second *mechanism.PairAction) (int64, int64, map[string]any) {
	endowment := cfg.Int("endowment", 1000)
	mult := cfg.Int("multiplier", 3)
	sent, returned := first.Amount, second.Amount
	outcome := map[string]any{
		"sent":     sent,
		"returned": returned,
	}
	return endowment - sent + returned, sent*mult - returned, outcome
}
