package pairgame

import (
	"econlab/internal/mechanism"
	"econlab/internal/store"
)

// Ultimatum is the take-it-or-leave-it split. The proposer offers part
// of an endowment; the responder accepts (the split stands) or rejects
// (both earn nothing).
type Ultimatum struct{}

// NewUltimatum creates the ultimatum game wrapped in the pair engine.
func NewUltimatum(st *store.Store, bus mechanism.Broadcaster) *Game {
	return New(st, bus, Ultimatum{})
}

func (Ultimatum) Type() string { return "ultimatum" }

func (Ultimatum) Describe() []mechanism.ConfigField {
	return []mechanism.ConfigField{
		{Name: "endowment", Kind: "int", Description: "amount to split in cents", Default: 1000},
	}
}

func (Ultimatum) ValidateConfig(cfg Config) error {
	if cfg.Int("endowment", 1000) <= 0 {
		return mechanism.Reject("endowment must be positive")
	}
	return nil
}

func (Ultimatum) Roles() (string, string) { return "proposer", "responder" }

func (Ultimatum) ValidateFirstMove(cfg Config, move *mechanism.PairAction) error {
	endowment := cfg.Int("endowment", 1000)
	if move.Amount > endowment {
		return mechanism.Reject("offer %d exceeds the endowment of %d", move.Amount, endowment)
	}
	return nil
}

func (Ultimatum) ValidateSecondMove(cfg Config, first, second *mechanism.PairAction) error {
	return nil // accept or reject, nothing else to check
}

func (Ultimatum) Payoffs(cfg Config, first, second *mechanism.PairAction) (int64, int64, map[string]any) {
	endowment := cfg.Int("endowment", 1000)
	outcome := map[string]any{
		"offer":    first.Amount,
		"accepted": second.Accept,
	}
	if !second.Accept {
		return 0, 0, outcome
	}
	return endowment - first.Amount, first.Amount, outcome
}
