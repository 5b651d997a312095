package pairgame

import (
	"econlab/internal/mechanism"
	"econlab/internal/store"
)

// PrincipalAgent is the wage/effort game. The principal posts a wage;
// the agent picks an effort level. Output accrues to the principal,
// effort cost to the agent, the wage moves between them.
type PrincipalAgent struct{}

// NewPrincipalAgent creates the principal-agent game wrapped in the
// pair engine.
func NewPrincipalAgent(st *store.Store, bus mechanism.Broadcaster) *Game {
	return New(st, bus, PrincipalAgent{})
}

func (PrincipalAgent) Type() string { return "principal_agent" }

func (PrincipalAgent) Describe() []mechanism.ConfigField {
	return []mechanism.ConfigField{
		{Name: "max_wage", Kind: "int", Description: "highest offerable wage in cents", Default: 2000},
		{Name: "max_effort", Kind: "int", Description: "highest effort level", Default: 10},
		{Name: "output_per_effort", Kind: "int", Description: "principal revenue per effort unit in cents", Default: 300},
		{Name: "cost_per_effort", Kind: "int", Description: "agent cost per effort unit in cents", Default: 100},
	}
}

func (PrincipalAgent) ValidateConfig(cfg Config) error {
	if cfg.Int("max_wage", 2000) <= 0 {
		return mechanism.Reject("max_wage must be positive")
	}
	if cfg.Int("max_effort", 10) < 1 {
		return mechanism.Reject("max_effort must be at least 1")
	}
	if cfg.Int("output_per_effort", 300) < 0 || cfg.Int("cost_per_effort", 100) < 0 {
		return mechanism.Reject("per-effort rates must not be negative")
	}
	return nil
}

func (PrincipalAgent) Roles() (string, string) { return "principal", "agent" }

func (PrincipalAgent) ValidateFirstMove(cfg Config, move *mechanism.PairAction) error {
	maxWage := cfg.Int("max_wage", 2000)
	if move.Amount > maxWage {
		return mechanism.Reject("wage %d exceeds the maximum of %d", move.Amount, maxWage)
	}
	return nil
}

func (PrincipalAgent) ValidateSecondMove(cfg Config, first, second *mechanism.PairAction) error {
	maxEffort := cfg.Int("max_effort", 10)
	if second.Amount > maxEffort {
		return mechanism.Reject("effort %d exceeds the maximum of %d", second.Amount, maxEffort)
	}
	return nil
}

func (PrincipalAgent) Payoffs(cfg Config, first, second *mechanism.PairAction) (int64, int64, map[string]any) {
	wage, effort := first.Amount, second.Amount
	output := effort * cfg.Int("output_per_effort", 300)
	cost := effort * cfg.Int("cost_per_effort", 100)
	outcome := map[string]any{
		"wage":   wage,
		"effort": effort,
		"output": output,
	}
	return output - wage, wage - cost, outcome
}
