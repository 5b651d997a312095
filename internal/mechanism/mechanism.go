// Package mechanism defines the contract every market game implements
// and the registry that dispatches to the right implementation per
// session. Mechanisms apply their own side effects through the store;
// the orchestrator only drives the round lifecycle around them.
package mechanism

import (
	"context"
	"fmt"

	"econlab/internal/store"
)

// Broadcaster is the real-time fan-out collaborator. Delivery is
// best-effort, at-most-once per connected client.
type Broadcaster interface {
	Publish(room, event string, payload any)
}

// SessionRoom is the broadcast room for session-wide lifecycle events.
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// MarketRoom is the sub-room for high-frequency market events (order
// and trade flow).
func MarketRoom(sessionID string) string {
	return "session:" + sessionID + ":market"
}

// ConfigField describes one configuration option for the operator UI.
type ConfigField struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // "int" or "bool"
	Description string `json:"description"`
	Default     any    `json:"default"`
}

// ConfigSchema describes a mechanism's configuration surface.
type ConfigSchema struct {
	Fields []ConfigField `json:"fields"`
}

// SettlementEntry reports one player's payoff for the round. Profit
// has already been applied to the player by the mechanism; the entry
// is the durable report the orchestrator persists and broadcasts.
type SettlementEntry struct {
	PlayerID string         `json:"player_id"`
	Profit   int64          `json:"profit"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Settlement is the outcome of ending a round.
type Settlement struct {
	Entries []SettlementEntry `json:"entries"`
	Summary map[string]any    `json:"summary"`
}

// Ack is the synchronous acceptance returned for a handled action.
type Ack struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// Mechanism is implemented by every game type. Implementations must be
// safe for concurrent use: actions from different players interleave
// arbitrarily, and Settle can race HandleAction-triggered settlement.
type Mechanism interface {
	// Type returns the game-type identifier used by the registry.
	Type() string

	// Describe returns the configuration schema and defaults.
	Describe() ConfigSchema

	// ValidateConfig accepts or rejects a proposed session
	// configuration with a human-readable reason.
	ValidateConfig(cfg map[string]any) error

	// SetupRound prepares players for a starting round. Role and
	// private-parameter assignment happens once, when a player has no
	// role yet; later rounds are a no-op for already-set-up players.
	SetupRound(ctx context.Context, session *store.Session, round *store.Round) error

	// HandleAction validates and applies one player action, with side
	// effects applied on success. Rejections are *RejectError.
	HandleAction(ctx context.Context, round *store.Round, player *store.Player, act *Action) (*Ack, error)

	// Settle finalizes a round and reports payoffs. Must be
	// idempotent: a second call for the same round reports the
	// already-recorded outcome without re-applying it.
	Settle(ctx context.Context, round *store.Round) (*Settlement, error)

	// Snapshot returns the recoverable round state for a reconnecting
	// client. Two calls with no intervening action return identical
	// payloads.
	Snapshot(ctx context.Context, round *store.Round, playerID string) (map[string]any, error)
}

// RejectError is a synchronous validation rejection. No state was
// mutated.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

// Reject builds a rejection with a human-readable reason.
func Reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// IsReject reports whether err is a validation rejection.
func IsReject(err error) bool {
	_, ok := err.(*RejectError)
	return ok
}
