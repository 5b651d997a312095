// Package pairgame implements the two-stage sequential-pair mechanism
// family. A shared engine handles pairing, turn order, and settlement;
// each game contributes only its move constraints and payoff rule
// through the Rules interface.
package pairgame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"econlab/internal/mechanism"
	"econlab/internal/store"
)

// Rules is the per-game plug-in: move validation and the payoff
// function. Everything else (pairing, turn enforcement, at-most-once
// settlement) lives in the shared Game engine.
type Rules interface {
	// Type returns the game-type identifier.
	Type() string

	// Describe returns the game's configuration fields.
	Describe() []mechanism.ConfigField

	// ValidateConfig accepts or rejects a proposed configuration.
	ValidateConfig(cfg Config) error

	// Roles returns the first-mover and second-mover role names.
	Roles() (first, second string)

	// ValidateFirstMove checks the first mover's action.
	ValidateFirstMove(cfg Config, move *mechanism.PairAction) error

	// ValidateSecondMove checks the second mover's action given the
	// partner's already-recorded first move.
	ValidateSecondMove(cfg Config, first, second *mechanism.PairAction) error

	// Payoffs computes both players' profit deltas for a completed
	// pair, plus a payload describing the outcome.
	Payoffs(cfg Config, first, second *mechanism.PairAction) (firstDelta, secondDelta int64, payload map[string]any)
}

// Game runs any sequential-pair mechanism over a Rules implementation.
type Game struct {
	store  *store.Store
	bus    mechanism.Broadcaster
	rules  Rules
	settle singleflight.Group
}

// New wraps a Rules implementation in the shared pair-game engine.
func New(st *store.Store, bus mechanism.Broadcaster, rules Rules) *Game {
	return &Game{store: st, bus: bus, rules: rules}
}

func (g *Game) Type() string { return g.rules.Type() }

func (g *Game) Describe() mechanism.ConfigSchema {
	return mechanism.ConfigSchema{Fields: g.rules.Describe()}
}

func (g *Game) ValidateConfig(raw map[string]any) error {
	return g.rules.ValidateConfig(Config(raw))
}

// SetupRound pairs players by join order and assigns roles on first
// contact: even seats move first, odd seats move second. Players who
// already hold a role keep it.
func (g *Game) SetupRound(ctx context.Context, session *store.Session, round *store.Round) error {
	players, err := g.store.PlayersBySession(session.ID)
	if err != nil {
		return err
	}

	firstRole, secondRole := g.rules.Roles()
	for i, p := range players {
		if p.Role != "" {
			continue
		}
		role := firstRole
		if i%2 == 1 {
			role = secondRole
		}
		if err := g.store.SetPlayerRole(p.ID, role, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// seat locates a player inside the round's pairing.
type seat struct {
	first   bool
	partner *store.Player
}

func (g *Game) seatOf(sessionID, playerID string) (*seat, error) {
	players, err := g.store.PlayersBySession(sessionID)
	if err != nil {
		return nil, err
	}

	for i, p := range players {
		if p.ID != playerID {
			continue
		}
		var partnerIdx int
		if i%2 == 0 {
			partnerIdx = i + 1
		} else {
			partnerIdx = i - 1
		}
		if partnerIdx >= len(players) {
			// Odd player count leaves the last seat unpaired.
			return nil, mechanism.Reject("no partner assigned in this round")
		}
		return &seat{first: i%2 == 0, partner: players[partnerIdx]}, nil
	}
	return nil, store.ErrPlayerNotFound
}

// HandleAction records one move. First moves may arrive any time;
// second moves are rejected until the partner's first move exists.
// When the last pair completes, the round settles immediately.
func (g *Game) HandleAction(ctx context.Context, round *store.Round, player *store.Player, act *mechanism.Action) (*mechanism.Ack, error) {
	if act.Kind != mechanism.KindPair {
		return nil, mechanism.Reject("%s expects pair actions", g.rules.Type())
	}
	move := act.Pair

	session, err := g.store.GetSession(round.SessionID)
	if err != nil {
		return nil, err
	}
	cfg := Config(session.Config)

	st, err := g.seatOf(session.ID, player.ID)
	if err != nil {
		return nil, err
	}

	switch move.Turn {
	case store.TurnFirstMove:
		if !st.first {
			return nil, mechanism.Reject("only the first mover submits a %s", store.TurnFirstMove)
		}
		if err := g.rules.ValidateFirstMove(cfg, move); err != nil {
			return nil, err
		}

	case store.TurnSecondMove:
		if st.first {
			return nil, mechanism.Reject("only the second mover submits a %s", store.TurnSecondMove)
		}
		partnerMove, err := g.moveOf(round.ID, st.partner.ID, store.TurnFirstMove)
		if errors.Is(err, store.ErrActionNotFound) {
			return nil, mechanism.Reject("partner has not submitted yet")
		}
		if err != nil {
			return nil, err
		}
		if err := g.rules.ValidateSecondMove(cfg, partnerMove, move); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(move)
	if err != nil {
		return nil, err
	}
	if _, err := g.store.CreateAction(round.ID, player.ID, move.Turn, string(payload)); err != nil {
		if errors.Is(err, store.ErrActionExists) {
			return nil, mechanism.Reject("move already submitted for this turn")
		}
		return nil, err
	}

	if move.Turn == store.TurnFirstMove {
		// Announce availability, never the contents: moves stay
		// private until the round settles.
		g.bus.Publish(mechanism.SessionRoom(session.ID), "first-move-submitted", map[string]any{
			"round_id":  round.ID,
			"player_id": player.ID,
		})
	}

	done, err := g.allPairsComplete(round)
	if err != nil {
		return nil, err
	}
	if done {
		if err := g.settleRound(round); err != nil {
			log.Printf("[pairgame] settlement failed for round %s: %v", round.ID, err)
		}
	}

	return &mechanism.Ack{Payload: map[string]any{"turn": move.Turn}}, nil
}

func (g *Game) moveOf(roundID, playerID, turn string) (*mechanism.PairAction, error) {
	a, err := g.store.GetAction(roundID, playerID, turn)
	if err != nil {
		return nil, err
	}
	var move mechanism.PairAction
	if err := json.Unmarshal([]byte(a.Payload), &move); err != nil {
		return nil, fmt.Errorf("decode recorded move %s: %w", a.ID, err)
	}
	return &move, nil
}

func (g *Game) allPairsComplete(round *store.Round) (bool, error) {
	players, err := g.store.PlayersBySession(round.SessionID)
	if err != nil {
		return false, err
	}
	pairs := len(players) / 2
	if pairs == 0 {
		return false, nil
	}

	firsts, err := g.store.CountActions(round.ID, store.TurnFirstMove)
	if err != nil {
		return false, err
	}
	seconds, err := g.store.CountActions(round.ID, store.TurnSecondMove)
	if err != nil {
		return false, err
	}
	return firsts >= pairs && seconds >= pairs, nil
}

// settleRound applies payoffs for every completed pair exactly once.
// Concurrent callers collapse into one execution; a repeated call finds
// the result rows already recorded and applies nothing.
func (g *Game) settleRound(round *store.Round) error {
	_, err, _ := g.settle.Do(round.ID, func() (any, error) {
		return nil, g.settlePairs(round)
	})
	g.settle.Forget(round.ID)
	return err
}

func (g *Game) settlePairs(round *store.Round) error {
	session, err := g.store.GetSession(round.SessionID)
	if err != nil {
		return err
	}
	cfg := Config(session.Config)

	players, err := g.store.PlayersBySession(session.ID)
	if err != nil {
		return err
	}

	settled := 0
	for i := 0; i+1 < len(players); i += 2 {
		first, second := players[i], players[i+1]

		fm, err := g.moveOf(round.ID, first.ID, store.TurnFirstMove)
		if errors.Is(err, store.ErrActionNotFound) {
			continue // pair never started
		}
		if err != nil {
			return err
		}
		sm, err := g.moveOf(round.ID, second.ID, store.TurnSecondMove)
		if errors.Is(err, store.ErrActionNotFound) {
			continue // pair never finished
		}
		if err != nil {
			return err
		}

		firstDelta, secondDelta, outcome := g.rules.Payoffs(cfg, fm, sm)
		if err := g.recordResult(round.ID, first.ID, firstDelta, outcome); err != nil {
			return err
		}
		if err := g.recordResult(round.ID, second.ID, secondDelta, outcome); err != nil {
			return err
		}
		settled++
	}

	if settled > 0 {
		g.bus.Publish(mechanism.SessionRoom(session.ID), "round-results", map[string]any{
			"round_id": round.ID,
			"pairs":    settled,
		})
	}
	return nil
}

// recordResult writes the durable result row and, only when this call
// created it, applies the profit delta. The uniqueness constraint makes
// the profit application at-most-once per player per round.
func (g *Game) recordResult(roundID, playerID string, delta int64, outcome map[string]any) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	if _, err := g.store.CreateResult(roundID, playerID, delta, string(payload)); err != nil {
		if errors.Is(err, store.ErrResultExists) {
			return nil
		}
		return err
	}
	return g.store.AddProfit(playerID, delta)
}

// Settle finalizes whatever pairs completed and reports every player's
// round outcome. Players in unfinished pairs earn nothing.
func (g *Game) Settle(ctx context.Context, round *store.Round) (*mechanism.Settlement, error) {
	if err := g.settleRound(round); err != nil {
		return nil, err
	}

	results, err := g.store.ResultsByRound(round.ID)
	if err != nil {
		return nil, err
	}
	deltas := make(map[string]int64, len(results))
	payloads := make(map[string]string, len(results))
	for _, r := range results {
		deltas[r.PlayerID] = r.ProfitDelta
		payloads[r.PlayerID] = r.Payload
	}

	players, err := g.store.PlayersBySession(round.SessionID)
	if err != nil {
		return nil, err
	}

	entries := make([]mechanism.SettlementEntry, 0, len(players))
	for _, p := range players {
		entry := mechanism.SettlementEntry{PlayerID: p.ID, Profit: deltas[p.ID]}
		if raw, ok := payloads[p.ID]; ok {
			var outcome map[string]any
			if err := json.Unmarshal([]byte(raw), &outcome); err == nil {
				entry.Payload = outcome
			}
		}
		entries = append(entries, entry)
	}

	return &mechanism.Settlement{
		Entries: entries,
		Summary: map[string]any{
			"pairs_settled": len(results) / 2,
			"players":       len(players),
		},
	}, nil
}

// Snapshot reports a player's seat, what they have submitted, and
// whether the partner's first move is in. Move contents of the partner
// stay hidden until settlement.
func (g *Game) Snapshot(ctx context.Context, round *store.Round, playerID string) (map[string]any, error) {
	firsts, err := g.store.CountActions(round.ID, store.TurnFirstMove)
	if err != nil {
		return nil, err
	}
	seconds, err := g.store.CountActions(round.ID, store.TurnSecondMove)
	if err != nil {
		return nil, err
	}

	snap := map[string]any{
		"round_id":     round.ID,
		"round_number": round.Number,
		"status":       round.Status,
		"first_moves":  firsts,
		"second_moves": seconds,
	}
	if playerID == "" {
		return snap, nil
	}

	player, err := g.store.GetPlayer(playerID)
	if err != nil {
		return nil, err
	}

	me := map[string]any{
		"id":     player.ID,
		"role":   player.Role,
		"profit": player.Profit,
	}

	st, err := g.seatOf(round.SessionID, playerID)
	switch {
	case mechanism.IsReject(err):
		me["paired"] = false
	case err != nil:
		return nil, err
	default:
		me["paired"] = true
		me["moves_first"] = st.first

		ownTurn := store.TurnSecondMove
		partnerTurn := store.TurnFirstMove
		if st.first {
			ownTurn, partnerTurn = partnerTurn, ownTurn
		}
		if own, err := g.moveOf(round.ID, playerID, ownTurn); err == nil {
			me["move"] = own
		} else if !errors.Is(err, store.ErrActionNotFound) {
			return nil, err
		}
		if _, err := g.store.GetAction(round.ID, st.partner.ID, partnerTurn); err == nil {
			me["partner_submitted"] = true
		} else if errors.Is(err, store.ErrActionNotFound) {
			me["partner_submitted"] = false
		} else {
			return nil, err
		}
	}

	if results, err := g.store.ResultsByRound(round.ID); err == nil {
		for _, r := range results {
			if r.PlayerID == playerID {
				var outcome map[string]any
				if json.Unmarshal([]byte(r.Payload), &outcome) == nil {
					me["outcome"] = outcome
				}
				me["round_profit"] = r.ProfitDelta
			}
		}
	} else {
		return nil, err
	}

	snap["player"] = me
	return snap, nil
}
