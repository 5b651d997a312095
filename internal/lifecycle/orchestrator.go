// Package lifecycle drives sessions and rounds through their state
// machines: operator-gated starts, timed and manual round ends, the
// grace delay before auto-advancing, and settlement exactly once per
// round no matter how many triggers fire.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"econlab/internal/mechanism"
	"econlab/internal/store"
)

// ErrNotAuthorized is returned when an operator key does not match the
// session's owner.
var ErrNotAuthorized = errors.New("operator key not authorized for this session")

// Orchestrator owns the round state machine. Round ends can race
// (expiry timer vs operator click vs duplicate requests); every path
// funnels through a per-round single flight so settlement happens once.
type Orchestrator struct {
	store    *store.Store
	registry *mechanism.Registry
	bus      mechanism.Broadcaster
	grace    time.Duration

	ending  singleflight.Group
	advance singleflight.Group

	mu      sync.Mutex
	settled map[string]bool        // round IDs that finished settlement
	timers  map[string]*time.Timer // keyed "round:<id>" / "advance:<session id>"
	authz   map[string]string      // session ID -> verified operator key
}

// New creates an orchestrator. The grace duration is the pause between
// a round ending and the next one auto-starting.
func New(st *store.Store, reg *mechanism.Registry, bus mechanism.Broadcaster, grace time.Duration) *Orchestrator {
	return &Orchestrator{
		store:    st,
		registry: reg,
		bus:      bus,
		grace:    grace,
		settled:  make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		authz:    make(map[string]string),
	}
}

// Stop cancels every pending timer. In-flight settlements finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, t := range o.timers {
		t.Stop()
		delete(o.timers, key)
	}
}

func roundKey(roundID string) string     { return "round:" + roundID }
func advanceKey(sessionID string) string { return "advance:" + sessionID }

// armTimer replaces any timer under the key. The callback only runs if
// it is still the registered timer when it fires, so a cancel-and-
// replace never leaves a stale callback acting on current state.
func (o *Orchestrator) armTimer(key string, d time.Duration, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.timers[key]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		o.mu.Lock()
		current := o.timers[key] == t
		if current {
			delete(o.timers, key)
		}
		o.mu.Unlock()
		if current {
			fn()
		}
	})
	o.timers[key] = t
}

func (o *Orchestrator) cancelTimer(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[key]; ok {
		t.Stop()
		delete(o.timers, key)
	}
}

// Authorize checks an operator key against the session's owner. The
// first success per session pays the bcrypt cost; later calls within
// the same round are a cached string comparison. The cache entry is
// dropped when a round ends.
func (o *Orchestrator) Authorize(session *store.Session, key string) error {
	if session.OperatorID == "" {
		return ErrNotAuthorized
	}

	o.mu.Lock()
	cached, ok := o.authz[session.ID]
	o.mu.Unlock()
	if ok && cached == key {
		return nil
	}

	if err := o.store.VerifyOperatorKey(session.OperatorID, key); err != nil {
		if errors.Is(err, store.ErrInvalidKey) || errors.Is(err, store.ErrOperatorNotFound) {
			return ErrNotAuthorized
		}
		return err
	}

	o.mu.Lock()
	o.authz[session.ID] = key
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) invalidateAuthz(sessionID string) {
	o.mu.Lock()
	delete(o.authz, sessionID)
	o.mu.Unlock()
}

// StartRound starts a session's round by number, operator-gated.
func (o *Orchestrator) StartRound(ctx context.Context, sessionID string, number int, operatorKey string) (*store.Round, error) {
	session, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.Authorize(session, operatorKey); err != nil {
		return nil, err
	}
	if session.Status == store.SessionEnded {
		return nil, mechanism.Reject("session has ended")
	}

	round, err := o.store.GetRoundByNumber(sessionID, number)
	if err != nil {
		return nil, err
	}
	return o.startRound(ctx, session, round, "operator")
}

// startRound performs the waiting -> active transition and all of its
// side effects. Losing the activation race to a concurrent starter is
// not an error: the round is running, which is what the caller wanted.
func (o *Orchestrator) startRound(ctx context.Context, session *store.Session, round *store.Round, trigger string) (*store.Round, error) {
	ok, err := o.store.ActivateRound(round.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := o.store.GetRound(round.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == store.RoundActive {
			return current, nil
		}
		if current.Status == store.RoundCompleted {
			return nil, mechanism.Reject("round %d has already completed", current.Number)
		}
		return nil, mechanism.Reject("another round in this session is still active")
	}

	if session.Status == store.SessionPending {
		if _, err := o.store.ActivateSession(session.ID); err != nil {
			return nil, err
		}
	}

	mech, err := o.registry.Lookup(session.GameType)
	if err != nil {
		return nil, err
	}
	if err := mech.SetupRound(ctx, session, round); err != nil {
		return nil, err
	}

	if err := o.store.SetCurrentRound(session.ID, round.Number); err != nil {
		return nil, err
	}

	started, err := o.store.GetRound(round.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("[lifecycle] round %d of session %s started (%s)", started.Number, session.ID, trigger)
	o.bus.Publish(mechanism.SessionRoom(session.ID), "round-started", map[string]any{
		"round_id":     started.ID,
		"round_number": started.Number,
		"duration_sec": started.DurationSec,
	})

	o.armTimer(roundKey(started.ID), started.Duration(), func() {
		if err := o.endRound(context.Background(), started.ID, "timer"); err != nil {
			log.Printf("[lifecycle] timed end of round %s failed: %v", started.ID, err)
		}
	})

	return started, nil
}

// EndRound ends a round early at the operator's request.
func (o *Orchestrator) EndRound(ctx context.Context, roundID, operatorKey string) error {
	round, err := o.store.GetRound(roundID)
	if err != nil {
		return err
	}
	session, err := o.store.GetSession(round.SessionID)
	if err != nil {
		return err
	}
	if err := o.Authorize(session, operatorKey); err != nil {
		return err
	}
	return o.endRound(ctx, roundID, "operator")
}

// endRound settles and completes a round. Concurrent triggers for the
// same round collapse into one execution; a later duplicate finds the
// settled mark and returns without side effects.
func (o *Orchestrator) endRound(ctx context.Context, roundID, trigger string) error {
	_, err, _ := o.ending.Do(roundID, func() (any, error) {
		return nil, o.endRoundOnce(ctx, roundID, trigger)
	})
	o.ending.Forget(roundID)
	return err
}

func (o *Orchestrator) endRoundOnce(ctx context.Context, roundID, trigger string) error {
	o.mu.Lock()
	done := o.settled[roundID]
	o.mu.Unlock()
	if done {
		return nil
	}

	round, err := o.store.GetRound(roundID)
	if err != nil {
		return err
	}
	if round.Status != store.RoundActive {
		if round.Status == store.RoundCompleted {
			o.mu.Lock()
			o.settled[roundID] = true
			o.mu.Unlock()
			return nil
		}
		return mechanism.Reject("round %d is not active", round.Number)
	}

	// The expiry timer must not fire mid-settlement on the manual path.
	o.cancelTimer(roundKey(roundID))

	session, err := o.store.GetSession(round.SessionID)
	if err != nil {
		return err
	}
	mech, err := o.registry.Lookup(session.GameType)
	if err != nil {
		return err
	}

	settlement, err := mech.Settle(ctx, round)
	if err != nil {
		return err
	}

	for _, entry := range settlement.Entries {
		payload, err := json.Marshal(entry.Payload)
		if err != nil {
			return err
		}
		_, err = o.store.CreateResult(round.ID, entry.PlayerID, entry.Profit, string(payload))
		if err != nil && !errors.Is(err, store.ErrResultExists) {
			return err
		}
	}

	if _, err := o.store.CompleteRound(round.ID); err != nil {
		return err
	}

	o.mu.Lock()
	o.settled[roundID] = true
	o.mu.Unlock()

	// Cached operator credentials do not outlive a round.
	o.invalidateAuthz(session.ID)

	log.Printf("[lifecycle] round %d of session %s ended (%s)", round.Number, session.ID, trigger)
	o.bus.Publish(mechanism.SessionRoom(session.ID), "round-ended", map[string]any{
		"round_id":     round.ID,
		"round_number": round.Number,
		"trigger":      trigger,
		"entries":      settlement.Entries,
		"summary":      settlement.Summary,
	})

	o.scheduleAutoAdvance(session.ID)
	return nil
}

// scheduleAutoAdvance arms the grace-delay timer that starts the next
// waiting round, or ends the session when none remains.
func (o *Orchestrator) scheduleAutoAdvance(sessionID string) {
	o.armTimer(advanceKey(sessionID), o.grace, func() {
		if err := o.autoAdvance(context.Background(), sessionID); err != nil {
			log.Printf("[lifecycle] auto-advance for session %s failed: %v", sessionID, err)
		}
	})

	o.bus.Publish(mechanism.SessionRoom(sessionID), "auto-advance-scheduled", map[string]any{
		"delay_sec": int(o.grace / time.Second),
	})
}

func (o *Orchestrator) autoAdvance(ctx context.Context, sessionID string) error {
	_, err, _ := o.advance.Do(sessionID, func() (any, error) {
		return nil, o.autoAdvanceOnce(ctx, sessionID)
	})
	o.advance.Forget(sessionID)
	return err
}

func (o *Orchestrator) autoAdvanceOnce(ctx context.Context, sessionID string) error {
	session, err := o.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != store.SessionActive {
		return nil
	}

	// An operator may have started the next round during the grace
	// delay. Active round present means nothing to do.
	if _, err := o.store.ActiveRound(sessionID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrRoundNotFound) {
		return err
	}

	next, err := o.store.NextWaitingRound(sessionID)
	if errors.Is(err, store.ErrRoundNotFound) {
		swapped, err := o.store.EndSession(sessionID)
		if err != nil {
			return err
		}
		if swapped {
			log.Printf("[lifecycle] session %s ended: all rounds completed", sessionID)
			o.bus.Publish(mechanism.SessionRoom(sessionID), "session-ended", map[string]any{
				"session_id": sessionID,
			})
		}
		return nil
	}
	if err != nil {
		return err
	}

	_, err = o.startRound(ctx, session, next, "auto-advance")
	return err
}

// SubmitAction routes a player action to the session's mechanism.
func (o *Orchestrator) SubmitAction(ctx context.Context, roundID, playerID string, raw json.RawMessage) (*mechanism.Ack, error) {
	round, err := o.store.GetRound(roundID)
	if err != nil {
		return nil, err
	}
	if round.Status != store.RoundActive {
		return nil, mechanism.Reject("round %d is not accepting actions", round.Number)
	}

	player, err := o.store.GetPlayer(playerID)
	if err != nil {
		return nil, err
	}
	if player.SessionID != round.SessionID {
		return nil, mechanism.Reject("player does not belong to this session")
	}

	session, err := o.store.GetSession(round.SessionID)
	if err != nil {
		return nil, err
	}
	mech, err := o.registry.Lookup(session.GameType)
	if err != nil {
		return nil, err
	}

	act, err := mechanism.DecodeAction(raw)
	if err != nil {
		return nil, err
	}
	return mech.HandleAction(ctx, round, player, act)
}

// State returns the mechanism's recoverable snapshot for a round,
// scoped to a player when one is given.
func (o *Orchestrator) State(ctx context.Context, roundID, playerID string) (map[string]any, error) {
	round, err := o.store.GetRound(roundID)
	if err != nil {
		return nil, err
	}
	session, err := o.store.GetSession(round.SessionID)
	if err != nil {
		return nil, err
	}
	mech, err := o.registry.Lookup(session.GameType)
	if err != nil {
		return nil, err
	}
	return mech.Snapshot(ctx, round, playerID)
}
