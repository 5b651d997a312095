package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store, gameType string) *Session {
	t.Helper()
	session, err := s.CreateSession("ABC123", gameType, map[string]any{}, "")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session
}

func TestOperatorKeyVerification(t *testing.T) {
	s := newTestStore(t)

	op, err := s.CreateOperator("ms-frisby", "correct horse battery")
	if err != nil {
		t.Fatalf("Failed to create operator: %v", err)
	}

	if err := s.VerifyOperatorKey(op.ID, "correct horse battery"); err != nil {
		t.Errorf("Expected valid key to verify, got %v", err)
	}
	if err := s.VerifyOperatorKey(op.ID, "wrong key"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
	if err := s.VerifyOperatorKey("nope", "anything"); !errors.Is(err, ErrOperatorNotFound) {
		t.Errorf("Expected ErrOperatorNotFound, got %v", err)
	}

	if _, err := s.CreateOperator("ms-frisby", "another key"); !errors.Is(err, ErrOperatorExists) {
		t.Errorf("Expected ErrOperatorExists, got %v", err)
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s, "double_auction")

	if session.Status != SessionPending {
		t.Errorf("Expected new session pending, got %s", session.Status)
	}

	ok, err := s.ActivateSession(session.ID)
	if err != nil || !ok {
		t.Fatalf("Expected activation to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = s.ActivateSession(session.ID)
	if err != nil {
		t.Fatalf("Second activation errored: %v", err)
	}
	if ok {
		t.Error("Expected second activation to be a no-op")
	}

	ok, err = s.EndSession(session.ID)
	if err != nil || !ok {
		t.Fatalf("Expected end to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = s.EndSession(session.ID)
	if err != nil {
		t.Fatalf("Second end errored: %v", err)
	}
	if ok {
		t.Error("Expected second end to be a no-op")
	}
}

func TestRoundActivationGuards(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s, "double_auction")

	rounds, err := s.CreateRounds(session.ID, 3, 120)
	if err != nil {
		t.Fatalf("Failed to create rounds: %v", err)
	}
	if len(rounds) != 3 || rounds[0].Number != 1 {
		t.Fatalf("Expected 3 rounds numbered from 1, got %d", len(rounds))
	}

	next, err := s.NextWaitingRound(session.ID)
	if err != nil {
		t.Fatalf("NextWaitingRound: %v", err)
	}
	if next.Number != 1 {
		t.Errorf("Expected next waiting round 1, got %d", next.Number)
	}

	ok, err := s.ActivateRound(rounds[0].ID)
	if err != nil || !ok {
		t.Fatalf("Expected round 1 activation, got ok=%v err=%v", ok, err)
	}

	// Round 2 must not start while round 1 is active.
	ok, err = s.ActivateRound(rounds[1].ID)
	if err != nil {
		t.Fatalf("Round 2 activation errored: %v", err)
	}
	if ok {
		t.Error("Expected round 2 activation to be refused while round 1 is active")
	}

	ok, err = s.CompleteRound(rounds[0].ID)
	if err != nil || !ok {
		t.Fatalf("Expected round 1 completion, got ok=%v err=%v", ok, err)
	}
	ok, err = s.CompleteRound(rounds[0].ID)
	if err != nil {
		t.Fatalf("Second completion errored: %v", err)
	}
	if ok {
		t.Error("Expected second completion to be a no-op")
	}

	ok, err = s.ActivateRound(rounds[1].ID)
	if err != nil || !ok {
		t.Fatalf("Expected round 2 activation after round 1 completed, got ok=%v err=%v", ok, err)
	}

	r, err := s.ActiveRound(session.ID)
	if err != nil {
		t.Fatalf("ActiveRound: %v", err)
	}
	if r.Number != 2 {
		t.Errorf("Expected active round 2, got %d", r.Number)
	}
}

func TestPlayerProfitAccumulates(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s, "double_auction")

	p, err := s.CreatePlayer(session.ID, "alice", false)
	if err != nil {
		t.Fatalf("Failed to create player: %v", err)
	}

	if err := s.AddProfit(p.ID, 100); err != nil {
		t.Fatalf("AddProfit: %v", err)
	}
	if err := s.AddProfit(p.ID, -30); err != nil {
		t.Fatalf("AddProfit: %v", err)
	}

	got, err := s.GetPlayer(p.ID)
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if got.Profit != 70 {
		t.Errorf("Expected cumulative profit 70, got %d", got.Profit)
	}

	if _, err := s.CreatePlayer(session.ID, "alice", false); !errors.Is(err, ErrPlayerExists) {
		t.Errorf("Expected ErrPlayerExists for duplicate name, got %v", err)
	}
}

func TestExecuteTradeConsumesOrdersOnce(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s, "double_auction")

	rounds, err := s.CreateRounds(session.ID, 1, 60)
	if err != nil {
		t.Fatalf("CreateRounds: %v", err)
	}
	round := rounds[0]

	buyer, _ := s.CreatePlayer(session.ID, "buyer", false)
	seller, _ := s.CreatePlayer(session.ID, "seller", false)

	bid, err := s.CreateOrder(round.ID, buyer.ID, SideBid, 5000)
	if err != nil {
		t.Fatalf("CreateOrder bid: %v", err)
	}
	ask, err := s.CreateOrder(round.ID, seller.ID, SideAsk, 4000)
	if err != nil {
		t.Fatalf("CreateOrder ask: %v", err)
	}

	trade := &Trade{
		RoundID: round.ID, BidID: bid.ID, AskID: ask.ID,
		BuyerID: buyer.ID, SellerID: seller.ID,
		Price: 4000, BuyerProfit: 1000, SellerProfit: 3000,
	}
	if err := s.ExecuteTrade(trade); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}

	// Repeating the match must fail without touching profits.
	again := &Trade{
		RoundID: round.ID, BidID: bid.ID, AskID: ask.ID,
		BuyerID: buyer.ID, SellerID: seller.ID,
		Price: 4000, BuyerProfit: 1000, SellerProfit: 3000,
	}
	if err := s.ExecuteTrade(again); !errors.Is(err, ErrOrderConsumed) {
		t.Fatalf("Expected ErrOrderConsumed, got %v", err)
	}

	gotBuyer, _ := s.GetPlayer(buyer.ID)
	gotSeller, _ := s.GetPlayer(seller.ID)
	if gotBuyer.Profit != 1000 || gotSeller.Profit != 3000 {
		t.Errorf("Expected profits 1000/3000, got %d/%d", gotBuyer.Profit, gotSeller.Profit)
	}

	gotBid, _ := s.GetOrder(bid.ID)
	gotAsk, _ := s.GetOrder(ask.ID)
	if gotBid.Active || gotAsk.Active {
		t.Error("Expected both orders inactive after the trade")
	}

	n, err := s.CountTrades(round.ID)
	if err != nil {
		t.Fatalf("CountTrades: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected exactly 1 trade recorded, got %d", n)
	}
}

func TestActionUniquePerTurn(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s, "ultimatum")

	rounds, _ := s.CreateRounds(session.ID, 1, 60)
	round := rounds[0]
	p, _ := s.CreatePlayer(session.ID, "proposer", false)

	if _, err := s.CreateAction(round.ID, p.ID, TurnFirstMove, `{"amount":400}`); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	if _, err := s.CreateAction(round.ID, p.ID, TurnFirstMove, `{"amount":500}`); !errors.Is(err, ErrActionExists) {
		t.Errorf("Expected ErrActionExists for duplicate turn, got %v", err)
	}
	if _, err := s.CreateAction(round.ID, p.ID, TurnSecondMove, `{"accept":true}`); err != nil {
		t.Errorf("Expected different turn type to be allowed, got %v", err)
	}

	a, err := s.GetAction(round.ID, p.ID, TurnFirstMove)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if a.Payload != `{"amount":400}` {
		t.Errorf("Expected first recorded payload to survive, got %s", a.Payload)
	}
}

func TestResultUniquePerPlayerPerRound(t *testing.T) {
	s := newTestStore(t)
	session := newTestSession(t, s, "ultimatum")

	rounds, _ := s.CreateRounds(session.ID, 1, 60)
	round := rounds[0]
	p, _ := s.CreatePlayer(session.ID, "alice", false)

	if _, err := s.CreateResult(round.ID, p.ID, 600, ""); err != nil {
		t.Fatalf("CreateResult: %v", err)
	}
	if _, err := s.CreateResult(round.ID, p.ID, 600, ""); !errors.Is(err, ErrResultExists) {
		t.Errorf("Expected ErrResultExists, got %v", err)
	}

	results, err := s.ResultsByRound(round.ID)
	if err != nil {
		t.Fatalf("ResultsByRound: %v", err)
	}
	if len(results) != 1 || results[0].ProfitDelta != 600 {
		t.Errorf("Expected one result with delta 600, got %+v", results)
	}
}
