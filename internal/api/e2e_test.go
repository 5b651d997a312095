package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"econlab/internal/api"
	"econlab/internal/auction"
	"econlab/internal/lifecycle"
	"econlab/internal/mechanism"
	"econlab/internal/pairgame"
	"econlab/internal/store"
)

type testEnv struct {
	server *httptest.Server
	store  *store.Store
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := api.NewHub()

	registry := mechanism.NewRegistry()
	registry.Register(auction.NewDoubleAuction(st, hub))
	registry.Register(pairgame.NewUltimatum(st, hub))

	orch := lifecycle.New(st, registry, hub, 50*time.Millisecond)
	t.Cleanup(orch.Stop)

	srv := api.NewServer(st, registry, orch, hub)
	t.Cleanup(srv.Shutdown)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: st}
}

func (env *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	resp, err := http.Post(env.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (env *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(env.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	return resp, buf.Bytes()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}

// createSession registers an operator and creates a session through
// the API, returning session id, join code, and operator key.
func (env *testEnv) createSession(t *testing.T, gameType string, cfg map[string]any, rounds int) (string, string, string) {
	t.Helper()
	const key = "teachers-key"

	resp, _ := env.post(t, "/api/operators", map[string]any{"name": "teach-" + gameType, "key": key})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 creating operator, got %d", resp.StatusCode)
	}

	resp, body := env.post(t, "/api/sessions", map[string]any{
		"game_type":          gameType,
		"config":             cfg,
		"rounds":             rounds,
		"round_duration_sec": 60,
		"operator_name":      "teach-" + gameType,
		"operator_key":       key,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 creating session, got %d: %v", resp.StatusCode, body)
	}
	return body["id"].(string), body["code"].(string), key
}

func (env *testEnv) join(t *testing.T, code, name string) string {
	t.Helper()
	resp, body := env.post(t, "/api/sessions/"+code+"/join", map[string]any{"name": name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 joining, got %d: %v", resp.StatusCode, body)
	}
	return body["player_id"].(string)
}

func TestUnknownGameTypeRejected(t *testing.T) {
	env := setupTestEnv(t)

	env.post(t, "/api/operators", map[string]any{"name": "teach", "key": "teachers-key"})
	resp, body := env.post(t, "/api/sessions", map[string]any{
		"game_type":          "bertrand",
		"rounds":             1,
		"round_duration_sec": 60,
		"operator_name":      "teach",
		"operator_key":       "teachers-key",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for an unknown game type, got %d", resp.StatusCode)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "bertrand") {
		t.Errorf("Expected the unknown type named in the error, got %q", msg)
	}
}

func TestListMechanisms(t *testing.T) {
	env := setupTestEnv(t)

	resp, raw := env.get(t, "/api/mechanisms")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("Failed to decode mechanisms: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 registered mechanisms, got %d", len(list))
	}
	if list[0]["type"] != "double_auction" || list[1]["type"] != "ultimatum" {
		t.Errorf("Expected sorted types, got %v", list)
	}
}

func TestUltimatumRoundOverHTTP(t *testing.T) {
	env := setupTestEnv(t)
	sessionID, code, key := env.createSession(t, "ultimatum", map[string]any{"endowment": 1000}, 1)

	proposer := env.join(t, code, "ann")
	responder := env.join(t, code, "bob")

	resp, body := env.post(t, fmt.Sprintf("/api/sessions/%s/rounds/1/start", sessionID), map[string]any{"operator_key": key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 starting round, got %d: %v", resp.StatusCode, body)
	}
	roundID := body["round_id"].(string)

	// Second mover first: gated on the partner.
	resp, _ = env.post(t, "/api/rounds/"+roundID+"/actions", map[string]any{
		"player_id": responder,
		"action":    map[string]any{"kind": "pair", "pair": map[string]any{"turn": "second_move", "accept": true}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 before the partner's first move, got %d", resp.StatusCode)
	}

	resp, _ = env.post(t, "/api/rounds/"+roundID+"/actions", map[string]any{
		"player_id": proposer,
		"action":    map[string]any{"kind": "pair", "pair": map[string]any{"turn": "first_move", "amount": 400}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for the first move, got %d", resp.StatusCode)
	}

	resp, _ = env.post(t, "/api/rounds/"+roundID+"/actions", map[string]any{
		"player_id": responder,
		"action":    map[string]any{"kind": "pair", "pair": map[string]any{"turn": "second_move", "accept": true}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for the second move, got %d", resp.StatusCode)
	}

	resp, body = env.post(t, "/api/rounds/"+roundID+"/end", map[string]any{"operator_key": key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 ending round, got %d: %v", resp.StatusCode, body)
	}

	resp, raw := env.get(t, "/api/sessions/"+sessionID+"/standings")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for standings, got %d", resp.StatusCode)
	}
	var standings []map[string]any
	if err := json.Unmarshal(raw, &standings); err != nil {
		t.Fatalf("Failed to decode standings: %v", err)
	}
	if len(standings) != 2 {
		t.Fatalf("Expected 2 standings rows, got %d", len(standings))
	}
	if standings[0]["name"] != "ann" || standings[0]["profit"] != float64(600) {
		t.Errorf("Expected ann on top with 600, got %v", standings[0])
	}
	if standings[1]["profit"] != float64(400) {
		t.Errorf("Expected bob with 400, got %v", standings[1])
	}
}

func TestDoubleAuctionTradeOverHTTP(t *testing.T) {
	env := setupTestEnv(t)
	sessionID, code, key := env.createSession(t, "double_auction", nil, 1)

	// Join order decides roles: first player buyer, second seller.
	buyer := env.join(t, code, "buyer")
	seller := env.join(t, code, "seller")

	resp, body := env.post(t, fmt.Sprintf("/api/sessions/%s/rounds/1/start", sessionID), map[string]any{"operator_key": key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 starting round, got %d: %v", resp.StatusCode, body)
	}
	roundID := body["round_id"].(string)

	resp, _ = env.post(t, "/api/rounds/"+roundID+"/actions", map[string]any{
		"player_id": seller,
		"action":    map[string]any{"kind": "order", "order": map[string]any{"side": "ask", "price": 6500}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for the ask, got %d", resp.StatusCode)
	}

	resp, ackBody := env.post(t, "/api/rounds/"+roundID+"/actions", map[string]any{
		"player_id": buyer,
		"action":    map[string]any{"kind": "order", "order": map[string]any{"side": "bid", "price": 7000}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for the bid, got %d", resp.StatusCode)
	}
	payload, _ := ackBody["payload"].(map[string]any)
	if payload == nil || payload["trades"] != float64(1) {
		t.Errorf("Expected the crossing bid to trade immediately, got %v", ackBody)
	}

	resp, raw := env.get(t, "/api/rounds/"+roundID+"/trades")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for trades, got %d", resp.StatusCode)
	}
	var trades []map[string]any
	if err := json.Unmarshal(raw, &trades); err != nil {
		t.Fatalf("Failed to decode trades: %v", err)
	}
	if len(trades) != 1 || trades[0]["price"] != float64(6500) {
		t.Errorf("Expected one trade at the ask price 6500, got %v", trades)
	}

	resp, raw = env.get(t, "/api/rounds/"+roundID+"/state?player_id="+buyer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for state, got %d", resp.StatusCode)
	}
	var snap map[string]any
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if snap["trades"] != float64(1) {
		t.Errorf("Expected the snapshot to count 1 trade, got %v", snap["trades"])
	}
	if _, ok := snap["player"]; !ok {
		t.Error("Expected a player section when player_id is given")
	}
}

func TestRoundControlRequiresOperatorKey(t *testing.T) {
	env := setupTestEnv(t)
	sessionID, _, _ := env.createSession(t, "double_auction", nil, 1)

	resp, _ := env.post(t, fmt.Sprintf("/api/sessions/%s/rounds/1/start", sessionID), map[string]any{"operator_key": "wrong"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected 403 for a wrong operator key, got %d", resp.StatusCode)
	}
}

func TestJoinEndedSessionRefused(t *testing.T) {
	env := setupTestEnv(t)
	sessionID, code, key := env.createSession(t, "double_auction", nil, 1)
	env.join(t, code, "early-bird")

	resp, body := env.post(t, fmt.Sprintf("/api/sessions/%s/rounds/1/start", sessionID), map[string]any{"operator_key": key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Start round: %d %v", resp.StatusCode, body)
	}
	roundID := body["round_id"].(string)
	if resp, body = env.post(t, "/api/rounds/"+roundID+"/end", map[string]any{"operator_key": key}); resp.StatusCode != http.StatusOK {
		t.Fatalf("End round: %d %v", resp.StatusCode, body)
	}

	// Wait out the grace delay; the single round is done so the
	// session ends.
	deadline := time.Now().Add(2 * time.Second)
	for {
		session, err := env.store.GetSession(sessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if session.Status == store.SessionEnded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Session never ended after its only round completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, _ = env.post(t, "/api/sessions/"+code+"/join", map[string]any{"name": "latecomer"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 joining an ended session, got %d", resp.StatusCode)
	}
}

func TestWebSocketReceivesRoomEvents(t *testing.T) {
	env := setupTestEnv(t)
	sessionID, _, key := env.createSession(t, "double_auction", nil, 1)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial WebSocket: %v", err)
	}
	defer conn.Close()

	join := map[string]any{"type": "join", "session_id": sessionID, "market": true}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("Failed to send join: %v", err)
	}
	// Give the hub a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)

	resp, body := env.post(t, fmt.Sprintf("/api/sessions/%s/rounds/1/start", sessionID), map[string]any{"operator_key": key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Start round: %d %v", resp.StatusCode, body)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read WebSocket message: %v", err)
	}

	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if envelope["event"] != "round-started" {
		t.Errorf("Expected a round-started event, got %v", envelope["event"])
	}
	if envelope["room"] != mechanism.SessionRoom(sessionID) {
		t.Errorf("Expected the session room, got %v", envelope["room"])
	}
}
