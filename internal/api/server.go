// Package api is the HTTP and WebSocket surface: session setup and
// join, round control, action submission, and the room-scoped event
// fan-out.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"econlab/internal/lifecycle"
	"econlab/internal/mechanism"
	"econlab/internal/store"
)

type Server struct {
	store       *store.Store
	registry    *mechanism.Registry
	orch        *lifecycle.Orchestrator
	hub         *Hub
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	corsOrigins []string // empty = allow all
}

// NewServer wires the HTTP surface over the store, registry, and
// orchestrator. The hub must be the same one the orchestrator and
// mechanisms publish through.
func NewServer(st *store.Store, reg *mechanism.Registry, orch *lifecycle.Orchestrator, hub *Hub) *Server {
	s := &Server{
		store:       st,
		registry:    reg,
		orch:        orch,
		hub:         hub,
		rateLimiter: NewRateLimiter(300, time.Minute),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins restricts allowed origins. Empty means allow all,
// which is the development default.
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimiter.Middleware)

		r.Post("/operators", s.createOperator)
		r.Get("/mechanisms", s.listMechanisms)

		r.Post("/sessions", s.createSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Post("/sessions/{code}/join", s.joinSession)
		r.Get("/sessions/{id}/standings", s.getStandings)
		r.Post("/sessions/{id}/rounds/{number}/start", s.startRound)

		r.Post("/rounds/{id}/end", s.endRound)
		r.Post("/rounds/{id}/actions", s.submitAction)
		r.Get("/rounds/{id}/state", s.getState)
		r.Get("/rounds/{id}/trades", s.getTrades)
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

// Shutdown stops internal goroutines.
func (s *Server) Shutdown() {
	s.rateLimiter.Stop()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes: rejections are the
// client's fault, sentinel lookups are 404, conflicts are 409,
// everything else is a 500 with the detail kept in the server log.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case mechanism.IsReject(err):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotAuthorized), errors.Is(err, store.ErrInvalidKey):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrRoundNotFound),
		errors.Is(err, store.ErrPlayerNotFound),
		errors.Is(err, store.ErrOperatorNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrSessionExists),
		errors.Is(err, store.ErrPlayerExists),
		errors.Is(err, store.ErrOperatorExists),
		errors.Is(err, store.ErrActionExists):
		status = http.StatusConflict
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type operatorRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

func (s *Server) createOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, mechanism.Reject("invalid request body"))
		return
	}
	if req.Name == "" || len(req.Key) < 8 {
		writeError(w, mechanism.Reject("name required and key must be at least 8 characters"))
		return
	}

	op, err := s.store.CreateOperator(req.Name, req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": op.ID, "name": op.Name})
}

func (s *Server) listMechanisms(w http.ResponseWriter, r *http.Request) {
	types := s.registry.Types()
	out := make([]map[string]any, 0, len(types))
	for _, t := range types {
		mech, err := s.registry.Lookup(t)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"type":   t,
			"config": mech.Describe(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionRequest struct {
	GameType         string         `json:"game_type"`
	Config           map[string]any `json:"config"`
	Rounds           int            `json:"rounds"`
	RoundDurationSec int            `json:"round_duration_sec"`
	OperatorName     string         `json:"operator_name"`
	OperatorKey      string         `json:"operator_key"`
}

// newJoinCode generates the short code students type to join.
func newJoinCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:6])
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, mechanism.Reject("invalid request body"))
		return
	}
	if req.Rounds <= 0 || req.RoundDurationSec <= 0 {
		writeError(w, mechanism.Reject("rounds and round_duration_sec must be positive"))
		return
	}

	op, err := s.store.GetOperatorByName(req.OperatorName)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.VerifyOperatorKey(op.ID, req.OperatorKey); err != nil {
		writeError(w, err)
		return
	}

	mech, err := s.registry.Lookup(req.GameType)
	if err != nil {
		writeError(w, mechanism.Reject("%v", err))
		return
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	if err := mech.ValidateConfig(req.Config); err != nil {
		writeError(w, err)
		return
	}

	session, err := s.store.CreateSession(newJoinCode(), req.GameType, req.Config, op.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.CreateRounds(session.ID, req.Rounds, req.RoundDurationSec); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        session.ID,
		"code":      session.Code,
		"game_type": session.GameType,
		"rounds":    req.Rounds,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	players, err := s.store.PlayersBySession(session.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            session.ID,
		"code":          session.Code,
		"game_type":     session.GameType,
		"status":        session.Status,
		"current_round": session.CurrentRound,
		"players":       len(players),
	})
}

type joinRequest struct {
	Name string `json:"name"`
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, mechanism.Reject("a player name is required"))
		return
	}

	session, err := s.store.GetSessionByCode(strings.ToUpper(chi.URLParam(r, "code")))
	if err != nil {
		writeError(w, err)
		return
	}
	if session.Status == store.SessionEnded {
		writeError(w, mechanism.Reject("session has ended"))
		return
	}

	player, err := s.store.CreatePlayer(session.ID, req.Name, false)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"player_id":  player.ID,
		"session_id": session.ID,
		"game_type":  session.GameType,
	})
}

func (s *Server) getStandings(w http.ResponseWriter, r *http.Request) {
	players, err := s.store.StandingsBySession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(players))
	for rank, p := range players {
		out = append(out, map[string]any{
			"rank":   rank + 1,
			"name":   p.Name,
			"role":   p.Role,
			"profit": p.Profit,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type controlRequest struct {
	OperatorKey string `json:"operator_key"`
}

func (s *Server) startRound(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, mechanism.Reject("invalid request body"))
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, mechanism.Reject("round number must be an integer"))
		return
	}

	round, err := s.orch.StartRound(r.Context(), chi.URLParam(r, "id"), number, req.OperatorKey)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":     round.ID,
		"round_number": round.Number,
		"status":       round.Status,
		"duration_sec": round.DurationSec,
	})
}

func (s *Server) endRound(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, mechanism.Reject("invalid request body"))
		return
	}

	if err := s.orch.EndRound(r.Context(), chi.URLParam(r, "id"), req.OperatorKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

type actionRequest struct {
	PlayerID string          `json:"player_id"`
	Action   json.RawMessage `json:"action"`
}

func (s *Server) submitAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, mechanism.Reject("invalid request body"))
		return
	}
	if req.PlayerID == "" || len(req.Action) == 0 {
		writeError(w, mechanism.Reject("player_id and action are required"))
		return
	}

	ack, err := s.orch.SubmitAction(r.Context(), chi.URLParam(r, "id"), req.PlayerID, req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.State(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("player_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByRound(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"trade_id":  t.ID,
			"price":     t.Price,
			"buyer_id":  t.BuyerID,
			"seller_id": t.SellerID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:   s.hub,
		conn:  conn,
		send:  make(chan []byte, 256),
		rooms: make(map[string]bool),
	}

	go client.WritePump()
	go client.ReadPump()
}
