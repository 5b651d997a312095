package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"

	_ "modernc.org/sqlite"
)

// Store provides SQLite persistence for sessions, rounds, players,
// orders, trades, and the generic action/result records used by
// non-order-book mechanisms.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent round-end and submission traffic.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operators (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		key_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		code TEXT UNIQUE NOT NULL,
		game_type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',  -- JSON key/value options
		status TEXT NOT NULL DEFAULT 'pending',  -- pending|active|ended
		current_round INTEGER NOT NULL DEFAULT 0,
		operator_id TEXT REFERENCES operators(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		number INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'waiting',  -- waiting|active|completed
		duration_sec INTEGER NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		UNIQUE(session_id, number)
	);

	CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		valuation INTEGER NOT NULL DEFAULT 0,  -- in cents
		cost INTEGER NOT NULL DEFAULT 0,       -- in cents
		profit INTEGER NOT NULL DEFAULT 0,     -- cumulative, in cents
		is_bot BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, name)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		round_id TEXT NOT NULL REFERENCES rounds(id),
		player_id TEXT NOT NULL REFERENCES players(id),
		side TEXT NOT NULL,  -- 'bid' or 'ask'
		price INTEGER NOT NULL,  -- in cents
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		round_id TEXT NOT NULL REFERENCES rounds(id),
		bid_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
		ask_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
		buyer_id TEXT NOT NULL REFERENCES players(id),
		seller_id TEXT NOT NULL REFERENCES players(id),
		price INTEGER NOT NULL,
		buyer_profit INTEGER NOT NULL,
		seller_profit INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		round_id TEXT NOT NULL REFERENCES rounds(id),
		player_id TEXT NOT NULL REFERENCES players(id),
		turn_type TEXT NOT NULL DEFAULT '',  -- 'first_move', 'second_move', or ''
		payload TEXT NOT NULL,  -- JSON
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(round_id, player_id, turn_type)
	);

	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		round_id TEXT NOT NULL REFERENCES rounds(id),
		player_id TEXT NOT NULL REFERENCES players(id),
		profit_delta INTEGER NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',  -- JSON
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(round_id, player_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds(session_id);
	CREATE INDEX IF NOT EXISTS idx_players_session ON players(session_id);
	CREATE INDEX IF NOT EXISTS idx_orders_round ON orders(round_id);
	CREATE INDEX IF NOT EXISTS idx_trades_round ON trades(round_id);
	CREATE INDEX IF NOT EXISTS idx_actions_round ON actions(round_id);
	CREATE INDEX IF NOT EXISTS idx_results_round ON results(round_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
