package store

import (
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrOperatorExists   = errors.New("operator name already exists")
	ErrInvalidKey       = errors.New("invalid operator key")
)

// Operator owns sessions and is allowed to drive their lifecycle.
type Operator struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
}

// CreateOperator registers a new operator with a bcrypt-hashed key.
func (s *Store) CreateOperator(name, key string) (*Operator, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM operators WHERE name = ?)", name).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrOperatorExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	id, err := generateID()
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		"INSERT INTO operators (id, name, key_hash) VALUES (?, ?, ?)",
		id, name, string(hash),
	)
	if err != nil {
		return nil, err
	}

	return &Operator{ID: id, Name: name, KeyHash: string(hash)}, nil
}

// VerifyOperatorKey checks a key against an operator's stored hash.
// Callers should cache a successful verification; bcrypt comparison is
// deliberately expensive.
func (s *Store) VerifyOperatorKey(operatorID, key string) error {
	var hash string
	err := s.db.QueryRow("SELECT key_hash FROM operators WHERE id = ?", operatorID).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrOperatorNotFound
	}
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// GetOperatorByName retrieves an operator by name.
func (s *Store) GetOperatorByName(name string) (*Operator, error) {
	op := &Operator{}
	err := s.db.QueryRow(
		"SELECT id, name, key_hash, created_at FROM operators WHERE name = ?",
		name,
	).Scan(&op.ID, &op.Name, &op.KeyHash, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}
