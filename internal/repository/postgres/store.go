package postgres

import "github.com/ledgerkit/be-approvals/internal/repository"

// Store is the PostgreSQL implementation of repository.ApprovalStore.
type Store struct {
	db *DB
}

// NewStore creates a Store on top of an established pool.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var _ repository.ApprovalStore = (*Store)(nil)
