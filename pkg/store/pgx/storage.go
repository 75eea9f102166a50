// Package pgx implements store.MemoryStore on PostgreSQL with pgvector
// for embedding similarity search. All multi-row writes run inside a
// transaction and the weight and credit updates are expressed as single
// conditional statements so concurrent writers cannot interleave.
package pgx

import (
	"context"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

type closer interface {
	Close()
}

// MemoryDBStorage implements store.MemoryStore against PostgreSQL.
type MemoryDBStorage struct {
	conn pgxIConn
}

// NewMemoryDBStorageWithConnection creates a MemoryDBStorage using an
// existing connection or pool. The caller keeps ownership of pools it
// passes in; Close only closes connections this storage opened itself.
func NewMemoryDBStorageWithConnection(
	ctx context.Context,
	conn pgxIConn,
) (*MemoryDBStorage, error) {
	return &MemoryDBStorage{conn: conn}, nil
}

// Close releases the underlying connection when this storage owns it.
func (s *MemoryDBStorage) Close() error {
	if c, ok := s.conn.(closer); ok {
		c.Close()
	}
	return nil
}
