package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// PGLocker uses session-scoped Postgres advisory locks when Redis is not
// configured. The lease is held by a dedicated connection; it ends on Release
// or when the session drops, so the lease duration is not enforced.
type PGLocker struct {
	db *sql.DB
}

var _ Locker = (*PGLocker)(nil)

func NewPGLocker(db *sql.DB) *PGLocker {
	return &PGLocker{db: db}
}

func (l *PGLocker) Acquire(ctx context.Context, name string, _ time.Duration) (Guard, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	id := advisoryID(name)

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrNotAcquired
	}
	return &pgGuard{conn: conn, id: id}, nil
}

type pgGuard struct {
	conn *sql.Conn
	id   int64
}

func (g *pgGuard) Release(ctx context.Context) error {
	defer g.conn.Close()

	if _, err := g.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", g.id); err != nil {
		return fmt.Errorf("release advisory lock %d: %w", g.id, err)
	}
	return nil
}

func advisoryID(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
