package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BuildLocker serializes aggregation and trigger fan-out per build with a
// session-level Postgres advisory lock. The lock key is derived from the
// build's row id; it auto-releases if the holding connection drops, so a
// terminal build leaves no lock resource behind.
type BuildLocker struct {
	pool *pgxpool.Pool
}

func NewBuildLocker(pool *pgxpool.Pool) *BuildLocker {
	return &BuildLocker{pool: pool}
}

// WithLock runs fn while holding the advisory lock for the build. The lock
// is held on a dedicated pooled connection and released on every exit path.
func (l *BuildLocker) WithLock(ctx context.Context, buildID int64, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for build lock: %w", err)
	}
	defer conn.Release()

	key := buildLockKey(buildID)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquire build lock %d: %w", buildID, err)
	}
	defer func() {
		// unlock must run even when ctx is already cancelled; the session
		// lock would otherwise pin the pooled connection
		if _, uerr := conn.Exec(context.WithoutCancel(ctx),
			"SELECT pg_advisory_unlock($1)", key); uerr != nil {
			slog.Warn("failed to release build lock", "build_id", buildID, "error", uerr)
		}
	}()

	return fn(ctx)
}

// buildLockKey hashes the logical lock name to the int64 key space Postgres
// advisory locks use.
func buildLockKey(buildID int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "Build-%d", buildID)
	return int64(h.Sum64())
}
