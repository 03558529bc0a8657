// Package unread tracks per-(user, thread) unread counters on the
// server side. The invariant the whole package is built around: the
// total is always computed as the sum of per-thread counts, never
// stored or mutated independently — so the client's "conservation"
// check (sum(perThread) == total) can never drift on our side.
package unread

import (
	"context"

	"github.com/google/uuid"
)

// Counter is the unread counter store. The Redis implementation is the
// production one; Memory backs tests and Redis-less development runs.
type Counter interface {
	// Incr adds one unread message for (user, thread) and returns the
	// new per-thread count.
	Incr(ctx context.Context, userID, threadID uuid.UUID) (int64, error)

	// Reset zeroes (user, thread). Idempotent.
	Reset(ctx context.Context, userID, threadID uuid.UUID) error

	// Snapshot returns the user's per-thread counts (keyed by thread
	// UUID string) and their sum.
	Snapshot(ctx context.Context, userID uuid.UUID) (map[string]int64, int64, error)
}
