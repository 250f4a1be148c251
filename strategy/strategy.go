// Package strategy defines the uniform, read-only statistics type and
// admission interface shared by the three rate-limit algorithms (Fixed
// Window, Moving Window, Sliding Window Counter).
package strategy

import (
	"context"
	"time"

	"github.com/omd02/ratelimit/limit"
)

// WindowStats is a point-in-time snapshot, not a reservation: it reports how
// much of a limit remains and when it is expected to reset.
type WindowStats struct {
	Remaining int64
	ResetTime time.Time
}

// Strategy is the uniform admission interface every rate-limit algorithm in
// this repository implements.
type Strategy interface {
	// Hit attempts to consume one unit of l for identity. A returned error
	// means the backend failed or timed out; the hit must be treated as
	// denied (fail-closed) regardless of what value accompanies
	// the error.
	Hit(ctx context.Context, l limit.Limit, identity ...string) (bool, error)

	// Test reports whether a Hit would currently be admitted, without
	// mutating any state. It is a snapshot, not linearizable with
	// concurrent Hits.
	Test(ctx context.Context, l limit.Limit, identity ...string) (bool, error)

	// GetWindowStats returns the current remaining/reset snapshot for l
	// and identity.
	GetWindowStats(ctx context.Context, l limit.Limit, identity ...string) (WindowStats, error)

	// Clear deletes all storage state backing l and identity.
	Clear(ctx context.Context, l limit.Limit, identity ...string) error
}
