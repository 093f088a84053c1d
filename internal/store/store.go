// Package store persists the committed state of perpetual markets.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned by LoadState for a market that was never saved.
var ErrNotFound = errors.New("store: market not found")

// Event page bounds for ListEvents.
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// SaveChanges applies one committed engine call: the market, funding
	// and vault records are replaced, touched accounts and positions are
	// upserted and events are appended.
	SaveChanges(ctx context.Context, c model.Changes) error

	// LoadState returns the last saved state of a market.
	LoadState(ctx context.Context, symbol string) (*model.State, error)

	// ListEvents returns up to limit events with Seq > afterSeq, oldest
	// first.
	ListEvents(ctx context.Context, symbol string, afterSeq int64, limit int) ([]model.Event, error)
}

// clampLimit maps a requested page size onto [1, MaxEventLimit].
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	default:
		return limit
	}
}

// Recorder persists every commit an engine publishes.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder returns a listener that saves commits to st.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// OnCommit saves c. The engine has already committed, so a failed write is
// logged and the in-memory state stays authoritative until restart.
func (r *Recorder) OnCommit(ctx context.Context, c model.Changes) {
	if err := r.store.SaveChanges(context.WithoutCancel(ctx), c); err != nil {
		r.logger.Error("persist changes failed",
			"market", c.Market.Symbol,
			"events", len(c.Events),
			"err", err,
		)
	}
}
