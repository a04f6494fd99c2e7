// Package quota maintains the per-source byte counters consulted by
// placement. The counters are running totals of writes and deletes observed
// through this process; they are never reconciled against what a backend
// reports.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/codedogQBY/nimbus-sub000/metrics"
)

// Ledger applies usage changes to a store, one source at a time.
type Ledger struct {
	store interfaces.QuotaStore
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLedger(store interfaces.QuotaStore, log *slog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   common.LoggerOrDefault(log),
		locks: make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing mutations for id.
func (l *Ledger) lock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// Increment adds n bytes to the source's used counter.
func (l *Ledger) Increment(ctx context.Context, id string, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := l.adjust(ctx, id, n)
	return err
}

// Decrement removes n bytes from the source's used counter. The counter
// never goes below zero.
func (l *Ledger) Decrement(ctx context.Context, id string, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := l.adjust(ctx, id, -n)
	return err
}

func (l *Ledger) adjust(ctx context.Context, id string, delta int64) (int64, error) {
	m := l.lock(id)
	m.Lock()
	defer m.Unlock()

	used, clamped, err := l.store.AdjustUsed(ctx, id, delta)
	if err != nil {
		return 0, fmt.Errorf("adjusting quota of source %s by %d: %w", id, delta, err)
	}
	if clamped {
		metrics.RecordQuotaUnderflow(id)
		l.log.Warn("Quota usage underflow clamped to zero",
			slog.String("source", id),
			slog.Int64("delta", delta))
	}
	l.log.Debug("Quota usage adjusted",
		slog.String("source", id),
		slog.Int64("delta", delta),
		slog.Int64("used", used))
	return used, nil
}
