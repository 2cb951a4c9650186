// Package usage records relay outcomes to the ledger off the request path.
package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/friendineed/internal/storage"
)

const (
	defaultBuffer    = 256
	defaultRetention = 30 * 24 * time.Hour
	pruneInterval    = time.Hour
)

// Sink persists usage records.
type Sink interface {
	SaveUsage(u storage.UsageRecord) error
	PruneUsage(cutoff time.Time) (int64, error)
}

// Recorder queues records in memory and writes them from Run. Record never
// blocks: when the queue is full the record is dropped and counted.
type Recorder struct {
	sink      Sink
	queue     chan storage.UsageRecord
	retention time.Duration
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. If buffer <= 0 it defaults to 256; if
// retention <= 0 records are kept for 30 days.
func NewRecorder(sink Sink, buffer int, retention time.Duration) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Recorder{
		sink:      sink,
		queue:     make(chan storage.UsageRecord, buffer),
		retention: retention,
		logger:    slog.Default(),
	}
}

// Record enqueues u, filling in ID and CreatedAt when unset. It reports
// whether the record was accepted.
func (r *Recorder) Record(u storage.UsageRecord) bool {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- u:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued records until ctx is cancelled, then flushes whatever
// is still queued. Old records are pruned once at start and then hourly.
func (r *Recorder) Run(ctx context.Context) {
	r.prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case u := <-r.queue:
			if err := r.write(u); err != nil {
				r.logger.Error("recording usage failed", "request_id", u.RequestID, "error", err)
			}
		case <-ticker.C:
			r.prune()
		}
	}
}

// RunOnce writes a single queued record if one is available.
// Returns true if a record was taken from the queue.
func (r *Recorder) RunOnce() (bool, error) {
	select {
	case u := <-r.queue:
		return true, r.write(u)
	default:
		return false, nil
	}
}

func (r *Recorder) write(u storage.UsageRecord) error {
	if err := r.sink.SaveUsage(u); err != nil {
		return fmt.Errorf("saving usage %s: %w", u.ID, err)
	}
	return nil
}

func (r *Recorder) flush() {
	for {
		done, err := r.RunOnce()
		if err != nil {
			r.logger.Error("flushing usage failed", "error", err)
		}
		if !done {
			return
		}
	}
}

func (r *Recorder) prune() {
	n, err := r.sink.PruneUsage(time.Now().UTC().Add(-r.retention))
	if err != nil {
		r.logger.Warn("pruning usage failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("pruned usage records", "count", n)
	}
}

// HashClient returns a short, stable digest of a client identifier so the
// ledger never holds raw addresses.
func HashClient(clientID string) string {
	sum := sha256.Sum256([]byte(clientID))
	return hex.EncodeToString(sum[:8])
}
