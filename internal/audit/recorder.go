// Package audit records who did what to the fleet. Writes are asynchronous:
// request handlers hand entries to a buffered channel and a single worker
// batches them into the store, so audit IO never sits on the request path.
// When the buffer is full entries are dropped and counted rather than
// blocking the caller.
package audit

import (
	"context"
	"time"

	"github.com/kilnworks/fleetgate/internal/clock"
	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/metrics"
	"github.com/kilnworks/fleetgate/internal/store"
)

// Store is the persistence surface the recorder needs.
type Store interface {
	AppendAuditEntries(ctx context.Context, entries []fleet.AuditEntry) error
	QueryAudit(ctx context.Context, f store.AuditFilter) ([]fleet.AuditEntry, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

const (
	flushBatch    = 64
	flushInterval = time.Second
	purgeBatch    = 500
)

// Recorder is the asynchronous audit writer.
type Recorder struct {
	store     Store
	clock     clock.Clock
	retention time.Duration
	log       *logging.Logger

	entries chan fleet.AuditEntry
	done    chan struct{}
}

// NewRecorder builds a Recorder with the given buffer size. Call Run in a
// goroutine and Close on shutdown.
func NewRecorder(st Store, clk clock.Clock, bufferSize int, retention time.Duration, log *logging.Logger) *Recorder {
	return &Recorder{
		store:     st,
		clock:     clk,
		retention: retention,
		log:       log,
		entries:   make(chan fleet.AuditEntry, bufferSize),
		done:      make(chan struct{}),
	}
}

// Record queues an entry. Never blocks: when the buffer is full the entry
// is dropped and the drop counted, because a slow audit disk must not stall
// admission decisions.
func (r *Recorder) Record(entry fleet.AuditEntry) {
	select {
	case r.entries <- entry:
	default:
		metrics.AuditDropped.Inc()
		r.log.Warn("audit buffer full, entry dropped",
			"action", entry.Action, "actor_id", entry.ActorID)
	}
}

// Run drains the buffer until ctx is cancelled, batching writes. On
// cancellation it flushes whatever is queued before returning.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]fleet.AuditEntry, 0, flushBatch)
	for {
		select {
		case e := <-r.entries:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-r.entries:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

// Wait blocks until Run has drained and returned.
func (r *Recorder) Wait() {
	<-r.done
}

func (r *Recorder) flush(batch []fleet.AuditEntry) {
	// Fresh context: the run context is already cancelled during the
	// shutdown flush.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.AppendAuditEntries(ctx, batch); err != nil {
		metrics.AuditDropped.Add(float64(len(batch)))
		r.log.Error("audit flush failed", "entries", len(batch), "error", err)
		return
	}
	metrics.AuditWritten.Add(float64(len(batch)))
}

// Query reads the log through the store's filter.
func (r *Recorder) Query(ctx context.Context, f store.AuditFilter) ([]fleet.AuditEntry, error) {
	return r.store.QueryAudit(ctx, f)
}

// Purge removes entries older than the retention window. Runs on a cron
// schedule; failures are logged and retried next tick.
func (r *Recorder) Purge(ctx context.Context) {
	cutoff := r.clock.Now().Add(-r.retention)
	total := 0
	for {
		n, err := r.store.PurgeAuditBefore(ctx, cutoff, purgeBatch)
		if err != nil {
			r.log.Error("audit purge failed", "error", err, "purged_so_far", total)
			return
		}
		total += n
		if n == 0 {
			break
		}
	}
	if total > 0 {
		metrics.AuditPurged.Add(float64(total))
		r.log.Info("audit retention purge", "purged", total, "cutoff", cutoff)
	}
}
