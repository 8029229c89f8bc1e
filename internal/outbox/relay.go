// Package outbox delivers domain events to MQTT. Events are written to the
// store in the same transaction as the change they describe; the relay
// drains that table and publishes each record at QoS 1, deleting it only
// after the broker acknowledges. Delivery is at-least-once and the record
// ID rides along as the consumer-side idempotency key.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/metrics"
)

// Store is the persistence surface the relay needs.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]fleet.OutboxRecord, error)
	MarkOutboxPublished(ctx context.Context, rec fleet.OutboxRecord) error
	MarkOutboxFailure(ctx context.Context, rec fleet.OutboxRecord) error
	CountOutboxPending(ctx context.Context) (int, error)
}

// Envelope is the wire shape of one published event.
type Envelope struct {
	ID         string          `json:"id"` // idempotency key
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

const (
	drainBatch   = 50
	publishWait  = 10 * time.Second
	pollInterval = 2 * time.Second
)

// Publisher is the slice of mqtt.Client the relay uses, split out so tests
// can stand in for a broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Relay drains the outbox to an MQTT broker.
type Relay struct {
	store       Store
	client      Publisher
	topicPrefix string
	log         *logging.Logger
}

// New builds a Relay publishing under topicPrefix (e.g. "fleetgate/events").
func New(store Store, client Publisher, topicPrefix string, log *logging.Logger) *Relay {
	return &Relay{store: store, client: client, topicPrefix: topicPrefix, log: log}
}

// Run polls the outbox until ctx is cancelled. Broker outages are absorbed:
// records stay queued and the next pass retries them.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain publishes one batch of pending records.
func (r *Relay) drain(ctx context.Context) {
	recs, err := r.store.PendingOutbox(ctx, drainBatch)
	if err != nil {
		r.log.Error("outbox read failed", "error", err)
		return
	}

	for _, rec := range recs {
		if err := r.publish(rec); err != nil {
			r.log.Warn("outbox publish failed",
				"record_id", rec.ID, "topic", rec.Topic, "attempts", rec.Attempts+1, "error", err)
			if err := r.store.MarkOutboxFailure(ctx, rec); err != nil {
				r.log.Error("outbox attempt bump failed", "record_id", rec.ID, "error", err)
			}
			// Keep ordering per topic: stop the pass instead of
			// publishing younger records past a stuck one.
			break
		}
		if err := r.store.MarkOutboxPublished(ctx, rec); err != nil {
			// The event went out but the delete failed: it will be
			// republished, which at-least-once permits.
			r.log.Error("outbox ack bookkeeping failed", "record_id", rec.ID, "error", err)
			break
		}
		metrics.OutboxPublished.Inc()
	}

	if pending, err := r.store.CountOutboxPending(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
}

func (r *Relay) publish(rec fleet.OutboxRecord) error {
	body, err := json.Marshal(Envelope{
		ID:         rec.ID,
		Topic:      rec.Topic,
		OccurredAt: rec.CreatedAt,
		Payload:    rec.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	token := r.client.Publish(r.topicPrefix+"/"+rec.Topic, 1, false, body)
	if !token.WaitTimeout(publishWait) {
		return fmt.Errorf("broker ack timeout after %s", publishWait)
	}
	return token.Error()
}
