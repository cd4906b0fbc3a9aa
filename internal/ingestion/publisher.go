package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes applied events, rejections, and health
// alerts to NATS for downstream consumers (keepers, indexers, UIs).
// Applied events go out after the core has committed them; subjects
// follow ulend.ledger.events.{event_type}.{asset}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	log       zerolog.Logger
}

// PublishableEvent is a processed event ready for outbound publishing.
// RejectReason is set only for rejected transitions, which publish to the
// rejections subject instead of the events subject.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	ReserveAsset   *string     `json:"reserve_asset,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash,omitempty"`
	RejectReason   string      `json:"reject_reason,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly.
				op.log.Warn().
					Int64("sequence", evt.Sequence).
					Str("event_type", evt.EventType).
					Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, subjectFor(evt), data)
	return err
}

// subjectFor builds ulend.ledger.events.{event_type}(.{asset}) for applied
// events and ulend.ledger.rejections.{event_type}(.{asset}) for rejections.
func subjectFor(evt PublishableEvent) string {
	root := "ulend.ledger.events"
	if evt.RejectReason != "" {
		root = "ulend.ledger.rejections"
	}
	subject := fmt.Sprintf("%s.%s", root, evt.EventType)
	if evt.ReserveAsset != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.ReserveAsset)
	}
	return subject
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "ULEND_LEDGER_EVENTS",
		Subjects:  []string{"ulend.ledger.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log := observability.NewLogger("publisher")
	log.Info().Msg("ensured outbound stream ULEND_LEDGER_EVENTS")
	return nil
}
