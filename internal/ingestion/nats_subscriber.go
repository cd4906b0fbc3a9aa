package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// messages into the shell's event channel. JetStream is the primary
// ingestion surface; each event type has its own subject so producers
// scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is the received-but-untyped message from NATS, ready for the
// shell to parse into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the core accepted or rejected the event
	NakFunc   func() // NAK on transient failure, message is redelivered
}

// SubjectConfig maps one NATS subject to the event type its payloads carry.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. The trailing
// wildcard carries the reserve asset or collection for observability;
// routing keys inside the payload are authoritative.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ulend.supply.deposit.>", EventType: "Deposit", ConsumerName: "ledger-deposit", StreamName: "ULEND_SUPPLY"},
		{Subject: "ulend.supply.withdraw.>", EventType: "Withdraw", ConsumerName: "ledger-withdraw", StreamName: "ULEND_SUPPLY"},
		{Subject: "ulend.loans.borrow.>", EventType: "Borrow", ConsumerName: "ledger-borrow", StreamName: "ULEND_LOANS"},
		{Subject: "ulend.loans.repay.>", EventType: "Repay", ConsumerName: "ledger-repay", StreamName: "ULEND_LOANS"},
		{Subject: "ulend.auctions.bid.>", EventType: "AuctionBid", ConsumerName: "ledger-bid", StreamName: "ULEND_AUCTIONS"},
		{Subject: "ulend.auctions.redeem.>", EventType: "Redeem", ConsumerName: "ledger-redeem", StreamName: "ULEND_AUCTIONS"},
		{Subject: "ulend.auctions.liquidate.>", EventType: "Liquidate", ConsumerName: "ledger-liquidate", StreamName: "ULEND_AUCTIONS"},
		{Subject: "ulend.auctions.buyout.>", EventType: "Buyout", ConsumerName: "ledger-buyout", StreamName: "ULEND_AUCTIONS"},
		{Subject: "ulend.oracle.asset.>", EventType: "AssetPriceUpdate", ConsumerName: "ledger-asset-price", StreamName: "ULEND_ORACLE"},
		{Subject: "ulend.oracle.nft.>", EventType: "NFTPriceUpdate", ConsumerName: "ledger-nft-price", StreamName: "ULEND_ORACLE"},
		{Subject: "ulend.config.reserve.>", EventType: "ReserveConfigUpdate", ConsumerName: "ledger-reserve-config", StreamName: "ULEND_CONFIG"},
		{Subject: "ulend.config.nft.>", EventType: "NFTConfigUpdate", ConsumerName: "ledger-nft-config", StreamName: "ULEND_CONFIG"},
		{Subject: "ulend.vault.strategy.added.>", EventType: "StrategyAdded", ConsumerName: "ledger-strategy-add", StreamName: "ULEND_VAULT"},
		{Subject: "ulend.vault.strategy.updated.>", EventType: "StrategyParamsUpdated", ConsumerName: "ledger-strategy-update", StreamName: "ULEND_VAULT"},
		{Subject: "ulend.vault.strategy.revoked.>", EventType: "StrategyRevoked", ConsumerName: "ledger-strategy-revoke", StreamName: "ULEND_VAULT"},
		{Subject: "ulend.vault.report.>", EventType: "StrategyReport", ConsumerName: "ledger-strategy-report", StreamName: "ULEND_VAULT"},
	}
}

// EventTypeForSubject resolves the event type of an inbound subject by
// prefix match against the configured subjects.
func EventTypeForSubject(subject string, subjects []SubjectConfig) (string, bool) {
	for _, cfg := range subjects {
		prefix := cfg.Subject[:len(cfg.Subject)-1] // strip the ">" wildcard
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			return cfg.EventType, true
		}
	}
	return "", false
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "ULEND_SUPPLY",
			Subjects:  []string{"ulend.supply.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "ULEND_LOANS",
			Subjects:  []string{"ulend.loans.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "ULEND_AUCTIONS",
			Subjects:  []string{"ulend.auctions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "ULEND_ORACLE",
			Subjects:  []string{"ulend.oracle.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "ULEND_CONFIG",
			Subjects:  []string{"ulend.config.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "ULEND_VAULT",
			Subjects:  []string{"ulend.vault.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	log := observability.NewLogger("ingestion")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
