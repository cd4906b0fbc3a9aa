// unlockd-ledger is the lending market ledger service. It consumes market
// events from NATS JetStream, runs them through the deterministic core,
// persists the event log and journals to Postgres, maintains the read
// model, and serves queries over HTTP.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/config"
	"github.com/UnlockdFinance/unlockd-ledger/internal/core"
	"github.com/UnlockdFinance/unlockd-ledger/internal/event"
	"github.com/UnlockdFinance/unlockd-ledger/internal/ingestion"
	"github.com/UnlockdFinance/unlockd-ledger/internal/observability"
	"github.com/UnlockdFinance/unlockd-ledger/internal/persistence"
	"github.com/UnlockdFinance/unlockd-ledger/internal/projection"
	"github.com/UnlockdFinance/unlockd-ledger/internal/query"
	"github.com/UnlockdFinance/unlockd-ledger/internal/server"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("ULEND_CONFIG"), "path to TOML config file")
	flag.Parse()

	log := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service exited")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	startTime := time.Now()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db)

	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)

	engine := core.NewLendingCore(core.CoreConfig{
		IdempotencyLRUCapacity: cfg.Core.IdempotencyLRUCapacity,
		DBChecker:              persistence.NewPostgresIdempotencyChecker(db),
		Metrics:                metrics,
		PersistChan:            persistChan,
		ProjectionChan:         projChan,
	})

	flushTimeout, err := cfg.FlushTimeout()
	if err != nil {
		return err
	}

	activity := projection.NewActivityLog(cfg.Server.ActivityLogCapacity)
	projWorkerChan := make(chan projection.ProjectionOutput, cfg.Core.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Core.ProjectionChanSize)

	var wg sync.WaitGroup

	// The persistence and projection workers start before replay. Replay
	// pushes every recovered event through persistChan, and the writes are
	// upserts keyed on sequence, so re-persisting already stored rows is a
	// no-op. Starting the drain first is what keeps a replay longer than
	// the channel capacity from wedging the core.
	persistWorker := persistence.NewWorker(db, persistChan, cfg.Persistence.BatchSize, flushTimeout, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := persistWorker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("persistence worker exited")
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projWorkerChan, activity)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := projWorker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("projection worker exited")
		}
	}()

	startSequence, err := recoverState(ctx, engine, snapMgr, projChan, projWorkerChan, metrics, log)
	if err != nil {
		return err
	}
	log.Info().Int64("sequence", startSequence).Msg("recovery complete")

	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer nc.Drain()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return err
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
	}()

	subjects := ingestion.DefaultSubjects()
	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := subscriber.Subscribe(ctx, subjects); err != nil {
		return err
	}
	defer subscriber.Stop()

	typedEventChan := make(chan typedEvent, 4096)

	// Parse stage. Syntax errors terminate the message here with an ACK;
	// redelivering a malformed payload can never succeed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		parseLoop(ctx, rawEventChan, typedEventChan, subjects, metrics, log)
	}()

	// Core stage. Single goroutine; the engine is not safe for concurrent
	// use and relies on this loop for all state mutation, including
	// snapshots.
	wg.Add(1)
	go func() {
		defer wg.Done()
		coreLoop(ctx, coreLoopDeps{
			engine:           engine,
			snapMgr:          snapMgr,
			typedEventChan:   typedEventChan,
			projChan:         projChan,
			projWorkerChan:   projWorkerChan,
			publishChan:      publishChan,
			snapshotInterval: cfg.Core.SnapshotInterval,
			lastSnapshotSeq:  startSequence,
			metrics:          metrics,
			log:              log,
		})
	}()

	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  query.NewQueryService(db),
		Activity:      activity,
		SnapshotMgr:   snapMgr,
		HealthChecker: health,
		EventChan:     rawEventChan,
		Subjects:      subjects,
		StartTime:     startTime,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("http server exited")
		}
	}()

	health.SetReady(true)
	log.Info().Str("http_addr", cfg.Server.HTTPAddr).Msg("serving")

	<-ctx.Done()
	health.SetReady(false)
	log.Info().Msg("shutting down")

	wg.Wait()

	// Final snapshot so the next start replays as little as possible. The
	// core loop has exited, so reading engine state here is safe.
	snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := snapMgr.SaveSnapshot(snapCtx, engine.CreateSnapshot()); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	return nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	if lifetime, err := cfg.ConnMaxLifetime(); err == nil {
		db.SetConnMaxLifetime(lifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// recoverState restores the latest snapshot and replays the event log tail
// through the core. Replayed events re-enter persistChan and projChan;
// the workers are already draining both, and persistence upserts make the
// re-writes idempotent.
func recoverState(
	ctx context.Context,
	engine *core.LendingCore,
	snapMgr *persistence.SnapshotManager,
	projChan chan core.CoreOutput,
	projWorkerChan chan<- projection.ProjectionOutput,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (int64, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	startSequence := int64(0)
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return 0, err
		}
		startSequence = snap.Sequence
		log.Info().Int64("sequence", startSequence).Msg("snapshot restored")
	}

	keys, err := snapMgr.LoadRecentIdempotencyKeys(ctx, 100_000)
	if err != nil {
		log.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else {
		engine.WarmIdempotencyCache(keys)
	}

	replayStart := time.Now()
	replayed := 0
	from := startSequence + 1
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, 1000)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			from = row.Sequence + 1
			// Health alerts are derived during replay of their causes;
			// feeding the stored copies back would double them.
			if row.EventType == "LoanHealthAlert" {
				continue
			}
			evt, err := event.DecodePayload(row.EventType, row.Payload)
			if err != nil {
				log.Error().Err(err).Int64("sequence", row.Sequence).Msg("replay decode failed, row skipped")
				continue
			}
			if _, err := engine.ProcessEvent(evt); err != nil {
				log.Error().Err(err).Int64("sequence", row.Sequence).Msg("replay rejection, row skipped")
			}
			drainProjection(engine, projChan, projWorkerChan, nil, metrics, log)
			replayed++
			metrics.ReplayEventsTotal.Inc()
		}
	}
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())

	if replayed == 0 && snap != nil {
		hash := engine.GetStateHash()
		if !bytes.Equal(hash[:], snap.StateHash[:]) {
			log.Error().Int64("sequence", snap.Sequence).Msg("state hash does not match snapshot")
		} else if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
			log.Warn().Err(err).Msg("snapshot verification not recorded")
		}
	}

	if replayed > 0 {
		log.Info().Int("events", replayed).Int64("sequence", engine.GetSequence()).Msg("event log replayed")
	}
	return engine.GetSequence(), nil
}

// typedEvent carries a parsed event plus the JetStream terminators of the
// message it came from. ACK happens only after the core has accepted,
// rejected, or deduplicated the event.
type typedEvent struct {
	evt event.Event
	ack func()
	nak func()
}

func parseLoop(
	ctx context.Context,
	rawEventChan <-chan ingestion.RawEvent,
	typedEventChan chan<- typedEvent,
	subjects []ingestion.SubjectConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-rawEventChan:
			eventType, ok := ingestion.EventTypeForSubject(raw.Subject, subjects)
			if !ok {
				log.Warn().Str("subject", raw.Subject).Msg("unroutable subject")
				if raw.AckFunc != nil {
					raw.AckFunc()
				}
				continue
			}
			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				log.Error().Err(err).Str("subject", raw.Subject).Msg("unparseable event")
				metrics.IngestParseErrors.WithLabelValues(eventType).Inc()
				if raw.AckFunc != nil {
					raw.AckFunc()
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case typedEventChan <- typedEvent{evt: evt, ack: raw.AckFunc, nak: raw.NakFunc}:
			}
		}
	}
}

type coreLoopDeps struct {
	engine           *core.LendingCore
	snapMgr          *persistence.SnapshotManager
	typedEventChan   <-chan typedEvent
	projChan         chan core.CoreOutput
	projWorkerChan   chan<- projection.ProjectionOutput
	publishChan      chan<- ingestion.PublishableEvent
	snapshotInterval int64
	lastSnapshotSeq  int64
	metrics          *observability.Metrics
	log              zerolog.Logger
}

func coreLoop(ctx context.Context, d coreLoopDeps) {
	for {
		select {
		case <-ctx.Done():
			return
		case te := <-d.typedEventChan:
			env, err := d.engine.ProcessEvent(te.evt)
			if err != nil {
				publishRejection(d.publishChan, te.evt, core.RejectionCode(err))
			}
			if te.ack != nil {
				te.ack()
			}

			drainProjection(d.engine, d.projChan, d.projWorkerChan, d.publishChan, d.metrics, d.log)

			if env != nil && d.snapshotInterval > 0 && env.Sequence-d.lastSnapshotSeq >= d.snapshotInterval {
				takeSnapshot(ctx, &d)
			}
		}
	}
}

// drainProjection empties the core's projection channel, building a full
// read-model output for each entry while the touched state is still
// current. Must run on the core loop goroutine between ProcessEvent calls.
func drainProjection(
	engine *core.LendingCore,
	projChan chan core.CoreOutput,
	projWorkerChan chan<- projection.ProjectionOutput,
	publishChan chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case out := <-projChan:
			po := projection.BuildOutput(engine, out)
			select {
			case projWorkerChan <- po:
			default:
				metrics.ProjectionDrops.WithLabelValues("read_model").Inc()
				log.Warn().Int64("sequence", po.Sequence).Msg("projection channel full, read model lags until rebuild")
			}
			if publishChan != nil {
				publishEnvelope(publishChan, out.Envelope, metrics)
			}
		default:
			return
		}
	}
}

func publishEnvelope(publishChan chan<- ingestion.PublishableEvent, env *event.EventEnvelope, metrics *observability.Metrics) {
	pe := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		ReserveAsset:   env.ReserveAsset,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	}
	select {
	case publishChan <- pe:
	default:
		// Outbound notifications are best-effort; the event log is the
		// durable record.
		metrics.PublishDrops.Inc()
	}
}

func publishRejection(publishChan chan<- ingestion.PublishableEvent, evt event.Event, reason string) {
	pe := ingestion.PublishableEvent{
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		ReserveAsset:   evt.ReserveAsset(),
		Payload:        evt,
		RejectReason:   reason,
		Timestamp:      time.Unix(evt.EventTime(), 0).UTC(),
	}
	select {
	case publishChan <- pe:
	default:
	}
}

// takeSnapshot runs on the core loop goroutine so the engine is quiescent.
func takeSnapshot(ctx context.Context, d *coreLoopDeps) {
	start := time.Now()
	snap := d.engine.CreateSnapshot()

	saveCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := d.snapMgr.SaveSnapshot(saveCtx, snap); err != nil {
		d.log.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot failed")
		return
	}

	d.lastSnapshotSeq = snap.Sequence
	if d.metrics != nil {
		d.metrics.SnapshotTaken.Inc()
		d.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		d.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	d.log.Info().Int64("sequence", snap.Sequence).Dur("took", time.Since(start)).Msg("snapshot saved")
}
