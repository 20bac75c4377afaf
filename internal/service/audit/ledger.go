package audit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	"github.com/caregrid/patient-records-backend/internal/domain/errors"
	"github.com/caregrid/patient-records-backend/internal/infrastructure/config"
	"github.com/caregrid/patient-records-backend/internal/metrics"
)

// Ledger is the append-only audit log service. Appends are asynchronous
// and best-effort: a record is stamped, sealed and queued without blocking
// the calling operation, and a write failure is logged and counted, never
// surfaced to the business caller. The queue is an explicit bounded
// channel; when it is full the record is dropped and the drop is visible
// in metrics rather than silently stalling request handling.
type Ledger struct {
	cfg        config.AuditConfig
	serverName string

	store   audit.Store
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	queue   chan *audit.Record
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	dropped atomic.Int64
}

// NewLedger creates the ledger and starts its write workers.
func NewLedger(ctx context.Context, cfg config.AuditConfig, serverName string, store audit.Store, logger *zap.Logger, m *metrics.Registry) (*Ledger, error) {
	if store == nil {
		return nil, errors.NewValidationError("MISSING_STORE", "audit store is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Ledger{
		cfg:        cfg,
		serverName: serverName,
		store:      store,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer("audit.ledger"),
		queue:      make(chan *audit.Record, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	l.running.Store(true)
	for i := 0; i < cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}

	logger.Info("audit ledger started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("write_timeout", cfg.WriteTimeout))

	return l, nil
}

// Append stamps, seals and queues a record. The only error it returns is
// a validation error, which signals a malformed record from the caller;
// queue pressure and storage failures are absorbed here.
func (l *Ledger) Append(ctx context.Context, rec *audit.Record) error {
	_, span := l.tracer.Start(ctx, "Ledger.Append",
		trace.WithAttributes(
			attribute.String("event.type", string(rec.EventType)),
			attribute.String("action", rec.Action),
		),
	)
	defer span.End()

	// A caller backfilling an event keeps its true occurrence time; the
	// timestamp is a hashed field, so stamping over it would seal the
	// wrong instant.
	if rec.SystemDetails.Timestamp.IsZero() {
		rec.SystemDetails.Timestamp = time.Now().UTC()
	}
	rec.SystemDetails.ServerName = l.serverName
	rec.SystemDetails.ProcessID = os.Getpid()

	if err := rec.Validate(); err != nil {
		span.RecordError(err)
		return err
	}
	rec.Seal()

	if !l.running.Load() {
		l.drop(rec, "ledger stopped")
		return nil
	}

	select {
	case l.queue <- rec:
		l.metrics.SetQueueDepth(int64(len(l.queue)))
	default:
		l.drop(rec, "queue full")
		span.SetAttributes(attribute.Bool("dropped", true))
	}
	return nil
}

// Dropped returns the number of records dropped since start.
func (l *Ledger) Dropped() int64 {
	return l.dropped.Load()
}

// QueueDepth returns the number of records waiting to be written.
func (l *Ledger) QueueDepth() int {
	return len(l.queue)
}

// Close stops accepting records, drains the queue and waits for the
// workers, bounded by twice the write timeout.
func (l *Ledger) Close() error {
	l.running.Store(false)
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("audit ledger shut down", zap.Int64("dropped_total", l.dropped.Load()))
	case <-time.After(l.cfg.WriteTimeout * 2):
		l.logger.Warn("audit ledger shutdown timeout",
			zap.Int("pending_records", len(l.queue)))
	}
	return nil
}

func (l *Ledger) worker(id int) {
	defer l.wg.Done()

	for {
		select {
		case rec := <-l.queue:
			l.metrics.SetQueueDepth(int64(len(l.queue)))
			l.write(rec)
		case <-l.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case rec := <-l.queue:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) write(rec *audit.Record) {
	start := time.Now()

	var err error
	for attempt := 0; attempt <= l.cfg.RetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
		err = l.store.Insert(ctx, rec)
		cancel()

		if err == nil {
			l.metrics.AuditAppendCounter.Add(context.Background(), 1)
			l.metrics.AuditAppendDuration.Record(context.Background(), time.Since(start).Seconds())
			return
		}
		if errors.IsConflict(err) {
			// The record is already in the ledger; a retry cannot help.
			l.logger.Warn("duplicate audit record",
				zap.String("record_id", rec.ID.String()))
			return
		}
	}

	l.dropped.Add(1)
	l.metrics.AuditDropCounter.Add(context.Background(), 1)
	l.logger.Error("audit write failed, record dropped",
		zap.String("record_id", rec.ID.String()),
		zap.String("event_type", string(rec.EventType)),
		zap.String("action", rec.Action),
		zap.Error(err))
}

func (l *Ledger) drop(rec *audit.Record, reason string) {
	l.dropped.Add(1)
	l.metrics.AuditDropCounter.Add(context.Background(), 1)
	l.logger.Warn("audit record dropped",
		zap.String("record_id", rec.ID.String()),
		zap.String("event_type", string(rec.EventType)),
		zap.String("reason", reason),
		zap.Int64("dropped_total", l.dropped.Load()))
}
