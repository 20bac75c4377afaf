package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	"github.com/caregrid/patient-records-backend/internal/domain/errors"
	"github.com/caregrid/patient-records-backend/internal/metrics"
)

// Deny reasons reported on evaluator decisions.
const (
	ReasonNoValidConsent     = "no_valid_consent"
	ReasonConsentExpired     = "consent_expired"
	ReasonPurposeNotCovered  = "purpose_not_covered"
	ReasonAccessLimitReached = "access_limit_reached"
)

// Decision is the outcome of one consent check.
type Decision struct {
	Allowed bool
	Reason  string
	// Grant backs an allowed decision; nil when denied.
	Grant *consent.Grant
}

// Evaluator answers "may this recipient access this patient's data for
// this purpose right now". Validity is re-derived on every check; a
// cached grant is only a lookup shortcut, never a cached decision, and
// the store's conditional access-count update is the final arbiter for
// count-capped grants.
type Evaluator struct {
	store        consent.Store
	cache        GrantCache
	logger       *zap.Logger
	metrics      *metrics.Registry
	tracer       trace.Tracer
	checkTimeout time.Duration
}

// NewEvaluator creates a consent evaluator. cache may be nil.
func NewEvaluator(store consent.Store, cache GrantCache, checkTimeout time.Duration, logger *zap.Logger, m *metrics.Registry) *Evaluator {
	if checkTimeout <= 0 {
		checkTimeout = 2 * time.Second
	}
	return &Evaluator{
		store:        store,
		cache:        cache,
		logger:       logger,
		metrics:      m,
		tracer:       otel.Tracer("consent.evaluator"),
		checkTimeout: checkTimeout,
	}
}

// Check evaluates consent and, when it allows, records the access against
// the grant's cap in the same call. A denial is a Decision, not an error;
// errors mean the check itself could not run.
func (e *Evaluator) Check(ctx context.Context, recipientID, patientID uuid.UUID, dataType consent.DataType, purpose consent.Purpose) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "Evaluator.Check",
		trace.WithAttributes(
			attribute.String("data_type", string(dataType)),
			attribute.String("purpose", string(purpose)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()

	start := time.Now()
	decision, err := e.check(ctx, recipientID, patientID, dataType, purpose)
	e.metrics.ConsentCheckDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.metrics.RecordDecision(ctx, decision.Allowed, string(dataType))
	span.SetAttributes(
		attribute.Bool("allowed", decision.Allowed),
		attribute.String("reason", decision.Reason),
	)
	return decision, nil
}

func (e *Evaluator) check(ctx context.Context, recipientID, patientID uuid.UUID, dataType consent.DataType, purpose consent.Purpose) (*Decision, error) {
	now := time.Now()

	grant, cached := e.lookupGrant(ctx, patientID, recipientID, dataType)

	// Validity is derived from the stored fields at check time, never
	// trusted from the cache or a stored flag. A stale cache entry falls
	// back to one fresh store lookup.
	if grant != nil && cached && !grant.IsValidAt(now) {
		e.invalidate(ctx, patientID, recipientID)
		grant, cached = e.storeLookup(ctx, patientID, recipientID, dataType), false
	}
	if grant == nil {
		return &Decision{Reason: ReasonNoValidConsent}, nil
	}

	if !grant.IsValidAt(now) {
		if grant.ExpireIfPast(now) {
			grant.Version++
			grant.Sign()
			if err := e.store.Update(ctx, grant); err != nil && !errors.IsConflict(err) {
				e.logger.Warn("failed to persist grant expiry",
					zap.String("grant_id", grant.ID.String()),
					zap.Error(err))
			}
			e.invalidate(ctx, patientID, recipientID)
			return &Decision{Reason: ReasonConsentExpired}, nil
		}
		e.invalidate(ctx, patientID, recipientID)
		return &Decision{Reason: ReasonNoValidConsent}, nil
	}

	if !grant.Purpose.Satisfies(purpose) {
		return &Decision{Reason: ReasonPurposeNotCovered}, nil
	}

	// The conditional update both counts the access and expires the grant
	// when this access reaches the cap. Losing the race is a denial, not
	// an error.
	if err := e.store.RecordAccess(ctx, grant.ID); err != nil {
		if errors.IsConflict(err) {
			e.invalidate(ctx, patientID, recipientID)
			return &Decision{Reason: ReasonAccessLimitReached}, nil
		}
		return nil, err
	}
	grant.Limitations.AccessCount++

	if grant.Limitations.MaxAccessCount != nil &&
		grant.Limitations.AccessCount >= *grant.Limitations.MaxAccessCount {
		// That was the last permitted access; the grant is now expired.
		e.invalidate(ctx, patientID, recipientID)
	}

	return &Decision{Allowed: true, Grant: grant}, nil
}

// lookupGrant consults the cache first and falls back to the store. A nil
// return means no candidate grant exists.
func (e *Evaluator) lookupGrant(ctx context.Context, patientID, recipientID uuid.UUID, dataType consent.DataType) (*consent.Grant, bool) {
	if e.cache != nil {
		if g, ok := e.cache.GetGrant(ctx, patientID, recipientID, dataType); ok {
			e.metrics.CacheHitCounter.Add(ctx, 1)
			return g, true
		}
		e.metrics.CacheMissCounter.Add(ctx, 1)
	}
	return e.storeLookup(ctx, patientID, recipientID, dataType), false
}

// storeLookup queries the store and primes the cache. Lookup failures are
// fail-closed: they read as "no grant" rather than erroring the check.
func (e *Evaluator) storeLookup(ctx context.Context, patientID, recipientID uuid.UUID, dataType consent.DataType) *consent.Grant {
	g, err := e.store.FindActive(ctx, patientID, recipientID, dataType)
	if err != nil {
		if !errors.IsNotFound(err) {
			e.logger.Error("consent lookup failed",
				zap.String("patient_id", patientID.String()),
				zap.String("recipient_id", recipientID.String()),
				zap.Error(err))
		}
		return nil
	}

	if e.cache != nil {
		e.cache.SetGrant(ctx, g, dataType)
	}
	return g
}

func (e *Evaluator) invalidate(ctx context.Context, patientID, recipientID uuid.UUID) {
	if e.cache != nil {
		e.cache.Invalidate(ctx, patientID, recipientID)
	}
}
