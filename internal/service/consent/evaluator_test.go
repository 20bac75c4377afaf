package consent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	"github.com/caregrid/patient-records-backend/internal/metrics"
)

func testRegistry(t *testing.T) *metrics.Registry {
	t.Helper()
	m, err := metrics.NewRegistry("test")
	require.NoError(t, err)
	return m
}

func newTestEvaluator(t *testing.T, store consent.Store, cache GrantCache) *Evaluator {
	t.Helper()
	return NewEvaluator(store, cache, 2*time.Second, zaptest.NewLogger(t), testRegistry(t))
}

func activeGrant(t *testing.T, store *memStore, dataType consent.DataType, purpose consent.Purpose, maxAccess *int) *consent.Grant {
	t.Helper()
	g, err := consent.NewGrant(uuid.New(), uuid.New(), consent.RoleDoctor,
		dataType, purpose,
		time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour),
		maxAccess, uuid.New())
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), g))
	return g
}

func TestEvaluatorAllowsCoveredAccess(t *testing.T) {
	store := newMemStore()
	g := activeGrant(t, store, consent.DataTypeLabResults, consent.PurposeDiagnosis, nil)
	e := newTestEvaluator(t, store, nil)

	d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeLabResults, consent.PurposeDiagnosis)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.Grant)
	assert.Equal(t, g.ID, d.Grant.ID)

	stored, err := store.GetByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Limitations.AccessCount, "allowed access is counted")
}

func TestEvaluatorDeniesWithoutGrant(t *testing.T) {
	store := newMemStore()
	e := newTestEvaluator(t, store, nil)

	d, err := e.Check(context.Background(), uuid.New(), uuid.New(), consent.DataTypeMedications, consent.PurposeTreatment)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoValidConsent, d.Reason)
}

func TestEvaluatorPurposeLimitation(t *testing.T) {
	store := newMemStore()
	g := activeGrant(t, store, consent.DataTypeVisits, consent.PurposeDiagnosis, nil)
	e := newTestEvaluator(t, store, nil)

	d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeVisits, consent.PurposeBilling)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPurposeNotCovered, d.Reason)

	// A denied purpose check must not consume an access.
	stored, err := store.GetByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Limitations.AccessCount)
}

func TestEvaluatorTreatmentPurposeIsCatchAll(t *testing.T) {
	store := newMemStore()
	g := activeGrant(t, store, consent.DataTypeVisits, consent.PurposeTreatment, nil)
	e := newTestEvaluator(t, store, nil)

	for _, purpose := range []consent.Purpose{
		consent.PurposeDiagnosis, consent.PurposeBilling, consent.PurposeResearch,
	} {
		d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeVisits, purpose)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "treatment grant should satisfy %s", purpose)
	}
}

func TestEvaluatorAllRecordsCoversAnyType(t *testing.T) {
	store := newMemStore()
	g := activeGrant(t, store, consent.DataTypeAllRecords, consent.PurposeTreatment, nil)
	e := newTestEvaluator(t, store, nil)

	for _, dataType := range []consent.DataType{
		consent.DataTypeMedications, consent.DataTypeLabResults, consent.DataTypeDemographics,
	} {
		d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, dataType, consent.PurposeTreatment)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "all_records grant should cover %s", dataType)
	}
}

func TestEvaluatorPrefersExactTypeMatch(t *testing.T) {
	store := newMemStore()
	broad := activeGrant(t, store, consent.DataTypeAllRecords, consent.PurposeTreatment, nil)

	exact, err := consent.NewGrant(broad.PatientID, broad.RecipientID, consent.RoleDoctor,
		consent.DataTypeLabResults, consent.PurposeTreatment,
		time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour), nil, uuid.New())
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), exact))

	e := newTestEvaluator(t, store, nil)
	d, err := e.Check(context.Background(), broad.RecipientID, broad.PatientID, consent.DataTypeLabResults, consent.PurposeTreatment)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, exact.ID, d.Grant.ID)
}

func TestEvaluatorUsageCapWalk(t *testing.T) {
	store := newMemStore()
	limit := 3
	g := activeGrant(t, store, consent.DataTypeMedications, consent.PurposeTreatment, &limit)
	e := newTestEvaluator(t, store, nil)

	for i := 0; i < limit; i++ {
		d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeMedications, consent.PurposeTreatment)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "access %d of %d should be allowed", i+1, limit)
	}

	d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeMedications, consent.PurposeTreatment)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "access beyond the cap must be denied")

	stored, err := store.GetByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusExpired, stored.Status, "reaching the cap expires the grant")
	assert.Equal(t, limit, stored.Limitations.AccessCount)
}

func TestEvaluatorLazyTimeExpiry(t *testing.T) {
	store := newMemStore()
	g, err := consent.NewGrant(uuid.New(), uuid.New(), consent.RoleDoctor,
		consent.DataTypeVisits, consent.PurposeTreatment,
		time.Now().Add(-48*time.Hour), time.Now().Add(time.Minute), nil, uuid.New())
	require.NoError(t, err)
	g.ValidUntil = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(context.Background(), g))

	e := newTestEvaluator(t, store, nil)
	d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeVisits, consent.PurposeTreatment)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonConsentExpired, d.Reason)

	// Observation persisted the transition.
	stored, err := store.GetByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusExpired, stored.Status)
}

func TestEvaluatorDeniesRevokedGrant(t *testing.T) {
	store := newMemStore()
	g := activeGrant(t, store, consent.DataTypeVisits, consent.PurposeTreatment, nil)
	require.NoError(t, g.Revoke("patient withdrew consent", g.PatientID))
	require.NoError(t, store.Update(context.Background(), g))

	e := newTestEvaluator(t, store, nil)
	d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeVisits, consent.PurposeTreatment)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoValidConsent, d.Reason)
}

func TestEvaluatorDeniesSuspendedGrant(t *testing.T) {
	store := newMemStore()
	g := activeGrant(t, store, consent.DataTypeVisits, consent.PurposeTreatment, nil)
	require.NoError(t, g.Suspend())
	require.NoError(t, store.Update(context.Background(), g))

	e := newTestEvaluator(t, store, nil)
	d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeVisits, consent.PurposeTreatment)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestEvaluatorUsesCache(t *testing.T) {
	store := newMemStore()
	cache := newMapCache()
	g := activeGrant(t, store, consent.DataTypeLabResults, consent.PurposeTreatment, nil)
	e := newTestEvaluator(t, store, cache)

	// First check primes the cache, second hits it.
	for i := 0; i < 2; i++ {
		d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeLabResults, consent.PurposeTreatment)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 1, cache.hits)
}

func TestEvaluatorStaleCacheFallsBackToStore(t *testing.T) {
	store := newMemStore()
	cache := newMapCache()
	g := activeGrant(t, store, consent.DataTypeLabResults, consent.PurposeTreatment, nil)

	// Cache holds a revoked copy; the store has the live grant.
	stale := *g
	require.NoError(t, stale.Revoke("superseded", g.PatientID))
	cache.SetGrant(context.Background(), &stale, consent.DataTypeLabResults)

	e := newTestEvaluator(t, store, cache)
	d, err := e.Check(context.Background(), g.RecipientID, g.PatientID, consent.DataTypeLabResults, consent.PurposeTreatment)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "stale cache entry must not deny a live grant")
}
