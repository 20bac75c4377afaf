package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caregrid/patient-records-backend/internal/domain/consent"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func testGrant(t *testing.T) *consent.Grant {
	t.Helper()

	g, err := consent.NewGrant(
		uuid.New(), uuid.New(), consent.RoleDoctor,
		consent.DataTypeLabResults, consent.PurposeDiagnosis,
		time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour),
		nil, uuid.New(),
	)
	require.NoError(t, err)
	return g
}

func TestGrantCacheRoundTrip(t *testing.T) {
	client, _ := setupTestRedis(t)
	cache := NewGrantCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	grant := testGrant(t)

	_, ok := cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, grant.DataType)
	assert.False(t, ok, "expected miss before set")

	cache.SetGrant(ctx, grant, grant.DataType)

	got, ok := cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, grant.DataType)
	require.True(t, ok)
	assert.Equal(t, grant.ID, got.ID)
	assert.Equal(t, grant.DataType, got.DataType)
	assert.Equal(t, grant.Signature.Hash, got.Signature.Hash)
}

func TestGrantCacheKeyedByRequestedType(t *testing.T) {
	client, _ := setupTestRedis(t)
	cache := NewGrantCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	grant := testGrant(t)
	grant.DataType = consent.DataTypeAllRecords

	// An all_records grant cached under the requested type serves repeat
	// lookups for that type only.
	cache.SetGrant(ctx, grant, consent.DataTypeMedications)

	got, ok := cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, consent.DataTypeMedications)
	require.True(t, ok)
	assert.Equal(t, grant.ID, got.ID)

	_, ok = cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, consent.DataTypeVisits)
	assert.False(t, ok)
}

func TestGrantCacheInvalidateClearsAllTypes(t *testing.T) {
	client, _ := setupTestRedis(t)
	cache := NewGrantCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	grant := testGrant(t)
	grant.DataType = consent.DataTypeAllRecords
	cache.SetGrant(ctx, grant, consent.DataTypeLabResults)
	cache.SetGrant(ctx, grant, consent.DataTypeMedications)

	cache.Invalidate(ctx, grant.PatientID, grant.RecipientID)

	_, ok := cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, consent.DataTypeLabResults)
	assert.False(t, ok)
	_, ok = cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, consent.DataTypeMedications)
	assert.False(t, ok)
}

func TestGrantCacheExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewGrantCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	grant := testGrant(t)
	cache.SetGrant(ctx, grant, grant.DataType)

	mr.FastForward(2 * time.Minute)

	_, ok := cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, grant.DataType)
	assert.False(t, ok, "expected miss after TTL")
}

func TestGrantCacheFailureIsTransparent(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewGrantCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	grant := testGrant(t)
	mr.Close()

	// A dead backend degrades to a miss, never an error.
	cache.SetGrant(ctx, grant, grant.DataType)
	_, ok := cache.GetGrant(ctx, grant.PatientID, grant.RecipientID, grant.DataType)
	assert.False(t, ok)
	cache.Invalidate(ctx, grant.PatientID, grant.RecipientID)
}
