package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/domain/consent"
)

// GrantCache is a read-through cache in front of the consent store's
// candidate-grant lookup, keyed by (patient, recipient, requested data
// type).
//
// Cache failures are transparent: every error degrades to a miss so the
// store remains the source of truth. A cached grant is only a candidate;
// the evaluator still re-derives validity and the store's conditional
// access-count update remains the arbiter for count-capped grants.
type GrantCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewGrantCache creates a grant cache with the given TTL.
func NewGrantCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *GrantCache {
	return &GrantCache{client: client, ttl: ttl, logger: logger}
}

// GetGrant returns the cached grant candidate for the lookup key,
// or (nil, false) on a miss.
func (c *GrantCache) GetGrant(ctx context.Context, patientID, recipientID uuid.UUID, dataType consent.DataType) (*consent.Grant, bool) {
	data, err := c.client.Get(ctx, c.lookupKey(patientID, recipientID, dataType)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("grant cache get failed", zap.Error(err))
		}
		return nil, false
	}

	var g consent.Grant
	if err := json.Unmarshal(data, &g); err != nil {
		c.logger.Debug("grant cache unmarshal failed", zap.Error(err))
		return nil, false
	}
	return &g, true
}

// SetGrant caches a grant under the data type that was requested,
// which may differ from the grant's own type when an all_records grant
// served the lookup.
func (c *GrantCache) SetGrant(ctx context.Context, g *consent.Grant, requested consent.DataType) {
	data, err := json.Marshal(g)
	if err != nil {
		c.logger.Debug("grant cache marshal failed", zap.Error(err))
		return
	}
	key := c.lookupKey(g.PatientID, g.RecipientID, requested)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Debug("grant cache set failed", zap.Error(err))
	}
}

// Invalidate drops every lookup key for the grant's patient/recipient
// pair. An all_records grant can serve any requested data type, so the
// whole closed set of keys is cleared rather than guessing which lookups
// the grant answered.
func (c *GrantCache) Invalidate(ctx context.Context, patientID, recipientID uuid.UUID) {
	keys := make([]string, 0, len(allDataTypes))
	for _, dt := range allDataTypes {
		keys = append(keys, c.lookupKey(patientID, recipientID, dt))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Debug("grant cache invalidate failed", zap.Error(err))
	}
}

var allDataTypes = []consent.DataType{
	consent.DataTypeDemographics, consent.DataTypeMedicalHistory,
	consent.DataTypeVisits, consent.DataTypeMedications,
	consent.DataTypeLabResults, consent.DataTypePrescriptions,
	consent.DataTypeVitalSigns, consent.DataTypeAllRecords,
}

func (c *GrantCache) lookupKey(patientID, recipientID uuid.UUID, dataType consent.DataType) string {
	return fmt.Sprintf("grant:valid:%s:%s:%s", patientID, recipientID, dataType)
}
