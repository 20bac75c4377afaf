package consent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

// memStore is an in-memory consent.Store mirroring the semantics of the
// PostgreSQL repository, including the conditional access-count update
// and the one-active-emergency-grant constraint.
type memStore struct {
	mu     sync.Mutex
	grants map[uuid.UUID]*consent.Grant
}

func newMemStore() *memStore {
	return &memStore{grants: make(map[uuid.UUID]*consent.Grant)}
}

func (s *memStore) Create(ctx context.Context, g *consent.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[g.ID]; ok {
		return errors.NewConflictError("an equivalent active grant already exists")
	}
	if g.Emergency.IsEmergency && g.DataType == consent.DataTypeAllRecords && g.Status == consent.StatusActive {
		for _, other := range s.grants {
			if other.Emergency.IsEmergency && other.DataType == consent.DataTypeAllRecords &&
				other.Status == consent.StatusActive &&
				other.PatientID == g.PatientID && other.RecipientID == g.RecipientID {
				return errors.NewConflictError("an equivalent active grant already exists")
			}
		}
	}
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*consent.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, errors.ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *memStore) FindActive(ctx context.Context, patientID, recipientID uuid.UUID, dataType consent.DataType) (*consent.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *consent.Grant
	for _, g := range s.grants {
		if g.Status != consent.StatusActive || g.PatientID != patientID ||
			g.RecipientID != recipientID || !g.DataType.Covers(dataType) {
			continue
		}
		if best == nil {
			best = g
			continue
		}
		bestExact := best.DataType == dataType
		gExact := g.DataType == dataType
		if (gExact && !bestExact) || (gExact == bestExact && g.GrantedAt.After(best.GrantedAt)) {
			best = g
		}
	}
	if best == nil {
		return nil, errors.ErrGrantNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) FindByPatient(ctx context.Context, patientID uuid.UUID, status *consent.Status) ([]*consent.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*consent.Grant
	for _, g := range s.grants {
		if g.PatientID != patientID {
			continue
		}
		if status != nil && g.Status != *status {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) FindByRecipient(ctx context.Context, recipientID uuid.UUID, status *consent.Status) ([]*consent.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*consent.Grant
	for _, g := range s.grants {
		if g.RecipientID != recipientID {
			continue
		}
		if status != nil && g.Status != *status {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, g *consent.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.grants[g.ID]
	if !ok {
		return errors.ErrGrantNotFound
	}
	if stored.Version >= g.Version {
		return errors.NewConflictError("grant was modified concurrently")
	}
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *memStore) RecordAccess(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok || g.Status != consent.StatusActive {
		return errors.NewConflictError("grant is no longer active or its access cap is exhausted")
	}
	if g.Limitations.MaxAccessCount != nil && g.Limitations.AccessCount >= *g.Limitations.MaxAccessCount {
		return errors.NewConflictError("grant is no longer active or its access cap is exhausted")
	}
	g.Limitations.AccessCount++
	if g.Limitations.MaxAccessCount != nil && g.Limitations.AccessCount >= *g.Limitations.MaxAccessCount {
		g.Status = consent.StatusExpired
	}
	return nil
}

// capturingLedger collects appended records for assertions.
type capturingLedger struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (l *capturingLedger) Append(ctx context.Context, rec *audit.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.SystemDetails.Timestamp = time.Now().UTC()
	rec.Seal()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *capturingLedger) byAction(action string) []*audit.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*audit.Record
	for _, rec := range l.records {
		if rec.Action == action {
			out = append(out, rec)
		}
	}
	return out
}

func (l *capturingLedger) byEventType(t audit.EventType) []*audit.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*audit.Record
	for _, rec := range l.records {
		if rec.EventType == t {
			out = append(out, rec)
		}
	}
	return out
}

// mapCache is an in-memory GrantCache with hit accounting.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]*consent.Grant
	hits    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*consent.Grant)}
}

func (c *mapCache) key(patientID, recipientID uuid.UUID, dt consent.DataType) string {
	return fmt.Sprintf("%s:%s:%s", patientID, recipientID, dt)
}

func (c *mapCache) GetGrant(ctx context.Context, patientID, recipientID uuid.UUID, dt consent.DataType) (*consent.Grant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.entries[c.key(patientID, recipientID, dt)]
	if !ok {
		return nil, false
	}
	c.hits++
	cp := *g
	return &cp, true
}

func (c *mapCache) SetGrant(ctx context.Context, g *consent.Grant, requested consent.DataType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *g
	c.entries[c.key(g.PatientID, g.RecipientID, requested)] = &cp
}

func (c *mapCache) Invalidate(ctx context.Context, patientID, recipientID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := fmt.Sprintf("%s:%s:", patientID, recipientID)
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// stubLimiter answers every Allow call with a fixed verdict.
type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (l *stubLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.calls++
	return l.allowed, l.err
}

func testMeta() RequestMeta {
	return RequestMeta{
		IPAddress: "10.0.0.7",
		UserAgent: "records-client/2.1",
		Endpoint:  "/api/v1/consents",
		Method:    "POST",
		RequestID: uuid.NewString(),
	}
}
