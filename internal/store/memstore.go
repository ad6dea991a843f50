package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/sbomer/model"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	units     map[string]model.WorkUnit     // key: work unit ID
	events    map[string]model.TriggerEvent // key: trigger event ID
	eventKeys map[string]string             // key: event key, value: trigger event ID
	manifests map[string][]model.Manifest   // key: work unit ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:     make(map[string]model.WorkUnit),
		events:    make(map[string]model.TriggerEvent),
		eventKeys: make(map[string]string),
		manifests: make(map[string][]model.Manifest),
	}
}

// CreateWorkUnit persists a new work unit.
func (s *MemoryStore) CreateWorkUnit(_ context.Context, u model.WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUnit(u)
}

// GetWorkUnit retrieves a work unit by id.
func (s *MemoryStore) GetWorkUnit(_ context.Context, id string) (model.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.units[id]
	if !exists {
		return model.WorkUnit{}, model.NewWorkUnitNotFoundError(id)
	}
	return u, nil
}

// UpdateWorkUnit persists an updated work unit with optimistic locking.
func (s *MemoryStore) UpdateWorkUnit(_ context.Context, u model.WorkUnit) (model.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUnit(u)
}

// ListWorkUnits returns work units matching the filters, oldest first.
func (s *MemoryStore) ListWorkUnits(_ context.Context, filters WorkUnitFilters) ([]model.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkUnit
	for _, u := range s.units {
		if filters.matches(u) {
			result = append(result, u)
		}
	}
	sortUnits(result)

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkUnit{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// DeleteWorkUnit removes a work unit and its manifests.
func (s *MemoryStore) DeleteWorkUnit(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.units[id]; !exists {
		return model.NewWorkUnitNotFoundError(id)
	}
	delete(s.units, id)
	delete(s.manifests, id)
	return nil
}

// CreateTriggerEvent persists a trigger event.
func (s *MemoryStore) CreateTriggerEvent(_ context.Context, e model.TriggerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createEvent(e)
}

// GetTriggerEvent retrieves a trigger event by id.
func (s *MemoryStore) GetTriggerEvent(_ context.Context, id string) (model.TriggerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.events[id]
	if !exists {
		return model.TriggerEvent{}, model.NewNotFoundError(fmt.Sprintf("trigger event %q not found", id))
	}
	return e, nil
}

// MarkTriggerEventProcessed moves a trigger event to PROCESSED.
func (s *MemoryStore) MarkTriggerEventProcessed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markProcessed(id, reason)
}

// Correlate runs fn while holding the store lock. Every change made through
// the transaction is undone if fn returns an error.
func (s *MemoryStore) Correlate(ctx context.Context, key model.CorrelationKey, fn func(tx CorrelationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, key: key}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// StoreManifests persists all manifests or none. Manifests already stored
// under the same id for the same unit are skipped.
func (s *MemoryStore) StoreManifests(_ context.Context, manifests []model.Manifest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(manifests))
	fresh := make([]model.Manifest, 0, len(manifests))
	for _, m := range manifests {
		if _, exists := s.units[m.WorkUnitID]; !exists {
			return 0, model.NewWorkUnitNotFoundError(m.WorkUnitID)
		}
		if seen[m.ID] {
			return 0, model.NewConflictError(fmt.Sprintf("manifest %q appears twice", m.ID))
		}
		seen[m.ID] = true
		if owner, stored := s.manifestOwner(m.ID); stored {
			if owner != m.WorkUnitID {
				return 0, model.NewConflictError(fmt.Sprintf("manifest %q belongs to work unit %s", m.ID, owner))
			}
			continue
		}
		fresh = append(fresh, m)
	}

	now := time.Now().UTC()
	for _, m := range fresh {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		s.manifests[m.WorkUnitID] = append(s.manifests[m.WorkUnitID], m)
	}
	return len(fresh), nil
}

// ListManifests returns the manifests of a work unit.
func (s *MemoryStore) ListManifests(_ context.Context, workUnitID string) ([]model.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Manifest, len(s.manifests[workUnitID]))
	copy(result, s.manifests[workUnitID])
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of work units. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.units)
}

// --- lock-held helpers ---

func (s *MemoryStore) manifestOwner(id string) (string, bool) {
	for unitID, ms := range s.manifests {
		for _, m := range ms {
			if m.ID == id {
				return unitID, true
			}
		}
	}
	return "", false
}

func (s *MemoryStore) createUnit(u model.WorkUnit) error {
	if _, exists := s.units[u.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("work unit %q already exists", u.ID))
	}
	if u.Status == model.StatusPlaceholder {
		if p := s.find(u.Key(), model.StatusPlaceholder); p != nil {
			return model.NewConflictError(
				fmt.Sprintf("a placeholder for %s already exists (%s)", u.Key(), p.ID),
			)
		}
	}
	if u.TriggerEventID != "" {
		for _, other := range s.units {
			if other.TriggerEventID == u.TriggerEventID {
				return model.NewConflictError(
					fmt.Sprintf("trigger event %q is already linked to %s", u.TriggerEventID, other.ID),
				)
			}
		}
	}

	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Version == 0 {
		u.Version = 1
	}
	s.units[u.ID] = u
	return nil
}

func (s *MemoryStore) updateUnit(u model.WorkUnit) (model.WorkUnit, error) {
	existing, exists := s.units[u.ID]
	if !exists {
		return model.WorkUnit{}, model.NewWorkUnitNotFoundError(u.ID)
	}
	if existing.Version != u.Version {
		return model.WorkUnit{}, model.NewConflictError(
			fmt.Sprintf("work unit %q version conflict (expected %d, got %d)", u.ID, u.Version, existing.Version),
		)
	}
	if err := model.ValidateTransition(existing.Status, u.Status); err != nil {
		return model.WorkUnit{}, err
	}
	if u.TriggerEventID != "" && u.TriggerEventID != existing.TriggerEventID {
		for _, other := range s.units {
			if other.ID != u.ID && other.TriggerEventID == u.TriggerEventID {
				return model.WorkUnit{}, model.NewConflictError(
					fmt.Sprintf("trigger event %q is already linked to %s", u.TriggerEventID, other.ID),
				)
			}
		}
	}

	u.CreatedAt = existing.CreatedAt
	u.Version++
	u.UpdatedAt = time.Now().UTC()
	s.units[u.ID] = u
	return u, nil
}

func (s *MemoryStore) createEvent(e model.TriggerEvent) error {
	if _, exists := s.events[e.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("trigger event %q already exists", e.ID))
	}
	if _, exists := s.eventKeys[e.EventKey]; exists {
		return model.NewConflictError(fmt.Sprintf("event key %q already recorded", e.EventKey))
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.events[e.ID] = e
	s.eventKeys[e.EventKey] = e.ID
	return nil
}

func (s *MemoryStore) markProcessed(id, reason string) error {
	e, exists := s.events[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("trigger event %q not found", id))
	}
	e.Status = model.EventProcessed
	if reason != "" {
		e.Reason = reason
	}
	e.UpdatedAt = time.Now().UTC()
	s.events[id] = e
	return nil
}

// find returns the oldest unit for the key whose status is one of statuses.
func (s *MemoryStore) find(key model.CorrelationKey, statuses ...model.WorkUnitStatus) *model.WorkUnit {
	filters := WorkUnitFilters{Statuses: statuses, Type: key.Type, Identifier: key.Identifier}
	var matches []model.WorkUnit
	for _, u := range s.units {
		if filters.matches(u) {
			matches = append(matches, u)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sortUnits(matches)
	return &matches[0]
}

func sortUnits(units []model.WorkUnit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].CreatedAt.Equal(units[j].CreatedAt) {
			return units[i].ID < units[j].ID
		}
		return units[i].CreatedAt.Before(units[j].CreatedAt)
	})
}

// memTx applies writes directly to the locked store and keeps an undo log.
type memTx struct {
	s    *MemoryStore
	key  model.CorrelationKey
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memTx) CreateTriggerEvent(_ context.Context, e model.TriggerEvent) error {
	if err := t.s.createEvent(e); err != nil {
		return err
	}
	t.undo = append(t.undo, func() {
		delete(t.s.events, e.ID)
		delete(t.s.eventKeys, e.EventKey)
	})
	return nil
}

func (t *memTx) MarkTriggerEventProcessed(_ context.Context, id, reason string) error {
	prev, exists := t.s.events[id]
	if err := t.s.markProcessed(id, reason); err != nil {
		return err
	}
	if exists {
		t.undo = append(t.undo, func() { t.s.events[id] = prev })
	}
	return nil
}

func (t *memTx) FindPlaceholder(context.Context) (*model.WorkUnit, error) {
	return t.s.find(t.key, model.StatusPlaceholder), nil
}

func (t *memTx) FindActive(context.Context) (*model.WorkUnit, error) {
	return t.s.find(t.key, model.StatusReady, model.StatusRunning), nil
}

func (t *memTx) FindUpstreamFailed(context.Context) (*model.WorkUnit, error) {
	var matches []model.WorkUnit
	for _, u := range t.s.units {
		if u.Identifier == t.key.Identifier && u.Type == t.key.Type &&
			u.Status == model.StatusFailed && u.Result == model.ResultErrGeneral {
			matches = append(matches, u)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sortUnits(matches)
	return &matches[0], nil
}

func (t *memTx) CreateWorkUnit(_ context.Context, u model.WorkUnit) error {
	if err := t.s.createUnit(u); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { delete(t.s.units, u.ID) })
	return nil
}

func (t *memTx) UpdateWorkUnit(_ context.Context, u model.WorkUnit) (model.WorkUnit, error) {
	prev, exists := t.s.units[u.ID]
	updated, err := t.s.updateUnit(u)
	if err != nil {
		return model.WorkUnit{}, err
	}
	if exists {
		t.undo = append(t.undo, func() { t.s.units[u.ID] = prev })
	}
	return updated, nil
}
