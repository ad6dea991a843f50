// Package store persists work units, trigger events and manifests.
package store

import (
	"context"

	"github.com/pitabwire/sbomer/model"
)

// Store is the durable source of truth shared by the intake correlator, the
// reconciliation controller and the API. The two pipelines never share
// in-memory state; they meet only here.
type Store interface {
	// CreateWorkUnit persists a new work unit. Returns CONFLICT if the id
	// exists, or if a PLACEHOLDER already exists for the same correlation key.
	CreateWorkUnit(ctx context.Context, u model.WorkUnit) error

	// GetWorkUnit retrieves a work unit by id. Returns WORK_UNIT_NOT_FOUND if
	// it does not exist.
	GetWorkUnit(ctx context.Context, id string) (model.WorkUnit, error)

	// UpdateWorkUnit persists an updated work unit with optimistic locking.
	// The version must match the stored version (CONFLICT otherwise) and the
	// status change must be allowed by model.CanTransition
	// (INVALID_TRANSITION otherwise). It returns the stored unit with its new
	// version.
	UpdateWorkUnit(ctx context.Context, u model.WorkUnit) (model.WorkUnit, error)

	// ListWorkUnits returns work units matching the filters, oldest first.
	ListWorkUnits(ctx context.Context, filters WorkUnitFilters) ([]model.WorkUnit, error)

	// DeleteWorkUnit removes a work unit and its manifests. Trigger events
	// are kept.
	DeleteWorkUnit(ctx context.Context, id string) error

	// CreateTriggerEvent persists a trigger event. Returns CONFLICT if the
	// event key was already recorded.
	CreateTriggerEvent(ctx context.Context, e model.TriggerEvent) error

	// GetTriggerEvent retrieves a trigger event by id.
	GetTriggerEvent(ctx context.Context, id string) (model.TriggerEvent, error)

	// MarkTriggerEventProcessed moves a trigger event to PROCESSED.
	MarkTriggerEventProcessed(ctx context.Context, id, reason string) error

	// Correlate runs fn atomically with respect to every other Correlate call
	// for the same key. Changes made through the transaction are committed
	// only if fn returns nil.
	Correlate(ctx context.Context, key model.CorrelationKey, fn func(tx CorrelationTx) error) error

	// StoreManifests persists all manifests or none and returns how many were
	// new. A manifest whose id is already stored for the same unit is skipped.
	StoreManifests(ctx context.Context, manifests []model.Manifest) (int, error)

	// ListManifests returns the manifests of a work unit, oldest first.
	ListManifests(ctx context.Context, workUnitID string) ([]model.Manifest, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// CorrelationTx is the view of the store available inside Correlate. Lookups
// are scoped to the correlation key the transaction was opened for.
type CorrelationTx interface {
	CreateTriggerEvent(ctx context.Context, e model.TriggerEvent) error
	MarkTriggerEventProcessed(ctx context.Context, id, reason string) error

	// FindPlaceholder returns the oldest PLACEHOLDER unit for the key, or nil.
	FindPlaceholder(ctx context.Context) (*model.WorkUnit, error)
	// FindActive returns the oldest READY or RUNNING unit for the key, or nil.
	FindActive(ctx context.Context) (*model.WorkUnit, error)
	// FindUpstreamFailed returns the oldest unit for the key that was failed
	// by an upstream notification (FAILED with ERR_GENERAL), or nil.
	FindUpstreamFailed(ctx context.Context) (*model.WorkUnit, error)

	CreateWorkUnit(ctx context.Context, u model.WorkUnit) error
	UpdateWorkUnit(ctx context.Context, u model.WorkUnit) (model.WorkUnit, error)
}

// WorkUnitFilters are optional filters for listing work units.
type WorkUnitFilters struct {
	Statuses   []model.WorkUnitStatus
	Type       model.GenerationType
	Identifier string
	Limit      int
	Offset     int
}

// NonTerminal returns filters selecting every unit the controller still has
// to drive.
func NonTerminal() WorkUnitFilters {
	return WorkUnitFilters{Statuses: []model.WorkUnitStatus{model.StatusReady, model.StatusRunning}}
}

func (f WorkUnitFilters) matches(u model.WorkUnit) bool {
	if f.Type != "" && u.Type != f.Type {
		return false
	}
	if f.Identifier != "" && u.Identifier != f.Identifier {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if u.Status == s {
			return true
		}
	}
	return false
}
