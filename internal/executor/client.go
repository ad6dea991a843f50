package executor

import (
	"context"
	"fmt"

	"github.com/pitabwire/sbomer/model"
)

// Client creates and observes executor resources. Implementations must make
// Create idempotent: creating a resource whose name already exists is not an
// error and never produces a second resource.
type Client interface {
	// Create submits the resource described by spec.
	Create(ctx context.Context, spec model.ResourceSpec) error

	// List returns every resource labelled with the work unit id.
	List(ctx context.Context, workUnitID string) ([]model.ExecutorResource, error)

	// Watch streams the work unit ids of resources that changed until ctx is
	// cancelled. The channel is closed when the watch ends.
	Watch(ctx context.Context) (<-chan string, error)

	// DeleteFor removes every resource owned by the work unit.
	DeleteFor(ctx context.Context, workUnitID string) error

	// HealthCheck verifies the executor platform is reachable.
	HealthCheck(ctx context.Context) error
}

// EnsureResource creates the resource for the unit's phase unless one is
// already present. It reports whether a resource was created.
func EnsureResource(ctx context.Context, c Client, opts Options, u model.WorkUnit, p model.Phase) (bool, error) {
	existing, err := c.List(ctx, u.ID)
	if err != nil {
		return false, fmt.Errorf("list resources of %s: %w", u.ID, err)
	}
	if FindForPhase(existing, p) != nil {
		return false, nil
	}

	spec, err := Desired(opts, u, p)
	if err != nil {
		return false, err
	}
	if err := c.Create(ctx, spec); err != nil {
		return false, fmt.Errorf("create %s: %w", spec.Name, err)
	}
	return true, nil
}
