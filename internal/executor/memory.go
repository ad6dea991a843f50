package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/sbomer/model"
)

// MemoryClient is an in-process Client. Resources never complete on their
// own; tests and local runs drive them with Complete.
type MemoryClient struct {
	mu        sync.Mutex
	resources map[string]model.ExecutorResource // key: resource name
	specs     map[string]model.ResourceSpec
	watchers  []chan string
}

// NewMemoryClient creates an empty in-process executor.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		resources: make(map[string]model.ExecutorResource),
		specs:     make(map[string]model.ResourceSpec),
	}
}

// Create records the resource. An existing name is left untouched.
func (c *MemoryClient) Create(ctx context.Context, spec model.ResourceSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.resources[spec.Name]; exists {
		c.mu.Unlock()
		return nil
	}
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	c.resources[spec.Name] = model.ExecutorResource{
		Name:      spec.Name,
		Labels:    labels,
		CreatedAt: time.Now().UTC(),
	}
	c.specs[spec.Name] = spec
	c.mu.Unlock()

	c.notify(labels[LabelWorkUnitID])
	return nil
}

// List returns the resources of a work unit ordered by name.
func (c *MemoryClient) List(_ context.Context, workUnitID string) ([]model.ExecutorResource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []model.ExecutorResource
	for _, r := range c.resources {
		if r.Labels[LabelWorkUnitID] == workUnitID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Watch returns a channel receiving the work unit id of every created or
// completed resource.
func (c *MemoryClient) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)

	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range c.watchers {
			if w == ch {
				c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// DeleteFor removes the resources of a work unit.
func (c *MemoryClient) DeleteFor(_ context.Context, workUnitID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, r := range c.resources {
		if r.Labels[LabelWorkUnitID] == workUnitID {
			delete(c.resources, name)
			delete(c.specs, name)
		}
	}
	return nil
}

// HealthCheck always succeeds.
func (c *MemoryClient) HealthCheck(context.Context) error {
	return nil
}

// Complete marks a resource finished. A nil steps slice with succeeded=false
// models a run that failed before any step reported.
func (c *MemoryClient) Complete(name string, succeeded bool, steps []model.StepState, results map[string]string) error {
	c.mu.Lock()
	r, exists := c.resources[name]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("resource %q not found", name)
	}
	r.Finished = true
	r.Succeeded = succeeded
	r.Steps = steps
	r.Results = results
	if !succeeded {
		r.Message = "task run failed"
	}
	c.resources[name] = r
	c.mu.Unlock()

	c.notify(r.Labels[LabelWorkUnitID])
	return nil
}

// Spec returns the spec a resource was created from. For testing.
func (c *MemoryClient) Spec(name string) (model.ResourceSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.specs[name]
	return s, ok
}

// Count returns the total number of resources held. For testing.
func (c *MemoryClient) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

func (c *MemoryClient) notify(workUnitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.watchers {
		select {
		case w <- workUnitID:
		default:
		}
	}
}
