package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/util/workqueue"

	"github.com/pitabwire/sbomer/internal/executor"
	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/internal/store"
	"github.com/pitabwire/sbomer/model"
)

const (
	defaultWorkers    = 4
	defaultResync     = 30 * time.Second
	defaultMaxRetries = 10
)

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Executor   executor.Options
	Workers    int
	Resync     time.Duration
	MaxRetries int
}

// Controller hosts the engine. It keys a rate-limited work queue by work
// unit id, so the same unit is never reconciled by two workers at once, and
// it is the layer that materializes the resource the current phase needs.
type Controller struct {
	store   store.Store
	exec    executor.Client
	engine  *Engine
	opts    ControllerOptions
	queue   workqueue.TypedRateLimitingInterface[string]
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewController creates a controller.
func NewController(
	s store.Store,
	exec executor.Client,
	engine *Engine,
	opts ControllerOptions,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Resync <= 0 {
		opts.Resync = defaultResync
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := workqueue.NewTypedRateLimitingQueueWithConfig(
		workqueue.DefaultTypedControllerRateLimiter[string](),
		workqueue.TypedRateLimitingQueueConfig[string]{Name: "sbomer-generations"},
	)
	return &Controller{
		store:   s,
		exec:    exec,
		engine:  engine,
		opts:    opts,
		queue:   queue,
		logger:  logger,
		metrics: metrics,
	}
}

// Enqueue schedules a reconciliation of the unit.
func (c *Controller) Enqueue(id string) {
	c.queue.Add(id)
	c.metrics.SetQueueDepth(c.queue.Len())
}

// Resync enqueues every unit that still has to be driven.
func (c *Controller) Resync(ctx context.Context) error {
	units, err := c.store.ListWorkUnits(ctx, store.NonTerminal())
	if err != nil {
		return fmt.Errorf("list non-terminal work units: %w", err)
	}
	for _, u := range units {
		c.Enqueue(u.ID)
	}
	c.logger.Debug("resync", zap.Int("work_units", len(units)))
	return nil
}

// Run processes the queue until ctx is cancelled. Executor watch events
// and a periodic resync feed the queue.
func (c *Controller) Run(ctx context.Context) error {
	defer c.queue.ShutDown()

	events, err := c.exec.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch executor: %w", err)
	}
	if err := c.Resync(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for id := range events {
			c.Enqueue(id)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.opts.Resync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Resync(ctx); err != nil && ctx.Err() == nil {
					c.logger.Error("resync failed", zap.Error(err))
				}
			}
		}
	}()

	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c.processNext(ctx) {
			}
		}()
	}

	c.logger.Info("controller started",
		zap.Int("workers", c.opts.Workers),
		zap.Duration("resync", c.opts.Resync),
	)
	<-ctx.Done()
	c.queue.ShutDown()
	wg.Wait()
	c.logger.Info("controller stopped")
	return nil
}

func (c *Controller) processNext(ctx context.Context) bool {
	id, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(id)
	c.metrics.SetQueueDepth(c.queue.Len())

	err := c.ProcessOne(ctx, id)
	switch {
	case err == nil:
		c.queue.Forget(id)
	case ctx.Err() != nil:
		c.queue.Forget(id)
	case c.queue.NumRequeues(id) < c.opts.MaxRetries:
		c.logger.Warn("reconcile failed, requeueing", zap.String("work_unit_id", id), zap.Error(err))
		c.queue.AddRateLimited(id)
	default:
		c.logger.Error("reconcile failed, giving up until next resync",
			zap.String("work_unit_id", id), zap.Error(err))
		c.queue.Forget(id)
	}
	return true
}

// ProcessOne reconciles a single unit: materialize the resource of the
// current phase, ask the engine for a decision and persist it.
func (c *Controller) ProcessOne(ctx context.Context, id string) error {
	// 1. Load. A deleted unit takes its resources with it.
	u, err := c.store.GetWorkUnit(ctx, id)
	if model.IsNotFound(err) {
		if err := c.exec.DeleteFor(ctx, id); err != nil {
			return fmt.Errorf("delete resources of removed work unit %s: %w", id, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if u.Status.IsTerminal() || u.Status == model.StatusPlaceholder {
		return nil
	}

	logger := observability.WorkUnitLogger(ctx, c.logger, &u)

	// 2. Materialize.
	if u.Status == model.StatusRunning {
		if err := c.ensure(ctx, logger, u); err != nil {
			return err
		}
	}

	// 3. Observe and decide.
	resources, err := c.exec.List(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("list resources of %s: %w", u.ID, err)
	}
	decision, err := c.engine.Reconcile(ctx, u, resources)
	if err != nil {
		return err
	}
	if decision.Outcome == OutcomeNoChange {
		return nil
	}

	// 4. Persist.
	updated, err := c.store.UpdateWorkUnit(ctx, decision.Unit)
	if err != nil {
		return fmt.Errorf("update work unit %s: %w", u.ID, err)
	}
	c.record(ctx, u, updated)

	// 5. The next phase's resource is created right away.
	if updated.Status == model.StatusRunning && updated.CurrentPhase != u.CurrentPhase {
		return c.ensure(ctx, logger, updated)
	}
	return nil
}

func (c *Controller) ensure(ctx context.Context, logger *zap.Logger, u model.WorkUnit) error {
	created, err := executor.EnsureResource(ctx, c.exec, c.opts.Executor, u, u.CurrentPhase)
	if err != nil {
		return err
	}
	if created {
		c.metrics.RecordResourceCreated(string(u.Type), u.CurrentPhase.Label())
		logger.Info("executor resource created",
			zap.String("resource", u.ResourceName(u.CurrentPhase)),
			zap.String("resource_phase", string(u.CurrentPhase)),
		)
	}
	return nil
}

func (c *Controller) record(ctx context.Context, before, after model.WorkUnit) {
	logger := observability.WorkUnitLogger(ctx, c.logger, &after)
	if before.Status != after.Status {
		c.metrics.RecordTransition(string(after.Type), string(before.Status), string(after.Status))
	}

	if !after.Status.IsTerminal() {
		logger.Info("work unit updated",
			zap.String("previous_status", string(before.Status)),
			zap.String("reason", after.Reason),
		)
		return
	}

	c.metrics.RecordResult(string(after.Type), string(after.Result))
	if ce := logger.Check(observability.ResultLevel(after.Result), "work unit finished"); ce != nil {
		ce.Write(
			zap.String("result", string(after.Result)),
			zap.String("reason", after.Reason),
		)
	}
}
