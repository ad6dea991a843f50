package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/executor"
	"github.com/pitabwire/sbomer/internal/harvest"
	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/model"
)

// Outcome says whether a reconciliation changed the unit.
type Outcome string

// Reconciliation outcomes.
const (
	OutcomeNoChange Outcome = "noop"
	OutcomeUpdate   Outcome = "update"
)

// Decision is the result of one reconciliation. Unit holds the desired
// state when Outcome is OutcomeUpdate.
type Decision struct {
	Outcome Outcome
	Unit    model.WorkUnit
}

func noChange(u model.WorkUnit) Decision {
	return Decision{Outcome: OutcomeNoChange, Unit: u}
}

func update(u model.WorkUnit) Decision {
	return Decision{Outcome: OutcomeUpdate, Unit: u}
}

// Harvester collects the manifests of a finished generation.
type Harvester interface {
	Harvest(ctx context.Context, u model.WorkUnit) harvest.Result
}

// Engine decides the next state of a work unit from the unit and the
// executor resources observed for it. It is level-triggered: calling it
// again with the same inputs yields the same decision.
type Engine struct {
	registry  *Registry
	harvester Harvester
	sentinel  int32
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewEngine creates an engine. A zero sentinel uses
// executor.DefaultSentinelExitCode.
func NewEngine(
	registry *Registry,
	harvester Harvester,
	sentinel int32,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	if sentinel == 0 {
		sentinel = executor.DefaultSentinelExitCode
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:  registry,
		harvester: harvester,
		sentinel:  sentinel,
		logger:    logger,
		metrics:   metrics,
	}
}

// Registry returns the strategy table the engine consults.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Reconcile computes the decision for u given its observed resources.
func (e *Engine) Reconcile(ctx context.Context, u model.WorkUnit, resources []model.ExecutorResource) (d Decision, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "reconcile."+u.Type.Label(),
		observability.AttrWorkUnitID.String(u.ID),
		observability.AttrIdentifier.String(u.Identifier),
		observability.AttrGenerationType.String(string(u.Type)),
		observability.AttrPhase.String(string(u.CurrentPhase)),
	)
	defer func() {
		outcome := string(d.Outcome)
		if err != nil {
			outcome = "error"
		}
		if d.Unit.Result != "" {
			span.SetAttributes(observability.AttrResult.String(string(d.Unit.Result)))
		}
		e.metrics.RecordReconcile(string(u.Type), outcome, time.Since(start))
		observability.EndSpan(span, err)
	}()

	if u.Status.IsTerminal() || u.Status == model.StatusPlaceholder {
		return noChange(u), nil
	}

	strategy, ok := e.registry.Get(u.Type)
	if !ok || len(strategy.Phases) == 0 {
		u.Fail(model.ResultConfigInvalid, fmt.Sprintf("Unsupported generation type %q.", u.Type))
		return update(u), nil
	}

	switch u.Status {
	case model.StatusReady:
		u.Status = model.StatusRunning
		u.CurrentPhase = strategy.FirstPhase()
		u.Reason = fmt.Sprintf("Phase %s started.", u.CurrentPhase)
		return update(u), nil
	case model.StatusRunning:
		return e.reconcileRunning(ctx, strategy, u, resources), nil
	default:
		return Decision{}, fmt.Errorf("work unit %s has unexpected status %q", u.ID, u.Status)
	}
}

func (e *Engine) reconcileRunning(
	ctx context.Context,
	strategy Strategy,
	u model.WorkUnit,
	resources []model.ExecutorResource,
) Decision {
	logger := observability.WorkUnitLogger(ctx, e.logger, &u)
	phase := u.CurrentPhase

	if !strategy.Has(phase) {
		u.Fail(model.ResultConfigInvalid,
			fmt.Sprintf("Phase %q is not part of the %s phase graph.", phase, u.Type))
		return update(u)
	}

	// 1. Resource for the current phase.
	res := executor.FindForPhase(resources, phase)
	if res == nil {
		logger.Debug("no resource for current phase yet")
		return noChange(u)
	}

	// 2. Still running.
	if !res.Finished {
		logger.Debug("resource still running", zap.String("resource", res.Name))
		return noChange(u)
	}

	final := phase == strategy.FinalPhase()

	// 3. Failed.
	if !res.Succeeded {
		c := strategy.classify(*res, e.sentinel)
		if final {
			u.Fail(c.Result, "Generation failed. TaskRun responsible for generation failed: "+c.Detail)
		} else {
			u.Fail(c.Result, fmt.Sprintf("Phase %s failed. TaskRun %s failed: %s", phase, res.Name, c.Detail))
		}
		return update(u)
	}

	// 4. Intermediate phase succeeded: take its config and advance.
	if !final {
		if failed := e.takeConfig(strategy, &u, *res); failed {
			return update(u)
		}
		next, _ := strategy.Next(phase)
		u.CurrentPhase = next
		u.Reason = fmt.Sprintf("Phase %s finished, phase %s started.", phase, next)
		return update(u)
	}

	// 5. Final phase succeeded: harvest.
	result := e.harvester.Harvest(ctx, u)
	if result.Succeeded() {
		u.Finish(result.Reason)
	} else {
		u.Fail(result.Result, result.Reason)
	}
	return update(u)
}

// takeConfig stores a config published by an intermediate phase. It
// reports whether the unit was failed.
func (e *Engine) takeConfig(strategy Strategy, u *model.WorkUnit, res model.ExecutorResource) bool {
	phase := u.CurrentPhase
	for _, name := range strategy.ConfigResults[phase] {
		raw, ok := res.Results[name]
		if !ok || raw == "" {
			continue
		}
		cfg, err := strategy.DecodeConfig(raw)
		if err != nil {
			u.Fail(model.ResultConfigInvalid,
				fmt.Sprintf("Phase %s produced an invalid configuration: %s", phase, err))
			return true
		}
		u.Config = cfg
		return false
	}

	if strategy.RequireConfig[phase] {
		u.Fail(model.ResultConfigMissing,
			fmt.Sprintf("Phase %s finished without producing a configuration.", phase))
		return true
	}
	return false
}
