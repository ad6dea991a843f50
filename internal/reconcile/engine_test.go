package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/sbomer/internal/executor"
	"github.com/pitabwire/sbomer/internal/harvest"
	"github.com/pitabwire/sbomer/model"
)

type stubHarvester struct {
	result harvest.Result
	calls  int
}

func (h *stubHarvester) Harvest(context.Context, model.WorkUnit) harvest.Result {
	h.calls++
	return h.result
}

func newEngine(h Harvester) *Engine {
	return NewEngine(DefaultRegistry(), h, 0, nil, nil)
}

func running(typ model.GenerationType, phase model.Phase) model.WorkUnit {
	return model.WorkUnit{
		ID:           "AX5TJMYHQAIAE",
		Identifier:   "IDENT",
		Type:         typ,
		Status:       model.StatusRunning,
		CurrentPhase: phase,
		Version:      3,
	}
}

func resource(u model.WorkUnit, p model.Phase, finished, succeeded bool, steps ...model.StepState) model.ExecutorResource {
	return model.ExecutorResource{
		Name:      u.ResourceName(p),
		Labels:    executor.Labels(u, p),
		Finished:  finished,
		Succeeded: succeeded,
		Steps:     steps,
	}
}

func exited(name string, code int32) model.StepState {
	return model.StepState{Name: name, Terminated: &model.TerminatedState{ExitCode: code}}
}

func TestReconcile_ReadyStartsFirstPhase(t *testing.T) {
	tests := []struct {
		typ  model.GenerationType
		want model.Phase
	}{
		{model.TypeBuild, model.PhaseInit},
		{model.TypeOperation, model.PhaseOperationInit},
		{model.TypeContainerImage, model.PhaseGenerate},
		{model.TypeBrewRPM, model.PhaseGenerate},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			u := model.WorkUnit{ID: "U", Type: tt.typ, Status: model.StatusReady}
			d, err := newEngine(&stubHarvester{}).Reconcile(context.Background(), u, nil)
			require.NoError(t, err)
			assert.Equal(t, OutcomeUpdate, d.Outcome)
			assert.Equal(t, model.StatusRunning, d.Unit.Status)
			assert.Equal(t, tt.want, d.Unit.CurrentPhase)
		})
	}
}

func TestReconcile_NoChangeCases(t *testing.T) {
	u := running(model.TypeBuild, model.PhaseGenerate)
	other := resource(u, model.PhaseInit, true, true)

	tests := []struct {
		name      string
		unit      model.WorkUnit
		resources []model.ExecutorResource
	}{
		{"placeholder", model.WorkUnit{Type: model.TypeBuild, Status: model.StatusPlaceholder}, nil},
		{"finished", model.WorkUnit{Type: model.TypeBuild, Status: model.StatusFinished}, nil},
		{"failed", model.WorkUnit{Type: model.TypeBuild, Status: model.StatusFailed}, nil},
		{"no resource for current phase", u, []model.ExecutorResource{other}},
		{"resource not finished", u, []model.ExecutorResource{other, resource(u, model.PhaseGenerate, false, false)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &stubHarvester{}
			d, err := newEngine(h).Reconcile(context.Background(), tt.unit, tt.resources)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoChange, d.Outcome)
			assert.Equal(t, tt.unit, d.Unit)
			assert.Zero(t, h.calls)
		})
	}
}

func TestReconcile_FailureClassification(t *testing.T) {
	tests := []struct {
		name       string
		steps      []model.StepState
		wantResult model.GenerationResult
		wantReason string
	}{
		{
			name:       "sentinel exit code",
			steps:      []model.StepState{exited("generate", 10)},
			wantResult: model.ResultErrGeneration,
			wantReason: `Generation failed. TaskRun responsible for generation failed: step "generate" exited with code 10`,
		},
		{
			name:       "other exit code",
			steps:      []model.StepState{exited("generate", 5)},
			wantResult: model.ResultErrSystem,
			wantReason: `Generation failed. TaskRun responsible for generation failed: step "generate" exited with code 5`,
		},
		{
			name:       "first non-zero code wins",
			steps:      []model.StepState{exited("prepare", 0), exited("generate", 5), exited("report", 10), exited("cleanup", 0)},
			wantResult: model.ResultErrSystem,
		},
		{
			name:       "no exit code",
			wantResult: model.ResultErrSystem,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := running(model.TypeBrewRPM, model.PhaseGenerate)
			res := resource(u, model.PhaseGenerate, true, false, tt.steps...)
			h := &stubHarvester{}

			d, err := newEngine(h).Reconcile(context.Background(), u, []model.ExecutorResource{res})
			require.NoError(t, err)
			assert.Equal(t, OutcomeUpdate, d.Outcome)
			assert.Equal(t, model.StatusFailed, d.Unit.Status)
			assert.Equal(t, tt.wantResult, d.Unit.Result)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, d.Unit.Reason)
			}
			assert.Zero(t, h.calls, "a failed run is never harvested")
		})
	}
}

func TestReconcile_CustomSentinel(t *testing.T) {
	u := running(model.TypeBrewRPM, model.PhaseGenerate)
	res := resource(u, model.PhaseGenerate, true, false, exited("generate", 42))

	e := NewEngine(DefaultRegistry(), &stubHarvester{}, 42, nil, nil)
	d, err := e.Reconcile(context.Background(), u, []model.ExecutorResource{res})
	require.NoError(t, err)
	assert.Equal(t, model.ResultErrGeneration, d.Unit.Result)
}

func TestReconcile_IntermediateFailure(t *testing.T) {
	u := running(model.TypeBuild, model.PhaseInit)
	res := resource(u, model.PhaseInit, true, false, exited("init", 1))

	d, err := newEngine(&stubHarvester{}).Reconcile(context.Background(), u, []model.ExecutorResource{res})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, d.Unit.Status)
	assert.Equal(t, model.ResultErrSystem, d.Unit.Result)
	assert.Contains(t, d.Unit.Reason, "Phase INIT failed")
}

func TestReconcile_AdvanceTakesConfig(t *testing.T) {
	u := running(model.TypeBuild, model.PhaseInit)
	res := resource(u, model.PhaseInit, true, true, exited("init", 0))
	res.Results = map[string]string{"config": `{"buildId":"AX5TJMYHQAIAE","products":[{"name":"p"}]}`}

	d, err := newEngine(&stubHarvester{}).Reconcile(context.Background(), u, []model.ExecutorResource{res})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdate, d.Outcome)
	assert.Equal(t, model.StatusRunning, d.Unit.Status)
	assert.Equal(t, model.PhaseGenerate, d.Unit.CurrentPhase)
	assert.Equal(t, 3, d.Unit.Version, "the version is left for the store to bump")

	cfg, ok := d.Unit.Config.(*model.BuildConfig)
	require.True(t, ok)
	assert.Equal(t, "AX5TJMYHQAIAE", cfg.BuildID)
	require.Len(t, cfg.Products, 1)
}

func TestReconcile_AdvanceWithoutOptionalConfig(t *testing.T) {
	u := running(model.TypeBuild, model.PhaseInit)
	u.Config = &model.BuildConfig{BuildID: "KEEP"}
	res := resource(u, model.PhaseInit, true, true)

	d, err := newEngine(&stubHarvester{}).Reconcile(context.Background(), u, []model.ExecutorResource{res})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseGenerate, d.Unit.CurrentPhase)
	assert.Equal(t, "KEEP", d.Unit.Config.(*model.BuildConfig).BuildID)
}

func TestReconcile_OperationInitConfig(t *testing.T) {
	tests := []struct {
		name       string
		results    map[string]string
		wantStatus model.WorkUnitStatus
		wantResult model.GenerationResult
	}{
		{
			name:       "config result",
			results:    map[string]string{"config": `{"operationId":"OP","deliverableUrls":["u"]}`},
			wantStatus: model.StatusRunning,
		},
		{
			name:       "operation-config result",
			results:    map[string]string{"operation-config": `{"operationId":"OP"}`},
			wantStatus: model.StatusRunning,
		},
		{
			name:       "missing config",
			wantStatus: model.StatusFailed,
			wantResult: model.ResultConfigMissing,
		},
		{
			name:       "invalid config",
			results:    map[string]string{"config": `{"operationId":`},
			wantStatus: model.StatusFailed,
			wantResult: model.ResultConfigInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := running(model.TypeOperation, model.PhaseOperationInit)
			res := resource(u, model.PhaseOperationInit, true, true)
			res.Results = tt.results

			d, err := newEngine(&stubHarvester{}).Reconcile(context.Background(), u, []model.ExecutorResource{res})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, d.Unit.Status)
			assert.Equal(t, tt.wantResult, d.Unit.Result)
			if tt.wantStatus == model.StatusRunning {
				assert.Equal(t, model.PhaseGenerate, d.Unit.CurrentPhase)
				assert.Equal(t, "OP", d.Unit.Config.(*model.OperationConfig).OperationID)
			}
		})
	}
}

func TestReconcile_FinalPhaseHarvests(t *testing.T) {
	tests := []struct {
		name       string
		result     harvest.Result
		wantStatus model.WorkUnitStatus
	}{
		{
			name:       "success",
			result:     harvest.Result{Result: model.ResultSuccess, Reason: "Generation finished successfully. Generated manifests: M1"},
			wantStatus: model.StatusFinished,
		},
		{
			name:       "no manifests",
			result:     harvest.Result{Result: model.ResultErrSystem, Reason: "none"},
			wantStatus: model.StatusFailed,
		},
		{
			name:       "invalid manifest",
			result:     harvest.Result{Result: model.ResultErrGeneration, Reason: "invalid"},
			wantStatus: model.StatusFailed,
		},
		{
			name:       "post step failed",
			result:     harvest.Result{Result: model.ResultErrPost, Reason: "bus down"},
			wantStatus: model.StatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := running(model.TypeContainerImage, model.PhaseGenerate)
			res := resource(u, model.PhaseGenerate, true, true, exited("generate", 0))
			h := &stubHarvester{result: tt.result}

			d, err := newEngine(h).Reconcile(context.Background(), u, []model.ExecutorResource{res})
			require.NoError(t, err)
			assert.Equal(t, 1, h.calls)
			assert.Equal(t, tt.wantStatus, d.Unit.Status)
			assert.Equal(t, tt.result.Result, d.Unit.Result)
			assert.Equal(t, tt.result.Reason, d.Unit.Reason)
		})
	}
}

func TestReconcile_UnknownType(t *testing.T) {
	u := model.WorkUnit{ID: "U", Type: "SPDX", Status: model.StatusReady}

	d, err := newEngine(&stubHarvester{}).Reconcile(context.Background(), u, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, d.Unit.Status)
	assert.Equal(t, model.ResultConfigInvalid, d.Unit.Result)
}

func TestReconcile_PhaseNotInGraph(t *testing.T) {
	u := running(model.TypeContainerImage, model.PhaseInit)

	d, err := newEngine(&stubHarvester{}).Reconcile(context.Background(), u, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, d.Unit.Status)
	assert.Equal(t, model.ResultConfigInvalid, d.Unit.Result)
}

func TestReconcile_IsLevelTriggered(t *testing.T) {
	u := running(model.TypeBuild, model.PhaseInit)
	res := resource(u, model.PhaseInit, true, true)
	e := newEngine(&stubHarvester{})

	first, err := e.Reconcile(context.Background(), u, []model.ExecutorResource{res})
	require.NoError(t, err)
	second, err := e.Reconcile(context.Background(), u, []model.ExecutorResource{res})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRegistry_OverridePhases(t *testing.T) {
	r := DefaultRegistry()
	require.NoError(t, r.OverridePhases(map[string][]string{"CONTAINERIMAGE": {"init", "generate"}}))

	s, ok := r.Get(model.TypeContainerImage)
	require.True(t, ok)
	assert.Equal(t, []model.Phase{model.PhaseInit, model.PhaseGenerate}, s.Phases)
	assert.Equal(t, model.PhaseGenerate, s.FinalPhase())

	next, ok := s.Next(model.PhaseInit)
	assert.True(t, ok)
	assert.Equal(t, model.PhaseGenerate, next)
	_, ok = s.Next(model.PhaseGenerate)
	assert.False(t, ok)

	assert.Error(t, r.OverridePhases(map[string][]string{"SPDX": {"generate"}}))
	assert.Error(t, r.OverridePhases(map[string][]string{"BUILD": {}}))
}

func TestRegistry_Types(t *testing.T) {
	assert.Equal(t,
		[]model.GenerationType{model.TypeBrewRPM, model.TypeBuild, model.TypeContainerImage, model.TypeOperation},
		DefaultRegistry().Types())
}

func TestReconcile_StrategyClassifyHook(t *testing.T) {
	r := NewRegistry(Strategy{
		Type:   model.TypeBrewRPM,
		Phases: []model.Phase{model.PhaseGenerate},
		Classify: func(model.ExecutorResource, int32) executor.Classification {
			return executor.Classification{Result: model.ResultErrGeneration, Detail: "brew rejected the build"}
		},
	})
	u := running(model.TypeBrewRPM, model.PhaseGenerate)
	res := resource(u, model.PhaseGenerate, true, false, exited("generate", 1))

	d, err := NewEngine(r, &stubHarvester{}, 0, nil, nil).Reconcile(context.Background(), u, []model.ExecutorResource{res})
	require.NoError(t, err)
	assert.Equal(t, model.ResultErrGeneration, d.Unit.Result)
	assert.Contains(t, d.Unit.Reason, "brew rejected the build")
}
