package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/sbomer/model"
)

func testUnit() model.WorkUnit {
	return model.WorkUnit{
		ID:         "AX5TJMYHQAIAE",
		Identifier: "A6DFVW2SACABC",
		Type:       model.TypeOperation,
		Status:     model.StatusRunning,
		Config:     &model.OperationConfig{OperationID: "A6DFVW2SACABC"},
	}
}

func testOptions() Options {
	return Options{
		Release: "sbomer",
		TaskSuffixes: map[model.Phase]string{
			model.PhaseOperationInit: "operation-init",
		},
	}
}

func step(name string, code int32) model.StepState {
	return model.StepState{Name: name, Terminated: &model.TerminatedState{ExitCode: code}}
}

func TestDesired(t *testing.T) {
	spec, err := Desired(testOptions(), testUnit(), model.PhaseOperationInit)
	require.NoError(t, err)

	assert.Equal(t, "sbom-request-ax5tjmyhqaiae-operationinit", spec.Name)
	assert.Equal(t, "sbomer-operation-init", spec.TaskRef)
	assert.Equal(t, "sbomer-sa", spec.ServiceAccountName)
	assert.Equal(t, "sbomer-sboms", spec.WorkspaceClaim)
	assert.Equal(t, "sbom-request-ax5tjmyhqaiae", spec.WorkspaceSubPath)
	assert.Equal(t, "AX5TJMYHQAIAE", spec.Labels[LabelWorkUnitID])
	assert.Equal(t, "operationinit", spec.Labels[LabelPhase])
	assert.Equal(t, "A6DFVW2SACABC", spec.Labels[LabelIdentifier])
	assert.Equal(t, "operation", spec.Labels[LabelGenerationType])
	assert.Equal(t, "sbomer", spec.Labels[LabelManagedBy])
	assert.Equal(t, "A6DFVW2SACABC", spec.Params[ParamIdentifier])

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(spec.Params[ParamConfig]), &cfg))
	assert.Equal(t, "A6DFVW2SACABC", cfg["operationId"])
}

func TestDesired_DefaultsWithoutConfig(t *testing.T) {
	u := testUnit()
	u.Config = nil
	opts := Options{Release: "prod", ServiceAccountName: "custom"}

	spec, err := Desired(opts, u, model.PhaseGenerate)
	require.NoError(t, err)
	assert.Equal(t, "prod-generate", spec.TaskRef)
	assert.Equal(t, "custom", spec.ServiceAccountName)
	assert.Equal(t, "{}", spec.Params[ParamConfig])
}

func TestFirstFailedExitCode(t *testing.T) {
	tests := []struct {
		name     string
		steps    []model.StepState
		wantCode int32
		wantStep string
		wantOK   bool
	}{
		{name: "no steps"},
		{name: "all zero", steps: []model.StepState{step("a", 0), step("b", 0)}},
		{
			name:     "first non-zero wins",
			steps:    []model.StepState{step("a", 0), step("b", 5), step("c", 10)},
			wantCode: 5, wantStep: "b", wantOK: true,
		},
		{
			name:     "trailing zero does not mask",
			steps:    []model.StepState{step("a", 10), step("b", 0)},
			wantCode: 10, wantStep: "a", wantOK: true,
		},
		{
			name:     "unterminated steps skipped",
			steps:    []model.StepState{{Name: "a"}, step("b", 3)},
			wantCode: 3, wantStep: "b", wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, name, ok := FirstFailedExitCode(model.ExecutorResource{Steps: tt.steps})
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStep, name)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		res        model.ExecutorResource
		wantResult model.GenerationResult
		wantDetail string
	}{
		{
			name:       "sentinel is a content rejection",
			res:        model.ExecutorResource{Steps: []model.StepState{step("generate", 10)}},
			wantResult: model.ResultErrGeneration,
			wantDetail: `step "generate" exited with code 10`,
		},
		{
			name:       "other code is a system failure",
			res:        model.ExecutorResource{Steps: []model.StepState{step("generate", 5)}},
			wantResult: model.ResultErrSystem,
			wantDetail: `step "generate" exited with code 5`,
		},
		{
			name:       "no code uses the condition message",
			res:        model.ExecutorResource{Name: "tr", Message: "pod evicted"},
			wantResult: model.ResultErrSystem,
			wantDetail: "pod evicted",
		},
		{
			name:       "no code and no message",
			res:        model.ExecutorResource{Name: "tr"},
			wantResult: model.ResultErrSystem,
			wantDetail: "tr did not succeed and no step reported an exit code",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.res, DefaultSentinelExitCode)
			assert.Equal(t, tt.wantResult, c.Result)
			assert.Equal(t, tt.wantDetail, c.Detail)
		})
	}
}

func TestClassify_CustomSentinel(t *testing.T) {
	res := model.ExecutorResource{Steps: []model.StepState{step("generate", 42)}}
	assert.Equal(t, model.ResultErrGeneration, Classify(res, 42).Result)
	assert.Equal(t, model.ResultErrSystem, Classify(res, DefaultSentinelExitCode).Result)
}

func TestFindForPhase(t *testing.T) {
	now := time.Now()
	resources := []model.ExecutorResource{
		{Name: "init", Labels: map[string]string{LabelPhase: "init"}, CreatedAt: now},
		{Name: "gen-old", Labels: map[string]string{LabelPhase: "generate"}, CreatedAt: now.Add(-time.Minute)},
		{Name: "gen-new", Labels: map[string]string{LabelPhase: "generate"}, CreatedAt: now},
	}

	assert.Equal(t, "init", FindForPhase(resources, model.PhaseInit).Name)
	assert.Equal(t, "gen-new", FindForPhase(resources, model.PhaseGenerate).Name)
	assert.Nil(t, FindForPhase(resources, model.PhaseOperationInit))
	assert.Nil(t, FindForPhase(nil, model.PhaseGenerate))
}

func TestEnsureResource_CreatesOnce(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	u := testUnit()

	created, err := EnsureResource(ctx, c, testOptions(), u, model.PhaseOperationInit)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureResource(ctx, c, testOptions(), u, model.PhaseOperationInit)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, c.Count())

	created, err = EnsureResource(ctx, c, testOptions(), u, model.PhaseGenerate)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, c.Count())
}

func TestMemoryClient_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	spec, err := Desired(testOptions(), testUnit(), model.PhaseGenerate)
	require.NoError(t, err)

	require.NoError(t, c.Create(ctx, spec))
	require.NoError(t, c.Complete(spec.Name, true, nil, nil))
	require.NoError(t, c.Create(ctx, spec))

	list, err := c.List(ctx, "AX5TJMYHQAIAE")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Finished, "re-create must not reset an existing resource")
}

func TestMemoryClient_CompleteAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	u := testUnit()
	spec, _ := Desired(testOptions(), u, model.PhaseGenerate)
	require.NoError(t, c.Create(ctx, spec))

	require.Error(t, c.Complete("missing", true, nil, nil))
	require.NoError(t, c.Complete(spec.Name, false, []model.StepState{step("generate", 10)}, nil))

	list, _ := c.List(ctx, u.ID)
	require.Len(t, list, 1)
	assert.True(t, list[0].Finished)
	assert.False(t, list[0].Succeeded)

	other := u
	other.ID = "OTHERUNIT0000"
	otherSpec, _ := Desired(testOptions(), other, model.PhaseGenerate)
	require.NoError(t, c.Create(ctx, otherSpec))

	require.NoError(t, c.DeleteFor(ctx, u.ID))
	list, _ = c.List(ctx, u.ID)
	assert.Empty(t, list)
	assert.Equal(t, 1, c.Count())
}

func TestMemoryClient_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewMemoryClient()
	ch, err := c.Watch(ctx)
	require.NoError(t, err)

	spec, _ := Desired(testOptions(), testUnit(), model.PhaseGenerate)
	require.NoError(t, c.Create(context.Background(), spec))

	select {
	case id := <-ch:
		assert.Equal(t, "AX5TJMYHQAIAE", id)
	case <-time.After(time.Second):
		t.Fatal("no watch event received")
	}

	cancel()
	for range ch {
	}
}
