// Package reconcile drives work units through their phases.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/pitabwire/sbomer/internal/executor"
	"github.com/pitabwire/sbomer/model"
)

// ClassifyFunc maps a finished, unsuccessful resource to a result.
type ClassifyFunc func(res model.ExecutorResource, sentinel int32) executor.Classification

// Strategy is everything the engine needs to know about one generation
// type.
type Strategy struct {
	Type model.GenerationType
	// Phases is the ordered phase graph. The last phase is final.
	Phases []model.Phase
	// ConfigResults lists, per phase, the task result names that may carry
	// an updated config. The first one present wins.
	ConfigResults map[model.Phase][]string
	// RequireConfig marks phases that must publish a config result.
	RequireConfig map[model.Phase]bool
	// Classify overrides executor.Classify when set.
	Classify ClassifyFunc
}

// FinalPhase returns the last phase of the graph.
func (s Strategy) FinalPhase() model.Phase {
	return s.Phases[len(s.Phases)-1]
}

// FirstPhase returns the first phase of the graph.
func (s Strategy) FirstPhase() model.Phase {
	return s.Phases[0]
}

// Next returns the phase following p. ok is false when p is final or not
// part of the graph.
func (s Strategy) Next(p model.Phase) (next model.Phase, ok bool) {
	for i, ph := range s.Phases {
		if ph == p && i+1 < len(s.Phases) {
			return s.Phases[i+1], true
		}
	}
	return "", false
}

// Has reports whether p belongs to the graph.
func (s Strategy) Has(p model.Phase) bool {
	for _, ph := range s.Phases {
		if ph == p {
			return true
		}
	}
	return false
}

// DecodeConfig decodes a config published by a task.
func (s Strategy) DecodeConfig(raw string) (model.GenerationConfig, error) {
	cfg, err := model.DecodeConfig(s.Type, []byte(raw))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("empty %s config", s.Type)
	}
	return cfg, nil
}

func (s Strategy) classify(res model.ExecutorResource, sentinel int32) executor.Classification {
	if s.Classify != nil {
		return s.Classify(res, sentinel)
	}
	return executor.Classify(res, sentinel)
}

// Registry is the strategy table keyed by generation type.
type Registry struct {
	strategies map[model.GenerationType]Strategy
}

// NewRegistry creates a registry from the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[model.GenerationType]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Type] = s
	}
	return r
}

// DefaultRegistry returns the built-in phase graphs.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Strategy{
			Type:          model.TypeBuild,
			Phases:        []model.Phase{model.PhaseInit, model.PhaseGenerate},
			ConfigResults: map[model.Phase][]string{model.PhaseInit: {"config"}},
		},
		Strategy{
			Type:   model.TypeOperation,
			Phases: []model.Phase{model.PhaseOperationInit, model.PhaseGenerate},
			ConfigResults: map[model.Phase][]string{
				model.PhaseOperationInit: {"config", "operation-config"},
			},
			RequireConfig: map[model.Phase]bool{model.PhaseOperationInit: true},
		},
		Strategy{
			Type:   model.TypeContainerImage,
			Phases: []model.Phase{model.PhaseGenerate},
		},
		Strategy{
			Type:   model.TypeBrewRPM,
			Phases: []model.Phase{model.PhaseGenerate},
		},
	)
}

// Get returns the strategy for a type.
func (r *Registry) Get(t model.GenerationType) (Strategy, bool) {
	s, ok := r.strategies[t]
	return s, ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []model.GenerationType {
	types := make([]model.GenerationType, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// OverridePhases replaces phase graphs, keyed by type name. Unknown types
// and empty graphs are rejected.
func (r *Registry) OverridePhases(phases map[string][]string) error {
	for name, list := range phases {
		t := model.GenerationType(name)
		s, ok := r.strategies[t]
		if !ok {
			return fmt.Errorf("phase override for unknown generation type %q", name)
		}
		if len(list) == 0 {
			return fmt.Errorf("phase override for %s is empty", name)
		}
		graph := make([]model.Phase, 0, len(list))
		for _, p := range list {
			graph = append(graph, model.ParsePhase(p))
		}
		s.Phases = graph
		r.strategies[t] = s
	}
	return nil
}
