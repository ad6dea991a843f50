// Package executor binds work unit phases to external task runs.
package executor

import (
	"fmt"

	"github.com/pitabwire/sbomer/model"
)

// Label keys mirrored onto every executor resource. The work unit id and
// phase are the only state the resource carries about its owner.
const (
	LabelPartOf         = "app.kubernetes.io/part-of"
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	LabelWorkUnitID     = "sbomer.jboss.org/generation-request-id"
	LabelPhase          = "sbomer.jboss.org/phase"
	LabelIdentifier     = "sbomer.jboss.org/identifier"
	LabelGenerationType = "sbomer.jboss.org/generation-request-type"

	appName = "sbomer"
)

// Parameter and workspace names understood by the task definitions.
const (
	ParamIdentifier = "identifier"
	ParamConfig     = "config"
	WorkspaceData   = "data"
)

// Options holds the deployment specific values used to render resources.
type Options struct {
	// Release prefixes task names, the service account and the shared volume
	// claim.
	Release            string
	ServiceAccountName string
	// TaskSuffixes maps a phase to the task name suffix appended to Release.
	// Phases without an entry use their lowercase label.
	TaskSuffixes map[model.Phase]string
}

// TaskRef returns the task name run for a phase.
func (o Options) TaskRef(p model.Phase) string {
	suffix, ok := o.TaskSuffixes[p]
	if !ok || suffix == "" {
		suffix = p.Label()
	}
	return o.Release + "-" + suffix
}

// ServiceAccount returns the configured service account, defaulting to
// "<release>-sa".
func (o Options) ServiceAccount() string {
	if o.ServiceAccountName != "" {
		return o.ServiceAccountName
	}
	return o.Release + "-sa"
}

// ClaimName returns the volume claim every phase mounts its output on.
func (o Options) ClaimName() string {
	return o.Release + "-sboms"
}

// Selector returns the label selector matching every resource this service
// manages.
func Selector() string {
	return LabelManagedBy + "=" + appName
}

// UnitSelector returns the label selector matching the resources of one
// work unit.
func UnitSelector(workUnitID string) string {
	return fmt.Sprintf("%s,%s=%s", Selector(), LabelWorkUnitID, workUnitID)
}

// Labels returns the identifying labels for the resource of a unit's phase.
func Labels(u model.WorkUnit, p model.Phase) map[string]string {
	return map[string]string{
		LabelPartOf:         appName,
		LabelManagedBy:      appName,
		LabelWorkUnitID:     u.ID,
		LabelPhase:          p.Label(),
		LabelIdentifier:     u.Identifier,
		LabelGenerationType: u.Type.Label(),
	}
}

// Desired renders the resource that should exist for the given phase of a
// unit. The unit's current config is passed to the task as JSON so that a
// phase can consume what an earlier phase produced.
func Desired(opts Options, u model.WorkUnit, p model.Phase) (model.ResourceSpec, error) {
	cfg := "{}"
	if u.Config != nil {
		raw, err := model.EncodeConfig(u.Config)
		if err != nil {
			return model.ResourceSpec{}, fmt.Errorf("encode config of %s: %w", u.ID, err)
		}
		cfg = string(raw)
	}

	return model.ResourceSpec{
		Name:               u.ResourceName(p),
		Labels:             Labels(u, p),
		TaskRef:            opts.TaskRef(p),
		ServiceAccountName: opts.ServiceAccount(),
		Params: map[string]string{
			ParamIdentifier: u.Identifier,
			ParamConfig:     cfg,
		},
		WorkspaceClaim:   opts.ClaimName(),
		WorkspaceSubPath: u.Name(),
	}, nil
}
