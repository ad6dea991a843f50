package model

import (
	"fmt"
	"strings"
	"time"
)

// WorkUnitStatus is the lifecycle status of a generation request.
type WorkUnitStatus string

// Work unit status constants.
const (
	StatusPlaceholder WorkUnitStatus = "PLACEHOLDER"
	StatusReady       WorkUnitStatus = "READY"
	StatusRunning     WorkUnitStatus = "RUNNING"
	StatusFinished    WorkUnitStatus = "FINISHED"
	StatusFailed      WorkUnitStatus = "FAILED"
)

// IsTerminal reports whether no further transition may leave the status.
func (s WorkUnitStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// IsActive reports whether a unit in this status is ready or executing.
func (s WorkUnitStatus) IsActive() bool {
	return s == StatusReady || s == StatusRunning
}

// CanTransition reports whether moving from one status to another is allowed.
// A non-terminal status may always be rewritten with itself (phase advance,
// label updates); terminal statuses never change.
func CanTransition(from, to WorkUnitStatus) bool {
	switch from {
	case StatusPlaceholder:
		return to == StatusPlaceholder || to == StatusReady || to == StatusFailed
	case StatusReady:
		return to == StatusReady || to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusRunning || to == StatusFinished || to == StatusFailed
	default:
		return false
	}
}

// ValidateTransition returns an INVALID_TRANSITION error when CanTransition
// is false.
func ValidateTransition(from, to WorkUnitStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return NewInvalidTransitionError(
		fmt.Sprintf("work unit status cannot change from %s to %s", from, to),
	)
}

// GenerationType is the closed set of generation kinds.
type GenerationType string

// Generation type constants.
const (
	TypeBuild          GenerationType = "BUILD"
	TypeOperation      GenerationType = "OPERATION"
	TypeContainerImage GenerationType = "CONTAINERIMAGE"
	TypeBrewRPM        GenerationType = "BREW_RPM"
)

// Label returns the lowercase, dash separated form used in resource labels.
func (t GenerationType) Label() string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

// Phase names one ordered step of a work unit's execution graph.
type Phase string

// Known phases.
const (
	PhaseInit          Phase = "INIT"
	PhaseOperationInit Phase = "OPERATIONINIT"
	PhaseGenerate      Phase = "GENERATE"
)

// Label returns the lowercase form used in resource labels and names.
func (p Phase) Label() string {
	return strings.ToLower(string(p))
}

// ParsePhase maps a label value back to a Phase.
func ParsePhase(label string) Phase {
	return Phase(strings.ToUpper(label))
}

// GenerationResult classifies the terminal outcome of a work unit.
type GenerationResult string

// Generation result constants.
const (
	ResultSuccess       GenerationResult = "SUCCESS"
	ResultErrGeneral    GenerationResult = "ERR_GENERAL"
	ResultConfigInvalid GenerationResult = "ERR_CONFIG_INVALID"
	ResultConfigMissing GenerationResult = "ERR_CONFIG_MISSING"
	ResultErrGeneration GenerationResult = "ERR_GENERATION"
	ResultErrSystem     GenerationResult = "ERR_SYSTEM"
	ResultErrPost       GenerationResult = "ERR_POST"
)

// WorkUnit is a single tracked generation request. The persisted record is
// the source of truth; executor resources only mirror its id and phase.
type WorkUnit struct {
	ID             string           `json:"id"`
	Identifier     string           `json:"identifier"`
	Type           GenerationType   `json:"type"`
	Status         WorkUnitStatus   `json:"status"`
	CurrentPhase   Phase            `json:"current_phase,omitempty"`
	Result         GenerationResult `json:"result,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Config         GenerationConfig `json:"config,omitempty"`
	TriggerEventID string           `json:"trigger_event_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int              `json:"version"`
}

// Name is the stable name derived from the id. It names the job output
// directory and prefixes executor resource names.
func (u WorkUnit) Name() string {
	return "sbom-request-" + strings.ToLower(u.ID)
}

// ResourceName returns the executor resource name for the given phase.
func (u WorkUnit) ResourceName(p Phase) string {
	return u.Name() + "-" + p.Label()
}

// Key returns the correlation key of the unit.
func (u WorkUnit) Key() CorrelationKey {
	return CorrelationKey{Identifier: u.Identifier, Type: u.Type}
}

// Fail marks the unit FAILED with the given result and reason.
func (u *WorkUnit) Fail(result GenerationResult, reason string) {
	u.Status = StatusFailed
	u.Result = result
	u.Reason = reason
}

// Finish marks the unit FINISHED successfully.
func (u *WorkUnit) Finish(reason string) {
	u.Status = StatusFinished
	u.Result = ResultSuccess
	u.Reason = reason
}

// CorrelationKey is the pair used to find a pending placeholder before a new
// work unit is created. The identifier alone is not unique.
type CorrelationKey struct {
	Identifier string
	Type       GenerationType
}

// String renders the key for logging and lock hashing.
func (k CorrelationKey) String() string {
	return string(k.Type) + "/" + k.Identifier
}
