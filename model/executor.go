package model

import "time"

// ExecutorResource is the observed state of one external task run. It is
// never authoritative; the work unit record is.
type ExecutorResource struct {
	Name      string
	Labels    map[string]string
	Finished  bool
	Succeeded bool
	// Steps are in declared order.
	Steps []StepState
	// Results holds named task results published by the run.
	Results   map[string]string
	Message   string
	CreatedAt time.Time
}

// StepState is the observed state of one step of an executor resource.
type StepState struct {
	Name       string
	Terminated *TerminatedState
}

// TerminatedState is present once a step's container has exited.
type TerminatedState struct {
	ExitCode int32
	Reason   string
}

// ResourceSpec is the desired state of the executor resource for one phase of
// a work unit.
type ResourceSpec struct {
	Name               string
	Labels             map[string]string
	TaskRef            string
	ServiceAccountName string
	Params             map[string]string
	WorkspaceClaim     string
	WorkspaceSubPath   string
}
