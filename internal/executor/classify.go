package executor

import (
	"fmt"

	"github.com/pitabwire/sbomer/model"
)

// DefaultSentinelExitCode is the exit code a task uses to report that its
// input was rejected by a business rule.
const DefaultSentinelExitCode = 10

// FirstFailedExitCode returns the exit code and name of the first step, in
// declared order, that terminated with a non-zero code. ok is false when no
// such step exists.
func FirstFailedExitCode(res model.ExecutorResource) (code int32, step string, ok bool) {
	for _, s := range res.Steps {
		if s.Terminated == nil {
			continue
		}
		if s.Terminated.ExitCode != 0 {
			return s.Terminated.ExitCode, s.Name, true
		}
	}
	return 0, "", false
}

// Classification is the outcome derived from a finished, unsuccessful
// resource.
type Classification struct {
	Result model.GenerationResult
	// Detail summarises what failed, for inclusion in the unit's reason.
	Detail string
}

// Classify maps a finished, unsuccessful resource to a generation result.
// The sentinel exit code is a content rejection; any other non-zero code,
// or a failure with no step code at all, is a system failure.
func Classify(res model.ExecutorResource, sentinel int32) Classification {
	code, step, ok := FirstFailedExitCode(res)
	if !ok {
		detail := res.Message
		if detail == "" {
			detail = fmt.Sprintf("%s did not succeed and no step reported an exit code", res.Name)
		}
		return Classification{Result: model.ResultErrSystem, Detail: detail}
	}

	detail := fmt.Sprintf("step %q exited with code %d", step, code)
	if code == sentinel {
		return Classification{Result: model.ResultErrGeneration, Detail: detail}
	}
	return Classification{Result: model.ResultErrSystem, Detail: detail}
}

// FindForPhase returns the resource labelled with the given phase, or nil.
// When several match, the most recently created one wins.
func FindForPhase(resources []model.ExecutorResource, p model.Phase) *model.ExecutorResource {
	var found *model.ExecutorResource
	for i := range resources {
		r := &resources[i]
		if model.ParsePhase(r.Labels[LabelPhase]) != p {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	return found
}
