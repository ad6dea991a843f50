// Package intake turns upstream lifecycle notifications into work units.
package intake

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pitabwire/sbomer/model"
)

// Message kinds selected by the "type" header.
const (
	KindBuild    = "BuildStateChange"
	KindAnalysis = "DeliverableAnalysisStateChange"
)

// Header names read from inbound messages.
const (
	HeaderType      = "type"
	HeaderMessageID = "messageId"
)

// Fixed reasons recorded when upstream reports a failure before any phase
// ran.
const (
	ReasonBuildFailed    = "Build failed in PNC"
	ReasonAnalysisFailed = "Deliverable analyzer operation failed in PNC"
)

// Disposition says what a trigger asks of the correlator.
type Disposition int

const (
	// DispositionPending is a non-final upstream state. The trigger is
	// recorded and nothing else happens.
	DispositionPending Disposition = iota
	// DispositionProceed promotes or creates a READY unit.
	DispositionProceed
	// DispositionUpstreamFailed fails the unit with ERR_GENERAL.
	DispositionUpstreamFailed
)

func (d Disposition) String() string {
	switch d {
	case DispositionProceed:
		return "proceed"
	case DispositionUpstreamFailed:
		return "upstream_failed"
	default:
		return "pending"
	}
}

// Trigger is a parsed inbound notification.
type Trigger struct {
	Kind        string
	Key         model.CorrelationKey
	Config      model.GenerationConfig
	Disposition Disposition
	// Reason is set for DispositionUpstreamFailed.
	Reason string
}

// Build status sets. Anything outside both is still in progress.
var (
	buildSucceeded = map[string]bool{"SUCCESS": true, "NO_REBUILD_REQUIRED": true}
	buildFailed    = map[string]bool{
		"FAILED": true, "SYSTEM_ERROR": true, "CANCELLED": true,
		"REJECTED": true, "REJECTED_FAILED_DEPENDENCIES": true,
	}
	analysisFailed = map[string]bool{
		"FAILED": true, "ERROR": true, "SYSTEM_ERROR": true,
		"CANCELLED": true, "TIMEOUT": true, "REJECTED": true,
	}
)

type buildBody struct {
	Build struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"build"`
	OldStatus string `json:"oldStatus,omitempty"`
}

type analysisBody struct {
	OperationID      string   `json:"operationId"`
	MilestoneID      string   `json:"milestoneId"`
	DeliverablesURLs []string `json:"deliverablesUrls,omitempty"`
	Status           string   `json:"status"`
	Result           string   `json:"result,omitempty"`
}

// ParseMessage selects the body schema from the type header and maps the
// body to a Trigger.
func ParseMessage(msg model.RawMessage) (Trigger, error) {
	switch msg.Type {
	case KindBuild:
		return parseBuild(msg)
	case KindAnalysis:
		return parseAnalysis(msg)
	default:
		return Trigger{}, model.NewUnknownMessageTypeError(msg.Type)
	}
}

func parseBuild(msg model.RawMessage) (Trigger, error) {
	var body buildBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return Trigger{}, model.NewBadRequestError(fmt.Sprintf("decode %s body: %s", KindBuild, err))
	}
	if body.Build.ID == "" {
		return Trigger{}, model.NewBadRequestError(KindBuild + " body has no build.id")
	}

	status := strings.ToUpper(body.Build.Status)
	if status == "" {
		status = strings.ToUpper(msg.Headers["newStatus"])
	}

	t := Trigger{
		Kind:   KindBuild,
		Key:    model.CorrelationKey{Identifier: body.Build.ID, Type: model.TypeBuild},
		Config: &model.BuildConfig{BuildID: body.Build.ID},
	}
	switch {
	case buildFailed[status]:
		t.Disposition = DispositionUpstreamFailed
		t.Reason = ReasonBuildFailed
	case buildSucceeded[status]:
		t.Disposition = DispositionProceed
	default:
		t.Disposition = DispositionPending
	}
	return t, nil
}

func parseAnalysis(msg model.RawMessage) (Trigger, error) {
	var body analysisBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return Trigger{}, model.NewBadRequestError(fmt.Sprintf("decode %s body: %s", KindAnalysis, err))
	}
	if body.OperationID == "" {
		return Trigger{}, model.NewBadRequestError(KindAnalysis + " body has no operationId")
	}

	status := strings.ToUpper(body.Status)
	result := strings.ToUpper(body.Result)

	t := Trigger{
		Kind: KindAnalysis,
		Key:  model.CorrelationKey{Identifier: body.OperationID, Type: model.TypeOperation},
		Config: &model.OperationConfig{
			OperationID:  body.OperationID,
			MilestoneID:  body.MilestoneID,
			Deliverables: body.DeliverablesURLs,
		},
	}
	switch {
	case status == "FAILED" || analysisFailed[result]:
		t.Disposition = DispositionUpstreamFailed
		t.Reason = ReasonAnalysisFailed
	case status == "FINISHED":
		t.Disposition = DispositionProceed
	default:
		t.Disposition = DispositionPending
	}
	return t, nil
}
