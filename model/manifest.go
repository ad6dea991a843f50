package model

import (
	"encoding/json"
	"time"
)

// Manifest is one stored, validated SBOM produced by a work unit.
type Manifest struct {
	ID             string          `json:"id"`
	WorkUnitID     string          `json:"work_unit_id"`
	TriggerEventID string          `json:"trigger_event_id,omitempty"`
	RootPurl       string          `json:"root_purl"`
	SourcePath     string          `json:"source_path,omitempty"`
	Bom            json.RawMessage `json:"bom"`
	CreatedAt      time.Time       `json:"created_at"`
}
