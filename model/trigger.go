package model

import (
	"encoding/json"
	"time"
)

// EventType describes where a trigger came from.
type EventType string

// Event type constants.
const (
	EventExternalMessage  EventType = "EXTERNAL_MESSAGE"
	EventDirectSubmission EventType = "DIRECT_SUBMISSION"
)

// EventStatus is the processing status of a trigger event.
type EventStatus string

// Event status constants.
const (
	EventProcessing EventStatus = "PROCESSING"
	EventProcessed  EventStatus = "PROCESSED"
)

// TriggerEvent is the durable record of one inbound notification or direct
// submission. Only Status and Reason change after creation.
type TriggerEvent struct {
	ID string `json:"id"`
	// EventKey identifies the external event (message id or derived key).
	// It is unique across all trigger events.
	EventKey   string           `json:"event_key"`
	EventType  EventType        `json:"event_type"`
	Status     EventStatus      `json:"status"`
	Kind       string           `json:"kind,omitempty"`
	RawPayload json.RawMessage  `json:"raw_payload,omitempty"`
	Config     GenerationConfig `json:"config,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RawMessage is the captured shape of an inbound message, stored verbatim as
// a TriggerEvent payload.
type RawMessage struct {
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}
