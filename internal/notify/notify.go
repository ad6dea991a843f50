// Package notify publishes generation-finished events after manifests are
// stored.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/model"
)

// MessageType is the header discriminator set on published events.
const MessageType = "GenerationFinished"

// Event describes a work unit whose manifests were stored.
type Event struct {
	WorkUnitID     string               `json:"workUnitId"`
	Identifier     string               `json:"identifier"`
	Type           model.GenerationType `json:"type"`
	TriggerEventID string               `json:"triggerEventId,omitempty"`
	ManifestIDs    []string             `json:"manifestIds"`
	Purls          []string             `json:"purls,omitempty"`
	FinishedAt     time.Time            `json:"finishedAt"`
}

// Notifier delivers generation-finished events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Noop discards every event.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Event) error { return nil }

// Publisher is the subset of *nats.Conn used to publish.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes events as JSON messages on a subject.
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier creates a notifier publishing to subject.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{pub: pub, subject: subject}
}

// Notify publishes ev. The trace context of ctx travels in the message
// headers.
func (n *NATSNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = body
	msg.Header.Set("type", MessageType)
	msg.Header.Set("workUnitId", ev.WorkUnitID)

	_, span := observability.StartPublishSpan(ctx, n.subject, msg.Header,
		observability.AttrWorkUnitID.String(ev.WorkUnitID),
		observability.AttrManifestCount.Int(len(ev.ManifestIDs)),
	)
	if err = n.pub.PublishMsg(msg); err != nil {
		err = fmt.Errorf("publish to %s: %w", n.subject, err)
	}
	observability.EndSpan(span, err)
	return err
}
