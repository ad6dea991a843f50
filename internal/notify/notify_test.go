package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/sbomer/model"
)

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func TestNATSNotifier_Publishes(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATSNotifier(pub, "sbomer.generation.finished")

	ev := Event{
		WorkUnitID:  "AX5TJMYHQAIAE",
		Identifier:  "BUILD1",
		Type:        model.TypeBuild,
		ManifestIDs: []string{"M1", "M2"},
		FinishedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, n.Notify(context.Background(), ev))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "sbomer.generation.finished", msg.Subject)
	assert.Equal(t, MessageType, msg.Header.Get("type"))
	assert.Equal(t, "AX5TJMYHQAIAE", msg.Header.Get("workUnitId"))

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, ev, got)
}

func TestNATSNotifier_PublishError(t *testing.T) {
	n := NewNATSNotifier(&recordingPublisher{err: errors.New("connection closed")}, "subj")

	err := n.Notify(context.Background(), Event{WorkUnitID: "X"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Notify(context.Background(), Event{}))
}
