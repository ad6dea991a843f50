package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/model"
)

const (
	handleTimeout      = 30 * time.Second
	defaultMaxDeliver  = 10
	defaultAckWait     = time.Minute
	defaultRedeliverIn = 5 * time.Second
)

// Handler correlates a captured message.
type Handler interface {
	Handle(ctx context.Context, msg model.RawMessage) (Outcome, error)
}

// Source is the subset of jetstream.Consumer used to receive messages.
type Source interface {
	Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error)
}

// StreamConfig names the stream and durable consumer intake reads from.
type StreamConfig struct {
	Stream  string
	Subject string
	Durable string
	// MaxDeliver bounds redeliveries of a message that keeps failing.
	MaxDeliver int
	AckWait    time.Duration
}

// EnsureConsumer creates or updates the stream capturing Subject and the
// durable consumer replicas share, and returns the consumer.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Consumer, error) {
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = defaultMaxDeliver
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s on %s: %w", cfg.Durable, cfg.Stream, err)
	}
	return cons, nil
}

// JetStreamConsumer feeds messages of a durable consumer to a Handler. A
// message is acknowledged once it is correlated, found to be a duplicate or
// rejected as malformed. Any other failure asks the server to redeliver it.
type JetStreamConsumer struct {
	source      Source
	handler     Handler
	logger      *zap.Logger
	redeliverIn time.Duration
}

// NewJetStreamConsumer creates a consumer. redeliverIn is the delay before a
// failed message is offered again.
func NewJetStreamConsumer(source Source, handler Handler, redeliverIn time.Duration, logger *zap.Logger) *JetStreamConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if redeliverIn <= 0 {
		redeliverIn = defaultRedeliverIn
	}
	return &JetStreamConsumer{source: source, handler: handler, logger: logger, redeliverIn: redeliverIn}
}

// Start begins consuming and returns once the consumer is running. It is
// drained when ctx is cancelled.
func (c *JetStreamConsumer) Start(ctx context.Context) error {
	cc, err := c.source.Consume(func(m jetstream.Msg) {
		c.Receive(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("start intake consumer: %w", err)
	}
	c.logger.Info("intake consuming")

	go func() {
		<-ctx.Done()
		cc.Drain()
	}()
	return nil
}

// Receive handles one delivered message and settles it with the server.
func (c *JetStreamConsumer) Receive(ctx context.Context, m jetstream.Msg) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	msg := CaptureMessage(m.Headers(), m.Data())
	logger := c.logger.With(zap.String("type", msg.Type), zap.String("subject", m.Subject()))

	ctx, span := observability.StartProcessSpan(ctx, m.Subject(), m.Headers(),
		observability.AttrMessageKind.String(msg.Type))
	_, err := c.handler.Handle(ctx, msg)
	defer func() {
		if model.HasCode(err, model.ErrDuplicateDelivery) {
			err = nil
		}
		observability.EndSpan(span, err)
	}()

	switch {
	case err == nil, model.HasCode(err, model.ErrDuplicateDelivery):
		if err := m.Ack(); err != nil {
			logger.Warn("acknowledging message failed", zap.Error(err))
		}
	case model.HasCode(err, model.ErrUnknownMessageType), model.HasCode(err, model.ErrBadRequest):
		logger.Warn("discarding message", zap.Error(err))
		if err := m.Term(); err != nil {
			logger.Warn("terminating message failed", zap.Error(err))
		}
	default:
		logger.Error("handling message failed, requesting redelivery",
			zap.Duration("redeliver_in", c.redeliverIn), zap.Error(err))
		if err := m.NakWithDelay(c.redeliverIn); err != nil {
			logger.Warn("negative acknowledgement failed", zap.Error(err))
		}
	}
}

// CaptureMessage converts message headers and body into their stored shape.
// Only the first value of each header is kept.
func CaptureMessage(header nats.Header, data []byte) model.RawMessage {
	headers := make(map[string]string, len(header))
	for k, v := range header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	body := data
	if len(body) == 0 {
		body = []byte("null")
	}
	return model.RawMessage{Type: headers[HeaderType], Headers: headers, Body: body}
}
