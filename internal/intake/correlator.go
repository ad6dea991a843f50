package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/internal/store"
	"github.com/pitabwire/sbomer/model"
)

// DefaultDedupTTL bounds how long a message id is remembered.
const DefaultDedupTTL = 24 * time.Hour

// Action names what correlating a trigger did.
type Action string

// Correlation actions.
const (
	ActionCreated       Action = "created"
	ActionPromoted      Action = "promoted"
	ActionFailed        Action = "failed"
	ActionAlreadyActive Action = "already_active"
	ActionAlreadyFailed Action = "already_failed"
	ActionPending       Action = "pending"
	ActionDuplicate     Action = "duplicate"
	ActionRejected      Action = "rejected"
)

// Outcome reports the result of correlating one trigger.
type Outcome struct {
	Action         Action
	TriggerEventID string
	WorkUnitID     string
}

// Correlator records inbound triggers and finds-or-creates the work unit
// each one belongs to. It shares nothing with the reconciliation loop
// except the store.
type Correlator struct {
	store    store.Store
	dedup    Deduplicator
	dedupTTL time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewCorrelator creates a correlator. dedup may be nil.
func NewCorrelator(
	s store.Store,
	dedup Deduplicator,
	dedupTTL time.Duration,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Correlator {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{store: s, dedup: dedup, dedupTTL: dedupTTL, logger: logger, metrics: metrics}
}

// Handle correlates one inbound message. A redelivered message returns a
// DUPLICATE_DELIVERY error together with ActionDuplicate; callers should
// acknowledge it.
func (c *Correlator) Handle(ctx context.Context, msg model.RawMessage) (out Outcome, err error) {
	messageID := msg.Headers[HeaderMessageID]
	ctx, span := observability.StartSpan(ctx, "intake.handle",
		observability.AttrMessageKind.String(msg.Type),
		observability.AttrMessageID.String(messageID),
	)
	defer func() {
		outcome := string(out.Action)
		if outcome == "" {
			outcome = "error"
		}
		c.metrics.RecordIntakeMessage(msg.Type, outcome)
		if model.HasCode(err, model.ErrDuplicateDelivery) {
			span.End()
			return
		}
		observability.EndSpan(span, err)
	}()

	logger := observability.LoggerFrom(ctx, c.logger).With(
		zap.String("message_type", msg.Type),
		zap.String("message_id", messageID),
	)

	// 1. Fast-path dedup.
	if messageID != "" && c.dedup != nil {
		seen, err := c.dedup.Seen(ctx, messageID)
		if err != nil {
			logger.Warn("dedup lookup failed, relying on event key", zap.Error(err))
		} else if seen {
			logger.Debug("dropping redelivered message")
			return Outcome{Action: ActionDuplicate}, model.NewDuplicateDeliveryError(messageID)
		}
	}

	// 2. Parse.
	trigger, err := ParseMessage(msg)
	if err != nil {
		logger.Warn("rejecting message", zap.Error(err))
		return Outcome{Action: ActionRejected}, err
	}

	// 3. Record and correlate atomically.
	payload, err := json.Marshal(msg)
	if err != nil {
		return Outcome{Action: ActionRejected}, fmt.Errorf("capture payload: %w", err)
	}
	ev := model.TriggerEvent{
		ID:         model.NewID(),
		EventKey:   eventKey(msg, messageID),
		EventType:  model.EventExternalMessage,
		Status:     model.EventProcessing,
		Kind:       trigger.Kind,
		RawPayload: payload,
		Config:     trigger.Config,
	}

	out, err = c.correlate(ctx, trigger, ev)
	if err != nil {
		if model.HasCode(err, model.ErrDuplicateDelivery) {
			logger.Warn("event already correlated", zap.String("event_key", ev.EventKey))
			c.mark(ctx, logger, messageID)
			return Outcome{Action: ActionDuplicate}, err
		}
		logger.Error("correlation failed", zap.Error(err))
		return Outcome{}, err
	}

	c.mark(ctx, logger, messageID)
	logger.Info("trigger correlated",
		zap.String("action", string(out.Action)),
		zap.String("identifier", trigger.Key.Identifier),
		zap.String("type", string(trigger.Key.Type)),
		zap.String("work_unit_id", out.WorkUnitID),
		zap.String("trigger_event_id", out.TriggerEventID),
	)
	return out, nil
}

func (c *Correlator) correlate(ctx context.Context, trigger Trigger, ev model.TriggerEvent) (Outcome, error) {
	out := Outcome{TriggerEventID: ev.ID}

	err := c.store.Correlate(ctx, trigger.Key, func(tx store.CorrelationTx) error {
		if err := tx.CreateTriggerEvent(ctx, ev); err != nil {
			if model.HasCode(err, model.ErrConflict) {
				return model.NewDuplicateDeliveryError(ev.EventKey)
			}
			return err
		}

		if trigger.Disposition == DispositionPending {
			out.Action = ActionPending
			return tx.MarkTriggerEventProcessed(ctx, ev.ID, "upstream state is not final")
		}

		// Promote a waiting placeholder, keeping its id.
		placeholder, err := tx.FindPlaceholder(ctx)
		if err != nil {
			return err
		}
		if placeholder != nil {
			u := *placeholder
			u.TriggerEventID = ev.ID
			if u.Config == nil {
				u.Config = trigger.Config
			}
			out.Action = apply(&u, trigger)
			if _, err := tx.UpdateWorkUnit(ctx, u); err != nil {
				return err
			}
			out.WorkUnitID = u.ID
			return tx.MarkTriggerEventProcessed(ctx, ev.ID, "")
		}

		// A unit for the same key is already being generated.
		active, err := tx.FindActive(ctx)
		if err != nil {
			return err
		}
		if active != nil {
			out.Action = ActionAlreadyActive
			out.WorkUnitID = active.ID
			return tx.MarkTriggerEventProcessed(ctx, ev.ID,
				fmt.Sprintf("work unit %s is already active for %s", active.ID, trigger.Key))
		}

		// The upstream failure was already recorded against a unit.
		if trigger.Disposition == DispositionUpstreamFailed {
			failed, err := tx.FindUpstreamFailed(ctx)
			if err != nil {
				return err
			}
			if failed != nil {
				out.Action = ActionAlreadyFailed
				out.WorkUnitID = failed.ID
				return tx.MarkTriggerEventProcessed(ctx, ev.ID,
					fmt.Sprintf("work unit %s already failed upstream for %s", failed.ID, trigger.Key))
			}
		}

		u := model.WorkUnit{
			ID:             model.NewID(),
			Identifier:     trigger.Key.Identifier,
			Type:           trigger.Key.Type,
			Config:         trigger.Config,
			TriggerEventID: ev.ID,
		}
		if apply(&u, trigger) == ActionFailed {
			out.Action = ActionFailed
		} else {
			out.Action = ActionCreated
		}
		if err := tx.CreateWorkUnit(ctx, u); err != nil {
			return err
		}
		out.WorkUnitID = u.ID
		return tx.MarkTriggerEventProcessed(ctx, ev.ID, "")
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// apply moves u to the status the trigger asks for.
func apply(u *model.WorkUnit, trigger Trigger) Action {
	if trigger.Disposition == DispositionUpstreamFailed {
		u.Fail(model.ResultErrGeneral, trigger.Reason)
		return ActionFailed
	}
	u.Status = model.StatusReady
	return ActionPromoted
}

func (c *Correlator) mark(ctx context.Context, logger *zap.Logger, messageID string) {
	if messageID == "" || c.dedup == nil {
		return
	}
	if err := c.dedup.Mark(ctx, messageID, c.dedupTTL); err != nil {
		logger.Warn("dedup mark failed", zap.Error(err))
	}
}

// Submission is a direct request to generate for an identifier.
type Submission struct {
	Type       model.GenerationType
	Identifier string
	Config     model.GenerationConfig
}

func (s Submission) validate() error {
	var details []model.FieldError
	if model.NewConfig(s.Type) == nil {
		details = append(details, model.FieldError{Field: "type", Code: "invalid", Message: fmt.Sprintf("unknown generation type %q", s.Type)})
	}
	if s.Identifier == "" {
		details = append(details, model.FieldError{Field: "identifier", Code: "required", Message: "identifier is required"})
	}
	if s.Config != nil && s.Config.GenerationType() != s.Type {
		details = append(details, model.FieldError{Field: "config", Code: "invalid", Message: "config does not match type"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Submit records a direct submission and creates a READY unit for it.
func (c *Correlator) Submit(ctx context.Context, sub Submission) (model.WorkUnit, error) {
	if err := sub.validate(); err != nil {
		return model.WorkUnit{}, err
	}

	ev := model.TriggerEvent{
		ID:        model.NewID(),
		EventType: model.EventDirectSubmission,
		Status:    model.EventProcessing,
		Kind:      string(sub.Type),
		Config:    sub.Config,
	}
	ev.EventKey = "direct:" + ev.ID
	payload, err := json.Marshal(sub.Config)
	if err != nil {
		return model.WorkUnit{}, fmt.Errorf("capture payload: %w", err)
	}
	ev.RawPayload = payload

	u := model.WorkUnit{
		ID:             model.NewID(),
		Identifier:     sub.Identifier,
		Type:           sub.Type,
		Status:         model.StatusReady,
		Config:         sub.Config,
		TriggerEventID: ev.ID,
	}

	key := model.CorrelationKey{Identifier: sub.Identifier, Type: sub.Type}
	err = c.store.Correlate(ctx, key, func(tx store.CorrelationTx) error {
		if err := tx.CreateTriggerEvent(ctx, ev); err != nil {
			return err
		}
		if err := tx.CreateWorkUnit(ctx, u); err != nil {
			return err
		}
		return tx.MarkTriggerEventProcessed(ctx, ev.ID, "")
	})
	if err != nil {
		return model.WorkUnit{}, err
	}

	observability.LoggerFrom(ctx, c.logger).Info("generation submitted",
		zap.String("work_unit_id", u.ID),
		zap.String("identifier", u.Identifier),
		zap.String("type", string(u.Type)),
	)
	return c.store.GetWorkUnit(ctx, u.ID)
}

// ExpectPlaceholder creates a PLACEHOLDER unit waiting for a future
// notification, or returns the one already waiting for the same key.
func (c *Correlator) ExpectPlaceholder(ctx context.Context, sub Submission) (model.WorkUnit, bool, error) {
	if err := sub.validate(); err != nil {
		return model.WorkUnit{}, false, err
	}

	var (
		id      string
		created bool
	)
	key := model.CorrelationKey{Identifier: sub.Identifier, Type: sub.Type}
	err := c.store.Correlate(ctx, key, func(tx store.CorrelationTx) error {
		existing, err := tx.FindPlaceholder(ctx)
		if err != nil {
			return err
		}
		if existing != nil {
			id = existing.ID
			return nil
		}
		u := model.WorkUnit{
			ID:         model.NewID(),
			Identifier: sub.Identifier,
			Type:       sub.Type,
			Status:     model.StatusPlaceholder,
			Config:     sub.Config,
		}
		if err := tx.CreateWorkUnit(ctx, u); err != nil {
			return err
		}
		id, created = u.ID, true
		return nil
	})
	if err != nil {
		return model.WorkUnit{}, false, err
	}

	u, err := c.store.GetWorkUnit(ctx, id)
	return u, created, err
}

// eventKey identifies an external event. The message id is used when the
// bus supplies one; otherwise the key is derived from the content.
func eventKey(msg model.RawMessage, messageID string) string {
	if messageID != "" {
		return "msg:" + messageID
	}
	sum := sha256.Sum256(append([]byte(msg.Type+"\n"), msg.Body...))
	return "sha256:" + hex.EncodeToString(sum[:])
}
