package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Audit actions emitted by the chat service.
const (
	ActionConversationBlocked   = "conversation_blocked"
	ActionConversationUnblocked = "conversation_unblocked"
	ActionOfferResponded        = "offer_responded"
	ActionMessageDeleted        = "message_deleted"
	ActionSystemMessage         = "system_message"
	ActionAuditTest             = "audit_test"
)

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *zap.Logger
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	TraceID       string       `json:"trace_id,omitempty"`
	UserID        *int         `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level      string         `json:"level"`
	Action     string         `json:"action"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *zap.Logger) *AuditEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
}

// Emit publishes an audit record for action. A zero userID is omitted.
// Publish failures are logged and never returned.
func (e *AuditEmitter) Emit(ctx context.Context, level, action string, userID int, attrs map[string]any) {
	if e == nil || e.publisher == nil {
		return
	}

	requestID := RequestIDFromContext(ctx)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		TraceID:       TraceIDFromContext(ctx),
		Payload: AuditPayload{
			Level:      level,
			Action:     action,
			Attributes: attrs,
		},
	}
	if userID != 0 {
		envelope.UserID = &userID
	}

	e.logger.Debug("audit emit", zap.String("action", action), zap.String("request_id", requestID), zap.Int("user_id", userID))
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		e.logger.Warn("audit publish failed", zap.String("action", action), zap.Error(err))
	}
}
