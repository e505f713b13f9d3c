package iot

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/rotation"
)

// RuleEvent is the event an IoT topic rule forwards. It is produced by the rule
//
//	SELECT topic() AS topic, * AS data, clientid() AS client_id, principal() AS cert_id
//	FROM '/cert-rotation/+/+/rqst'
type RuleEvent struct {
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data"`
	ClientID string          `json:"client_id,omitempty"`
	CertID   string          `json:"cert_id,omitempty"`
}

// ParseRuleEvent decodes a rule event
func ParseRuleEvent(body []byte) (RuleEvent, error) {
	var event RuleEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("%w: rule event: %v", rotation.ErrInvalidMessage, err)
	}
	if event.Topic == "" {
		return event, fmt.Errorf("%w: rule event without topic", rotation.ErrInvalidMessage)
	}
	if len(event.Data) == 0 {
		event.Data = json.RawMessage("{}")
	}
	return event, nil
}

// Dispatch hands a rule event to the handler. The client id is logged for tracing only,
// the handler identifies devices by topic and certificate.
func Dispatch(ctx context.Context, handler MessageHandler, event RuleEvent) rotation.Result {
	ctx, rlog := logger.ContextWithLogger(ctx)
	if event.ClientID != "" {
		rlog = rlog.WithField("clientID", event.ClientID)
	}
	result := handler.HandleMessage(ctx, event.Topic, event.Data)
	if result.Err == nil {
		rlog.Debugf("handled %s for %s: %s -> %s", result.Kind, result.SerialNumber, result.From, result.To)
	}
	return result
}
