// Package events delivers order state changes to external observers.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bikeshop/order-service/internal/services"
)

// Envelope is the wire shape shared by every sink.
type Envelope struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId"`
}

// NewEnvelope fills in the timestamp and correlation id when the event lacks them.
// The correlation id prefers the event's own, then data.orderId, then a random UUID.
func NewEnvelope(event services.Event) Envelope {
	env := Envelope{
		Type:          event.Type,
		Data:          event.Data,
		Timestamp:     event.OccurredAt.UTC(),
		CorrelationID: strings.TrimSpace(event.CorrelationID),
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	if event.OccurredAt.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.CorrelationID == "" {
		if orderID, ok := env.Data["orderId"].(string); ok && strings.TrimSpace(orderID) != "" {
			env.CorrelationID = orderID
		} else {
			env.CorrelationID = uuid.NewString()
		}
	}
	return env
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
