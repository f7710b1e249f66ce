package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message on the bus. Payloads are flat JSON keyed by
// payment identifier; the EventType header is the dispatch discriminator.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	PaymentID     string          `json:"payment_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for publication.
func NewEnvelope(eventType, paymentID, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	return &Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		PaymentID:     paymentID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.EventType, err)
	}
	return nil
}
