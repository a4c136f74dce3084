package gateway

import (
	"encoding/json"
	"strings"
	"time"
)

// envelope is the snake_case webhook body shared by the supported providers.
type envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		Object envelopeObject `json:"object"`
	} `json:"data"`
}

type envelopeObject struct {
	ID            string            `json:"id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	FailureReason string            `json:"failure_reason"`
	Metadata      map[string]string `json:"metadata"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ParseEnvelope decodes the common webhook envelope. Unknown event types are
// returned as-is so the caller can record and acknowledge them.
func ParseEnvelope(provider string, body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return nil, ErrInvalidPayload
	}

	obj := env.Data.Object
	updatedAt := obj.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = env.CreatedAt
	}

	event := &Event{
		Gateway:       provider,
		ID:            strings.TrimSpace(env.ID),
		Type:          strings.ToLower(strings.TrimSpace(env.Type)),
		CreatedAt:     env.CreatedAt.UTC(),
		ObjectID:      strings.TrimSpace(obj.ID),
		Reference:     strings.TrimSpace(obj.Metadata[MetadataReference]),
		Amount:        obj.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(obj.Currency)),
		Status:        strings.ToLower(strings.TrimSpace(obj.Status)),
		FailureReason: strings.TrimSpace(obj.FailureReason),
		UpdatedAt:     updatedAt.UTC(),
		Raw:           body,
	}
	if event.Known() && event.ObjectID == "" && event.Reference == "" {
		return nil, ErrInvalidPayload
	}
	return event, nil
}

// BuildEnvelope renders an event in the common envelope format.
func BuildEnvelope(e Event) ([]byte, error) {
	var env envelope
	env.ID = e.ID
	env.Type = e.Type
	env.CreatedAt = e.CreatedAt.UTC()
	env.Data.Object = envelopeObject{
		ID:            e.ObjectID,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Status:        e.Status,
		FailureReason: e.FailureReason,
		UpdatedAt:     e.UpdatedAt.UTC(),
	}
	if e.Reference != "" {
		env.Data.Object.Metadata = map[string]string{MetadataReference: e.Reference}
	}
	return json.Marshal(env)
}
