package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedEnvelope = errors.New("malformed event envelope")

// Envelope is the JSON shape of every message crossing the broker.
type Envelope struct {
	Name       string          `json:"event_name"`
	ID         string          `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Record is a domain event produced by an aggregate mutation. Mutating operations return
// records; the caller owns publishing them.
type Record struct {
	Name       string
	ID         string
	OccurredAt time.Time
	// Key selects the broker partition. Events about one order share a key.
	Key     string
	Payload any
}

func New(name, key string, payload any) Record {
	return Record{
		Name:       name,
		ID:         uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Key:        key,
		Payload:    payload,
	}
}

// Envelope encodes the record payload into its wire form.
func (r Record) Envelope() (Envelope, error) {
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", r.Name, err)
	}
	return Envelope{
		Name:       r.Name,
		ID:         r.ID,
		OccurredAt: r.OccurredAt,
		Payload:    data,
	}, nil
}

// Marshal returns the full JSON envelope for the record.
func (r Record) Marshal() ([]byte, error) {
	env, err := r.Envelope()
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a raw message into an envelope. Name and ID are required.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Name == "" || env.ID == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_name or event_id", ErrMalformedEnvelope)
	}
	return env, nil
}

// Bind unmarshals the payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEnvelope, e.Name)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Name, err)
	}
	return nil
}

// Record converts a decoded envelope back into a record, keeping the raw payload.
func (e Envelope) Record(key string) Record {
	return Record{
		Name:       e.Name,
		ID:         e.ID,
		OccurredAt: e.OccurredAt,
		Key:        key,
		Payload:    e.Payload,
	}
}
