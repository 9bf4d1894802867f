package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Retry attribute keys owned by the consumption core. Application payloads
// must not repurpose these keys.
const (
	AttrRetryCount     = "x-retry-count"
	AttrFirstFailureAt = "x-first-failure-at"
	AttrLastErrorClass = "x-last-error-class"
)

// Attribute is a single string key/value pair on a message.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Message is an opaque payload plus an ordered set of string attributes
// with unique keys. The payload is never interpreted by the core; all
// retry state travels in the attributes so that it survives process
// restarts and is visible to every worker.
type Message struct {
	ID        string
	Timestamp time.Time
	Payload   []byte

	attrs []Attribute
}

// NewMessage creates a message with a fresh ID and no attributes.
func NewMessage(payload []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// GetAttribute returns the value for key and whether it is present.
func (m *Message) GetAttribute(key string) (string, bool) {
	for _, a := range m.attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttribute sets key to value, replacing an existing entry in place so
// attribute order is stable across updates.
func (m *Message) SetAttribute(key, value string) {
	for i, a := range m.attrs {
		if a.Key == key {
			m.attrs[i].Value = value
			return
		}
	}
	m.attrs = append(m.attrs, Attribute{Key: key, Value: value})
}

// DeleteAttribute removes key if present.
func (m *Message) DeleteAttribute(key string) {
	for i, a := range m.attrs {
		if a.Key == key {
			m.attrs = append(m.attrs[:i], m.attrs[i+1:]...)
			return
		}
	}
}

// Attributes returns a copy of the attribute list in insertion order.
func (m *Message) Attributes() []Attribute {
	out := make([]Attribute, len(m.attrs))
	copy(out, m.attrs)
	return out
}

// messageJSON is the wire/storage form of a Message. Attributes are a list
// so their order survives the round trip.
type messageJSON struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Payload    []byte      `json:"payload,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:         m.ID,
		Timestamp:  m.Timestamp,
		Payload:    m.Payload,
		Attributes: m.attrs,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.Timestamp = raw.Timestamp
	m.Payload = raw.Payload
	m.attrs = raw.Attributes
	return nil
}

// Clone returns a structurally independent copy of the message. The copy
// keeps the same ID: it is the same logical message, republishing it to a
// retry destination transfers ownership rather than creating a new one.
func (m *Message) Clone() *Message {
	c := &Message{
		ID:        m.ID,
		Timestamp: m.Timestamp,
		Payload:   make([]byte, len(m.Payload)),
		attrs:     make([]Attribute, len(m.attrs)),
	}
	copy(c.Payload, m.Payload)
	copy(c.attrs, m.attrs)
	return c
}
