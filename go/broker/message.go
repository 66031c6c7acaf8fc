// Package broker implements the node's side of the platform message broker:
// the message and metadata model, the HTTP client with its in-memory message
// logs and acknowledgement protocol, and the send/await messaging API built
// on top of it.
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fedstar/core/go/config"
)

// metaKey is the reserved key under which message metadata travels on the
// wire. User bodies may not contain it.
const metaKey = "meta"

// Status is the read state of a message.
type Status string

const (
	StatusUnread Status = "unread"
	StatusRead   Status = "read"
)

// Direction distinguishes messages this node sent from messages it received.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Meta is the broker metadata attached to every message under the reserved
// `meta` key. It is strongly typed internally; user code only ever sees the
// opaque body.
type Meta struct {
	// ID is globally unique, formed as {senderId}-{number}-{random}.
	ID string `json:"id"`
	// Number is monotonic per sender.
	Number int `json:"number"`
	// Category routes the message (e.g. "intermediate_results").
	Category string `json:"category"`
	// Sender is the node ID of the original sender.
	Sender string `json:"sender"`
	// AknID is the node ID of the acknowledger, or "" while unacknowledged.
	AknID string `json:"akn_id"`
	// Status is unread until a caller reads the message.
	Status Status `json:"status"`
	// Type is the direction relative to the local node.
	Type Direction `json:"type"`

	CreatedAt time.Time  `json:"created_at"`
	ArrivedAt *time.Time `json:"arrived_at"`
}

// Message is a broker message: an opaque user body plus typed metadata.
// On the wire the body and metadata are flattened into a single JSON
// object, with metadata under the reserved `meta` key.
type Message struct {
	Meta Meta
	Body map[string]interface{}
	// Recipients of an outgoing message. Not part of the wire body; the
	// broker envelope carries it separately.
	Recipients []string
}

// NewMessage builds an outgoing message from the local node. The body must
// not use the reserved `meta` key; category and recipients are required.
// The sequence number and ID are assigned by the client on first send.
func NewMessage(node *config.Node, recipients []string, category string, body map[string]interface{}) (*Message, error) {
	if _, ok := body[metaKey]; ok {
		return nil, fmt.Errorf("message body uses reserved key %q", metaKey)
	}
	if category == "" {
		return nil, fmt.Errorf("outgoing message requires a category")
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("outgoing message requires at least one recipient")
	}
	for _, r := range recipients {
		if r == "" {
			return nil, fmt.Errorf("outgoing message has an empty recipient")
		}
	}

	if body == nil {
		body = map[string]interface{}{}
	}
	return &Message{
		Meta: Meta{
			Category:  category,
			Sender:    node.NodeID(),
			Status:    StatusUnread,
			Type:      DirectionOutgoing,
			CreatedAt: time.Now(),
		},
		Body:       body,
		Recipients: append([]string(nil), recipients...),
	}, nil
}

// MarshalJSON flattens the message into its wire shape: the user body with
// metadata under the reserved key.
func (m *Message) MarshalJSON() ([]byte, error) {
	var flat = make(map[string]interface{}, len(m.Body)+1)
	for k, v := range m.Body {
		flat[k] = v
	}
	flat[metaKey] = m.Meta
	return json.Marshal(flat)
}

// UnmarshalJSON splits a wire body into typed metadata and the opaque rest.
func (m *Message) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	var rawMeta, ok = flat[metaKey]
	if !ok {
		return fmt.Errorf("message body is missing the %q key", metaKey)
	}
	if err := json.Unmarshal(rawMeta, &m.Meta); err != nil {
		return fmt.Errorf("decoding message meta: %w", err)
	}
	delete(flat, metaKey)

	m.Body = make(map[string]interface{}, len(flat))
	for k, raw := range flat {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decoding message field %q: %w", k, err)
		}
		m.Body[k] = v
	}
	return nil
}

// clone returns a copy of the message with its own body map, so callers
// can't mutate the client's logs (and vice versa).
func (m *Message) clone() *Message {
	var body = make(map[string]interface{}, len(m.Body))
	for k, v := range m.Body {
		body[k] = v
	}
	var out = &Message{
		Meta:       m.Meta,
		Body:       body,
		Recipients: append([]string(nil), m.Recipients...),
	}
	if m.Meta.ArrivedAt != nil {
		var at = *m.Meta.ArrivedAt
		out.Meta.ArrivedAt = &at
	}
	return out
}

// envelope is the broker's POST /messages request body.
type envelope struct {
	Recipients []string `json:"recipients"`
	Message    *Message `json:"message"`
}

// Participant is one node taking part in the analysis.
type Participant struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
}
