// Package envelope defines the typed message envelope exchanged between the
// bridge, the conversational backend, and client devices. Raw wire bytes are
// decoded exactly once at the transport boundary; everything inland works
// with the tagged union defined here.
package envelope

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// Kind identifies what an envelope carries.
type Kind string

const (
	KindSessionCreated     Kind = "session-created"
	KindMessage            Kind = "message"
	KindAck                Kind = "ack"
	KindPing               Kind = "ping"
	KindPong               Kind = "pong"
	KindElectionRequest    Kind = "primary-election-request"
	KindElectionResult     Kind = "primary-election-result"
	KindTransferRequest    Kind = "primary-transfer-request"
	KindPrimaryTransferred Kind = "primary-transferred"
	KindError              Kind = "error"
)

// Priority orders queued deliveries. Higher-priority classes drain first;
// FIFO within a class.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the dequeue order of the priority class, lowest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the three known classes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Envelope is the decoded form of one wire message. Exactly one of the
// payload pointers is set, matching Kind.
type Envelope struct {
	Kind      Kind
	Timestamp time.Time
	RequestID string
	SessionID string
	Priority  Priority

	SessionCreated     *SessionCreated
	Message            *Message
	Ack                *Ack
	ElectionRequest    *ElectionRequest
	ElectionResult     *ElectionResult
	TransferRequest    *TransferRequest
	PrimaryTransferred *PrimaryTransferred
	Error              *Error
}

// SessionCreated announces a backend-minted session identifier.
type SessionCreated struct {
	SessionID  string `json:"session_id"`
	ContextKey string `json:"context_key,omitempty"`
}

// Message carries an opaque payload blob with a type tag.
type Message struct {
	ID          string          `json:"id"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body"`
}

// ContentHash returns an FNV-1a hash of the message body, used for
// fingerprinting alongside the message ID.
func (m *Message) ContentHash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(m.ContentType))
	h.Write(m.Body)
	return h.Sum64()
}

// Ack confirms receipt of a message by one device.
type Ack struct {
	MessageID string `json:"message_id"`
	DeviceID  string `json:"device_id"`
}

// ElectionRequest asks the arbitration authority for primary status.
type ElectionRequest struct {
	DeviceID string `json:"device_id"`
}

// TransferRequest asks the authority to move primary between two devices.
type TransferRequest struct {
	FromDeviceID string `json:"from_device_id"`
	ToDeviceID   string `json:"to_device_id"`
}

// ElectionResult is the arbitration authority's answer to a primary request.
type ElectionResult struct {
	DeviceID  string    `json:"device_id"`
	Outcome   string    `json:"outcome"` // "primary", "secondary", "failed"
	ElectedAt time.Time `json:"elected_at"`
}

// PrimaryTransferred reports a completed primary handover.
type PrimaryTransferred struct {
	FromDeviceID  string    `json:"from_device_id"`
	ToDeviceID    string    `json:"to_device_id"`
	TransferredAt time.Time `json:"transferred_at"`
}

// Error carries a backend-reported failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireEnvelope is the raw JSON shape on the wire.
type wireEnvelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode parses raw wire bytes into a typed Envelope. Unknown kinds and
// malformed payloads are errors; callers must not guess at field contents.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("envelope: decode: missing type")
	}

	env := Envelope{
		Kind:      Kind(w.Type),
		RequestID: w.RequestID,
		SessionID: w.SessionID,
		Priority:  PriorityNormal,
	}
	if w.Timestamp != 0 {
		env.Timestamp = time.UnixMilli(w.Timestamp).UTC()
	}
	if w.Priority != "" {
		p := Priority(w.Priority)
		if !p.Valid() {
			return Envelope{}, fmt.Errorf("envelope: decode: unknown priority %q", w.Priority)
		}
		env.Priority = p
	}

	switch env.Kind {
	case KindSessionCreated:
		env.SessionCreated = &SessionCreated{}
		return env, unmarshalPayload(w.Payload, env.SessionCreated)
	case KindMessage:
		env.Message = &Message{}
		if err := unmarshalPayload(w.Payload, env.Message); err != nil {
			return Envelope{}, err
		}
		if env.Message.ID == "" {
			return Envelope{}, fmt.Errorf("envelope: decode: message payload missing id")
		}
		return env, nil
	case KindAck:
		env.Ack = &Ack{}
		return env, unmarshalPayload(w.Payload, env.Ack)
	case KindPing, KindPong:
		return env, nil
	case KindElectionRequest:
		env.ElectionRequest = &ElectionRequest{}
		return env, unmarshalPayload(w.Payload, env.ElectionRequest)
	case KindElectionResult:
		env.ElectionResult = &ElectionResult{}
		return env, unmarshalPayload(w.Payload, env.ElectionResult)
	case KindTransferRequest:
		env.TransferRequest = &TransferRequest{}
		return env, unmarshalPayload(w.Payload, env.TransferRequest)
	case KindPrimaryTransferred:
		env.PrimaryTransferred = &PrimaryTransferred{}
		return env, unmarshalPayload(w.Payload, env.PrimaryTransferred)
	case KindError:
		env.Error = &Error{}
		return env, unmarshalPayload(w.Payload, env.Error)
	default:
		return Envelope{}, fmt.Errorf("envelope: decode: unknown type %q", w.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("envelope: decode: missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("envelope: decode payload: %w", err)
	}
	return nil
}

// Encode serializes an Envelope to wire bytes. The payload selected by Kind
// must be set; anything else is a programmer error surfaced as an error.
func (e Envelope) Encode() ([]byte, error) {
	w := wireEnvelope{
		Type:      string(e.Kind),
		RequestID: e.RequestID,
		SessionID: e.SessionID,
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	w.Timestamp = ts.UnixMilli()
	if e.Priority != "" && e.Priority != PriorityNormal {
		w.Priority = string(e.Priority)
	}

	var payload interface{}
	switch e.Kind {
	case KindSessionCreated:
		payload = e.SessionCreated
	case KindMessage:
		payload = e.Message
	case KindAck:
		payload = e.Ack
	case KindPing, KindPong:
		payload = nil
	case KindElectionRequest:
		payload = e.ElectionRequest
	case KindElectionResult:
		payload = e.ElectionResult
	case KindTransferRequest:
		payload = e.TransferRequest
	case KindPrimaryTransferred:
		payload = e.PrimaryTransferred
	case KindError:
		payload = e.Error
	default:
		return nil, fmt.Errorf("envelope: encode: unknown kind %q", e.Kind)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("envelope: encode payload: %w", err)
		}
		w.Payload = raw
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return data, nil
}
