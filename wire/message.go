package wire

import "encoding/json"

// Message is the control-channel envelope: a JSON object with a
// type discriminator and an opaque body, carried inside a Packet of
// capacity MaxMessageSize per §3.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// IsValid reports whether the message parsed with both fields
// present and non-empty, per §3 ("isValid iff parseable and both
// fields present").
func (m Message) IsValid() bool {
	return m.Type != "" && len(m.Body) > 0
}

// NewMessage marshals body into a Message of the given type.
func NewMessage(msgType string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Body: raw}, nil
}

// DecodeBody unmarshals the message body into dst.
func (m Message) DecodeBody(dst any) error {
	return json.Unmarshal(m.Body, dst)
}

// EncodeMessage serializes m to its JSON wire form.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses raw JSON into a Message, failing if either
// field is missing.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	if !m.IsValid() {
		return Message{}, errInvalidMessage
	}
	return m, nil
}

var errInvalidMessage = &InvalidMessageError{}

// InvalidMessageError is returned when a decoded message is missing
// its type or body.
type InvalidMessageError struct{}

func (*InvalidMessageError) Error() string { return "wire: message missing type or body" }
