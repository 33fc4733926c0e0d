package xmpp

import "time"

// MessageType is the stanza-level message type.
type MessageType string

const (
	TypeChat      MessageType = "chat"
	TypeGroupchat MessageType = "groupchat"
	TypeNormal    MessageType = "normal"
	TypeError     MessageType = "error"
)

// Message is the parsed view of a message stanza that the core consumes.
// Wire-format parsing belongs to the transport layer.
type Message struct {
	ID   string
	From JID
	To   JID
	Type MessageType

	Body   string
	OOBURL string

	// Delay is the server-provided original timestamp for delayed
	// delivery; zero when the stanza carries none.
	Delay time.Time

	ErrorCondition string
	ErrorText      string

	// Protected carries an encrypted payload produced by the cipher;
	// opaque to the core, written verbatim by the transport.
	Protected string
}

// EffectiveType returns the stanza type, defaulting to chat when absent.
func (m *Message) EffectiveType() MessageType {
	if m.Type == "" {
		return TypeChat
	}
	return m.Type
}

// IsError reports whether the stanza is a transport-level error bounce.
func (m *Message) IsError() bool {
	return m.EffectiveType() == TypeError
}

// Timestamp returns the delay stamp when present, otherwise now.
func (m *Message) Timestamp() time.Time {
	if !m.Delay.IsZero() {
		return m.Delay
	}
	return time.Now()
}
