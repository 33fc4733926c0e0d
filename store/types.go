package store

// Direction of a history item relative to the account.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// State is the delivery state of a history item.
type State string

const (
	StateIncoming            State = "incoming"
	StateIncomingUnread      State = "incoming_unread"
	StateIncomingError       State = "incoming_error"
	StateIncomingErrorUnread State = "incoming_error_unread"
	StateOutgoing            State = "outgoing"
	StateOutgoingUnsent      State = "outgoing_unsent"
	StateOutgoingDelivered   State = "outgoing_delivered"
	StateOutgoingError       State = "outgoing_error"
	StateOutgoingErrorUnread State = "outgoing_error_unread"
)

// Direction returns which side of the conversation the state belongs to.
func (s State) Direction() Direction {
	switch s {
	case StateIncoming, StateIncomingUnread, StateIncomingError, StateIncomingErrorUnread:
		return DirectionIncoming
	default:
		return DirectionOutgoing
	}
}

// IsError reports whether the state records a delivery error.
func (s State) IsError() bool {
	switch s {
	case StateIncomingError, StateIncomingErrorUnread, StateOutgoingError, StateOutgoingErrorUnread:
		return true
	}
	return false
}

// IsUnread reports whether the state carries the unread marker.
func (s State) IsUnread() bool {
	switch s {
	case StateIncomingUnread, StateIncomingErrorUnread, StateOutgoingErrorUnread:
		return true
	}
	return false
}

// Read returns the state with the unread marker cleared.
func (s State) Read() State {
	switch s {
	case StateIncomingUnread:
		return StateIncoming
	case StateIncomingErrorUnread:
		return StateIncomingError
	case StateOutgoingErrorUnread:
		return StateOutgoingError
	}
	return s
}

// ItemKind classifies a history item.
type ItemKind string

const (
	KindMessage     ItemKind = "message"
	KindAttachment  ItemKind = "attachment"
	KindLinkPreview ItemKind = "link_preview"
	KindNotice      ItemKind = "notice"
)

// Encryption is the recorded encryption outcome for a history item.
type Encryption string

const (
	EncryptionNone         Encryption = "none"
	EncryptionDecrypted    Encryption = "decrypted"
	EncryptionNotForDevice Encryption = "not_for_device"
	EncryptionFailed       Encryption = "failed"
)

// ConversationKind distinguishes one-to-one chats from group rooms.
type ConversationKind string

const (
	ConversationChat ConversationKind = "chat"
	ConversationRoom ConversationKind = "room"
)

// Conversation is one (account, peer) conversation scope.
type Conversation struct {
	Account            string
	JID                string
	Kind               ConversationKind
	Name               string
	Nickname           string // the account's own nickname, rooms only
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// HistoryItem is one persisted unit in a conversation timeline.
type HistoryItem struct {
	ID                int64
	Account           string
	JID               string
	AuthorNickname    string
	RecipientNickname string
	StanzaID          string // empty means no correlation id (never deduplicated)
	State             State
	Kind              ItemKind
	Encryption        Encryption
	Fingerprint       string
	ErrorCondition    string
	ErrorMessage      string
	Body              string
	Timestamp         int64
}

// OutboxEntry is the durable record of an outgoing message between
// queueing and transport acknowledgment.
type OutboxEntry struct {
	ID           int64
	Account      string
	JID          string
	StanzaID     string
	Body         string
	OOBURL       string
	Encryption   string // none, omemo
	Status       string // unsent, sent, error
	ErrorMessage string
	Timestamp    int64
}

// Outbox statuses.
const (
	OutboxUnsent = "unsent"
	OutboxSent   = "sent"
	OutboxError  = "error"
)
