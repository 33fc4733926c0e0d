package xmpp

import "time"

// Bus event kinds published by transport adapters. Components subscribe
// to these by namespace prefix; each component drains its subscription
// on a single goroutine, so events for one component never interleave.
const (
	KindMessage            = "xmpp.message"
	KindCarbon             = "xmpp.carbon"
	KindArchiveItem        = "xmpp.archive.item"
	KindReceipt            = "xmpp.receipt"
	KindPresence           = "xmpp.presence"
	KindServerFeatures     = "xmpp.features"
	KindSessionEstablished = "xmpp.session_established"
	KindStreamResumed      = "xmpp.stream_resumed"
	KindOMEMOAvailability  = "xmpp.omemo_availability"
	KindJingleOffer        = "xmpp.jingle.offer"
	KindJingleAnswer       = "xmpp.jingle.answer"
	KindJingleCandidates   = "xmpp.jingle.candidates"
	KindJingleTerminate    = "xmpp.jingle.terminate"
)

// MessageReceived is a message delivered directly to this client.
type MessageReceived struct {
	Account JID
	Message *Message
}

// CarbonAction distinguishes copies of sent vs received traffic.
type CarbonAction string

const (
	CarbonSent     CarbonAction = "sent"
	CarbonReceived CarbonAction = "received"
)

// CarbonCopy is a copy of the account's own traffic on another device.
type CarbonCopy struct {
	Account JID
	Action  CarbonAction
	Message *Message
}

// ArchiveItem is a single replayed message from the server-side archive.
type ArchiveItem struct {
	Account   JID
	Message   *Message
	Timestamp time.Time
	QueryID   string
}

// Receipt acknowledges delivery of an outgoing message.
type Receipt struct {
	Account   JID
	From      JID
	MessageID string
}

// PresenceChanged reports a peer availability transition.
type PresenceChanged struct {
	Account   JID
	From      JID
	Available bool
}

// ServerFeatures carries the feature set advertised by the account's server.
type ServerFeatures struct {
	Account  JID
	Features []string
}

// SessionEstablished signals a freshly negotiated session.
type SessionEstablished struct {
	Account JID
}

// StreamResumed signals stream-management resumption of a prior session.
type StreamResumed struct {
	Account JID
}

// OMEMOAvailability reports a change in encryption availability for the account.
type OMEMOAvailability struct {
	Account   JID
	Available bool
}
