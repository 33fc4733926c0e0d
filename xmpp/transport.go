package xmpp

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionGone is returned (wrapped) by transports when the
// connection is unavailable. Callers treat it as retryable.
var ErrConnectionGone = errors.New("connection gone")

// ConnState is the transport connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
)

// Transport is the narrow view of one account's XMPP connection.
// Implementations live outside the core and publish parsed protocol
// events on the bus.
type Transport interface {
	// Send writes a message stanza. Returns an error wrapping
	// ErrConnectionGone when no connection is available.
	Send(ctx context.Context, m *Message) error

	// State reports the current connection state.
	State() ConnState

	// EnableCarbons asks the server to start copying this account's
	// traffic to this device.
	EnableCarbons(ctx context.Context) error
}

// ArchivePage is one page of replayed archive items.
type ArchivePage struct {
	Items []ArchiveItem

	// Complete is the server's indication that no further history
	// matches the query.
	Complete bool

	// LastID is the paging cursor for the next request; empty when
	// the server returned no result set to continue from.
	LastID string
}

// ArchiveQuerier retrieves pages of server-side message history.
type ArchiveQuerier interface {
	QueryArchive(ctx context.Context, account JID, start time.Time, afterID string, max int) (*ArchivePage, error)
}
