// Package outbox drives outgoing messages from durable local record to
// transport acknowledgment, with retry of unsent records on reconnect.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/jab/bus"
	"github.com/matheus3301/jab/ingest"
	"github.com/matheus3301/jab/omemo"
	"github.com/matheus3301/jab/store"
	"github.com/matheus3301/jab/xmpp"
	"go.uber.org/zap"
)

// Encryption modes for outgoing messages.
const (
	EncryptionNone  = "none"
	EncryptionOMEMO = "omemo"
)

// User-facing failure reasons for terminally failed sends.
const (
	reasonNoTrustedDevice = "There is no trusted device to send message to"
	reasonEncryptionError = "It was not possible to send encrypted message due to encryption error"
	reasonSendFailed      = "Could not send message"
)

// Options describes one outgoing message.
type Options struct {
	Account    xmpp.JID
	To         xmpp.JID
	Body       string
	OOBURL     string
	Encryption string // EncryptionNone or EncryptionOMEMO

	// StanzaID resumes a prior attempt, preserving its correlation id;
	// empty means a new message.
	StanzaID string
	// Timestamp preserves the original queue time on resume; zero
	// means now.
	Timestamp int64
}

// Sender is the outbound delivery pipeline for one client. Delivery
// attempts for a given peer are serialized: at most one in-flight send
// per peer, preserving the relative order of the user's own messages.
type Sender struct {
	db        *store.DB
	transport xmpp.Transport
	cipher    omemo.Cipher
	b         *bus.Bus
	logger    *zap.Logger
	queue     *keyedQueue

	cancel context.CancelFunc
}

// NewSender creates the outbound pipeline. cipher may be nil when
// encrypted sending is not in use.
func NewSender(db *store.DB, transport xmpp.Transport, cipher omemo.Cipher, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:        db,
		transport: transport,
		cipher:    cipher,
		b:         b,
		logger:    logger,
		queue:     newKeyedQueue(),
	}
}

// Start subscribes to reconnection triggers: each session establishment
// or stream resumption replays the account's unsent backlog.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.b.Subscribe("xmpp.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case xmpp.KindSessionEstablished:
					if e, ok := evt.Payload.(xmpp.SessionEstablished); ok {
						s.ResendUnsent(ctx, e.Account)
					}
				case xmpp.KindStreamResumed:
					if e, ok := evt.Payload.(xmpp.StreamResumed); ok {
						s.ResendUnsent(ctx, e.Account)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconnect listener. In-flight attempts finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Send durably records the message and schedules a delivery attempt.
// The history item and pending-send record are written before any
// network I/O. Returns the stanza correlation id.
func (s *Sender) Send(ctx context.Context, opts Options) (string, error) {
	if opts.Body == "" && opts.OOBURL == "" {
		return "", errors.New("empty message")
	}
	body := opts.Body
	if body == "" {
		body = opts.OOBURL
	}

	id := opts.StanzaID
	resumed := id != ""
	if !resumed {
		id = uuid.NewString()
	}
	ts := opts.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	account := opts.Account.Bare().String()
	jid := opts.To.Bare().String()

	if !resumed {
		kind := store.KindMessage
		if opts.OOBURL != "" {
			kind = store.KindAttachment
		}
		item := &store.HistoryItem{
			Account:   account,
			JID:       jid,
			StanzaID:  id,
			State:     store.StateOutgoingUnsent,
			Kind:      kind,
			Body:      body,
			Timestamp: ts,
		}
		if opts.Encryption == EncryptionOMEMO {
			item.Encryption = store.EncryptionDecrypted
			if s.cipher != nil {
				item.Fingerprint = s.cipher.LocalFingerprint(opts.Account)
			}
		} else {
			item.Encryption = store.EncryptionNone
		}

		if _, _, err := s.db.AppendHistory(item); err != nil {
			return "", fmt.Errorf("record outgoing message: %w", err)
		}
		if err := s.db.TouchConversation(account, jid, ts, body, false); err != nil {
			s.logger.Error("failed to update conversation", zap.Error(err), zap.String("jid", jid))
		}
		if err := s.db.QueueOutbox(&store.OutboxEntry{
			Account:    account,
			JID:        jid,
			StanzaID:   id,
			Body:       opts.Body,
			OOBURL:     opts.OOBURL,
			Encryption: opts.Encryption,
			Timestamp:  ts,
		}); err != nil {
			return "", fmt.Errorf("queue outgoing message: %w", err)
		}
		s.b.Publish(bus.New("history.appended", *item))
	}

	attempt := opts
	attempt.StanzaID = id
	attempt.Timestamp = ts
	s.queue.Schedule(jid, func() {
		s.attempt(ctx, attempt, body)
	})

	return id, nil
}

// ResendUnsent replays every unsent record for the account, preserving
// original correlation ids and timestamps.
func (s *Sender) ResendUnsent(ctx context.Context, account xmpp.JID) {
	entries, err := s.db.PendingOutbox(account.Bare().String())
	if err != nil {
		s.logger.Error("failed to read pending outbox", zap.Error(err))
		return
	}
	for _, e := range entries {
		to, err := xmpp.ParseJID(e.JID)
		if err != nil {
			s.logger.Warn("unsent entry with bad peer address", zap.String("jid", e.JID))
			continue
		}
		oob := e.OOBURL
		if oob == "" && (strings.HasPrefix(e.Body, "http:") || strings.HasPrefix(e.Body, "https:")) {
			oob = e.Body
		}
		_, err = s.Send(ctx, Options{
			Account:    account,
			To:         to,
			Body:       e.Body,
			OOBURL:     oob,
			Encryption: e.Encryption,
			StanzaID:   e.StanzaID,
			Timestamp:  e.Timestamp,
		})
		if err != nil {
			s.logger.Error("failed to requeue unsent message", zap.Error(err), zap.String("stanza_id", e.StanzaID))
		}
	}
}

func (s *Sender) attempt(ctx context.Context, opts Options, body string) {
	if opts.Encryption == EncryptionOMEMO {
		s.attemptEncrypted(ctx, opts, body)
		return
	}
	s.attemptPlain(ctx, opts, body)
}

func (s *Sender) attemptPlain(ctx context.Context, opts Options, body string) {
	account := opts.Account.Bare().String()
	jid := opts.To.Bare().String()

	if s.transport.State() != xmpp.StateConnected {
		// Stays unsent; retried on the next reconnect trigger.
		return
	}

	m := &xmpp.Message{
		ID:     opts.StanzaID,
		To:     opts.To.Bare(),
		Type:   xmpp.TypeChat,
		Body:   body,
		OOBURL: opts.OOBURL,
	}
	if err := s.transport.Send(ctx, m); err != nil {
		if errors.Is(err, xmpp.ErrConnectionGone) {
			return
		}
		s.fail(account, jid, opts.StanzaID, reasonSendFailed, err)
		return
	}

	s.acknowledge(account, jid, opts.StanzaID)

	if opts.OOBURL == "" {
		s.appendPreviews(account, jid, body)
	}
}

func (s *Sender) attemptEncrypted(ctx context.Context, opts Options, body string) {
	account := opts.Account.Bare().String()
	jid := opts.To.Bare().String()

	if s.cipher == nil {
		s.fail(account, jid, opts.StanzaID, reasonEncryptionError, errors.New("no cipher configured"))
		return
	}
	if s.transport.State() != xmpp.StateConnected {
		return
	}

	m := &xmpp.Message{
		ID:   opts.StanzaID,
		To:   opts.To.Bare(),
		Type: xmpp.TypeChat,
		Body: body,
	}
	res := s.cipher.Encode(opts.Account, m)
	if res.Protected == nil {
		reason := reasonEncryptionError
		if res.NoTrustedDevice {
			reason = reasonNoTrustedDevice
		}
		s.fail(account, jid, opts.StanzaID, reason, res.Err)
		return
	}

	if err := s.transport.Send(ctx, res.Protected); err != nil {
		if errors.Is(err, xmpp.ErrConnectionGone) {
			return
		}
		s.fail(account, jid, opts.StanzaID, reasonSendFailed, err)
		return
	}

	s.acknowledge(account, jid, opts.StanzaID)
}

func (s *Sender) acknowledge(account, jid, stanzaID string) {
	now := time.Now().UnixMilli()
	if err := s.db.UpdateHistoryState(account, jid, stanzaID, store.StateOutgoingUnsent, store.StateOutgoing, now); err != nil {
		s.logger.Error("failed to mark message sent", zap.Error(err), zap.String("stanza_id", stanzaID))
	}
	if err := s.db.MarkOutboxSent(account, stanzaID); err != nil {
		s.logger.Error("failed to mark outbox sent", zap.Error(err), zap.String("stanza_id", stanzaID))
	}
	s.logger.Info("message sent", zap.String("jid", jid), zap.String("stanza_id", stanzaID))
	s.b.Publish(bus.New("outbox.sent", map[string]string{"jid": jid, "stanza_id": stanzaID}))
}

func (s *Sender) fail(account, jid, stanzaID, reason string, cause error) {
	s.logger.Error("message send failed", zap.Error(cause),
		zap.String("jid", jid), zap.String("stanza_id", stanzaID), zap.String("reason", reason))
	if err := s.db.MarkOutgoingError(account, jid, stanzaID, "undefined-condition", reason); err != nil {
		s.logger.Error("failed to record send error", zap.Error(err), zap.String("stanza_id", stanzaID))
	}
	if err := s.db.MarkOutboxError(account, stanzaID, reason); err != nil {
		s.logger.Error("failed to mark outbox error", zap.Error(err), zap.String("stanza_id", stanzaID))
	}
	s.b.Publish(bus.New("outbox.failed", map[string]string{
		"jid": jid, "stanza_id": stanzaID, "reason": reason,
	}))
}

// appendPreviews repeats the ingestion pipeline's secondary extraction
// for a successfully sent plain message.
func (s *Sender) appendPreviews(account, jid, body string) {
	now := time.Now().UnixMilli()
	for _, u := range ingest.ExtractPreviewURLs(body) {
		item := &store.HistoryItem{
			Account:    account,
			JID:        jid,
			State:      store.StateOutgoing,
			Kind:       store.KindLinkPreview,
			Encryption: store.EncryptionNone,
			Body:       u,
			Timestamp:  now,
		}
		if _, _, err := s.db.AppendHistory(item); err != nil {
			s.logger.Error("failed to append link preview", zap.Error(err))
			continue
		}
		s.b.Publish(bus.New("history.appended", *item))
	}
}
