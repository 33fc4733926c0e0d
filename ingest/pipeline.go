// Package ingest classifies inbound message traffic from direct
// delivery, carbon copies and archive replay into idempotent history
// writes.
package ingest

import (
	"context"

	"github.com/matheus3301/jab/bus"
	"github.com/matheus3301/jab/omemo"
	"github.com/matheus3301/jab/store"
	"github.com/matheus3301/jab/xmpp"
	"go.uber.org/zap"
)

// Source tags where an inbound event came from.
type Source string

const (
	SourceDirect  Source = "direct"
	SourceCarbon  Source = "carbon"
	SourceArchive Source = "archive"
)

// Placeholder bodies stored when decryption cannot produce plaintext.
const (
	notForDeviceBody  = "Message was not encrypted for this device."
	decryptFailedBody = "Message decryption failed!"
)

const carbonsFeature = "urn:xmpp:carbons:2"

// Pipeline turns parsed inbound events into history writes. It keeps no
// state of its own; all persistence goes through the store, so replays
// and duplicate deliveries are absorbed by the history dedup invariant.
type Pipeline struct {
	db        *store.DB
	cipher    omemo.Cipher
	transport xmpp.Transport
	b         *bus.Bus
	logger    *zap.Logger

	carbonsEnabled bool

	cancel context.CancelFunc
}

// NewPipeline creates the ingestion pipeline. cipher and transport may
// be nil when encryption or carbons auto-enable are not in use.
func NewPipeline(db *store.DB, cipher omemo.Cipher, transport xmpp.Transport, b *bus.Bus, carbonsEnabled bool, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		db:             db,
		cipher:         cipher,
		transport:      transport,
		b:              b,
		logger:         logger,
		carbonsEnabled: carbonsEnabled,
	}
}

// Start subscribes to inbound transport events on the bus. Events are
// drained on a single goroutine, so ingestion never interleaves.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.b.Subscribe("xmpp.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				p.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the pipeline.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case xmpp.KindMessage:
		e, ok := evt.Payload.(xmpp.MessageReceived)
		if !ok {
			return
		}
		p.HandleDirect(e.Account, e.Message)
	case xmpp.KindCarbon:
		e, ok := evt.Payload.(xmpp.CarbonCopy)
		if !ok {
			return
		}
		p.HandleCarbon(e.Account, e.Message)
	case xmpp.KindArchiveItem:
		e, ok := evt.Payload.(xmpp.ArchiveItem)
		if !ok {
			return
		}
		p.HandleArchived(e.Account, e.Message, e.Timestamp.UnixMilli())
	case xmpp.KindReceipt:
		e, ok := evt.Payload.(xmpp.Receipt)
		if !ok {
			return
		}
		p.HandleReceipt(e.Account, e.From, e.MessageID)
	case xmpp.KindServerFeatures:
		e, ok := evt.Payload.(xmpp.ServerFeatures)
		if !ok {
			return
		}
		p.handleServerFeatures(ctx, e)
	case xmpp.KindOMEMOAvailability:
		e, ok := evt.Payload.(xmpp.OMEMOAvailability)
		if !ok {
			return
		}
		p.b.Publish(bus.New("omemo.availability_changed", e))
	}
}

// resolved is the outcome of body/encryption resolution for one stanza.
type resolved struct {
	body        string
	encryption  store.Encryption
	fingerprint string
}

// resolveBody determines the effective body text and encryption outcome
// for a stanza. ok=false means the event must be suppressed: an empty
// error bounce addressed to the bare account, a replayed duplicate, or
// a stanza with nothing to store.
func (p *Pipeline) resolveBody(account xmpp.JID, m *xmpp.Message) (resolved, bool) {
	r := resolved{encryption: store.EncryptionNone}

	if m.IsError() {
		if m.Body == "" {
			if m.To.IsBare() {
				// An error bounce without content: signals delivery
				// failure of our own stanza, not a message.
				return r, false
			}
			r.body = ""
			return r, true
		}
		r.body = m.Body
		return r, true
	}

	var errorBody string
	if p.cipher != nil {
		switch res := p.cipher.Decode(account, m); res.Outcome {
		case omemo.OutcomeDecrypted:
			r.body = res.Plaintext
			r.encryption = store.EncryptionDecrypted
			r.fingerprint = res.Fingerprint
			return r, true
		case omemo.OutcomeNotForDevice:
			errorBody = notForDeviceBody
			r.encryption = store.EncryptionNotForDevice
		case omemo.OutcomeDuplicate:
			direction := store.DirectionIncoming
			if account.BareEquals(m.From) {
				direction = store.DirectionOutgoing
			}
			exists, err := p.db.HistoryExists(account.Bare().String(), m.From.Bare().String(), m.ID, direction)
			if err == nil && exists {
				return r, false
			}
		case omemo.OutcomeFailed:
			errorBody = decryptFailedBody
			r.encryption = store.EncryptionFailed
		case omemo.OutcomeNotEncrypted:
			// Fall through to the declared body.
		}
	}

	switch {
	case m.Body != "":
		r.body = m.Body
	case m.OOBURL != "":
		r.body = m.OOBURL
	case errorBody != "":
		r.body = errorBody
	default:
		return r, false
	}
	return r, true
}

// classifyKind marks the item as an attachment when the out-of-band URL
// equals the resolved body exactly.
func classifyKind(m *xmpp.Message, body string) store.ItemKind {
	if m.OOBURL != "" && m.OOBURL == body {
		return store.KindAttachment
	}
	return store.KindMessage
}

// calculateState maps (direction, error, unread) onto a delivery state.
func calculateState(direction store.Direction, isErr, unread bool) store.State {
	if direction == store.DirectionIncoming {
		if isErr {
			if unread {
				return store.StateIncomingErrorUnread
			}
			return store.StateIncomingError
		}
		if unread {
			return store.StateIncomingUnread
		}
		return store.StateIncoming
	}
	if isErr {
		if unread {
			return store.StateOutgoingErrorUnread
		}
		return store.StateOutgoingError
	}
	return store.StateOutgoing
}

// HandleDirect ingests a message delivered directly to this client.
func (p *Pipeline) HandleDirect(account xmpp.JID, m *xmpp.Message) {
	if m.From.IsZero() || account.IsZero() {
		p.logger.Warn("direct message without addressing, dropped")
		return
	}

	r, ok := p.resolveBody(account, m)
	if !ok {
		return
	}

	ts := m.Timestamp().UnixMilli()
	state := calculateState(store.DirectionIncoming, m.IsError(), true)
	kind := classifyKind(m, r.body)
	jid := m.From.Bare().String()

	var authorNick, recipientNick string
	room := p.room(account, jid)
	if room != nil {
		authorNick = m.From.Resource
		recipientNick = room.Nickname
	}

	inserted := p.append(&store.HistoryItem{
		Account:           account.Bare().String(),
		JID:               jid,
		AuthorNickname:    authorNick,
		RecipientNickname: recipientNick,
		StanzaID:          m.ID,
		State:             state,
		Kind:              kind,
		Encryption:        r.encryption,
		Fingerprint:       r.fingerprint,
		ErrorCondition:    m.ErrorCondition,
		ErrorMessage:      m.ErrorText,
		Body:              r.body,
		Timestamp:         ts,
	})
	if inserted {
		p.extractPreviews(account.Bare().String(), jid, authorNick, recipientNick, state, r, ts, kind)
	}
}

// HandleCarbon ingests a carbon copy of the account's own traffic on
// another device.
func (p *Pipeline) HandleCarbon(account xmpp.JID, m *xmpp.Message) {
	if m.From.IsZero() || m.To.IsZero() || account.IsZero() {
		p.logger.Warn("carbon without addressing, dropped")
		return
	}

	r, ok := p.resolveBody(account, m)
	if !ok {
		return
	}

	direction := store.DirectionIncoming
	jid := m.From.Bare().String()
	if account.BareEquals(m.From) {
		direction = store.DirectionOutgoing
		jid = m.To.Bare().String()
	}

	// Carbons must not copy private messages exchanged inside a room:
	// those arrive on their own direct path.
	if p.room(account, jid) != nil {
		return
	}

	ts := m.Timestamp().UnixMilli()
	state := calculateState(direction, m.IsError(), true)
	kind := classifyKind(m, r.body)

	inserted := p.append(&store.HistoryItem{
		Account:        account.Bare().String(),
		JID:            jid,
		StanzaID:       m.ID,
		State:          state,
		Kind:           kind,
		Encryption:     r.encryption,
		Fingerprint:    r.fingerprint,
		ErrorCondition: m.ErrorCondition,
		ErrorMessage:   m.ErrorText,
		Body:           r.body,
		Timestamp:      ts,
	})

	// A copy of our own outgoing message means the conversation was
	// read on the sending device.
	if direction == store.DirectionOutgoing {
		if err := p.db.MarkRead(account.Bare().String(), jid, ts); err != nil {
			p.logger.Error("failed to mark read after carbon", zap.Error(err))
		}
	}

	if inserted {
		p.extractPreviews(account.Bare().String(), jid, "", "", state, r, ts, kind)
	}
}

// HandleArchived ingests one replayed archive item. Replayed items are
// never unread, and room attribution is remapped against the live room
// nickname at replay time.
func (p *Pipeline) HandleArchived(account xmpp.JID, m *xmpp.Message, ts int64) {
	if m.From.IsZero() || m.To.IsZero() || account.IsZero() {
		p.logger.Warn("archive item without addressing, dropped")
		return
	}

	r, ok := p.resolveBody(account, m)
	if !ok {
		return
	}

	direction := store.DirectionIncoming
	jid := m.From.Bare().String()
	if account.BareEquals(m.From) {
		direction = store.DirectionOutgoing
		jid = m.To.Bare().String()
	}

	state := calculateState(direction, m.IsError(), false)
	kind := classifyKind(m, r.body)

	var authorNick, recipientNick string
	if room := p.room(account, jid); room != nil {
		// Replay direction is decided by the current room nickname,
		// not the nickname at original send time.
		if room.Nickname == m.From.Resource {
			state = calculateState(store.DirectionOutgoing, m.IsError(), false)
		} else {
			state = calculateState(store.DirectionIncoming, m.IsError(), false)
		}
		if state.Direction() == store.DirectionIncoming {
			authorNick = m.From.Resource
			recipientNick = room.Nickname
		} else {
			authorNick = room.Nickname
			recipientNick = m.To.Resource
		}
	}

	inserted := p.append(&store.HistoryItem{
		Account:           account.Bare().String(),
		JID:               jid,
		AuthorNickname:    authorNick,
		RecipientNickname: recipientNick,
		StanzaID:          m.ID,
		State:             state,
		Kind:              kind,
		Encryption:        r.encryption,
		Fingerprint:       r.fingerprint,
		ErrorCondition:    m.ErrorCondition,
		ErrorMessage:      m.ErrorText,
		Body:              r.body,
		Timestamp:         ts,
	})
	if inserted {
		p.extractPreviews(account.Bare().String(), jid, authorNick, recipientNick, state, r, ts, kind)
	}
}

// HandleReceipt marks an outgoing item as delivered.
func (p *Pipeline) HandleReceipt(account, from xmpp.JID, messageID string) {
	if from.IsZero() || messageID == "" {
		return
	}
	err := p.db.UpdateHistoryState(account.Bare().String(), from.Bare().String(), messageID,
		store.StateOutgoing, store.StateOutgoingDelivered, 0)
	if err != nil {
		p.logger.Error("failed to apply delivery receipt", zap.Error(err), zap.String("message_id", messageID))
		return
	}
	p.b.Publish(bus.New("history.updated", store.HistoryItem{
		Account:  account.Bare().String(),
		JID:      from.Bare().String(),
		StanzaID: messageID,
		State:    store.StateOutgoingDelivered,
	}))
}

func (p *Pipeline) handleServerFeatures(ctx context.Context, e xmpp.ServerFeatures) {
	if !p.carbonsEnabled || p.transport == nil {
		return
	}
	for _, f := range e.Features {
		if f == carbonsFeature {
			if err := p.transport.EnableCarbons(ctx); err != nil {
				p.logger.Warn("failed to enable carbons", zap.Error(err))
			}
			return
		}
	}
}

// room returns the conversation when it is a known group chat, else nil.
func (p *Pipeline) room(account xmpp.JID, jid string) *store.Conversation {
	conv, err := p.db.GetConversation(account.Bare().String(), jid)
	if err != nil || conv == nil || conv.Kind != store.ConversationRoom {
		return nil
	}
	return conv
}

// append persists the item and reports whether a row was actually
// written; false means the delivery was absorbed as a duplicate.
func (p *Pipeline) append(item *store.HistoryItem) bool {
	_, inserted, err := p.db.AppendHistory(item)
	if err != nil {
		p.logger.Error("failed to append history item", zap.Error(err),
			zap.String("jid", item.JID), zap.String("stanza_id", item.StanzaID))
		return false
	}
	if !inserted {
		// Duplicate delivery absorbed.
		return false
	}
	if err := p.db.TouchConversation(item.Account, item.JID, item.Timestamp, preview(item.Body), item.State.IsUnread()); err != nil {
		p.logger.Error("failed to update conversation", zap.Error(err), zap.String("jid", item.JID))
	}
	p.b.Publish(bus.New("history.appended", *item))
	return true
}

// extractPreviews appends auxiliary link-preview items for URLs and
// postal addresses found in a plain non-error message. Best effort.
func (p *Pipeline) extractPreviews(account, jid, authorNick, recipientNick string, state store.State, r resolved, ts int64, kind store.ItemKind) {
	if kind != store.KindMessage || state.IsError() {
		return
	}
	for _, u := range ExtractPreviewURLs(r.body) {
		p.append(&store.HistoryItem{
			Account:           account,
			JID:               jid,
			AuthorNickname:    authorNick,
			RecipientNickname: recipientNick,
			State:             state,
			Kind:              store.KindLinkPreview,
			Encryption:        r.encryption,
			Fingerprint:       r.fingerprint,
			Body:              u,
			Timestamp:         ts,
		})
	}
}

func preview(s string) string {
	const max = 100
	if len(s) <= max {
		return s
	}
	return s[:max]
}
