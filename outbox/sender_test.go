package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/jab/bus"
	"github.com/matheus3301/jab/omemo"
	"github.com/matheus3301/jab/store"
	"github.com/matheus3301/jab/xmpp"
)

var (
	account = xmpp.MustParseJID("me@example.com")
	peer    = xmpp.MustParseJID("peer@example.com")
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeTransport records sent stanzas and fails on demand.
type fakeTransport struct {
	mu    sync.Mutex
	state xmpp.ConnState
	err   error
	sent  []*xmpp.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: xmpp.StateConnected}
}

func (tr *fakeTransport) Send(_ context.Context, m *xmpp.Message) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.err != nil {
		return tr.err
	}
	tr.sent = append(tr.sent, m)
	return nil
}

func (tr *fakeTransport) State() xmpp.ConnState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.state
}

func (tr *fakeTransport) EnableCarbons(_ context.Context) error { return nil }

func (tr *fakeTransport) setState(s xmpp.ConnState) {
	tr.mu.Lock()
	tr.state = s
	tr.mu.Unlock()
}

func (tr *fakeTransport) setErr(err error) {
	tr.mu.Lock()
	tr.err = err
	tr.mu.Unlock()
}

func (tr *fakeTransport) sentMessages() []*xmpp.Message {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*xmpp.Message, len(tr.sent))
	copy(out, tr.sent)
	return out
}

// fakeCipher encodes by tagging the body, or refuses.
type fakeCipher struct {
	noTrustedDevice bool
}

func (c *fakeCipher) Decode(_ xmpp.JID, _ *xmpp.Message) omemo.DecodeResult {
	return omemo.DecodeResult{Outcome: omemo.OutcomeNotEncrypted}
}

func (c *fakeCipher) Encode(_ xmpp.JID, m *xmpp.Message) omemo.EncodeResult {
	if c.noTrustedDevice {
		return omemo.EncodeResult{NoTrustedDevice: true}
	}
	enc := *m
	enc.Body = ""
	enc.Protected = "sealed:" + m.Body
	return omemo.EncodeResult{Protected: &enc, Fingerprint: "local-fp"}
}

func (c *fakeCipher) LocalFingerprint(_ xmpp.JID) string { return "local-fp" }

// waitFor polls until cond holds or the test deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func historyState(t *testing.T, db *store.DB, stanzaID string) store.State {
	t.Helper()
	items, err := db.ListHistory(account.String(), peer.String(), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if it.StanzaID == stanzaID {
			return it.State
		}
	}
	return ""
}

func TestSendRecordsBeforeDelivery(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	tr.setState(xmpp.StateDisconnected)
	s := NewSender(db, tr, nil, bus.NewBus(), nil)

	id, err := s.Send(context.Background(), Options{Account: account, To: peer, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	// Durable record exists even though nothing could be delivered.
	if st := historyState(t, db, id); st != store.StateOutgoingUnsent {
		t.Errorf("state = %s, want outgoing_unsent", st)
	}
	pending, err := db.PendingOutbox(account.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].StanzaID != id {
		t.Errorf("pending = %+v", pending)
	}
	if len(tr.sentMessages()) != 0 {
		t.Error("stanza hit the wire while disconnected")
	}
}

func TestSendDeliversWhenConnected(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	s := NewSender(db, tr, nil, bus.NewBus(), nil)

	id, err := s.Send(context.Background(), Options{Account: account, To: peer, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "acknowledged send", func() bool {
		return historyState(t, db, id) == store.StateOutgoing
	})

	sent := tr.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d stanzas, want 1", len(sent))
	}
	m := sent[0]
	if m.ID != id || m.Body != "hi" || m.To.String() != peer.String() || m.EffectiveType() != xmpp.TypeChat {
		t.Errorf("sent stanza = %+v", m)
	}
	pending, _ := db.PendingOutbox(account.String())
	if len(pending) != 0 {
		t.Errorf("pending after ack = %+v", pending)
	}
}

func TestSendEmptyRejected(t *testing.T) {
	s := NewSender(testDB(t), newFakeTransport(), nil, bus.NewBus(), nil)
	if _, err := s.Send(context.Background(), Options{Account: account, To: peer}); err == nil {
		t.Error("empty message accepted")
	}
}

func TestConnectionGoneKeepsUnsent(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	tr.setErr(xmpp.ErrConnectionGone)
	b := bus.NewBus()
	s := NewSender(db, tr, nil, b, nil)

	failed, unsubFailed := b.Subscribe("outbox.failed", 1)
	defer unsubFailed()

	id, err := s.Send(context.Background(), Options{Account: account, To: peer, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	// The attempt must leave the record retryable, not failed.
	waitFor(t, "attempt to settle", func() bool {
		pending, err := db.PendingOutbox(account.String())
		return err == nil && len(pending) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if st := historyState(t, db, id); st != store.StateOutgoingUnsent {
		t.Errorf("state = %s, want outgoing_unsent", st)
	}
	select {
	case evt := <-failed:
		t.Errorf("failure published for a retryable error: %+v", evt)
	default:
	}
}

func TestSendErrorMarksFailed(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	tr.setErr(errors.New("stream error"))
	s := NewSender(db, tr, nil, bus.NewBus(), nil)

	id, err := s.Send(context.Background(), Options{Account: account, To: peer, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "terminal failure", func() bool {
		return historyState(t, db, id) == store.StateOutgoingError
	})

	items, _ := db.ListHistory(account.String(), peer.String(), 0, 10)
	if items[0].ErrorCondition != "undefined-condition" || items[0].ErrorMessage != reasonSendFailed {
		t.Errorf("error details = %q %q", items[0].ErrorCondition, items[0].ErrorMessage)
	}
	pending, _ := db.PendingOutbox(account.String())
	if len(pending) != 0 {
		t.Errorf("failed entry still pending: %+v", pending)
	}
}

func TestResendPreservesIdentity(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	tr.setState(xmpp.StateDisconnected)
	s := NewSender(db, tr, nil, bus.NewBus(), nil)

	id, err := s.Send(context.Background(), Options{
		Account: account, To: peer, Body: "hi", Timestamp: 12345,
	})
	if err != nil {
		t.Fatal(err)
	}

	tr.setState(xmpp.StateConnected)
	s.ResendUnsent(context.Background(), account)

	waitFor(t, "resent message", func() bool {
		return historyState(t, db, id) == store.StateOutgoing
	})

	sent := tr.sentMessages()
	if len(sent) != 1 || sent[0].ID != id {
		t.Fatalf("sent = %+v, want original stanza id %s", sent, id)
	}
	// Resume must not duplicate the durable record.
	items, _ := db.ListHistory(account.String(), peer.String(), 0, 10)
	if len(items) != 1 {
		t.Errorf("resend duplicated history: %+v", items)
	}
}

func TestResendDetectsAttachmentBody(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	tr.setState(xmpp.StateDisconnected)
	s := NewSender(db, tr, nil, bus.NewBus(), nil)

	url := "https://files.example.com/a.png"
	id, err := s.Send(context.Background(), Options{Account: account, To: peer, Body: url, OOBURL: url})
	if err != nil {
		t.Fatal(err)
	}

	tr.setState(xmpp.StateConnected)
	s.ResendUnsent(context.Background(), account)

	waitFor(t, "resent attachment", func() bool {
		return historyState(t, db, id) == store.StateOutgoing
	})

	sent := tr.sentMessages()
	if len(sent) != 1 || sent[0].OOBURL != url {
		t.Errorf("resent stanza lost out-of-band URL: %+v", sent)
	}
	// No link-preview item alongside the attachment.
	items, _ := db.ListHistory(account.String(), peer.String(), 0, 10)
	if len(items) != 1 || items[0].Kind != store.KindAttachment {
		t.Errorf("items = %+v", items)
	}
}

func TestReconnectTriggersResend(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	tr.setState(xmpp.StateDisconnected)
	b := bus.NewBus()
	s := NewSender(db, tr, nil, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	id, err := s.Send(ctx, Options{Account: account, To: peer, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	tr.setState(xmpp.StateConnected)
	b.Publish(bus.New(xmpp.KindSessionEstablished, xmpp.SessionEstablished{Account: account}))

	waitFor(t, "resend on session establishment", func() bool {
		return historyState(t, db, id) == store.StateOutgoing
	})
}

func TestEncryptedSend(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	s := NewSender(db, tr, &fakeCipher{}, bus.NewBus(), nil)

	id, err := s.Send(context.Background(), Options{
		Account: account, To: peer, Body: "secret", Encryption: EncryptionOMEMO,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "encrypted send", func() bool {
		return historyState(t, db, id) == store.StateOutgoing
	})

	sent := tr.sentMessages()
	if len(sent) != 1 || sent[0].Protected != "sealed:secret" || sent[0].Body != "" {
		t.Errorf("sent = %+v", sent)
	}
	// Local history keeps the plaintext with the local fingerprint.
	items, _ := db.ListHistory(account.String(), peer.String(), 0, 10)
	if items[0].Body != "secret" || items[0].Encryption != store.EncryptionDecrypted || items[0].Fingerprint != "local-fp" {
		t.Errorf("history = %+v", items[0])
	}
}

func TestEncryptedSendNoTrustedDevice(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	s := NewSender(db, tr, &fakeCipher{noTrustedDevice: true}, bus.NewBus(), nil)

	id, err := s.Send(context.Background(), Options{
		Account: account, To: peer, Body: "secret", Encryption: EncryptionOMEMO,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "terminal failure", func() bool {
		return historyState(t, db, id) == store.StateOutgoingError
	})

	items, _ := db.ListHistory(account.String(), peer.String(), 0, 10)
	if items[0].ErrorMessage != reasonNoTrustedDevice {
		t.Errorf("reason = %q", items[0].ErrorMessage)
	}
	if len(tr.sentMessages()) != 0 {
		t.Error("stanza hit the wire without a trusted device")
	}
}

func TestSentPlainMessageGetsPreviews(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	s := NewSender(db, tr, nil, bus.NewBus(), nil)

	_, err := s.Send(context.Background(), Options{
		Account: account, To: peer, Body: "see https://example.com/page",
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "preview item", func() bool {
		items, err := db.ListHistory(account.String(), peer.String(), 0, 10)
		if err != nil {
			return false
		}
		for _, it := range items {
			if it.Kind == store.KindLinkPreview && it.Body == "https://example.com/page" {
				return true
			}
		}
		return false
	})
}

func TestPerPeerOrderPreserved(t *testing.T) {
	db := testDB(t)
	tr := newFakeTransport()
	s := NewSender(db, tr, nil, bus.NewBus(), nil)

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		id, err := s.Send(context.Background(), Options{Account: account, To: peer, Body: body})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	waitFor(t, "all sends", func() bool { return len(tr.sentMessages()) == 3 })

	for i, m := range tr.sentMessages() {
		if m.ID != ids[i] {
			t.Fatalf("delivery order %v, want %v", tr.sentMessages(), ids)
		}
	}
}
