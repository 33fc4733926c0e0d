// Package calls manages Jingle call sessions: per-(account, peer,
// session-id) state machines driven by signaling events and presence
// changes.
package calls

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/jab/bus"
	"github.com/matheus3301/jab/xmpp"
	"go.uber.org/zap"
)

// ErrUnsupportedPeer means the peer does not advertise the baseline
// call features; initiation must not proceed.
var ErrUnsupportedPeer = errors.New("peer does not support calls")

// Signaler sends Jingle signaling through the transport layer.
type Signaler interface {
	SendOffer(ctx context.Context, account, peer xmpp.JID, sid string, desc xmpp.SessionDescription) error
	SendAnswer(ctx context.Context, account, peer xmpp.JID, sid string, desc xmpp.SessionDescription) error
	SendCandidates(ctx context.Context, account, peer xmpp.JID, sid, content string, cands []xmpp.Candidate) error
	SendTerminate(ctx context.Context, account, peer xmpp.JID, sid, reason string) error
}

// Incoming is published on the bus when a remote offer arrives; the
// surrounding application decides accept or decline.
type Incoming struct {
	Account     xmpp.JID
	Peer        xmpp.JID
	SID         string
	Description xmpp.SessionDescription
}

// StateChange is published on each session state transition.
type StateChange struct {
	Account xmpp.JID
	Peer    xmpp.JID
	SID     string
	State   SessionState
}

type sessionKey struct {
	account string
	peer    string
	sid     string
}

// Manager owns the set of live call sessions for a client. All mutation
// of the collection happens under one lock; signaling I/O runs outside
// it.
type Manager struct {
	signaler Signaler
	features FeatureSource
	b        *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session

	cancel context.CancelFunc
}

// NewManager creates the call session manager.
func NewManager(signaler Signaler, features FeatureSource, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		signaler: signaler,
		features: features,
		b:        b,
		logger:   logger,
		sessions: make(map[sessionKey]*Session),
	}
}

// Start subscribes to Jingle signaling and presence events. Both funnel
// through one goroutine, so a presence teardown and an inbound answer
// for the same session never race.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	jingleCh, unsubJingle := m.b.Subscribe("xmpp.jingle.", 64)
	presenceCh, unsubPresence := m.b.Subscribe(xmpp.KindPresence, 64)

	go func() {
		defer unsubJingle()
		defer unsubPresence()
		for {
			select {
			case evt := <-jingleCh:
				m.handleJingle(ctx, evt)
			case evt := <-presenceCh:
				if e, ok := evt.Payload.(xmpp.PresenceChanged); ok && !e.Available {
					m.TerminatePeer(e.Account, e.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event listener. Live sessions are left to explicit
// termination by the application.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) handleJingle(ctx context.Context, evt bus.Event) {
	switch e := evt.Payload.(type) {
	case xmpp.JingleOffer:
		m.handleOffer(e)
	case xmpp.JingleAnswer:
		sess := m.Get(e.Account, e.From, e.SID)
		if sess == nil {
			return
		}
		if err := sess.applyAnswer(e.Description); err != nil {
			m.logger.Warn("rejected call answer", zap.Error(err), zap.String("sid", e.SID))
			return
		}
		m.publishState(sess)
	case xmpp.JingleCandidates:
		sess := m.Get(e.Account, e.From, e.SID)
		if sess == nil {
			return
		}
		for _, c := range e.Candidates {
			sess.AddCandidate(e.Content, c)
		}
	case xmpp.JingleTerminate:
		sess := m.Get(e.Account, e.From, e.SID)
		if sess == nil {
			return
		}
		m.remove(sess)
		if sess.terminate() {
			m.publishState(sess)
		}
	}
}

func (m *Manager) handleOffer(e xmpp.JingleOffer) {
	sess, created := m.open(e.Account, e.From, e.SID, RoleResponder, StateOffered)
	if !created {
		return
	}
	sess.mu.Lock()
	sess.remote = &e.Description
	sess.mu.Unlock()

	m.logger.Info("incoming call",
		zap.String("peer", e.From.String()), zap.String("sid", e.SID))
	m.b.Publish(bus.New("call.incoming", Incoming{
		Account:     e.Account,
		Peer:        e.From,
		SID:         e.SID,
		Description: e.Description,
	}))
}

// Get returns the live session for (account, peer, sid), or nil.
func (m *Manager) Get(account, peer xmpp.JID, sid string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key(account, peer, sid)]
}

// open registers a session, returning the existing one when the key is
// already live. The bool reports whether a new session was created.
func (m *Manager) open(account, peer xmpp.JID, sid string, role Role, state SessionState) (*Session, bool) {
	k := key(account, peer, sid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[k]; ok {
		return existing, false
	}
	sess := newSession(account.Bare(), peer, sid, role, state)
	m.sessions[k] = sess
	return sess, true
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	delete(m.sessions, key(sess.account, sess.peer, sess.sid))
	m.mu.Unlock()
}

// Initiate opens an outbound session and sends the offer. Initiation
// for an already-registered key returns the existing session without
// resending. The peer must advertise the baseline call features.
func (m *Manager) Initiate(ctx context.Context, account, peer xmpp.JID, sid string, desc xmpp.SessionDescription) (*Session, error) {
	if len(m.Support(account, peer)) == 0 {
		return nil, ErrUnsupportedPeer
	}
	if sid == "" {
		sid = uuid.NewString()
	}

	sess, created := m.open(account, peer, sid, RoleInitiator, StateInitiating)
	if !created {
		return sess, nil
	}
	sess.mu.Lock()
	sess.local = &desc
	sess.mu.Unlock()

	if err := m.signaler.SendOffer(ctx, account, peer, sid, desc); err != nil {
		m.remove(sess)
		sess.terminate()
		return nil, err
	}
	m.logger.Info("call initiated",
		zap.String("peer", peer.String()), zap.String("sid", sid))
	m.publishState(sess)
	return sess, nil
}

// Accept answers an inbound offer and moves the session to negotiating.
func (m *Manager) Accept(ctx context.Context, sess *Session, desc xmpp.SessionDescription) error {
	if err := sess.accept(desc); err != nil {
		return err
	}
	if err := m.signaler.SendAnswer(ctx, sess.account, sess.peer, sess.sid, desc); err != nil {
		return err
	}
	m.publishState(sess)
	return nil
}

// Decline rejects an inbound offer and tears the session down.
func (m *Manager) Decline(ctx context.Context, sess *Session) error {
	return m.Terminate(ctx, sess, "decline")
}

// SendCandidates forwards locally gathered candidates for a content
// stream to the peer.
func (m *Manager) SendCandidates(ctx context.Context, sess *Session, content string, cands []xmpp.Candidate) error {
	return m.signaler.SendCandidates(ctx, sess.account, sess.peer, sess.sid, content, cands)
}

// Terminate ends a session: signals the peer, releases the media handle
// exactly once and removes the session. A no-op when already terminated.
func (m *Manager) Terminate(ctx context.Context, sess *Session, reason string) error {
	m.remove(sess)
	if !sess.terminate() {
		return nil
	}
	m.publishState(sess)
	if err := m.signaler.SendTerminate(ctx, sess.account, sess.peer, sess.sid, reason); err != nil {
		// The session is already gone locally; signaling failure is
		// logged, not escalated.
		m.logger.Warn("failed to signal terminate", zap.Error(err), zap.String("sid", sess.sid))
	}
	return nil
}

// TerminatePeer force-terminates every session with the given peer,
// regardless of state. Triggered by presence going unavailable.
func (m *Manager) TerminatePeer(account, peer xmpp.JID) {
	m.mu.Lock()
	var toClose []*Session
	for k, sess := range m.sessions {
		if sess.account.BareEquals(account) && sess.peer.BareEquals(peer) {
			toClose = append(toClose, sess)
			delete(m.sessions, k)
		}
	}
	m.mu.Unlock()

	for _, sess := range toClose {
		if sess.terminate() {
			m.logger.Info("call torn down, peer went offline",
				zap.String("peer", sess.peer.String()), zap.String("sid", sess.sid))
			m.publishState(sess)
		}
	}
}

// ActiveSessionID returns the sid of any live session with the peer,
// or empty when none exists.
func (m *Manager) ActiveSessionID(account, peer xmpp.JID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.account.BareEquals(account) && sess.peer.BareEquals(peer) {
			return sess.sid
		}
	}
	return ""
}

func (m *Manager) publishState(sess *Session) {
	m.b.Publish(bus.New("call.state_changed", StateChange{
		Account: sess.account,
		Peer:    sess.peer,
		SID:     sess.sid,
		State:   sess.State(),
	}))
}

func key(account, peer xmpp.JID, sid string) sessionKey {
	return sessionKey{
		account: account.Bare().String(),
		peer:    peer.String(),
		sid:     sid,
	}
}
