package calls

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/jab/xmpp"
)

// SessionState is the negotiation state of a call session.
type SessionState string

const (
	StateInitiating  SessionState = "initiating"  // local offer sent, awaiting answer
	StateOffered     SessionState = "offered"     // remote offer received, awaiting decision
	StateNegotiating SessionState = "negotiating" // answer exchanged, gathering candidates
	StateActive      SessionState = "active"      // media flowing
	StateTerminated  SessionState = "terminated"  // terminal
)

// validTransitions defines allowed state transitions. Terminate is
// handled separately: every state may move to terminated.
var validTransitions = map[SessionState][]SessionState{
	StateInitiating:  {StateNegotiating},
	StateOffered:     {StateNegotiating},
	StateNegotiating: {StateActive},
	StateActive:      {},
	StateTerminated:  {},
}

// Role distinguishes which side opened the session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// PeerConnection is the opaque media handle owned by a session. It is
// released exactly once, on termination.
type PeerConnection interface {
	AddCandidate(content string, c xmpp.Candidate) error
	Close() error
}

// Session is one call negotiation keyed by (account, peer, sid).
type Session struct {
	account xmpp.JID
	peer    xmpp.JID
	sid     string
	role    Role

	mu         sync.Mutex
	state      SessionState
	local      *xmpp.SessionDescription
	remote     *xmpp.SessionDescription
	candidates map[string][]xmpp.Candidate
	pc         PeerConnection
	released   bool
}

func newSession(account, peer xmpp.JID, sid string, role Role, state SessionState) *Session {
	return &Session{
		account:    account,
		peer:       peer,
		sid:        sid,
		role:       role,
		state:      state,
		candidates: make(map[string][]xmpp.Candidate),
	}
}

// Account returns the owning account's bare JID.
func (s *Session) Account() xmpp.JID { return s.account }

// Peer returns the remote party's JID.
func (s *Session) Peer() xmpp.JID { return s.peer }

// SID returns the session id.
func (s *Session) SID() string { return s.sid }

// Role returns which side opened the session.
func (s *Session) Role() Role { return s.role }

// State returns the current negotiation state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalDescription returns the locally accepted media description.
func (s *Session) LocalDescription() *xmpp.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteDescription returns the remotely accepted media description.
func (s *Session) RemoteDescription() *xmpp.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) transition(to SessionState) error {
	if !slices.Contains(validTransitions[s.state], to) {
		return fmt.Errorf("invalid call transition from %s to %s", s.state, to)
	}
	s.state = to
	return nil
}

// applyAnswer records the remote description. Valid only while
// initiating or negotiating.
func (s *Session) applyAnswer(desc xmpp.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitiating && s.state != StateNegotiating {
		return fmt.Errorf("answer in state %s", s.state)
	}
	s.remote = &desc
	if s.state == StateInitiating {
		return s.transition(StateNegotiating)
	}
	return nil
}

// accept records the local description for an inbound offer and moves
// the session to negotiating.
func (s *Session) accept(desc xmpp.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOffered {
		return fmt.Errorf("accept in state %s", s.state)
	}
	s.local = &desc
	return s.transition(StateNegotiating)
}

// AddCandidate appends a candidate to the named content stream. When
// the peer connection is not ready yet the candidate is buffered and
// flushed on SetPeerConnection. Candidates are accepted in any state.
func (s *Session) AddCandidate(content string, c xmpp.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	if s.pc != nil {
		_ = s.pc.AddCandidate(content, c)
		return
	}
	s.candidates[content] = append(s.candidates[content], c)
}

// Candidates returns the buffered candidates for a content stream.
func (s *Session) Candidates(content string) []xmpp.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.candidates[content])
}

// SetPeerConnection attaches the media handle and flushes buffered
// candidates into it. A session already terminated closes the handle
// immediately.
func (s *Session) SetPeerConnection(pc PeerConnection) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		_ = pc.Close()
		return
	}
	s.pc = pc
	buffered := s.candidates
	s.candidates = make(map[string][]xmpp.Candidate)
	s.mu.Unlock()

	for content, cands := range buffered {
		for _, c := range cands {
			_ = pc.AddCandidate(content, c)
		}
	}
}

// MarkActive records that media is flowing.
func (s *Session) MarkActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateActive)
}

// terminate moves the session to terminated and releases the peer
// connection exactly once. Returns false when already terminated.
func (s *Session) terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated && s.released {
		return false
	}
	s.state = StateTerminated
	if !s.released {
		s.released = true
		if s.pc != nil {
			_ = s.pc.Close()
			s.pc = nil
		}
	}
	return true
}
