package xmpp

// Content names one media stream inside a session description.
type Content struct {
	Name  string
	Media string // audio, video, filetransfer
}

// SessionDescription is an offer or answer for a call session. The SDP
// payload is opaque to the core; only content names are inspected.
type SessionDescription struct {
	SDP      string
	Contents []Content
}

// Candidate is a single ICE transport candidate for a named content stream.
type Candidate struct {
	ID  string
	SDP string
}

// JingleOffer is an inbound session-initiate.
type JingleOffer struct {
	Account     JID
	From        JID
	SID         string
	Description SessionDescription
}

// JingleAnswer is an inbound session-accept.
type JingleAnswer struct {
	Account     JID
	From        JID
	SID         string
	Description SessionDescription
}

// JingleCandidates is an inbound transport-info carrying candidates
// for one content stream.
type JingleCandidates struct {
	Account    JID
	From       JID
	SID        string
	Content    string
	Candidates []Candidate
}

// JingleTerminate is an inbound session-terminate.
type JingleTerminate struct {
	Account JID
	From    JID
	SID     string
	Reason  string
}
