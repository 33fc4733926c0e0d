// Package omemo defines the interface to the opaque end-to-end
// encryption service. Implementations wrap an external OMEMO library;
// the core only consumes decode/encode outcomes.
package omemo

import "github.com/matheus3301/jab/xmpp"

// DecodeOutcome classifies the result of decoding an inbound message.
type DecodeOutcome int

const (
	// OutcomeNotEncrypted means the stanza carried no encrypted payload;
	// callers fall through to the declared body.
	OutcomeNotEncrypted DecodeOutcome = iota
	// OutcomeDecrypted means plaintext was recovered.
	OutcomeDecrypted
	// OutcomeNotForDevice means the payload was not addressed to this device.
	OutcomeNotForDevice
	// OutcomeDuplicate means the ratchet already consumed this message;
	// the replay-detection guard.
	OutcomeDuplicate
	// OutcomeFailed means decryption failed for any other reason.
	OutcomeFailed
)

// DecodeResult is the outcome of Cipher.Decode.
type DecodeResult struct {
	Outcome     DecodeOutcome
	Plaintext   string
	Fingerprint string
}

// EncodeResult is the outcome of Cipher.Encode.
type EncodeResult struct {
	// Protected is the encrypted stanza ready for transport.
	Protected   *xmpp.Message
	Fingerprint string

	// NoTrustedDevice is set when encryption failed because the peer
	// has no trusted device to address.
	NoTrustedDevice bool
	Err             error
}

// Cipher is the opaque encode/decode service for one account.
type Cipher interface {
	Decode(account xmpp.JID, m *xmpp.Message) DecodeResult
	Encode(account xmpp.JID, m *xmpp.Message) EncodeResult

	// LocalFingerprint returns the account's own identity fingerprint,
	// recorded on locally authored encrypted messages.
	LocalFingerprint(account xmpp.JID) string
}
