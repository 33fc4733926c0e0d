package calls

import "github.com/matheus3301/jab/xmpp"

// Jingle feature identifiers used for capability negotiation.
const (
	featureJingle       = "urn:xmpp:jingle:1"
	featureICEUDP       = "urn:xmpp:jingle:transports:ice-udp:1"
	featureDTLS         = "urn:xmpp:jingle:apps:dtls:0"
	featureRTP          = "urn:xmpp:jingle:apps:rtp:1"
	featureRTPAudio     = "urn:xmpp:jingle:apps:rtp:audio"
	featureRTPVideo     = "urn:xmpp:jingle:apps:rtp:video"
	featureFileTransfer = "urn:xmpp:jingle:apps:file-transfer:3"
)

// baselineFeatures must all be advertised by a peer before any call
// content can be negotiated with it.
var baselineFeatures = []string{featureJingle, featureICEUDP, featureDTLS, featureRTP}

// ContentType is a negotiable call content.
type ContentType string

const (
	ContentAudio        ContentType = "audio"
	ContentVideo        ContentType = "video"
	ContentFileTransfer ContentType = "filetransfer"
)

// FeatureSource reports the feature set a peer currently advertises,
// resolved from presence and entity capabilities by the transport layer.
type FeatureSource interface {
	Features(account, peer xmpp.JID) []string
}

// Support computes the content types negotiable with a peer: the
// baseline transport/security/RTP features must all be present, then
// each content follows its own feature.
func (m *Manager) Support(account, peer xmpp.JID) map[ContentType]bool {
	support := make(map[ContentType]bool)
	if m.features == nil {
		return support
	}

	have := make(map[string]bool)
	for _, f := range m.features.Features(account, peer) {
		have[f] = true
	}

	for _, f := range baselineFeatures {
		if !have[f] {
			return support
		}
	}

	if have[featureRTPAudio] {
		support[ContentAudio] = true
	}
	if have[featureRTPVideo] {
		support[ContentVideo] = true
	}
	if have[featureFileTransfer] {
		support[ContentFileTransfer] = true
	}
	return support
}
