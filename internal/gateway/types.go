package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TransportKind is the closed set of transports the gateway can negotiate.
type TransportKind string

const (
	TransportSocketStreaming TransportKind = "socket-streaming"
	TransportDatagram        TransportKind = "datagram"
	TransportAcoustic        TransportKind = "acoustic"
)

// ParseTransportKind normalizes and validates a user-supplied transport name.
func ParseTransportKind(raw string) (TransportKind, error) {
	kind := TransportKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case TransportSocketStreaming, TransportDatagram, TransportAcoustic:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransport, raw)
	}
}

// FeatureSet carries the feature parameters negotiated at handshake.
type FeatureSet struct {
	Compression string `json:"compression"`
	FEC         bool   `json:"fec"`
	Crypto      bool   `json:"crypto"`
	MaxMTU      int    `json:"maxMtu"`
}

// DefaultFeatureSet returns the feature request used when the caller sets nothing.
func DefaultFeatureSet() FeatureSet {
	return FeatureSet{
		Compression: "none",
		FEC:         false,
		Crypto:      false,
		MaxMTU:      1024,
	}
}

// HandshakeRequest is the POST /v1/handshake body.
type HandshakeRequest struct {
	Transport TransportKind `json:"transport"`
	Target    string        `json:"target"`
	Features  FeatureSet    `json:"features"`
}

// EncodeRequest is the POST /v1/encode body. SessionID scopes the send to an
// established session.
type EncodeRequest struct {
	SessionID         string          `json:"sessionId"`
	Target            string          `json:"target"`
	Payload           json.RawMessage `json:"payload"`
	RequireTranscript bool            `json:"requireTranscript"`
}

// EncodeResult is the gateway's acknowledgment of one accepted send.
type EncodeResult struct {
	MsgID string `json:"msgId"`
	Size  int    `json:"size"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type handshakeResponse struct {
	SessionID string `json:"sessionId"`
}

type decodeRequest struct {
	BytesBase64 string `json:"bytesBase64"`
}
