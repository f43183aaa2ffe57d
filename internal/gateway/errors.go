package gateway

import "errors"

var (
	ErrBaseURLRequired  = errors.New("gateway: base url required")
	ErrUnreachable      = errors.New("gateway: unreachable")
	ErrHandshakeFailed  = errors.New("gateway: handshake failed")
	ErrEncodeFailed     = errors.New("gateway: encode failed")
	ErrDecodeFailed     = errors.New("gateway: decode failed")
	ErrTranscriptFailed = errors.New("gateway: transcript failed")
	ErrNotFound         = errors.New("gateway: transcript not found")
	ErrInvalidTransport = errors.New("gateway: invalid transport kind")
)
