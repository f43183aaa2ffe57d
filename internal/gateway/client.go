package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/observability"
)

const (
	headerAPIKey        = "X-API-Key"
	healthStatusOK      = "ok"
	maxResponseBodySize = 2 << 20

	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 20
)

// Config binds one Client to a gateway endpoint and credential.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds each control-channel request. Zero leaves requests bounded
	// only by the transport and caller context.
	Timeout time.Duration
}

// Client issues request/response calls against the gateway's control channel.
// It holds no session state; session identity is the caller's concern.
type Client struct {
	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient validates the endpoint and constructs a control-channel client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, ErrBaseURLRequired
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBaseURLRequired, base.Scheme)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:     cfg,
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// BaseURL reports the normalized gateway endpoint.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// APIKey reports the credential this client authenticates with. Every request
// against the gateway carries it, so callers opening side channels under the
// same identity need it too.
func (c *Client) APIKey() string {
	return c.cfg.APIKey
}

// CheckHealth probes GET /v1/health. Any non-affirmative status or transport
// failure classifies the gateway as unreachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	var out healthResponse
	status, err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &out)
	if err != nil {
		observability.RecordGatewayRequest("health", false)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if status != http.StatusOK || out.Status != healthStatusOK {
		observability.RecordGatewayRequest("health", false)
		return fmt.Errorf("%w: status=%d health=%q", ErrUnreachable, status, out.Status)
	}
	observability.RecordGatewayRequest("health", true)
	return nil
}

// Handshake negotiates a session and returns the gateway-assigned identifier.
func (c *Client) Handshake(ctx context.Context, req HandshakeRequest) (string, error) {
	if _, err := ParseTransportKind(string(req.Transport)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if strings.TrimSpace(req.Target) == "" {
		return "", fmt.Errorf("%w: target required", ErrHandshakeFailed)
	}

	var out handshakeResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/v1/handshake", req, &out)
	if err != nil {
		observability.RecordGatewayRequest("handshake", false)
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if status != http.StatusOK {
		observability.RecordGatewayRequest("handshake", false)
		return "", fmt.Errorf("%w: status=%d", ErrHandshakeFailed, status)
	}
	sessionID := strings.TrimSpace(out.SessionID)
	if sessionID == "" {
		observability.RecordGatewayRequest("handshake", false)
		return "", fmt.Errorf("%w: empty session id", ErrHandshakeFailed)
	}
	observability.RecordGatewayRequest("handshake", true)
	return sessionID, nil
}

// Encode submits one payload for encoding/transmission under a session.
func (c *Client) Encode(ctx context.Context, req EncodeRequest) (EncodeResult, error) {
	var out EncodeResult
	status, err := c.doJSON(ctx, http.MethodPost, "/v1/encode", req, &out)
	if err != nil {
		observability.RecordGatewayRequest("encode", false)
		return EncodeResult{}, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	if status != http.StatusOK {
		observability.RecordGatewayRequest("encode", false)
		return EncodeResult{}, fmt.Errorf("%w: status=%d", ErrEncodeFailed, status)
	}
	if strings.TrimSpace(out.MsgID) == "" {
		observability.RecordGatewayRequest("encode", false)
		return EncodeResult{}, fmt.Errorf("%w: empty msg id", ErrEncodeFailed)
	}
	if out.Size < 0 {
		observability.RecordGatewayRequest("encode", false)
		return EncodeResult{}, fmt.Errorf("%w: negative size %d", ErrEncodeFailed, out.Size)
	}
	observability.RecordGatewayRequest("encode", true)
	return out, nil
}

// Decode asks the gateway to decode raw encoded bytes. Stateless: no session
// identity is sent or required.
func (c *Client) Decode(ctx context.Context, encoded []byte) (json.RawMessage, error) {
	req := decodeRequest{BytesBase64: base64.StdEncoding.EncodeToString(encoded)}
	var out json.RawMessage
	status, err := c.doJSON(ctx, http.MethodPost, "/v1/decode", req, &out)
	if err != nil {
		observability.RecordGatewayRequest("decode", false)
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if status != http.StatusOK {
		observability.RecordGatewayRequest("decode", false)
		return nil, fmt.Errorf("%w: status=%d", ErrDecodeFailed, status)
	}
	observability.RecordGatewayRequest("decode", true)
	return out, nil
}

// Transcript fetches the transcript for a known message identifier. Stateless.
func (c *Client) Transcript(ctx context.Context, msgID string) (json.RawMessage, error) {
	id := strings.TrimSpace(msgID)
	if id == "" {
		return nil, fmt.Errorf("%w: msg id required", ErrTranscriptFailed)
	}
	var out json.RawMessage
	status, err := c.doJSON(ctx, http.MethodGet, "/v1/transcript/"+url.PathEscape(id), nil, &out)
	if err != nil {
		observability.RecordGatewayRequest("transcript", false)
		return nil, fmt.Errorf("%w: %v", ErrTranscriptFailed, err)
	}
	switch status {
	case http.StatusOK:
		observability.RecordGatewayRequest("transcript", true)
		return out, nil
	case http.StatusNotFound:
		observability.RecordGatewayRequest("transcript", false)
		return nil, fmt.Errorf("%w: msg_id=%q", ErrNotFound, id)
	default:
		observability.RecordGatewayRequest("transcript", false)
		return nil, fmt.Errorf("%w: status=%d", ErrTranscriptFailed, status)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		req.Header.Set(headerAPIKey, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out != nil && resp.StatusCode == http.StatusOK && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
