package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport performs one exchange with the remote peer.
type Transport interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Exchange calls f.
func (f TransportFunc) Exchange(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// TransportError is a network, HTTP or decoding failure during an exchange.
// The cycle that hit it left no state behind and can be retried.
type TransportError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sync transport: %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync transport: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// maxErrorBody bounds how much of a failed response ends up in an error.
const maxErrorBody = 4 << 10

// HTTPTransport exchanges change sets with a peer over HTTP.
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithToken sends token as a bearer token.
func WithToken(token string) TransportOption {
	return func(t *HTTPTransport) { t.token = token }
}

// WithTimeout bounds each exchange.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client. Timeouts set earlier are lost.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.client = c }
}

// NewHTTPTransport returns a transport for the peer at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + SyncPath,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Endpoint returns the URL exchanges are posted to.
func (t *HTTPTransport) Endpoint() string {
	return t.endpoint
}

// Exchange posts req and decodes the peer's response.
func (t *HTTPTransport) Exchange(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{URL: t.endpoint, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(ProtocolHeader, ProtocolVersion)
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{URL: t.endpoint, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &TransportError{
			URL:        t.endpoint,
			StatusCode: httpResp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}

	if err := CheckProtocol(httpResp.Header.Get(ProtocolHeader)); err != nil {
		return nil, &TransportError{URL: t.endpoint, StatusCode: httpResp.StatusCode, Err: err}
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &TransportError{
			URL:        t.endpoint,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}
	resp.Normalize()
	return &resp, nil
}
