package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"blockmusic/crypto"
)

// Client calls the ledger JSON-RPC server.
type Client struct {
	endpoint string
	http     *http.Client
	token    string
	signer   *crypto.PrivateKey
	now      func() time.Time

	nextID    atomic.Uint64
	mu        sync.Mutex
	lastNonce uint64
}

// ClientOption customises the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAuthToken sets the bearer token sent with every call.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithSigner sets the key used to sign mutating calls.
func WithSigner(key *crypto.PrivateKey) ClientOption {
	return func(c *Client) { c.signer = key }
}

// WithClientClock overrides the clock used to seed nonces.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient returns a client for endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: strings.TrimSpace(endpoint),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Caller returns the address of the configured signer.
func (c *Client) Caller() (string, error) {
	if c.signer == nil {
		return "", errors.New("rpc client: signer not configured")
	}
	return c.signer.Address().Hex(), nil
}

// nextNonce returns a strictly increasing nonce seeded from the wall clock so
// restarts keep moving forward.
func (c *Client) nextNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := uint64(c.now().UnixNano())
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Call invokes an unsigned method. params may be nil.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var raw []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc client: encode params: %w", err)
		}
		raw = []json.RawMessage{encoded}
	}
	return c.do(ctx, method, raw, out)
}

// CallSigned wraps payload in a signed caller envelope and invokes method.
func (c *Client) CallSigned(ctx context.Context, method string, payload interface{}, out interface{}) error {
	if c.signer == nil {
		return errors.New("rpc client: signer not configured")
	}
	body := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("rpc client: encode payload: %w", err)
		}
		body, err = canonicalPayload(encoded)
		if err != nil {
			return fmt.Errorf("rpc client: compact payload: %w", err)
		}
	}
	caller := c.signer.Address()
	nonce := c.nextNonce()
	sig, err := crypto.Sign(c.signer, crypto.CallDigest(method, caller, nonce, body))
	if err != nil {
		return fmt.Errorf("rpc client: sign call: %w", err)
	}
	env, err := json.Marshal(Envelope{
		Caller:    caller.Hex(),
		Nonce:     nonce,
		Signature: hexutil.Encode(sig),
		Payload:   body,
	})
	if err != nil {
		return fmt.Errorf("rpc client: encode envelope: %w", err)
	}
	return c.do(ctx, method, []json.RawMessage{env}, out)
}

func (c *Client) do(ctx context.Context, method string, params []json.RawMessage, out interface{}) error {
	reqBody, err := json.Marshal(RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("rpc client: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc client: %s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes*4))
	if err != nil {
		return fmt.Errorf("rpc client: read response: %w", err)
	}
	var decoded RPCResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("rpc client: %s: http %d: decode response: %w", method, resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("rpc client: %s: decode result: %w", method, err)
	}
	return nil
}
