package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // Required by RFC 6455, not used for anything sensitive.
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tzrikka/wsignal/internal/logger"
	"github.com/tzrikka/wsignal/pkg/wsframe"
)

// DialOpt customizes a [Dial] call.
type DialOpt func(*dialConfig)

type dialConfig struct {
	client    *http.Client
	headers   http.Header
	protocols []string
}

var defaultClient = adjustHTTPClient(*http.DefaultClient)

// WithHTTPClient lets [Dial] use a custom [http.Client] for the handshake,
// instead of [http.DefaultClient].
//
// Do not configure a timeout on the client: it would cut off the long-lived
// connection, not just the handshake. Use [context.WithTimeout] on the
// context passed to [Dial] instead.
func WithHTTPClient(hc *http.Client) DialOpt {
	return func(c *dialConfig) {
		c.client = hc
	}
}

// WithHTTPHeader adds a single HTTP header to the handshake request.
func WithHTTPHeader(key, value string) DialOpt {
	return func(c *dialConfig) {
		c.headers.Add(key, value)
	}
}

// WithHTTPHeaders adds multiple HTTP headers to the handshake request.
func WithHTTPHeaders(hs http.Header) DialOpt {
	return func(c *dialConfig) {
		for key, values := range hs {
			for _, v := range values {
				c.headers.Add(key, v)
			}
		}
	}
}

// WithProtocols offers the given subprotocols to the server, in preference
// order, via the Sec-WebSocket-Protocol header.
func WithProtocols(protocols ...string) DialOpt {
	return func(c *dialConfig) {
		c.protocols = protocols
	}
}

// Dial performs the RFC 6455 opening handshake against wsURL ("ws://..." or
// "wss://...") and returns an open, client-role [Conn].
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, wsURL string, opts ...DialOpt) (*Conn, error) {
	cfg := &dialConfig{headers: http.Header{}}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.client == nil {
		cfg.client = defaultClient
	} else {
		cfg.client = adjustHTTPClient(*cfg.client)
	}

	nonce, err := generateNonce(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce for WebSocket handshake: %w", err)
	}

	req, err := handshakeRequest(ctx, wsURL, nonce, cfg)
	if err != nil {
		return nil, err
	}

	resp, err := cfg.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send WebSocket handshake request: %w", err)
	}

	protocol, err := checkHandshakeResponse(resp, nonce, cfg.protocols)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, fmt.Errorf("WebSocket handshake response body type: got %T, want io.ReadWriteCloser", resp.Body)
	}

	l := logger.FromContext(ctx)
	c := newConn(wsframe.RoleClient, rwc, l)
	c.Protocol = protocol
	c.Protocols = cfg.protocols
	c.ExtraHeaders = resp.Header.Clone()

	go c.run()

	l.Debug().Str("url", wsURL).Str("protocol", protocol).Msg("WebSocket client connection established")
	return c, nil
}

// RefreshConnectionIn schedules a one-shot replacement of c's underlying
// connection after d, by re-dialing wsURL with the given opts (they are
// not remembered from the original [Dial]). It lets a caller preempt an anticipated disconnection (e.g. a
// load balancer's idle timeout) without losing the event listeners already
// registered on c, and without the gap a reactive reconnect-after-drop would
// incur. It is not a reconnection or keep-alive heuristic: nothing here
// infers that a refresh is needed, the caller decides that.
func (c *Conn) RefreshConnectionIn(ctx context.Context, d time.Duration, wsURL string, opts ...DialOpt) {
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		nonce, err := generateNonce(rand.Reader)
		if err != nil {
			c.emitError(fmt.Errorf("failed to refresh WebSocket connection: %w", err))
			return
		}

		cfg := &dialConfig{headers: http.Header{}}
		for _, opt := range opts {
			opt(cfg)
		}
		if cfg.client == nil {
			cfg.client = defaultClient
		} else {
			cfg.client = adjustHTTPClient(*cfg.client)
		}

		req, err := handshakeRequest(ctx, wsURL, nonce, cfg)
		if err != nil {
			c.emitError(fmt.Errorf("failed to refresh WebSocket connection: %w", err))
			return
		}
		resp, err := cfg.client.Do(req)
		if err != nil {
			c.emitError(fmt.Errorf("failed to refresh WebSocket connection: %w", err))
			return
		}
		protocol, err := checkHandshakeResponse(resp, nonce, cfg.protocols)
		if err != nil {
			_ = resp.Body.Close()
			c.emitError(fmt.Errorf("failed to refresh WebSocket connection: %w", err))
			return
		}
		rwc, ok := resp.Body.(io.ReadWriteCloser)
		if !ok {
			c.emitError(fmt.Errorf("failed to refresh WebSocket connection: handshake response body type %T", resp.Body))
			return
		}

		// Mark the old run loop as refreshing so its inevitable read error,
		// once the old transport below is closed, does not finish c.
		c.mu.Lock()
		c.refreshing = true
		oldTransport := c.transport
		c.mu.Unlock()

		_ = oldTransport.Close()

		c.mu.Lock()
		c.transport = rwc
		c.reader = newBufReader(rwc)
		c.Protocol = protocol
		c.refreshing = false
		c.mu.Unlock()

		go c.run()

		c.logger.Debug().Str("url", wsURL).Msg("WebSocket connection refreshed")
	}()
}

// adjustHTTPClient returns a shallow copy of c whose CheckRedirect rewrites
// ws/wss redirect targets back to http/https, since [http.Client] does not
// understand the WebSocket schemes.
func adjustHTTPClient(c http.Client) *http.Client {
	orig := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		switch req.URL.Scheme {
		case "ws":
			req.URL.Scheme = "http"
		case "wss":
			req.URL.Scheme = "https"
		}
		if orig != nil {
			return orig(req, via)
		}
		return nil
	}
	return &c
}

// generateNonce returns a randomly selected, Base64-encoded 16-byte value,
// per https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func generateNonce(r io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// handshakeRequest builds the client request described in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func handshakeRequest(ctx context.Context, wsURL, nonce string, cfg *dialConfig) (*http.Request, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// Do nothing.
	default:
		return nil, fmt.Errorf("unexpected WebSocket URL scheme: %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebSocket handshake request: %w", err)
	}

	req.Header = cfg.headers.Clone()
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(cfg.protocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(cfg.protocols, ", "))
	}

	return req, nil
}

// checkHandshakeResponse validates the server response described in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2, and returns
// the negotiated subprotocol, if any.
func checkHandshakeResponse(resp *http.Response, nonce string, offered []string) (string, error) {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := fmt.Sprintf("WebSocket handshake response status: got %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
		if len(body) > 0 {
			msg = fmt.Sprintf("%s (%s)", msg, string(body))
		}
		return "", &ErrHandshake{Reason: msg}
	}

	if err := checkHTTPHeader(resp.Header, "Upgrade", "websocket"); err != nil {
		return "", err
	}
	if err := checkHTTPHeader(resp.Header, "Connection", "Upgrade"); err != nil {
		return "", err
	}

	want := expectedServerAcceptValue(nonce)
	if err := checkHTTPHeader(resp.Header, "Sec-WebSocket-Accept", want); err != nil {
		return "", err
	}

	protocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if protocol != "" && !contains(offered, protocol) {
		return "", &ErrHandshake{Reason: fmt.Sprintf("server selected unoffered subprotocol %q", protocol)}
	}

	return protocol, nil
}

func checkHTTPHeader(headers http.Header, key, want string) error {
	if got := headers.Get(key); !strings.EqualFold(got, want) {
		return &ErrHandshake{Reason: fmt.Sprintf("response header %q: got %q, want %q", key, got, want)}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// expectedServerAcceptValue computes the "Sec-WebSocket-Accept" value
// described in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func expectedServerAcceptValue(key string) string {
	h := sha1.New() //nolint:gosec // Required by RFC 6455.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
