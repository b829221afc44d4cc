package websocket

import (
	"context"
	"crypto/sha1" //nolint:gosec // Required by RFC 6455.
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/tzrikka/wsignal/internal/logger"
	"github.com/tzrikka/wsignal/pkg/wsframe"
)

// Server accepts inbound WebSocket handshakes and keeps a registry of the
// live connections it produced, each keyed by a short opaque [Conn.Token]
// minted with shortuuid, so that a caller can look up or broadcast to a
// specific connection without tracking [net.Addr] values itself.
type Server struct {
	// Protocols is the allow-list of subprotocols this server accepts. The
	// first protocol in the client's offer that appears here is selected, so
	// the order of this list does not affect the choice. A client offering
	// none of these is accepted without a subprotocol.
	Protocols []string

	// OnAccept, if set, is called with each accepted [Conn] before it is
	// registered, so a caller can attach its own On* listeners.
	OnAccept func(*Conn)

	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	onListening func()
	onError     func(error)
	onClose     func()

	httpServer *http.Server
}

// NewServer returns an empty Server ready to be used as an [http.Handler].
func NewServer() *Server {
	return &Server{conns: map[string]*Conn{}}
}

// OnListening registers the listener invoked once [Server.Listen] has bound
// its address and is ready to accept connections.
func (s *Server) OnListening(f func()) { s.onListening = f }

// OnError registers the listener invoked when [Server.Listen]'s underlying
// [http.Server] stops serving because of an error other than a deliberate
// [Server.Close].
func (s *Server) OnError(f func(error)) { s.onError = f }

// OnClose registers the listener invoked once [Server.Listen] returns after
// a deliberate [Server.Close] (or its context being canceled).
func (s *Server) OnClose(f func()) { s.onClose = f }

// Close gracefully shuts down the listener started by [Server.Listen],
// waiting for in-flight handshakes to finish or ctx to expire. It mirrors
// [http.Server.Shutdown]; it does not close already-established [Conn]s.
func (s *Server) Close(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Conn looks up a registered connection by its token. It returns nil if no
// such connection is currently registered.
func (s *Server) Conn(token string) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[token]
}

// Conns returns a snapshot slice of all currently registered connections.
func (s *Server) Conns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a text message to every registered connection, skipping
// (and reporting via each connection's error listener) any that fails.
func (s *Server) Broadcast(text string) {
	for _, c := range s.Conns() {
		if err := c.SendText(text); err != nil {
			c.emitError(fmt.Errorf("broadcast failed: %w", err))
		}
	}
}

func (s *Server) register(c *Conn) {
	c.Token = shortuuid.New()

	s.mu.Lock()
	s.conns[c.Token] = c
	s.mu.Unlock()

	c.OnClose(chainClose(c.onClose, func(uint16, string) {
		s.mu.Lock()
		delete(s.conns, c.Token)
		s.mu.Unlock()
	}))
}

func chainClose(first, second func(uint16, string)) func(uint16, string) {
	return func(code uint16, reason string) {
		if first != nil {
			first(code, reason)
		}
		second(code, reason)
	}
}

// ServeHTTP implements the server side of the RFC 6455 opening handshake:
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2. On success it
// hijacks the underlying [net.Conn] and starts a server-role [Conn]'s
// receive loop; on failure it answers with a plain HTTP error response and
// never hijacks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := logger.FromContext(r.Context())

	protocol, err := answerHandshake(r, w.Header(), s.Protocols)
	if err != nil {
		l.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket handshake rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "webserver doesn't support hijacking", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusSwitchingProtocols)

	netConn, rw, err := hj.Hijack()
	if err != nil {
		l.Error().Err(err).Msg("failed to hijack WebSocket connection")
		return
	}
	if err := rw.Flush(); err != nil {
		l.Error().Err(err).Msg("failed to flush WebSocket handshake response")
		_ = netConn.Close()
		return
	}

	c := newConn(wsframe.RoleServer, netConn, l)
	c.reader = rw.Reader
	c.Protocol = protocol
	c.Protocols = parseProtocolList(r.Header.Get("Sec-WebSocket-Protocol"))
	c.Path = r.URL.Path
	c.Host = r.Host
	c.Headers = r.Header.Clone()

	s.register(c)
	if s.OnAccept != nil {
		s.OnAccept(c)
	}

	go c.run()
}

// Listen accepts TCP connections on addr and serves WebSocket handshakes
// over them via [Server.ServeHTTP], firing OnListening once bound. If
// certFile and keyFile are both non-empty the listener is wrapped in TLS
// (serving "wss://"); otherwise it serves plain "ws://". It blocks until
// [Server.Close] is called or ctx is canceled, at which point it shuts the
// listener down gracefully, fires OnClose, and returns nil; any other
// failure to serve fires OnError and is returned.
func (s *Server) Listen(ctx context.Context, addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return err
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.ServeHTTP(w, r.WithContext(logger.InContext(r.Context(), logger.FromContext(ctx))))
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = srv.Shutdown(context.Background())
		case <-stopWatch:
		}
	}()

	if s.onListening != nil {
		s.onListening()
	}

	var serveErr error
	if certFile != "" && keyFile != "" {
		serveErr = srv.ServeTLS(ln, certFile, keyFile)
	} else {
		serveErr = srv.Serve(ln)
	}

	if errors.Is(serveErr, http.ErrServerClosed) {
		if s.onClose != nil {
			s.onClose()
		}
		return nil
	}

	if s.onError != nil {
		s.onError(serveErr)
	}
	return serveErr
}

const (
	secWebSocketGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	secWebSocketKeyLen  = 16
	secWebSocketVersion = "13"
)

// answerHandshake validates the client's opening handshake request
// (https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1) and, on
// success, sets the response headers required by §4.2.2 and returns the
// negotiated subprotocol (empty if none). allowed is the server's
// subprotocol allow-list; the first protocol the client offers that also
// appears in allowed is selected.
func answerHandshake(r *http.Request, respHeader http.Header, allowed []string) (string, error) {
	if r.Method != http.MethodGet {
		return "", errors.New("handshake request method must be GET")
	}
	if !r.ProtoAtLeast(1, 1) {
		return "", errors.New("handshake request must be HTTP/1.1 or later")
	}
	if !headerEqualFold(r.Header, "Upgrade", "websocket") {
		return "", errors.New("missing or invalid Upgrade header")
	}
	if !headerContainsToken(r.Header.Get("Connection"), "Upgrade") {
		return "", errors.New("missing or invalid Connection header")
	}
	if r.Header.Get("Sec-WebSocket-Version") != secWebSocketVersion {
		return "", fmt.Errorf("unsupported Sec-WebSocket-Version: %q", r.Header.Get("Sec-WebSocket-Version"))
	}

	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != secWebSocketKeyLen {
		return "", errors.New("missing or malformed Sec-WebSocket-Key")
	}

	protocol := selectProtocol(parseProtocolList(r.Header.Get("Sec-WebSocket-Protocol")), allowed)

	respHeader.Set("Upgrade", "websocket")
	respHeader.Set("Connection", "Upgrade")
	respHeader.Set("Sec-WebSocket-Accept", acceptValue(key))
	if protocol != "" {
		respHeader.Set("Sec-WebSocket-Protocol", protocol)
	}

	return protocol, nil
}

// selectProtocol returns the first protocol in offered that also appears
// in allowed, preserving the client's preference order. It returns "" if
// allowed is empty (no subprotocol negotiation configured) or if no
// offered protocol is in allowed.
func selectProtocol(offered, allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	for _, p := range offered {
		for _, a := range allowed {
			if p == a {
				return p
			}
		}
	}
	return ""
}

func acceptValue(key string) string {
	h := sha1.New() //nolint:gosec // Required by RFC 6455.
	h.Write([]byte(key))
	h.Write([]byte(secWebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerEqualFold(h http.Header, key, want string) bool {
	return strings.EqualFold(h.Get(key), want)
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
