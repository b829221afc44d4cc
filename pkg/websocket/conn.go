package websocket

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/tzrikka/wsignal/pkg/wsframe"
)

// Conn is one live WebSocket connection, server- or client-role. All state
// mutations (buffer append, frame extraction, assembly, readyState
// changes) are serialized by mu: the protocol's single-threaded cooperative
// model (no operation on a Conn is re-entrant) is mapped here onto a mutex
// instead of a dedicated event-loop goroutine, per the guidance for
// multi-threaded runtimes.
type Conn struct {
	role      wsframe.Role
	logger    zerolog.Logger
	transport io.ReadWriteCloser
	reader    *bufio.Reader

	mu            sync.Mutex
	state         ReadyState
	receiveBuf    []byte
	assembly      assembly
	outStream     *OutStream
	closeSent     bool
	closeReceived bool
	closeEmitted  bool
	refreshing    bool

	writeMu sync.Mutex

	// Populated during the handshake. A server-role Conn gets Headers (the
	// request's), Protocol, Protocols, Path and Host; a client-role Conn
	// gets Protocol, Protocols and ExtraHeaders (the response's). Key is
	// not set for either role.
	Headers      http.Header
	Key          string
	Protocol     string
	Protocols    []string
	Path         string
	Host         string
	ExtraHeaders http.Header

	// Token is a short opaque identifier minted by a [Server]'s connection
	// registry; empty for client-role connections.
	Token string

	onConnect func()
	onText    func(string)
	onBinary  func(*InStream)
	onPong    func(string)
	onError   func(error)
	onClose   func(code uint16, reason string)
}

type assemblyKind int

const (
	assemblyNone assemblyKind = iota
	assemblyText
	assemblyBinary
)

type assembly struct {
	kind   assemblyKind
	text   bytes.Buffer
	stream *InStream
}

func newConn(role wsframe.Role, transport io.ReadWriteCloser, logger zerolog.Logger) *Conn {
	return &Conn{
		role:      role,
		transport: transport,
		reader:    newBufReader(transport),
		logger:    logger,
		state:     StateConnecting,
	}
}

func newBufReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}

// OnConnect registers the listener invoked once the handshake succeeds.
func (c *Conn) OnConnect(f func()) { c.onConnect = f }

// OnText registers the listener invoked for each complete (defragmented) text message.
func (c *Conn) OnText(f func(string)) { c.onText = f }

// OnBinary registers the listener invoked when a binary message begins; f
// receives an [InStream] that yields the message's bytes as fragments arrive.
// f runs on its own goroutine, so it may read the stream to the end.
func (c *Conn) OnBinary(f func(*InStream)) { c.onBinary = f }

// OnPong registers the listener invoked for each pong received.
func (c *Conn) OnPong(f func(string)) { c.onPong = f }

// OnError registers the listener invoked on protocol, handshake, usage, and transport errors.
func (c *Conn) OnError(f func(error)) { c.onError = f }

// OnClose registers the listener invoked exactly once per connection
// lifetime, when the connection reaches [StateClosed].
func (c *Conn) OnClose(f func(code uint16, reason string)) { c.onClose = f }

// ReadyState returns the connection's current lifecycle state.
func (c *Conn) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) emitError(err error) {
	c.logger.Warn().Err(err).Msg("WebSocket connection error")
	if c.onError != nil {
		c.onError(err)
	}
}

// peerRole is the role of frames we expect to receive: the opposite of
// our own (we decode what our peer sent).
func (c *Conn) peerRole() wsframe.Role {
	if c.role == wsframe.RoleClient {
		return wsframe.RoleServer
	}
	return wsframe.RoleClient
}

func (c *Conn) masksOutbound() bool {
	return c.role == wsframe.RoleClient
}

// writeFrame encodes and writes f to the transport. Concurrent senders are
// serialized by writeMu so that a fragmented [OutStream] is never
// interleaved with another frame.
func (c *Conn) writeFrame(f wsframe.Frame) error {
	wire, err := wsframe.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.transport.Write(wire)
	return err
}

// SendText sends a complete text message. It fails with [ErrUsage] if an
// [OutStream] is currently open (invariant I3).
func (c *Conn) SendText(s string) error {
	if err := c.checkSendable(); err != nil {
		return err
	}
	return c.writeFrame(wsframe.NewTextFrame(s, c.masksOutbound()))
}

// SendBinary sends data as a single, unfragmented binary message. It fails
// with [ErrUsage] if an [OutStream] is currently open.
func (c *Conn) SendBinary(data []byte) error {
	if err := c.checkSendable(); err != nil {
		return err
	}
	return c.writeFrame(wsframe.NewBinaryFrame(data, c.masksOutbound(), true, true))
}

// Send dispatches by the dynamic type of data: a string is sent as text, a
// []byte as binary. Any other type is a caller bug, reported synchronously
// instead of as an event.
func (c *Conn) Send(data any) error {
	switch v := data.(type) {
	case string:
		return c.SendText(v)
	case []byte:
		return c.SendBinary(v)
	default:
		panic(fmt.Sprintf("websocket: Send: unsupported payload type %T", data))
	}
}

// BeginBinary starts a streamed binary message. Only one [OutStream] may be
// open at a time (invariant I3); calling BeginBinary while one is already
// open returns [ErrUsage] and fires the error listener.
func (c *Conn) BeginBinary() (*OutStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		c.emitError(fmt.Errorf("%w: write to non-open connection", ErrUsage))
		return nil, ErrUsage
	}
	if c.outStream != nil {
		c.emitError(fmt.Errorf("%w: binary message already in progress", ErrUsage))
		return nil, ErrUsage
	}

	s := newOutStream(c, c.masksOutbound())
	c.outStream = s
	return s, nil
}

func (c *Conn) checkSendable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		err := fmt.Errorf("%w: write to non-open connection", ErrUsage)
		c.emitError(err)
		return err
	}
	if c.outStream != nil {
		err := fmt.Errorf("%w: binary message already in progress", ErrUsage)
		c.emitError(err)
		return err
	}
	return nil
}

// SendPing sends a ping control frame. data defaults to empty.
func (c *Conn) SendPing(data []byte) error {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		err := fmt.Errorf("%w: write to non-open connection", ErrUsage)
		c.emitError(err)
		return err
	}
	return c.writeFrame(wsframe.NewPingFrame(data, c.masksOutbound()))
}

// Close initiates (or completes) the closing handshake, per RFC 6455 §7.1.2.
// If the connection is open, it sends a close frame and transitions to
// Closing, awaiting the peer's close frame; [Conn.OnClose] does not fire
// during this call, but later, when the peer's close frame arrives or the
// transport is lost. Otherwise, if it is not already closed, it ends the
// transport directly and [Conn.OnClose] fires synchronously. Either way,
// OnClose fires exactly once per connection lifetime.
func (c *Conn) Close(code uint16, reason string) {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.state = StateClosing
		c.mu.Unlock()

		c.closeSent = true
		_ = c.writeFrame(wsframe.NewCloseFrame(code, reason, c.masksOutbound()))
		return

	case StateClosed:
		c.mu.Unlock()
		return

	default:
		c.mu.Unlock()
		c.finish(code, reason)
	}
}

// finish transitions to Closed, tears down in-flight streams, closes the
// transport, and fires OnClose exactly once.
func (c *Conn) finish(code uint16, reason string) {
	c.mu.Lock()
	if c.closeEmitted {
		c.mu.Unlock()
		return
	}
	c.closeEmitted = true
	c.state = StateClosed

	stream := c.assembly.stream
	c.assembly = assembly{}
	out := c.outStream
	c.outStream = nil
	c.mu.Unlock()

	if stream != nil {
		stream.end()
	}
	if out != nil {
		out.closed = true
	}

	_ = c.transport.Close()

	c.logger.Debug().Uint16("code", code).Str("reason", reason).Msg("WebSocket connection closed")
	if c.onClose != nil {
		c.onClose(code, reason)
	}
}

// run drives the connection's receive path until the transport is
// exhausted or the connection is closed. It is started once the handshake
// succeeds, on its own goroutine, for both roles.
func (c *Conn) run() {
	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()

	if c.onConnect != nil {
		c.onConnect()
	}

	// reader is captured once: a concurrent [Conn.RefreshConnectionIn] swaps
	// c.reader for the *next* run loop to pick up, not this one.
	reader := c.reader

	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.receiveBuf = append(c.receiveBuf, buf[:n]...)
			overflow := uint64(len(c.receiveBuf)) > maxBufferLength()
			c.mu.Unlock()

			if overflow {
				c.Close(StatusMessageTooBig, "")
				c.finish(StatusMessageTooBig, "")
				return
			}

			if stop := c.drainFrames(); stop {
				return
			}
		}

		if err != nil {
			c.mu.Lock()
			refreshing := c.refreshing || c.reader != reader
			c.mu.Unlock()
			if refreshing {
				// The old transport was closed deliberately by a refresh in
				// progress; the new run loop owns the connection from here.
				return
			}

			if errors.Is(err, io.EOF) {
				c.mu.Lock()
				wasOpen := c.state == StateOpen || c.state == StateConnecting
				c.mu.Unlock()
				if wasOpen {
					c.finish(StatusAbnormalClose, "")
				} else {
					c.finish(StatusNoStatusRcvd, "")
				}
			} else {
				c.emitError(err)
				c.finish(StatusAbnormalClose, "")
			}
			return
		}
	}
}

// drainFrames extracts and dispatches as many complete frames as the
// receive buffer currently holds. It returns true once the connection has
// been closed as a result (the caller must stop reading).
func (c *Conn) drainFrames() bool {
	for {
		c.mu.Lock()
		buf := c.receiveBuf
		c.mu.Unlock()

		f, n, err := wsframe.Decode(buf, c.peerRole())
		if err != nil {
			var protoErr *wsframe.ErrProtocol
			reason := err.Error()
			if errors.As(err, &protoErr) {
				reason = protoErr.Reason
			}
			c.emitError(err)
			c.Close(StatusProtocolError, reason)
			c.finish(StatusProtocolError, reason)
			return true
		}
		if f == nil {
			return false // Need more data.
		}

		c.mu.Lock()
		c.receiveBuf = c.receiveBuf[n:]
		c.mu.Unlock()

		if done := c.processFrame(*f); done {
			return true
		}
	}
}

// processFrame dispatches a single decoded frame per §4.2's opcode table.
// It returns true if the connection is now closed.
func (c *Conn) processFrame(f wsframe.Frame) bool {
	switch f.Opcode {
	case wsframe.OpcodeClose:
		return c.handleClose(f.Payload)

	case wsframe.OpcodePing:
		c.mu.Lock()
		open := c.state == StateOpen
		c.mu.Unlock()
		if open {
			_ = c.writeFrame(wsframe.NewPongFrame(f.Payload, c.masksOutbound()))
		}
		return false

	case wsframe.OpcodePong:
		if c.onPong != nil {
			c.onPong(string(f.Payload))
		}
		return false

	case wsframe.OpcodeContinuation, wsframe.OpcodeText, wsframe.OpcodeBinary:
		return c.handleDataFrame(f)

	default:
		return false
	}
}

func (c *Conn) handleClose(payload []byte) bool {
	c.mu.Lock()
	state := c.state
	c.closeReceived = true
	c.mu.Unlock()

	if state == StateClosing {
		c.finish(parseCloseCode(payload))
		return true
	}
	if state == StateOpen {
		code, reason := parseCloseCode(payload)
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()
		_ = c.writeFrame(wsframe.NewCloseFrame(code, reason, c.masksOutbound()))
		c.finish(code, reason)
		return true
	}
	return true
}

func parseCloseCode(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return uint16(wsframe.NoStatusCode), ""
	}
	code := binary.BigEndian.Uint16(payload)
	reason := string(payload[2:])
	return code, reason
}

// handleDataFrame applies the fragmentation assembly rules of §4.2/I4.
func (c *Conn) handleDataFrame(f wsframe.Frame) bool {
	c.mu.Lock()

	switch {
	case f.Opcode == wsframe.OpcodeContinuation && c.assembly.kind == assemblyNone:
		c.mu.Unlock()
		err := &wsframe.ErrProtocol{Reason: "continuation frame with no assembly in progress"}
		c.emitError(err)
		c.Close(StatusProtocolError, err.Reason)
		c.finish(StatusProtocolError, err.Reason)
		return true

	case f.Opcode != wsframe.OpcodeContinuation && c.assembly.kind != assemblyNone:
		c.mu.Unlock()
		err := &wsframe.ErrProtocol{Reason: "data frame interleaved with assembly in progress"}
		c.emitError(err)
		c.Close(StatusProtocolError, err.Reason)
		c.finish(StatusProtocolError, err.Reason)
		return true
	}

	if f.Opcode == wsframe.OpcodeText || (f.Opcode == wsframe.OpcodeContinuation && c.assembly.kind == assemblyText) {
		c.assembly.kind = assemblyText
		c.assembly.text.Write(f.Payload)

		if f.Fin {
			text := c.assembly.text.String()
			c.assembly = assembly{}
			c.mu.Unlock()

			if !utf8.ValidString(text) {
				err := &wsframe.ErrProtocol{Reason: "invalid UTF-8 in text message"}
				c.emitError(err)
				c.Close(StatusInvalidData, err.Reason)
				c.finish(StatusInvalidData, err.Reason)
				return true
			}
			if c.onText != nil {
				c.onText(text)
			}
			return false
		}
		c.mu.Unlock()
		return false
	}

	// Binary (first fragment or continuation of one).
	first := f.Opcode == wsframe.OpcodeBinary
	if first {
		c.assembly.kind = assemblyBinary
		c.assembly.stream = newInStream()
	}
	stream := c.assembly.stream
	fin := f.Fin
	if fin {
		c.assembly = assembly{}
	}
	c.mu.Unlock()

	if first && c.onBinary != nil {
		go c.onBinary(stream)
	}
	stream.push(f.Payload)
	if fin {
		stream.end()
	}
	return false
}

// parseProtocolList splits a comma-separated Sec-WebSocket-Protocol header
// value into trimmed, non-empty tokens, per RFC 6455 §1.9 / §4.3.
func parseProtocolList(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
