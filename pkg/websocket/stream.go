package websocket

import (
	"io"

	"github.com/tzrikka/wsignal/pkg/wsframe"
)

// InStream is a finite, push-style byte sequence delivering one incoming
// fragmented (or single-frame) binary message. The [Conn] pushes payload
// chunks as fragments arrive and signals end-of-message once the final
// fragment's FIN bit is seen; readers never observe bytes past that point.
//
// InStream implements [io.Reader]. A Read call blocks until a chunk is
// pushed or the stream ends — this is how backpressure is conveyed back to
// the connection's read loop: a slow consumer stalls delivery of further
// chunks (and, transitively, further frames) rather than buffering
// unboundedly.
type InStream struct {
	chunks chan []byte
	rest   []byte
	ended  bool
}

func newInStream() *InStream {
	return &InStream{chunks: make(chan []byte, 1)}
}

// push delivers one fragment's payload. Called only from the Conn's read loop.
func (s *InStream) push(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.chunks <- cp
}

// end signals that no further fragments belong to this message.
// Called only from the Conn's read loop.
func (s *InStream) end() {
	close(s.chunks)
}

// Read implements [io.Reader]. It returns [io.EOF] once the message's
// final fragment has been fully consumed.
func (s *InStream) Read(p []byte) (int, error) {
	for len(s.rest) == 0 {
		if s.ended {
			return 0, io.EOF
		}
		chunk, ok := <-s.chunks
		if !ok {
			s.ended = true
			continue
		}
		s.rest = chunk
	}

	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

// OutStream represents one outgoing fragmented binary message (invariant
// I3: a [Conn] has at most one OutStream open at a time). It implements
// [io.WriteCloser]: writes accumulate in an internal buffer, which is
// flushed as an outgoing fragment frame whenever it reaches the
// connection's binary-fragmentation threshold; [OutStream.Close] flushes
// whatever remains as the final (FIN) fragment.
type OutStream struct {
	conn        *Conn
	masked      bool
	fragmentLen uint64
	buf         []byte
	firstSent   bool
	closed      bool
}

func newOutStream(c *Conn, masked bool) *OutStream {
	return &OutStream{conn: c, masked: masked, fragmentLen: binaryFragmentation()}
}

// Write buffers p, emitting complete fragments as the threshold is crossed.
func (s *OutStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrUsage
	}

	s.buf = append(s.buf, p...)
	for uint64(len(s.buf)) >= s.fragmentLen && s.fragmentLen > 0 {
		s.flush(s.buf[:s.fragmentLen], false)
		s.buf = s.buf[s.fragmentLen:]
	}
	return len(p), nil
}

// Close flushes any remaining buffered bytes as the final fragment, and
// clears the connection's exclusive OutStream slot. If the connection is
// no longer open, the remaining bytes are dropped silently, matching the
// behavior of the original single-outstanding-send design.
func (s *OutStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.conn.mu.Lock()
	open := s.conn.state == StateOpen
	s.conn.mu.Unlock()

	if open {
		s.flush(s.buf, true)
	}

	s.conn.mu.Lock()
	s.conn.outStream = nil
	s.conn.mu.Unlock()

	return nil
}

func (s *OutStream) flush(data []byte, fin bool) {
	frame := wsframe.NewBinaryFrame(data, s.masked, !s.firstSent, fin)
	s.firstSent = true
	_ = s.conn.writeFrame(frame)
}
