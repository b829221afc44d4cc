// Package sign is an optional façade over [pkg/websocket] that dispatches
// inbound text messages by a JSON envelope's "sign" tag, the way the Slack
// Socket Mode client in the originating codebase dispatched its own
// envelopes by "type". A [Dispatcher] is attached to one [websocket.Conn]
// and replaces direct use of [websocket.Conn.OnText].
package sign

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tzrikka/wsignal/pkg/websocket"
)

// TagUnknown is the chain invoked when an envelope's "sign" tag has no
// registered chain of its own.
const TagUnknown = "unknow"

// TagNoJSON is the chain invoked when an inbound text message does not
// parse as a {"sign": ..., "data": ...} envelope.
const TagNoJSON = "noJSON"

// Handler is one link in a tag's middleware chain. It receives the
// envelope's decoded data and the connection it arrived on, and must call
// next to continue to the next handler; a handler that does not call next
// terminates the chain.
type Handler func(data json.RawMessage, conn *websocket.Conn, next func())

// Dispatcher routes a Conn's inbound text messages to per-tag handler
// chains. Handler registration is expected to happen during setup, before
// the Dispatcher is attached to a Conn with [Dispatcher.Attach]; concurrent
// registration after that point is not supported, matching the façade this
// is modeled on.
type Dispatcher struct {
	logger zerolog.Logger

	mu     sync.Mutex
	chains map[string][]Handler
}

// New returns an empty Dispatcher.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, chains: map[string][]Handler{}}
}

// Sign appends handlers to tag's chain, in the order they will run.
func (d *Dispatcher) Sign(tag string, handlers ...Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chains[tag] = append(d.chains[tag], handlers...)
}

// envelope is the wire shape {"sign": ..., "data": ...} dispatched on.
type envelope struct {
	Sign string          `json:"sign"`
	Data json.RawMessage `json:"data"`
}

// Attach registers the Dispatcher as conn's text-message handler.
func (d *Dispatcher) Attach(conn *websocket.Conn) {
	conn.OnText(func(text string) {
		d.handle(text, conn)
	})
}

func (d *Dispatcher) handle(text string, conn *websocket.Conn) {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil || env.Sign == "" {
		d.run(TagNoJSON, json.RawMessage(text), conn)
		return
	}

	d.mu.Lock()
	_, ok := d.chains[env.Sign]
	d.mu.Unlock()

	if ok {
		d.run(env.Sign, env.Data, conn)
	} else {
		d.run(TagUnknown, env.Data, conn)
	}
}

func (d *Dispatcher) run(tag string, data json.RawMessage, conn *websocket.Conn) {
	d.mu.Lock()
	chain := append([]Handler(nil), d.chains[tag]...)
	d.mu.Unlock()

	var i int
	var next func()
	next = func() {
		if i >= len(chain) {
			return
		}
		h := chain[i]
		i++
		h(data, conn, next)
	}
	next()

	if len(chain) == 0 {
		d.logger.Debug().Str("sign", tag).Msg("no handler chain registered for tag")
	}
}

// SendSign serializes {"sign": tag, "data": data} as JSON and sends it as a
// text message on conn.
func SendSign(conn *websocket.Conn, tag string, data any) error {
	payload, err := json.Marshal(struct {
		Sign string `json:"sign"`
		Data any    `json:"data,omitempty"`
	}{Sign: tag, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode sign envelope: %w", err)
	}
	return conn.SendText(string(payload))
}
