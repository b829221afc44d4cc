package sign

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tzrikka/wsignal/pkg/websocket"
)

func TestHandleDispatchesToRegisteredTag(t *testing.T) {
	d := New(zerolog.Nop())

	var got string
	d.Sign("ping", func(data json.RawMessage, _ *websocket.Conn, next func()) {
		got = string(data)
		next()
	})

	d.handle(`{"sign":"ping","data":"hi"}`, nil)

	if got != `"hi"` {
		t.Errorf("handler received data = %q, want %q", got, `"hi"`)
	}
}

func TestHandleFallsBackToUnknownTag(t *testing.T) {
	d := New(zerolog.Nop())

	var called bool
	d.Sign(TagUnknown, func(json.RawMessage, *websocket.Conn, func()) { called = true })

	d.handle(`{"sign":"no-such-tag","data":1}`, nil)

	if !called {
		t.Error("unknown-tag chain was not invoked")
	}
}

func TestHandleFallsBackToNoJSONTag(t *testing.T) {
	d := New(zerolog.Nop())

	var got string
	d.Sign(TagNoJSON, func(data json.RawMessage, _ *websocket.Conn, next func()) {
		got = string(data)
	})

	d.handle("plain text, not JSON", nil)

	if got != "plain text, not JSON" {
		t.Errorf("noJSON handler received %q, want raw text", got)
	}
}

func TestMiddlewareChainStopsIfNextNotCalled(t *testing.T) {
	d := New(zerolog.Nop())

	var second bool
	d.Sign("ping",
		func(json.RawMessage, *websocket.Conn, func()) { /* does not call next */ },
		func(json.RawMessage, *websocket.Conn, func()) { second = true },
	)

	d.handle(`{"sign":"ping","data":null}`, nil)

	if second {
		t.Error("second handler ran even though the first never called next()")
	}
}

func TestHandleChainRunsInRegistrationOrder(t *testing.T) {
	d := New(zerolog.Nop())

	var order []int
	d.Sign("seq",
		func(_ json.RawMessage, _ *websocket.Conn, next func()) { order = append(order, 1); next() },
		func(_ json.RawMessage, _ *websocket.Conn, next func()) { order = append(order, 2); next() },
	)

	d.handle(`{"sign":"seq","data":null}`, nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("handler order = %v, want [1 2]", order)
	}
}
