package websocket

import (
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDial(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		upgrade    string
		connection string
		acceptOK   bool
		wantErr    bool
	}{
		{
			name:       "status_200_instead_of_101",
			status:     http.StatusOK,
			upgrade:    "websocket",
			connection: "Upgrade",
			acceptOK:   true,
			wantErr:    true,
		},
		{
			name:       "no_upgrade_header",
			status:     http.StatusSwitchingProtocols,
			connection: "Upgrade",
			acceptOK:   true,
			wantErr:    true,
		},
		{
			name:       "no_connection_header",
			status:     http.StatusSwitchingProtocols,
			upgrade:    "websocket",
			acceptOK:   true,
			wantErr:    true,
		},
		{
			name:       "bad_accept_header",
			status:     http.StatusSwitchingProtocols,
			upgrade:    "websocket",
			connection: "Upgrade",
			wantErr:    true,
		},
		{
			name:       "happy_path",
			status:     http.StatusSwitchingProtocols,
			upgrade:    "websocket",
			connection: "Upgrade",
			acceptOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.upgrade != "" {
					w.Header().Set("Upgrade", tt.upgrade)
				}
				if tt.connection != "" {
					w.Header().Set("Connection", tt.connection)
				}
				accept := "wrong-accept-value"
				if tt.acceptOK {
					accept = expectedServerAcceptValue(r.Header.Get("Sec-WebSocket-Key"))
				}
				w.Header().Set("Sec-WebSocket-Accept", accept)
				w.WriteHeader(tt.status)
			}))
			defer s.Close()

			if _, err := Dial(t.Context(), s.URL); (err != nil) != tt.wantErr {
				t.Errorf("Dial() error = %v, want error = %v", err, tt.wantErr)
			}
		})
	}
}

// TestDialSubprotocolMismatch covers the case where the server selects a
// subprotocol the client never offered: the handshake must be rejected.
func TestDialSubprotocolMismatch(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Upgrade", "websocket")
		w.Header().Set("Connection", "Upgrade")
		w.Header().Set("Sec-WebSocket-Accept", expectedServerAcceptValue(r.Header.Get("Sec-WebSocket-Key")))
		w.Header().Set("Sec-WebSocket-Protocol", "v9.unoffered")
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))
	defer s.Close()

	_, err := Dial(t.Context(), s.URL, WithProtocols("v1.chat", "v2.chat"))
	if err == nil {
		t.Fatal("Dial() with unoffered subprotocol: got nil error, want *ErrHandshake")
	}

	var hsErr *ErrHandshake
	if !errors.As(err, &hsErr) {
		t.Errorf("Dial() error type = %T, want *ErrHandshake", err)
	}
}

func TestAdjustHTTPClient(t *testing.T) {
	c1 := &http.Client{}
	c2 := adjustHTTPClient(*c1)

	if c1.CheckRedirect != nil {
		t.Error("adjustHTTPClient() modified c1.CheckRedirect")
	}
	if c2.CheckRedirect == nil {
		t.Error("adjustHTTPClient() didn't set c2.CheckRedirect")
	}
}

func TestGenerateNonceIsRandom(t *testing.T) {
	n1, err := generateNonce(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	n2, err := generateNonce(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if n1 == n2 {
		t.Error("generateNonce() is not random across calls")
	}
}
