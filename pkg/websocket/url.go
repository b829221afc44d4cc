package websocket

import (
	"fmt"
	"net/url"
)

// ParsedURL is the result of parsing a WebSocket URL of the form
// "ws[s]://host[:port][/path]", per
// https://datatracker.ietf.org/doc/html/rfc6455#section-3.
type ParsedURL struct {
	Secure bool   // true for "wss", false for "ws".
	Host   string // Host without port.
	Port   string // Always populated, defaulted per scheme if absent.
	Path   string // Always populated, defaults to "/".
}

// ParseURL parses raw as a WebSocket URL. Unknown schemes are rejected, per
// §6 of the external interface.
func ParseURL(raw string) (*ParsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}

	var secure bool
	switch u.Scheme {
	case "ws":
		secure = false
	case "wss":
		secure = true
	default:
		return nil, fmt.Errorf("unsupported WebSocket URL scheme: %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("WebSocket URL is missing a host: %q", raw)
	}

	port := u.Port()
	if port == "" {
		if secure {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return &ParsedURL{Secure: secure, Host: host, Port: port, Path: path}, nil
}

// String renders p back into a "ws[s]://host:port/path" URL.
func (p *ParsedURL) String() string {
	scheme := "ws"
	if p.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s%s", scheme, p.Host, p.Port, p.Path)
}
