package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Scheme names a supported transport.
type Scheme string

const (
	SchemeStdio Scheme = "stdio"
	SchemeTCP   Scheme = "tcp"
	SchemeUnix  Scheme = "unix"
	SchemeWS    Scheme = "ws"
)

// Endpoint is a parsed listen URI.
type Endpoint struct {
	Scheme Scheme

	// Address is host:port for tcp and ws, the socket path for unix and
	// empty for stdio.
	Address string

	// Path is the HTTP path upgraded to WebSocket. Only set for ws.
	Path string
}

// String reassembles the endpoint as a URI.
func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeStdio:
		return "stdio://"
	case SchemeWS:
		return "ws://" + e.Address + e.Path
	default:
		return string(e.Scheme) + "://" + e.Address
	}
}

// ParseURI parses a listen URI. Accepted forms are stdio://, tcp://host:port,
// unix:///abs/path, unix://relative/path and ws://host:port[/path].
func ParseURI(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("server: parse uri %q: %w", s, err)
	}

	switch Scheme(u.Scheme) {
	case SchemeStdio:
		return Endpoint{Scheme: SchemeStdio}, nil

	case SchemeTCP:
		if err := checkHostPort(u.Host); err != nil {
			return Endpoint{}, fmt.Errorf("server: parse uri %q: %w", s, err)
		}
		return Endpoint{Scheme: SchemeTCP, Address: u.Host}, nil

	case SchemeUnix:
		path := u.Host + u.Path
		if path == "" {
			return Endpoint{}, fmt.Errorf("server: parse uri %q: missing socket path", s)
		}
		return Endpoint{Scheme: SchemeUnix, Address: path}, nil

	case SchemeWS:
		if err := checkHostPort(u.Host); err != nil {
			return Endpoint{}, fmt.Errorf("server: parse uri %q: %w", s, err)
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		return Endpoint{Scheme: SchemeWS, Address: u.Host, Path: path}, nil

	case "":
		return Endpoint{}, fmt.Errorf("server: parse uri %q: missing scheme", s)

	default:
		return Endpoint{}, fmt.Errorf("server: parse uri %q: unsupported scheme %q", s, u.Scheme)
	}
}

func checkHostPort(hostport string) error {
	if hostport == "" {
		return errors.New("missing host:port")
	}
	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if port == "" || strings.Trim(port, "0123456789") != "" {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
