// Package transport owns the bind/connect targets a server or session can
// use: unix-domain paths, TCP addresses (with ephemeral-port discovery on
// bind) and VM sockets.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

var (
	ErrInvalidEndpoint = errors.New("transport: invalid endpoint")
	ErrTLSNotSupported = errors.New("transport: tls requires a tcp endpoint")
)

// Endpoint is one dialable/bindable socket address.
type Endpoint interface {
	// Network names the endpoint family: unix, tcp, tcp+tls or vsock.
	Network() string
	String() string
	Listen() (net.Listener, error)
	Dial() (net.Conn, error)
}

// UnixEndpoint is a unix-domain socket path.
type UnixEndpoint struct {
	Path string
}

func (e UnixEndpoint) Network() string { return "unix" }
func (e UnixEndpoint) String() string  { return "unix://" + e.Path }

func (e UnixEndpoint) Listen() (net.Listener, error) {
	return net.Listen("unix", e.Path)
}

func (e UnixEndpoint) Dial() (net.Conn, error) {
	return net.Dial("unix", e.Path)
}

// TCPEndpoint is a TCP/IP address. Port 0 binds an ephemeral port; the
// chosen port is visible on the returned listener's Addr.
type TCPEndpoint struct {
	Host string
	Port int

	// TLS, when set, wraps listen and dial. The server side needs a
	// certificate; clients verify against the configured roots.
	TLS *tls.Config
}

func (e TCPEndpoint) Network() string {
	if e.TLS != nil {
		return "tcp+tls"
	}
	return "tcp"
}

func (e TCPEndpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Network(), e.addr())
}

func (e TCPEndpoint) addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e TCPEndpoint) Listen() (net.Listener, error) {
	if e.TLS != nil {
		return tls.Listen("tcp", e.addr(), e.TLS)
	}
	return net.Listen("tcp", e.addr())
}

func (e TCPEndpoint) Dial() (net.Conn, error) {
	if e.TLS != nil {
		return tls.Dial("tcp", e.addr(), e.TLS)
	}
	return net.Dial("tcp", e.addr())
}

// VsockEndpoint is a VM socket (context id, port). The context id is only
// meaningful for dialing; listeners bind the local context.
type VsockEndpoint struct {
	ContextID uint32
	Port      uint32
}

func (e VsockEndpoint) Network() string { return "vsock" }

func (e VsockEndpoint) String() string {
	return fmt.Sprintf("vsock://%d:%d", e.ContextID, e.Port)
}

func (e VsockEndpoint) Listen() (net.Listener, error) {
	return vsock.Listen(e.Port, nil)
}

func (e VsockEndpoint) Dial() (net.Conn, error) {
	return vsock.Dial(e.ContextID, e.Port, nil)
}

// LocalContextID is the loopback VM-socket context, for same-host tests.
const LocalContextID uint32 = 1 // VMADDR_CID_LOCAL

// Parse turns a URL-ish endpoint string into an Endpoint:
//
//	unix:///run/objlinkd.sock
//	tcp://127.0.0.1:7311
//	vsock://2:7311
func Parse(raw string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
	switch scheme {
	case "unix":
		if rest == "" {
			return nil, fmt.Errorf("%w: empty unix path", ErrInvalidEndpoint)
		}
		return UnixEndpoint{Path: rest}, nil
	case "tcp":
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, portStr)
		}
		return TCPEndpoint{Host: host, Port: port}, nil
	case "vsock":
		cidStr, portStr, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad context id %q", ErrInvalidEndpoint, cidStr)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, portStr)
		}
		return VsockEndpoint{ContextID: uint32(cid), Port: uint32(port)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidEndpoint, scheme)
	}
}
