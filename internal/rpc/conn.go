package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/objlink/objlink/internal/observability"
	"github.com/objlink/objlink/internal/wire"
)

type connRole int

const (
	// rolePool: checked out of the session pool by callers for outbound
	// transactions; the owner reads its own replies.
	rolePool connRole = iota
	// roleServing: a dedicated goroutine reads and dispatches inbound
	// frames.
	roleServing
)

const handshakeTimeout = 5 * time.Second

// Conn wraps one socket carrying framed traffic for a session. Reads are
// single-owner: either the serving goroutine or the caller that checked the
// conn out. Writes are serialized by wmu so queued release frames and
// replies never interleave mid-frame.
type Conn struct {
	sess   *Session
	nc     net.Conn
	br     *bufio.Reader
	limits wire.Limits
	role   connRole
	log    zerolog.Logger

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// newConn wraps nc for s. br carries over a reader that already consumed the
// handshake frame; pass nil on freshly dialed sockets.
func newConn(s *Session, nc net.Conn, br *bufio.Reader, role connRole) *Conn {
	if br == nil {
		br = bufio.NewReader(nc)
	}
	c := &Conn{
		sess:   s,
		nc:     nc,
		br:     br,
		limits: s.limits,
		role:   role,
		closed: make(chan struct{}),
	}
	c.log = s.log.With().Str("remote", nc.RemoteAddr().String()).Logger()
	observability.ConnectionOpened()
	return c
}

func (c *Conn) readFrame() (wire.Frame, error) {
	return wire.ReadFrame(c.br, c.limits)
}

func (c *Conn) writeFrame(f wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.WriteFrame(c.nc, f, c.limits)
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close shuts the socket exactly once and unregisters the conn from its
// session.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
		observability.ConnectionClosed()
		c.sess.forgetConn(c)
	})
	return err
}

// serve reads and dispatches frames until the peer hangs up or a
// protocol-fatal error occurs. Runs as the dedicated goroutine of a serving
// conn.
func (c *Conn) serve() {
	defer c.Close()
	for {
		f, err := c.readFrame()
		if err != nil {
			if !c.sess.isShutdown() && !errors.Is(err, io.EOF) &&
				!errors.Is(err, wire.ErrShortHeader) && !errors.Is(err, net.ErrClosed) {
				c.log.Warn().Err(err).Msg("connection read failed")
			}
			return
		}
		if err := c.handleFrame(f, true); err != nil {
			if errors.Is(err, errOnewayOverflow) {
				c.log.Warn().Err(err).Msg("tearing down session")
				c.sess.Shutdown(false)
				return
			}
			if !c.sess.isShutdown() && !errors.Is(err, errShutdownRequested) {
				c.log.Warn().Err(err).Msg("dispatch failed")
			}
			return
		}
	}
}

// roundTrip writes req and blocks until its reply frame arrives, servicing
// nested transactions and control frames that the peer issues in the
// meantime. The caller must own the conn. Any transport failure poisons the
// conn and surfaces as DEAD_OBJECT.
func (c *Conn) roundTrip(req wire.Frame) (wire.Frame, error) {
	if err := c.sess.flushPending(c); err != nil {
		c.Close()
		return wire.Frame{}, wire.ErrDeadObject
	}
	if err := c.writeFrame(req); err != nil {
		c.Close()
		return wire.Frame{}, wire.ErrDeadObject
	}
	for {
		f, err := c.readFrame()
		if err != nil {
			c.Close()
			return wire.Frame{}, wire.ErrDeadObject
		}
		if f.Header.Kind == wire.KindReply {
			return f, nil
		}
		// Nested work issued by the peer while it holds our call.
		if err := c.handleFrame(f, false); err != nil {
			c.Close()
			return wire.Frame{}, wire.ErrDeadObject
		}
	}
}

// send writes a frame with no reply expected (one-way transactions), after
// flushing queued release frames.
func (c *Conn) send(f wire.Frame) error {
	if err := c.sess.flushPending(c); err != nil {
		c.Close()
		return wire.ErrDeadObject
	}
	if err := c.writeFrame(f); err != nil {
		c.Close()
		return wire.ErrDeadObject
	}
	return nil
}

// handleFrame routes one inbound frame. acquireSlot is false when the
// current goroutine already holds a worker slot (nested dispatch), so
// re-entrant calls cannot deadlock the pool.
func (c *Conn) handleFrame(f wire.Frame, acquireSlot bool) error {
	switch f.Header.Kind {
	case wire.KindTransaction:
		return c.sess.dispatch(c, f, acquireSlot)
	case wire.KindControl:
		return c.sess.handleControl(c, f)
	default:
		return fmt.Errorf("rpc: unexpected frame kind %d mid-session", f.Header.Kind)
	}
}
