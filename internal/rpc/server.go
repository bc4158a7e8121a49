package rpc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/objlink/objlink/internal/transport"
	"github.com/objlink/objlink/internal/wire"
)

const (
	serverIdle int32 = iota
	serverStarted
	serverStopped
)

// DefaultMaxThreads is the worker pool size when SetMaxThreads is not called.
const DefaultMaxThreads = 1

// Server accepts sessions on one or more endpoints and dispatches inbound
// transactions onto a worker pool shared across all sessions.
type Server struct {
	log         zerolog.Logger
	limits      wire.Limits
	onewayDepth int

	state atomic.Int32

	mu             sync.Mutex
	maxThreads     int
	root           Object
	rootStrong     bool
	experimentalOK bool
	listeners      []net.Listener
	sessions       map[uuid.UUID]*Session
	workers        *semaphore.Weighted

	acceptors sync.WaitGroup
	serving   sync.WaitGroup
	done      chan struct{}
}

// ServerOption configures NewServer.
type ServerOption func(*Server)

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

func WithServerLimits(l wire.Limits) ServerOption {
	return func(s *Server) { s.limits = l }
}

// WithServerOnewayQueueDepth bounds the per-target one-way backlog on every
// session this server accepts.
func WithServerOnewayQueueDepth(depth int) ServerOption {
	return func(s *Server) { s.onewayDepth = depth }
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:        log.Logger,
		limits:     wire.DefaultLimits(),
		maxThreads: DefaultMaxThreads,
		sessions:   make(map[uuid.UUID]*Session),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "rpc.server").Logger()
	return s
}

// AcknowledgeExperimental opts in to the unstabilized wire protocol. Bind
// panics without it; the format may still change between releases and
// silent version skew would be worse than a crash.
func (s *Server) AcknowledgeExperimental() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experimentalOK = true
}

// SetMaxThreads sizes the worker pool shared by all sessions. Must be called
// before Start.
func (s *Server) SetMaxThreads(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() != serverIdle {
		panic("objlink: SetMaxThreads after Start")
	}
	s.maxThreads = n
}

// SetRoot installs the object handed to sessions that ask for the root.
// With strong false the server holds only a weak reference: once every
// remote strong count on the root drops, the slot clears and later root
// requests return null. A cleared weak root never comes back.
func (s *Server) SetRoot(o Object, strong bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = o
	s.rootStrong = strong
}

// Root returns the current root object, nil once a weak root has expired.
func (s *Server) Root() Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Bind starts listening on ep. May be called multiple times to serve several
// endpoints; must precede Start.
func (s *Server) Bind(ep transport.Endpoint) error {
	s.mu.Lock()
	if !s.experimentalOK {
		s.mu.Unlock()
		panic("objlink: refusing to bind: wire protocol is experimental, call AcknowledgeExperimental first")
	}
	if s.state.Load() != serverIdle {
		s.mu.Unlock()
		return fmt.Errorf("rpc: bind after start")
	}
	s.mu.Unlock()

	l, err := ep.Listen()
	if err != nil {
		return fmt.Errorf("rpc: bind %s: %w", ep, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	s.log.Info().Str("endpoint", ep.String()).Msg("bound")
	return nil
}

// Addrs returns the bound listener addresses, with any ephemeral ports
// resolved.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Start begins accepting sessions on every bound endpoint.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(serverIdle, serverStarted) {
		return fmt.Errorf("rpc: server already started")
	}
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		s.state.Store(serverStopped)
		close(s.done)
		return fmt.Errorf("rpc: no endpoints bound")
	}
	s.workers = semaphore.NewWeighted(int64(s.maxThreads))
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		s.acceptors.Add(1)
		go s.acceptLoop(l)
	}
	s.log.Info().Int("max_threads", s.maxThreads).Int("listeners", len(listeners)).Msg("serving")
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.acceptors.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc)
	}
}

// handleConn runs the opening exchange on a fresh socket and then either
// serves it (primary and secondary connections) or registers it into the
// session's callable pool (reverse connections).
func (s *Server) handleConn(nc net.Conn) {
	br := bufio.NewReader(nc)
	nc.SetDeadline(time.Now().Add(handshakeTimeout))

	f, err := wire.ReadFrame(br, s.limits)
	if err != nil {
		nc.Close()
		return
	}
	if f.Header.Kind != wire.KindHandshake {
		// The peer is speaking frames without a session. Tell it what
		// went wrong before hanging up.
		_ = wire.WriteFrame(nc, wire.Frame{Header: wire.Header{
			Kind:   wire.KindReply,
			Status: wire.StatusBadType,
		}}, s.limits)
		nc.Close()
		return
	}

	req, id, err := parseHandshake(f)
	if err != nil {
		s.rejectConn(nc, err.Error())
		return
	}

	s.mu.Lock()
	if s.state.Load() != serverStarted {
		s.mu.Unlock()
		s.rejectConn(nc, "server is shutting down")
		return
	}
	sess, known := s.sessions[id]
	if !known {
		if req.Role != connRolePrimary {
			s.mu.Unlock()
			s.rejectConn(nc, fmt.Sprintf("unknown session for %s connection", req.Role))
			return
		}
		sess = newSession(id, s.limits, s.log, s.onewayDepth)
		sess.server = s
		sess.workers = s.workers
		sess.table.onRemove = func(o Object) { s.noteEntryRemoved(o) }
		sess.advertisedReverse = req.ReverseThreads
		s.sessions[id] = sess
	} else if req.Role == connRolePrimary {
		s.mu.Unlock()
		s.rejectConn(nc, "duplicate primary connection")
		return
	}
	maxThreads := s.maxThreads
	s.mu.Unlock()

	if req.Role == connRoleReverse && !sess.reserveReverseSlot() {
		s.rejectConn(nc, "reverse connections exceed the advertised thread count")
		return
	}

	ack, err := encodeAck(handshakeAck{
		Accepted:   true,
		SessionID:  id.String(),
		MaxThreads: maxThreads,
	})
	if err != nil {
		nc.Close()
		return
	}
	if err := wire.WriteFrame(nc, ack, s.limits); err != nil {
		nc.Close()
		return
	}
	nc.SetDeadline(time.Time{})

	switch req.Role {
	case connRoleReverse:
		c := newConn(sess, nc, br, rolePool)
		sess.registerPoolConn(c)
	default:
		c := newConn(sess, nc, br, roleServing)
		sess.registerServingConn(c)
		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			c.serve()
		}()
	}
}

func (s *Server) rejectConn(nc net.Conn, msg string) {
	defer nc.Close()
	ack, err := encodeAck(handshakeAck{Accepted: false, Message: msg})
	if err != nil {
		return
	}
	_ = wire.WriteFrame(nc, ack, s.limits)
}

// noteEntryRemoved clears a weak root once no session holds a strong count
// on it anymore.
func (s *Server) noteEntryRemoved(o Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rootStrong || s.root == nil || o != s.root {
		return
	}
	for _, sess := range s.sessions {
		if sess.table.holdsLive(o) {
			return
		}
	}
	s.root = nil
	s.log.Debug().Msg("weak root expired")
}

func (s *Server) dropSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// LiveObjects returns the per-session count of tracked object references,
// for leak checks on teardown.
func (s *Server) LiveObjects() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.CountLive())
	}
	return out
}

// Shutdown stops accepting, tears down every session and releases all
// sockets. Safe to call from a handler: it does not join the serving
// goroutines, so the calling handler can still return. Returns false when
// the server was not running or another shutdown won the race.
func (s *Server) Shutdown() bool {
	if !s.state.CompareAndSwap(serverStarted, serverStopped) {
		return false
	}

	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs *multierror.Error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, sess := range sessions {
		sess.Shutdown(false)
	}
	if err := errs.ErrorOrNil(); err != nil {
		s.log.Warn().Err(err).Msg("shutdown released listeners with errors")
	}
	close(s.done)
	s.log.Info().Msg("server shut down")
	return true
}

// Join blocks until the server has shut down and every accept loop and
// serving goroutine has exited.
func (s *Server) Join() {
	<-s.done
	s.acceptors.Wait()
	s.serving.Wait()
}
