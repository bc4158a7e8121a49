package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/objlink/objlink/internal/observability"
	"github.com/objlink/objlink/internal/transport"
	"github.com/objlink/objlink/internal/wire"
)

const (
	stateActive int32 = iota
	stateShutdown
)

var (
	errShutdownRequested = errors.New("rpc: peer requested shutdown")
	errHandshakeRefused  = errors.New("rpc: handshake refused")
)

// Session is one client<->server relationship: a pool of connections, an
// object reference table scoped to this peer, and per-target one-way queues.
// Handles never cross sessions.
type Session struct {
	id     uuid.UUID
	log    zerolog.Logger
	limits wire.Limits

	table *table
	disp  *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	// server and workers are set on serving-side sessions; dial on
	// client-side ones.
	server  *Server
	workers *semaphore.Weighted
	dial    func() (*Conn, error)

	mu                sync.Mutex
	cond              *sync.Cond
	conns             map[*Conn]struct{}
	idle              []*Conn
	poolSize          int
	poolCap           int
	pending           []wire.Frame
	advertisedReverse int
	reverseRegistered int
	rootProxy         *Proxy

	readers sync.WaitGroup
}

func newSession(id uuid.UUID, limits wire.Limits, logger zerolog.Logger, onewayDepth int) *Session {
	s := &Session{
		id:     id,
		limits: limits,
		conns:  make(map[*Conn]struct{}),
	}
	s.log = logger.With().Str("session", id.String()).Logger()
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.table = newTable(nil)
	s.disp = newDispatcher(s, onewayDepth)
	observability.SessionOpened()
	return s
}

type sessionConfig struct {
	limits         wire.Limits
	logger         zerolog.Logger
	reverseThreads int
	onewayDepth    int
	backoff        transport.BackoffConfig
	maxAttempts    int
}

// SessionOption configures Connect.
type SessionOption func(*sessionConfig)

// WithReverseThreads dials n extra connections that this side serves, so the
// peer can call back into objects hosted here. Zero (the default) means
// inbound calls from the server fail with WOULD_BLOCK.
func WithReverseThreads(n int) SessionOption {
	return func(c *sessionConfig) { c.reverseThreads = n }
}

// WithSessionLimits overrides the frame limits for all session connections.
func WithSessionLimits(l wire.Limits) SessionOption {
	return func(c *sessionConfig) { c.limits = l }
}

// WithSessionLogger overrides the parent logger.
func WithSessionLogger(l zerolog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// WithOnewayQueueDepth bounds the per-target one-way backlog before the
// session is declared broken.
func WithOnewayQueueDepth(depth int) SessionOption {
	return func(c *sessionConfig) { c.onewayDepth = depth }
}

// WithDialRetry configures backoff for the primary dial. maxAttempts 0
// retries until ctx is done.
func WithDialRetry(cfg transport.BackoffConfig, maxAttempts int) SessionOption {
	return func(c *sessionConfig) {
		c.backoff = cfg
		c.maxAttempts = maxAttempts
	}
}

// Connect establishes a session to the server at ep: it dials the primary
// connection, exchanges handshakes, advertises reverse threads and dials the
// reverse connections the peer may call back on. ctx bounds connection
// establishment only, not the session lifetime.
func Connect(ctx context.Context, ep transport.Endpoint, opts ...SessionOption) (*Session, error) {
	cfg := sessionConfig{
		limits:      wire.DefaultLimits(),
		logger:      log.Logger,
		backoff:     transport.DefaultBackoff(),
		maxAttempts: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := newSession(uuid.New(), cfg.limits, cfg.logger, cfg.onewayDepth)
	s.dial = func() (*Conn, error) {
		nc, err := ep.Dial()
		if err != nil {
			return nil, fmt.Errorf("rpc: dial %s: %w", ep, err)
		}
		c := newConn(s, nc, nil, rolePool)
		if _, err := clientHandshake(c, s.id, connRoleSecondary, 0); err != nil {
			c.Close()
			if errors.Is(err, errHandshakeRefused) {
				// The server no longer knows this session.
				s.Shutdown(false)
				return nil, wire.ErrDeadObject
			}
			return nil, err
		}
		return c, nil
	}

	nc, err := transport.DialRetry(ctx, ep, cfg.backoff, cfg.maxAttempts)
	if err != nil {
		s.Shutdown(false)
		return nil, fmt.Errorf("rpc: dial %s: %w", ep, err)
	}
	primary := newConn(s, nc, nil, rolePool)
	ack, err := clientHandshake(primary, s.id, connRolePrimary, cfg.reverseThreads)
	if err != nil {
		primary.Close()
		s.Shutdown(false)
		return nil, err
	}

	s.mu.Lock()
	s.conns[primary] = struct{}{}
	s.poolSize = 1
	s.poolCap = ack.MaxThreads
	if s.poolCap < 1 {
		s.poolCap = 1
	}
	s.idle = append(s.idle, primary)
	s.mu.Unlock()

	for i := 0; i < cfg.reverseThreads; i++ {
		if err := s.dialReverse(ep); err != nil {
			s.Shutdown(false)
			return nil, err
		}
	}

	s.log.Debug().Str("endpoint", ep.String()).Int("pool_cap", s.poolCap).
		Int("reverse_threads", cfg.reverseThreads).Msg("session established")
	return s, nil
}

func (s *Session) dialReverse(ep transport.Endpoint) error {
	nc, err := ep.Dial()
	if err != nil {
		return fmt.Errorf("rpc: dial reverse %s: %w", ep, err)
	}
	c := newConn(s, nc, nil, roleServing)
	if _, err := clientHandshake(c, s.id, connRoleReverse, 0); err != nil {
		c.Close()
		return err
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.readers.Add(1)
	go func() {
		defer s.readers.Done()
		c.serve()
	}()
	return nil
}

// ID returns the session identifier shared by both peers.
func (s *Session) ID() uuid.UUID { return s.id }

// CountLive returns how many object references this session still tracks,
// local entries and proxies combined.
func (s *Session) CountLive() int { return s.table.countLive() }

func (s *Session) isShutdown() bool { return s.state.Load() != stateActive }

// GetRoot fetches the server's root object, caching the proxy so repeated
// calls observe the same identity. A nil proxy with nil error means the
// server has no root configured (or its weak root has already expired).
func (s *Session) GetRoot(ctx context.Context) (*Proxy, error) {
	s.mu.Lock()
	if p := s.rootProxy; p != nil {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	c, err := s.checkout()
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(wire.Frame{Header: wire.Header{
		Kind: wire.KindControl,
		Code: wire.ControlRootRequest,
	}})
	s.checkin(c)
	if err != nil {
		return nil, err
	}
	if reply.Header.Status != wire.StatusOK {
		return nil, wire.StatusErr(reply.Header.Status)
	}
	o, err := s.UnmarshalObject(reply.Payload)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, nil
	}
	p := o.(*Proxy)

	s.mu.Lock()
	if s.rootProxy == nil {
		s.rootProxy = p
	}
	p = s.rootProxy
	s.mu.Unlock()
	return p, nil
}

// MarshalObject encodes an object reference for transfer over this session.
// Marshaling a local object transfers one strong count to the peer;
// marshaling a proxy hands the peer back its own handle. Proxies from other
// sessions cannot cross: handles have no meaning outside the session that
// issued them.
func (s *Session) MarshalObject(o Object) ([]byte, error) {
	if o == nil {
		return EncodeToken(tokenNull, 0), nil
	}
	if p, ok := o.(*Proxy); ok {
		if p.sess != s {
			return nil, fmt.Errorf("rpc: proxy belongs to another session: %w", wire.ErrInvalidOperation)
		}
		p.mu.Lock()
		alive := p.strong > 0
		p.mu.Unlock()
		if !alive {
			return nil, wire.ErrDeadObject
		}
		return EncodeToken(tokenReceiverOwned, p.handle), nil
	}
	return EncodeToken(tokenSenderOwned, s.table.transferStrong(o)), nil
}

// UnmarshalObject decodes an object reference received over this session.
// Sender-owned handles resolve to proxies (the same proxy for the same
// handle); receiver-owned handles resolve back to the original local object.
func (s *Session) UnmarshalObject(tok []byte) (Object, error) {
	tag, handle, err := DecodeToken(tok)
	if err != nil {
		return nil, err
	}
	switch tag {
	case tokenNull:
		return nil, nil
	case tokenSenderOwned:
		return s.table.proxyReceived(s, handle), nil
	default:
		o, ok := s.table.lookupLocal(handle)
		if !ok {
			return nil, fmt.Errorf("rpc: handle %d not issued on this session: %w", handle, wire.ErrInvalidOperation)
		}
		return o, nil
	}
}

// transact sends one transaction frame. Two-way calls nested inside an
// inbound call on this session ride the inbound connection, so mutually
// recursive calls cannot exhaust the pool.
func (s *Session) transact(ctx context.Context, target, selector uint32, data []byte, flags uint32) ([]byte, error) {
	if s.isShutdown() {
		return nil, wire.ErrDeadObject
	}
	req := wire.Frame{
		Header: wire.Header{
			Kind:   wire.KindTransaction,
			Target: target,
			Code:   selector,
			Flags:  flags,
		},
		Payload: data,
	}

	if flags&wire.FlagOneway != 0 {
		// Send order is preserved per connection; consecutive one-ways
		// from one caller may check out different connections, so order
		// across connections is unspecified.
		if s.poolCapNow() == 0 {
			return nil, wire.ErrWouldBlock
		}
		c, err := s.checkout()
		if err != nil {
			return nil, err
		}
		err = c.send(req)
		s.checkin(c)
		observability.RecordTransaction("outbound", "oneway", wire.StatusOf(err))
		return nil, err
	}

	var reply wire.Frame
	var err error
	if cc, ok := callFromContext(ctx); ok && cc.sess == s && cc.conn != nil && !cc.conn.isClosed() {
		reply, err = cc.conn.roundTrip(req)
	} else {
		var c *Conn
		c, err = s.checkout()
		if err != nil {
			return nil, err
		}
		reply, err = c.roundTrip(req)
		s.checkin(c)
	}
	if err != nil {
		observability.RecordTransaction("outbound", "twoway", wire.StatusOf(err))
		return nil, err
	}
	st := reply.Header.Status
	observability.RecordTransaction("outbound", "twoway", st)
	if st != wire.StatusOK {
		return nil, wire.StatusErr(st)
	}
	return reply.Payload, nil
}

// dispatch runs one inbound transaction frame read from c. acquireSlot is
// false for nested dispatch, where the goroutine already holds a slot.
func (s *Session) dispatch(c *Conn, f wire.Frame, acquireSlot bool) error {
	target := f.Header.Target
	selector := f.Header.Code
	oneway := f.Header.Flags&wire.FlagOneway != 0

	var obj Object
	status := wire.StatusOK
	if target == 0 {
		status = wire.StatusInvalidOperation
	} else if o, ok := s.table.lookupLocal(target); ok {
		obj = o
	} else {
		status = wire.StatusInvalidOperation
	}

	if oneway {
		if status != wire.StatusOK || selector == wire.SelectorPing {
			return nil
		}
		return s.disp.enqueue(target, onewayJob{obj: obj, selector: selector, payload: f.Payload})
	}

	// Two-way calls observe every one-way sent to the target before them.
	if status == wire.StatusOK {
		if err := s.disp.waitIdle(target); err != nil {
			return err
		}
	}
	if acquireSlot {
		if err := s.acquireWorker(); err != nil {
			return err
		}
		defer s.releaseWorker()
	}

	var payload []byte
	if status == wire.StatusOK && selector != wire.SelectorPing {
		out, err := obj.Transact(withCall(s.ctx, s, c), selector, f.Payload, 0)
		status = wire.StatusOf(err)
		if status == wire.StatusOK {
			payload = out
		}
	}
	observability.RecordTransaction("inbound", "twoway", status)
	return c.writeFrame(wire.Frame{
		Header: wire.Header{
			Kind:   wire.KindReply,
			Target: target,
			Code:   selector,
			Status: status,
		},
		Payload: payload,
	})
}

func (s *Session) handleControl(c *Conn, f wire.Frame) error {
	switch f.Header.Code {
	case wire.ControlAcquire:
		s.table.adjustLocal(f.Header.Target, int(controlCount(f)), 0)
	case wire.ControlAcquireWeak:
		s.table.adjustLocal(f.Header.Target, 0, int(controlCount(f)))
	case wire.ControlRelease:
		s.table.adjustLocal(f.Header.Target, -int(controlCount(f)), 0)
	case wire.ControlReleaseWeak:
		s.table.adjustLocal(f.Header.Target, 0, -int(controlCount(f)))
	case wire.ControlThreadAdvertise:
		// Raises the reverse-connection budget mid-session. Never shrinks:
		// already-registered connections must stay within budget.
		s.mu.Lock()
		if n := int(f.Header.Target); n > s.advertisedReverse {
			s.advertisedReverse = n
		}
		s.mu.Unlock()
	case wire.ControlShutdown:
		return errShutdownRequested
	case wire.ControlRootRequest:
		return c.writeFrame(wire.Frame{
			Header: wire.Header{
				Kind: wire.KindReply,
				Code: wire.ControlRootRequest,
			},
			Payload: s.rootToken(),
		})
	default:
		return fmt.Errorf("rpc: unknown control code %d", f.Header.Code)
	}
	return nil
}

func controlCount(f wire.Frame) uint32 {
	if len(f.Payload) >= 4 {
		return binary.BigEndian.Uint32(f.Payload)
	}
	return 1
}

// rootToken marshals the server's root object for this session, transferring
// one strong count per fetch.
func (s *Session) rootToken() []byte {
	if s.server == nil {
		return EncodeToken(tokenNull, 0)
	}
	root := s.server.Root()
	if root == nil {
		return EncodeToken(tokenNull, 0)
	}
	return EncodeToken(tokenSenderOwned, s.table.transferStrong(root))
}

// queueRefcount records a refcount control frame to piggyback on the next
// outbound frame, flushing immediately when an idle connection is at hand.
func (s *Session) queueRefcount(code, handle, count uint32) {
	if s.isShutdown() {
		return
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, count)
	f := wire.Frame{
		Header: wire.Header{
			Kind:   wire.KindControl,
			Code:   code,
			Target: handle,
		},
		Payload: payload,
	}

	s.mu.Lock()
	s.pending = append(s.pending, f)
	var c *Conn
	if n := len(s.idle); n > 0 {
		c = s.idle[n-1]
		s.idle = s.idle[:n-1]
	}
	s.mu.Unlock()

	if c != nil {
		if err := s.flushPending(c); err != nil {
			c.Close()
			return
		}
		s.checkin(c)
	}
}

// flushPending writes queued refcount frames on c before any other traffic,
// so releases are never reordered after a call that depends on them.
func (s *Session) flushPending(c *Conn) error {
	s.mu.Lock()
	pend := s.pending
	s.pending = nil
	s.mu.Unlock()
	for i, f := range pend {
		if err := c.writeFrame(f); err != nil {
			s.mu.Lock()
			s.pending = append(pend[i:], s.pending...)
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *Session) acquireWorker() error {
	if s.workers == nil {
		return nil
	}
	if err := s.workers.Acquire(s.ctx, 1); err != nil {
		return wire.ErrDeadObject
	}
	return nil
}

func (s *Session) releaseWorker() {
	if s.workers != nil {
		s.workers.Release(1)
	}
}

func (s *Session) poolCapNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolCap
}

// checkout hands the caller exclusive use of a pool connection, dialing a
// secondary when the pool has headroom and blocking when it is saturated.
// Blocked callers are released by checkins, pool growth or shutdown.
func (s *Session) checkout() (*Conn, error) {
	s.mu.Lock()
	for {
		if s.isShutdown() {
			s.mu.Unlock()
			return nil, wire.ErrDeadObject
		}
		if s.poolCap == 0 {
			s.mu.Unlock()
			return nil, wire.ErrWouldBlock
		}
		if n := len(s.idle); n > 0 {
			c := s.idle[n-1]
			s.idle = s.idle[:n-1]
			if c.isClosed() {
				continue
			}
			s.mu.Unlock()
			return c, nil
		}
		if s.dial != nil && s.poolSize < s.poolCap {
			s.poolSize++
			s.mu.Unlock()
			c, err := s.dial()
			s.mu.Lock()
			if err != nil {
				s.poolSize--
				s.cond.Broadcast()
				s.mu.Unlock()
				return nil, err
			}
			s.conns[c] = struct{}{}
			s.mu.Unlock()
			return c, nil
		}
		s.cond.Wait()
	}
}

func (s *Session) checkin(c *Conn) {
	if c.isClosed() {
		return
	}
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		s.idle = append(s.idle, c)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// reserveReverseSlot claims one advertised reverse-connection slot. Fails
// when the peer dials more reverse connections than it advertised; slots are
// not returned when a reverse connection drops.
func (s *Session) reserveReverseSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reverseRegistered >= s.advertisedReverse {
		return false
	}
	s.reverseRegistered++
	return true
}

// registerPoolConn adds a peer-dialed reverse connection to the callable
// pool (serving side).
func (s *Session) registerPoolConn(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.poolSize++
	s.poolCap++
	s.idle = append(s.idle, c)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Session) registerServingConn(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) forgetConn(c *Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		if c.role == rolePool {
			s.poolSize--
			for i, ic := range s.idle {
				if ic == c {
					s.idle = append(s.idle[:i], s.idle[i+1:]...)
					break
				}
			}
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Shutdown tears the session down: a shutdown request goes out on idle
// connections, every connection closes, the table drops and blocked callers
// fail with DEAD_OBJECT. Returns false when another shutdown won the race.
// wait joins the serving goroutines; it must be false when called from a
// handler running on one of them.
func (s *Session) Shutdown(wait bool) bool {
	won := s.state.CompareAndSwap(stateActive, stateShutdown)
	if won {
		s.cancel()

		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		idle := append([]*Conn(nil), s.idle...)
		s.idle = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		bye := wire.Frame{Header: wire.Header{Kind: wire.KindControl, Code: wire.ControlShutdown}}
		for _, c := range idle {
			_ = c.writeFrame(bye)
		}
		for _, c := range conns {
			c.Close()
		}
		s.table.drop()
		if s.server != nil {
			s.server.dropSession(s)
		}
		observability.SessionClosed()
		s.log.Debug().Msg("session shut down")
	}
	if wait {
		s.readers.Wait()
	}
	return won
}
