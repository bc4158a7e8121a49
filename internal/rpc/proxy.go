package rpc

import (
	"context"
	"sync"

	"github.com/objlink/objlink/internal/wire"
)

// Proxy is the local stand-in for an object owned by the session peer.
// Strong counts are tracked locally; the counts the owner granted are
// returned in bulk when the last local reference drops, piggybacked on the
// next outbound frame.
type Proxy struct {
	sess   *Session
	handle uint32

	mu     sync.Mutex
	strong int
	owed   int
	weak   int
}

// Handle returns the peer-scoped handle this proxy stands in for.
func (p *Proxy) Handle() uint32 { return p.handle }

// Session returns the session the proxy belongs to.
func (p *Proxy) Session() *Session { return p.sess }

// Transact issues a call on the remote object. Two-way calls block until the
// reply arrives; one-way calls return once the frame is written.
func (p *Proxy) Transact(ctx context.Context, selector uint32, data []byte, flags uint32) ([]byte, error) {
	p.mu.Lock()
	alive := p.strong > 0
	p.mu.Unlock()
	if !alive {
		return nil, wire.ErrDeadObject
	}
	return p.sess.transact(ctx, p.handle, selector, data, flags)
}

// Ping probes remote liveness without touching the target object.
func (p *Proxy) Ping(ctx context.Context) error {
	_, err := p.Transact(ctx, wire.SelectorPing, nil, 0)
	return err
}

// Retain adds a local strong reference.
func (p *Proxy) Retain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strong == 0 {
		return wire.ErrDeadObject
	}
	p.strong++
	return nil
}

// Release drops one local strong reference. When the last one goes, every
// count the owner granted is queued back as a release control frame and the
// proxy leaves the table.
func (p *Proxy) Release() error {
	p.mu.Lock()
	if p.strong == 0 {
		p.mu.Unlock()
		return wire.ErrDeadObject
	}
	p.strong--
	if p.strong > 0 {
		p.mu.Unlock()
		return nil
	}
	owed := p.owed
	p.owed = 0
	weakLeft := p.weak > 0
	p.mu.Unlock()

	if owed > 0 {
		p.sess.queueRefcount(wire.ControlRelease, p.handle, uint32(owed))
	}
	if !weakLeft {
		p.sess.table.removeProxy(p.handle)
	}
	return nil
}

// Downgrade takes a weak handle on the proxy. The first weak handle notifies
// the owner so the remote entry outlives the strong counts.
func (p *Proxy) Downgrade() (*WeakProxy, error) {
	p.mu.Lock()
	if p.strong == 0 {
		p.mu.Unlock()
		return nil, wire.ErrDeadObject
	}
	p.weak++
	first := p.weak == 1
	p.mu.Unlock()

	if first {
		p.sess.queueRefcount(wire.ControlAcquireWeak, p.handle, 1)
	}
	return &WeakProxy{p: p}, nil
}

// WeakProxy is a non-owning handle on a remote object. It cannot be used to
// transact; Promote yields a strong proxy only while other strong references
// still exist. Once the last strong reference anywhere has dropped the weak
// handle can never be promoted again.
type WeakProxy struct {
	p    *Proxy
	once sync.Once
}

// Promote upgrades the weak handle to a strong reference, failing with
// DEAD_OBJECT when no strong reference survives.
func (w *WeakProxy) Promote() (*Proxy, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.p.strong == 0 {
		return nil, wire.ErrDeadObject
	}
	w.p.strong++
	return w.p, nil
}

// Release drops the weak handle. Idempotent.
func (w *WeakProxy) Release() {
	w.once.Do(func() {
		w.p.mu.Lock()
		w.p.weak--
		last := w.p.weak == 0
		gone := last && w.p.strong == 0
		w.p.mu.Unlock()

		if last {
			w.p.sess.queueRefcount(wire.ControlReleaseWeak, w.p.handle, 1)
		}
		if gone {
			w.p.sess.table.removeProxy(w.p.handle)
		}
	})
}
