// Package rpc is the remote-object transport core: sessions multiplex
// transactions over pooled socket connections, an object table maps local
// objects to session-scoped handles and remote handles to proxies, and a
// dispatcher runs incoming calls on a bounded worker pool with per-object
// one-way ordering.
package rpc

import (
	"context"
	"sync"

	"github.com/objlink/objlink/internal/wire"
)

// Object is anything callable through the transport: a local object exposed
// to peers, or a Proxy standing in for a remote one. Implementations must be
// comparable (use pointer receivers); handle stability relies on it.
type Object interface {
	// Transact runs one method selector against the object. The returned
	// error maps to a wire status; errors carrying a *wire.Error keep
	// their status, anything else surfaces as FAILED.
	Transact(ctx context.Context, selector uint32, data []byte, flags uint32) ([]byte, error)
}

// HandlerFunc serves one selector.
type HandlerFunc func(ctx context.Context, data []byte) ([]byte, error)

// Service is a capability-indexed local object: selectors map to handlers,
// unknown selectors answer UNKNOWN_TRANSACTION.
type Service struct {
	mu       sync.RWMutex
	handlers map[uint32]HandlerFunc
}

func NewService() *Service {
	return &Service{handlers: make(map[uint32]HandlerFunc)}
}

// Handle registers fn for selector and returns the service for chaining.
func (s *Service) Handle(selector uint32, fn HandlerFunc) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[selector] = fn
	return s
}

func (s *Service) Transact(ctx context.Context, selector uint32, data []byte, flags uint32) ([]byte, error) {
	s.mu.RLock()
	fn, ok := s.handlers[selector]
	s.mu.RUnlock()
	if !ok {
		return nil, wire.ErrUnknownTransaction
	}
	return fn(ctx, data)
}

var (
	sharedMu      sync.Mutex
	sharedObjects map[string]Object
)

// SharedObject returns the process-wide object registered under name,
// building it on first access. Shared objects live until process exit;
// there is no unregister.
func SharedObject(name string, build func() Object) Object {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedObjects == nil {
		sharedObjects = make(map[string]Object)
	}
	if o, ok := sharedObjects[name]; ok {
		return o
	}
	o := build()
	sharedObjects[name] = o
	return o
}
