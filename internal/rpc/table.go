package rpc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/objlink/objlink/internal/wire"
)

// Object token layout inside parcel object fields: a tag byte followed by a
// big-endian handle. Handles are session-scoped; the tag says which side of
// the session owns the object the handle names.
const (
	tokenNull          byte = 0
	tokenSenderOwned   byte = 1
	tokenReceiverOwned byte = 2

	objectTokenLen = 5
)

// EncodeToken builds the wire form of an object reference.
func EncodeToken(tag byte, handle uint32) []byte {
	tok := make([]byte, objectTokenLen)
	tok[0] = tag
	binary.BigEndian.PutUint32(tok[1:], handle)
	return tok
}

// DecodeToken splits a wire object reference.
func DecodeToken(tok []byte) (byte, uint32, error) {
	if len(tok) != objectTokenLen {
		return 0, 0, fmt.Errorf("rpc: object token length %d: %w", len(tok), wire.ErrBadType)
	}
	switch tok[0] {
	case tokenNull, tokenSenderOwned, tokenReceiverOwned:
		return tok[0], binary.BigEndian.Uint32(tok[1:]), nil
	default:
		return 0, 0, fmt.Errorf("rpc: object token tag %d: %w", tok[0], wire.ErrBadType)
	}
}

type tableEntry struct {
	handle uint32
	object Object
	strong int
	weak   int
}

// table tracks one session's object references in both directions: local
// objects the peer holds counts on, and proxies for peer-owned handles.
// Handle spaces on the two sides are independent; ownership tags on tokens
// and transaction targets always name receiver-owned handles.
type table struct {
	mu         sync.Mutex
	nextHandle uint32
	entries    map[uint32]*tableEntry
	byObject   map[Object]uint32
	proxies    map[uint32]*Proxy

	// onRemove fires after a local entry drops to zero and is removed,
	// outside the table lock.
	onRemove func(Object)
}

func newTable(onRemove func(Object)) *table {
	return &table{
		nextHandle: 1,
		entries:    make(map[uint32]*tableEntry),
		byObject:   make(map[Object]uint32),
		proxies:    make(map[uint32]*Proxy),
		onRemove:   onRemove,
	}
}

// transferStrong exposes o under a stable handle and adds one strong count
// on behalf of the peer the handle is being sent to.
func (t *table) transferStrong(o Object) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byObject[o]
	if !ok {
		h = t.nextHandle
		t.nextHandle++
		t.byObject[o] = h
		t.entries[h] = &tableEntry{handle: h, object: o}
	}
	t.entries[h].strong++
	return h
}

func (t *table) lookupLocal(handle uint32) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return nil, false
	}
	return e.object, true
}

// adjustLocal applies a peer-sent count delta to a local entry. When both
// counts reach zero the entry is removed and onRemove fires.
func (t *table) adjustLocal(handle uint32, strongDelta, weakDelta int) {
	t.mu.Lock()
	e, ok := t.entries[handle]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.strong += strongDelta
	if e.strong < 0 {
		e.strong = 0
	}
	e.weak += weakDelta
	if e.weak < 0 {
		e.weak = 0
	}
	var removed Object
	if e.strong == 0 && e.weak == 0 {
		delete(t.entries, handle)
		delete(t.byObject, e.object)
		removed = e.object
	}
	t.mu.Unlock()

	if removed != nil && t.onRemove != nil {
		t.onRemove(removed)
	}
}

// proxyReceived resolves a peer-owned handle to its proxy, creating it on
// first sight, and records one received strong count.
func (t *table) proxyReceived(s *Session, handle uint32) *Proxy {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proxies[handle]
	if !ok {
		p = &Proxy{sess: s, handle: handle}
		t.proxies[handle] = p
	}
	p.mu.Lock()
	p.strong++
	p.owed++
	p.mu.Unlock()
	return p
}

func (t *table) removeProxy(handle uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.proxies, handle)
}

// holdsLive reports whether the peer still holds counts on o.
func (t *table) holdsLive(o Object) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byObject[o]
	return ok
}

// countLive returns the number of referenced entries on both sides of the
// table: local objects the peer holds counts on plus proxies this side
// holds counts on.
func (t *table) countLive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	for _, p := range t.proxies {
		p.mu.Lock()
		if p.strong > 0 || p.weak > 0 {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// drop severs every proxy on session teardown so later calls through them
// fail fast instead of touching closed connections.
func (t *table) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint32]*tableEntry)
	t.byObject = make(map[Object]uint32)
	t.proxies = make(map[uint32]*Proxy)
}
