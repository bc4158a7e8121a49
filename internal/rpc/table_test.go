package rpc

import (
	"errors"
	"testing"

	"github.com/objlink/objlink/internal/testutil/testlog"
	"github.com/objlink/objlink/internal/wire"
)

func TestTokenRoundTrip(t *testing.T) {
	testlog.Start(t)
	tag, handle, err := DecodeToken(EncodeToken(tokenSenderOwned, 0xCAFE))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tag != tokenSenderOwned || handle != 0xCAFE {
		t.Fatalf("got tag=%d handle=%d", tag, handle)
	}
}

func TestTokenRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	if _, _, err := DecodeToken([]byte{9, 0, 0, 0, 1}); !errors.Is(err, wire.ErrBadType) {
		t.Fatalf("bad tag: expected BAD_TYPE, got %v", err)
	}
	if _, _, err := DecodeToken([]byte{1, 0}); !errors.Is(err, wire.ErrBadType) {
		t.Fatalf("short token: expected BAD_TYPE, got %v", err)
	}
}

func TestTableHandleStability(t *testing.T) {
	testlog.Start(t)
	var removed []Object
	tb := newTable(func(o Object) { removed = append(removed, o) })

	obj := NewService()
	h1 := tb.transferStrong(obj)
	h2 := tb.transferStrong(obj)
	if h1 != h2 {
		t.Fatalf("same object got handles %d and %d", h1, h2)
	}
	if got, ok := tb.lookupLocal(h1); !ok || got != Object(obj) {
		t.Fatalf("lookup returned %v ok=%v", got, ok)
	}

	tb.adjustLocal(h1, -1, 0)
	if _, ok := tb.lookupLocal(h1); !ok {
		t.Fatalf("entry removed with one strong count remaining")
	}
	tb.adjustLocal(h1, -1, 0)
	if _, ok := tb.lookupLocal(h1); ok {
		t.Fatalf("entry survived its last strong count")
	}
	if len(removed) != 1 || removed[0] != Object(obj) {
		t.Fatalf("onRemove fired %d times", len(removed))
	}
}

func TestTableWeakCountKeepsEntry(t *testing.T) {
	testlog.Start(t)
	tb := newTable(nil)

	obj := NewService()
	h := tb.transferStrong(obj)
	tb.adjustLocal(h, 0, 1)
	tb.adjustLocal(h, -1, 0)
	if _, ok := tb.lookupLocal(h); !ok {
		t.Fatalf("weak count did not keep the entry alive")
	}
	tb.adjustLocal(h, 0, -1)
	if _, ok := tb.lookupLocal(h); ok {
		t.Fatalf("entry survived both counts reaching zero")
	}
}

func TestCountLiveBothDirections(t *testing.T) {
	testlog.Start(t)
	tb := newTable(nil)

	tb.transferStrong(NewService())
	tb.proxyReceived(nil, 7)
	if n := tb.countLive(); n != 2 {
		t.Fatalf("expected 2 live references, got %d", n)
	}
	tb.drop()
	if n := tb.countLive(); n != 0 {
		t.Fatalf("expected empty table after drop, got %d", n)
	}
}
