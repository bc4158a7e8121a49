package rpc

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/objlink/objlink/internal/parcel"
	"github.com/objlink/objlink/internal/testutil/testlog"
	"github.com/objlink/objlink/internal/transport"
)

// Selectors of the test service.
const (
	selEcho uint32 = iota + 1
	selSleepMs
	selAppend
	selGetLog
	selNewObject
	selRepeatObject
	selPingObject
	selCallback
	selNestEcho
	selShutdownServer
)

const (
	fieldObject uint16 = 1
	fieldValue  uint16 = 2
	fieldDelay  uint16 = 3
)

func u32be(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

type testEnv struct {
	t   *testing.T
	srv *Server
	ep  transport.Endpoint
}

// startServer brings up a server on a fresh unix socket with root as its
// root object. maxThreads <= 0 keeps the default single worker.
func startServer(t *testing.T, root Object, maxThreads int, opts ...ServerOption) *testEnv {
	t.Helper()
	testlog.Start(t)

	srv := NewServer(opts...)
	srv.AcknowledgeExperimental()
	if maxThreads > 0 {
		srv.SetMaxThreads(maxThreads)
	}
	if root != nil {
		srv.SetRoot(root, true)
	}

	ep := transport.UnixEndpoint{Path: filepath.Join(t.TempDir(), "rpc.sock")}
	if err := srv.Bind(ep); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.Join()
	})
	return &testEnv{t: t, srv: srv, ep: ep}
}

func (e *testEnv) connect(opts ...SessionOption) *Session {
	e.t.Helper()
	s, err := Connect(context.Background(), e.ep, opts...)
	if err != nil {
		e.t.Fatalf("connect: %v", err)
	}
	e.t.Cleanup(func() { s.Shutdown(true) })
	return s
}

func (e *testEnv) root(s *Session) *Proxy {
	e.t.Helper()
	p, err := s.GetRoot(context.Background())
	if err != nil {
		e.t.Fatalf("get root: %v", err)
	}
	if p == nil {
		e.t.Fatalf("expected a root object")
	}
	return p
}

// newTestService builds the standard remote end: echo, timed sleeps, an
// ordered log for one-way sequencing, and object-juggling selectors.
func newTestService(srv *Server) *Service {
	var mu sync.Mutex
	var logged []string

	svc := NewService()
	svc.Handle(selEcho, func(ctx context.Context, data []byte) ([]byte, error) {
		return append(append([]byte(nil), data...), data...), nil
	})
	svc.Handle(selSleepMs, func(ctx context.Context, data []byte) ([]byte, error) {
		time.Sleep(time.Duration(binary.BigEndian.Uint32(data)) * time.Millisecond)
		return nil, nil
	})
	svc.Handle(selAppend, func(ctx context.Context, data []byte) ([]byte, error) {
		fields, err := parcel.Decode(data)
		if err != nil {
			return nil, err
		}
		if f, err := parcel.Lookup(fields, fieldDelay); err == nil {
			// Optional pre-append delay, in milliseconds.
			if ms, err := f.Uint32(); err == nil && ms > 0 {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		}
		vf, err := parcel.Lookup(fields, fieldValue)
		if err != nil {
			return nil, err
		}
		v, err := vf.String()
		if err != nil {
			return nil, err
		}
		mu.Lock()
		logged = append(logged, v)
		mu.Unlock()
		return nil, nil
	})
	svc.Handle(selGetLog, func(ctx context.Context, data []byte) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		fields := make([]parcel.Field, 0, len(logged))
		for _, v := range logged {
			fields = append(fields, parcel.NewString(fieldValue, v))
		}
		return parcel.Encode(fields), nil
	})
	svc.Handle(selNewObject, func(ctx context.Context, data []byte) ([]byte, error) {
		sess, ok := SessionFromContext(ctx)
		if !ok {
			return nil, context.Canceled
		}
		obj := NewService().Handle(selEcho, func(ctx context.Context, data []byte) ([]byte, error) {
			return data, nil
		})
		tok, err := sess.MarshalObject(obj)
		if err != nil {
			return nil, err
		}
		return parcel.Encode([]parcel.Field{parcel.NewObject(fieldObject, tok)}), nil
	})
	svc.Handle(selRepeatObject, func(ctx context.Context, data []byte) ([]byte, error) {
		sess, ok := SessionFromContext(ctx)
		if !ok {
			return nil, context.Canceled
		}
		obj, err := unmarshalArg(ctx, data)
		if err != nil {
			return nil, err
		}
		tok, err := sess.MarshalObject(obj)
		if err != nil {
			return nil, err
		}
		return parcel.Encode([]parcel.Field{parcel.NewObject(fieldObject, tok)}), nil
	})
	svc.Handle(selPingObject, func(ctx context.Context, data []byte) ([]byte, error) {
		obj, err := unmarshalArg(ctx, data)
		if err != nil {
			return nil, err
		}
		if p, ok := obj.(*Proxy); ok {
			return nil, p.Ping(ctx)
		}
		return nil, nil
	})
	svc.Handle(selNestEcho, func(ctx context.Context, data []byte) ([]byte, error) {
		obj, err := unmarshalArg(ctx, data)
		if err != nil {
			return nil, err
		}
		fields, err := parcel.Decode(data)
		if err != nil {
			return nil, err
		}
		vf, err := parcel.Lookup(fields, fieldValue)
		if err != nil {
			return nil, err
		}
		return obj.Transact(ctx, selEcho, vf.Value, 0)
	})
	if srv != nil {
		svc.Handle(selShutdownServer, func(ctx context.Context, data []byte) ([]byte, error) {
			srv.Shutdown()
			return nil, nil
		})
	}
	return svc
}

// unmarshalArg pulls the object field out of a parcel payload and resolves
// it on the calling session.
func unmarshalArg(ctx context.Context, data []byte) (Object, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return nil, context.Canceled
	}
	fields, err := parcel.Decode(data)
	if err != nil {
		return nil, err
	}
	f, err := parcel.Lookup(fields, fieldObject)
	if err != nil {
		return nil, err
	}
	tok, err := f.Object()
	if err != nil {
		return nil, err
	}
	return sess.UnmarshalObject(tok)
}

// objectArg marshals obj on s into a single-field parcel payload.
func objectArg(t *testing.T, s *Session, obj Object, extra ...parcel.Field) []byte {
	t.Helper()
	tok, err := s.MarshalObject(obj)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	fields := append([]parcel.Field{parcel.NewObject(fieldObject, tok)}, extra...)
	return parcel.Encode(fields)
}

// replyObject resolves the object field of a reply payload on s.
func replyObject(t *testing.T, s *Session, payload []byte) Object {
	t.Helper()
	fields, err := parcel.Decode(payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	f, err := parcel.Lookup(fields, fieldObject)
	if err != nil {
		t.Fatalf("reply object field: %v", err)
	}
	tok, err := f.Object()
	if err != nil {
		t.Fatalf("reply object token: %v", err)
	}
	obj, err := s.UnmarshalObject(tok)
	if err != nil {
		t.Fatalf("unmarshal reply object: %v", err)
	}
	return obj
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
