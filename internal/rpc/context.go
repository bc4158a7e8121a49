package rpc

import "context"

type callCtxKey struct{}

type callContext struct {
	sess *Session
	conn *Conn
}

func withCall(ctx context.Context, s *Session, c *Conn) context.Context {
	return context.WithValue(ctx, callCtxKey{}, callContext{sess: s, conn: c})
}

// SessionFromContext returns the session an in-flight inbound transaction
// arrived on. Handlers use it to marshal and unmarshal object arguments.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	cc, ok := ctx.Value(callCtxKey{}).(callContext)
	if !ok {
		return nil, false
	}
	return cc.sess, true
}

func callFromContext(ctx context.Context) (callContext, bool) {
	cc, ok := ctx.Value(callCtxKey{}).(callContext)
	return cc, ok
}
