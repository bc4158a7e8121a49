package rpc

import (
	"errors"
	"fmt"

	"github.com/objlink/objlink/internal/observability"
	"github.com/objlink/objlink/internal/wire"
)

// DefaultOnewayQueueDepth bounds how many one-way transactions may sit
// unexecuted per target before the session is torn down.
const DefaultOnewayQueueDepth = 128

var errOnewayOverflow = errors.New("rpc: oneway queue overflow")

type onewayJob struct {
	obj      Object
	selector uint32
	payload  []byte
}

// onewayQueue serializes one-way transactions against a single target:
// jobs run in arrival order, one at a time, on a borrowed worker slot.
type onewayQueue struct {
	jobs    []onewayJob
	running bool
	waiters []chan struct{}
}

// dispatcher routes inbound transactions for one session: two-way calls run
// inline on the reading goroutine against the shared worker pool, one-way
// calls are queued per target and drained in order by a queue goroutine.
type dispatcher struct {
	sess  *Session
	depth int

	queues map[uint32]*onewayQueue
}

func newDispatcher(s *Session, depth int) *dispatcher {
	if depth <= 0 {
		depth = DefaultOnewayQueueDepth
	}
	return &dispatcher{sess: s, depth: depth, queues: make(map[uint32]*onewayQueue)}
}

// enqueue appends a one-way job for target, starting a drain goroutine if
// the queue was idle. A full queue is a protocol-fatal condition.
func (d *dispatcher) enqueue(target uint32, job onewayJob) error {
	s := d.sess
	s.mu.Lock()
	q, ok := d.queues[target]
	if !ok {
		q = &onewayQueue{}
		d.queues[target] = q
	}
	if len(q.jobs) >= d.depth {
		s.mu.Unlock()
		observability.OnewayOverflow()
		return fmt.Errorf("%w: target %d depth %d", errOnewayOverflow, target, d.depth)
	}
	q.jobs = append(q.jobs, job)
	start := !q.running
	if start {
		q.running = true
	}
	s.mu.Unlock()

	if start {
		go d.drain(q)
	}
	return nil
}

func (d *dispatcher) drain(q *onewayQueue) {
	s := d.sess
	for {
		s.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			for _, w := range q.waiters {
				close(w)
			}
			q.waiters = nil
			s.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		s.mu.Unlock()

		if err := s.acquireWorker(); err != nil {
			// Session shut down; remaining jobs are dropped with it.
			continue
		}
		_, err := job.obj.Transact(withCall(s.ctx, s, nil), job.selector, job.payload, wire.FlagOneway)
		s.releaseWorker()
		observability.RecordTransaction("inbound", "oneway", wire.StatusOf(err))
	}
}

// waitIdle blocks until target's one-way queue has fully drained, so a
// two-way transaction observes every one-way sent before it.
func (d *dispatcher) waitIdle(target uint32) error {
	s := d.sess
	s.mu.Lock()
	q, ok := d.queues[target]
	if !ok || (!q.running && len(q.jobs) == 0) {
		s.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	s.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-s.ctx.Done():
		return wire.ErrDeadObject
	}
}
