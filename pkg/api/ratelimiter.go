package api

import (
	"context"
	"errors"
	"time"
)

// ==========================
// Per-client rate limiting
// ==========================

// RequestKind separates cheap calls from downloads.
type RequestKind int

const (
	// RequestGeneral calls only queue behind the client's earlier calls.
	RequestGeneral RequestKind = iota
	// RequestHeavy calls (exports, archives) also wait out a cooldown after
	// the previous heavy call of the same client.
	RequestHeavy
)

// clientQueueSize bounds how many calls one client may have waiting.
const clientQueueSize = 16

var errTooManyRequests = errors.New("too many queued requests")

// RateLimiter runs one goroutine per client address, so a client's calls
// are served in order and never in parallel, while other clients are not
// affected. The dispatcher never blocks on a busy client: each worker has
// a bounded queue and overflow is refused.
type RateLimiter struct {
	cooldown time.Duration
	requests chan clientRequest
	now      func() time.Time
}

type clientRequest struct {
	ctx     context.Context
	client  string
	kind    RequestKind
	arrived time.Time
	granted chan grant
}

type grant struct {
	release chan struct{}
	waited  time.Duration
	err     error
}

// Permit is held while a request is served.
type Permit struct {
	release chan struct{}
	// Waited is the time spent queued and cooling down.
	Waited time.Duration
}

// Release lets the client's next request proceed. Double release is a no-op.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewRateLimiter starts the dispatcher.
func NewRateLimiter(heavyCooldown time.Duration) *RateLimiter {
	l := &RateLimiter{
		cooldown: heavyCooldown,
		requests: make(chan clientRequest),
		now:      time.Now,
	}
	go l.dispatch()
	return l
}

// Acquire waits for the client's turn. A nil limiter grants immediately.
func (l *RateLimiter) Acquire(ctx context.Context, client string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return &Permit{}, nil
	}
	req := clientRequest{ctx: ctx, client: client, kind: kind, arrived: l.now(), granted: make(chan grant, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- req:
	}
	select {
	case <-ctx.Done():
		// The worker still grants later; release it so the queue moves.
		go func() {
			if g := <-req.granted; g.release != nil {
				close(g.release)
			}
		}()
		return nil, ctx.Err()
	case g := <-req.granted:
		if g.err != nil {
			return nil, g.err
		}
		return &Permit{release: g.release, Waited: g.waited}, nil
	}
}

func (l *RateLimiter) dispatch() {
	queues := make(map[string]chan clientRequest)
	for req := range l.requests {
		q, ok := queues[req.client]
		if !ok {
			q = make(chan clientRequest, clientQueueSize)
			queues[req.client] = q
			go l.serve(q)
		}
		select {
		case q <- req:
		default:
			req.granted <- grant{err: errTooManyRequests}
		}
	}
}

// serve grants one request at a time for a single client.
func (l *RateLimiter) serve(queue <-chan clientRequest) {
	var lastHeavy time.Time
	for req := range queue {
		if err := req.ctx.Err(); err != nil {
			req.granted <- grant{err: err}
			continue
		}
		if req.kind == RequestHeavy && !lastHeavy.IsZero() {
			if wait := lastHeavy.Add(l.cooldown).Sub(l.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-req.ctx.Done():
					timer.Stop()
					req.granted <- grant{err: req.ctx.Err()}
					continue
				case <-timer.C:
				}
			}
		}

		release := make(chan struct{})
		req.granted <- grant{release: release, waited: max(0, l.now().Sub(req.arrived))}
		<-release

		if req.kind == RequestHeavy {
			lastHeavy = l.now()
		}
	}
}
