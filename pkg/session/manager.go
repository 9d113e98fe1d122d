package session

import (
	"context"
	"errors"
	"log"
	"time"
)

var (
	// ErrUnknownSession is returned for ids that were never opened, were
	// closed or expired.
	ErrUnknownSession = errors.New("unknown session")
	errManagerStopped = errors.New("session manager stopped")
)

// job runs on a session's worker. A non-nil returned session replaces the
// current one, which is how reloads swap state without locks.
type job struct {
	ctx  context.Context
	fn   func(*Session) (*Session, error)
	done chan error
}

// entry is owned by the manager goroutine; only jobs and quit are shared
// with the worker.
type entry struct {
	id       string
	jobs     chan job
	quit     chan struct{}
	lastUsed time.Time
}

type op int

const (
	opAdd op = iota
	opLookup
	opClose
	opCount
	opSweep
)

type request struct {
	op    op
	id    string
	entry *entry
	reply chan reply
}

type reply struct {
	entry *entry
	n     int
}

// Manager owns every open session. The id → session map lives in one
// goroutine; each session gets a worker goroutine that runs its jobs in
// arrival order, so different sessions proceed in parallel while one
// session never sees two interactions at once.
type Manager struct {
	ttl      time.Duration
	requests chan request
	quit     chan struct{}
	now      func() time.Time
	probe    MemoryProbe
}

// NewManager starts the manager goroutine. Sessions idle for longer than
// ttl are closed; ttl <= 0 keeps them until Close.
func NewManager(ttl time.Duration, probe MemoryProbe) *Manager {
	return newManager(ttl, probe, time.Now)
}

func newManager(ttl time.Duration, probe MemoryProbe, now func() time.Time) *Manager {
	m := &Manager{
		ttl:      ttl,
		requests: make(chan request),
		quit:     make(chan struct{}),
		now:      now,
		probe:    probe,
	}
	go m.loop()
	return m
}

// Stop closes all sessions and the manager. Safe to call twice.
func (m *Manager) Stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
}

func (m *Manager) loop() {
	sessions := make(map[string]*entry)

	var tick <-chan time.Time
	if m.ttl > 0 {
		interval := m.ttl / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	sweep := func() int {
		now, n := m.now(), 0
		for id, e := range sessions {
			if m.ttl > 0 && now.Sub(e.lastUsed) > m.ttl {
				close(e.quit)
				delete(sessions, id)
				log.Printf("[Session] %s expired after %s idle", id, m.ttl)
				n++
			}
		}
		return n
	}

	for {
		select {
		case <-m.quit:
			for _, e := range sessions {
				close(e.quit)
			}
			return
		case <-tick:
			sweep()
		case req := <-m.requests:
			switch req.op {
			case opAdd:
				req.entry.lastUsed = m.now()
				sessions[req.entry.id] = req.entry
				req.reply <- reply{entry: req.entry}
			case opLookup:
				e := sessions[req.id]
				if e != nil {
					e.lastUsed = m.now()
				}
				req.reply <- reply{entry: e}
			case opClose:
				e := sessions[req.id]
				if e != nil {
					close(e.quit)
					delete(sessions, req.id)
				}
				req.reply <- reply{entry: e}
			case opCount:
				req.reply <- reply{n: len(sessions)}
			case opSweep:
				req.reply <- reply{n: sweep()}
			}
		}
	}
}

func (m *Manager) call(ctx context.Context, req request) (reply, error) {
	req.reply = make(chan reply, 1)
	select {
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-m.quit:
		return reply{}, errManagerStopped
	case m.requests <- req:
	}
	select {
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-m.quit:
		return reply{}, errManagerStopped
	case r := <-req.reply:
		return r, nil
	}
}

// Open loads a new session and registers it.
func (m *Manager) Open(ctx context.Context, opts Options) (Summary, error) {
	if opts.MemoryProbe == nil {
		opts.MemoryProbe = m.probe
	}
	s, err := Open(ctx, opts)
	if err != nil {
		return Summary{}, err
	}
	return m.add(ctx, s)
}

func (m *Manager) add(ctx context.Context, s *Session) (Summary, error) {
	sum := s.Summary()
	e := &entry{id: s.ID, jobs: make(chan job), quit: make(chan struct{})}
	go e.run(s)
	if _, err := m.call(ctx, request{op: opAdd, entry: e}); err != nil {
		close(e.quit)
		return Summary{}, err
	}
	return sum, nil
}

// Do runs fn on the session's worker and waits for it.
func (m *Manager) Do(ctx context.Context, id string, fn func(*Session) error) error {
	return m.submit(ctx, id, func(s *Session) (*Session, error) {
		return nil, fn(s)
	})
}

// Reload reopens the session with new options under the same id. The
// generation is bumped and cached results are dropped. On error the old
// state stays in place.
func (m *Manager) Reload(ctx context.Context, id string, opts Options) (Summary, error) {
	if opts.MemoryProbe == nil {
		opts.MemoryProbe = m.probe
	}
	var sum Summary
	err := m.submit(ctx, id, func(cur *Session) (*Session, error) {
		next, err := open(ctx, cur.ID, opts)
		if err != nil {
			return nil, err
		}
		next.Generation = cur.Generation + 1
		sum = next.Summary()
		return next, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

func (m *Manager) submit(ctx context.Context, id string, fn func(*Session) (*Session, error)) error {
	r, err := m.call(ctx, request{op: opLookup, id: id})
	if err != nil {
		return err
	}
	if r.entry == nil {
		return ErrUnknownSession
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case r.entry.jobs <- j:
	case <-r.entry.quit:
		return ErrUnknownSession
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops the session. It reports whether the id was open.
func (m *Manager) Close(ctx context.Context, id string) (bool, error) {
	r, err := m.call(ctx, request{op: opClose, id: id})
	return r.entry != nil, err
}

// Count returns the number of open sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	r, err := m.call(ctx, request{op: opCount})
	return r.n, err
}

// sweep expires idle sessions now instead of waiting for the ticker.
func (m *Manager) sweep(ctx context.Context) (int, error) {
	r, err := m.call(ctx, request{op: opSweep})
	return r.n, err
}

// run finishes the job in progress before honoring quit.
func (e *entry) run(s *Session) {
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			next, err := j.fn(s)
			if next != nil {
				s = next
			}
			j.done <- err
		}
	}
}
