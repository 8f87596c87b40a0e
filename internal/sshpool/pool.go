package sshpool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/ssh"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/gateerr"
)

// Session is a pooled connection. While borrowed it belongs to the borrower,
// who must hand it back with Pool.Return or Pool.Invalidate.
type Session struct {
	Client   *ssh.Client
	Key      Key
	Created  time.Time
	LastUsed time.Time

	borrowed bool
}

type hostPool struct {
	idle    []*Session // oldest first
	active  int
	pending int
}

func (h *hostPool) empty() bool {
	return len(h.idle) == 0 && h.active == 0 && h.pending == 0
}

// Pool lends SSH sessions keyed by user, host and port.
type Pool struct {
	cfg  Config
	dial DialFunc
	now  func() time.Time

	mu        sync.Mutex
	hosts     map[Key]*hostPool
	total     int
	waiters   int
	created   uint64
	destroyed uint64
	closed    bool
	// changed is closed and replaced whenever capacity may have freed up.
	changed chan struct{}

	stop      chan struct{}
	evictDone chan struct{}
	closeOnce sync.Once
}

// New creates a pool that opens connections with dial and starts the
// evictor when cfg.EvictionInterval is positive.
func New(cfg Config, dial DialFunc) *Pool {
	p := &Pool{
		cfg:       cfg,
		dial:      dial,
		now:       time.Now,
		hosts:     make(map[Key]*hostPool),
		changed:   make(chan struct{}),
		stop:      make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	if cfg.EvictionInterval > 0 {
		go p.evictLoop()
	} else {
		close(p.evictDone)
	}
	return p
}

// Config returns the pool settings.
func (p *Pool) Config() Config {
	return p.cfg
}

// Borrow returns a session for target, reusing the oldest idle one when it
// passes the keepalive probe, or opening a new one when the per-host and
// total limits allow. Otherwise it waits up to the borrow timeout and fails
// with PoolExhausted.
func (p *Pool) Borrow(ctx context.Context, target catalog.RemoteTarget) (*Session, error) {
	key := KeyFor(target)
	timer := time.NewTimer(p.cfg.BorrowTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, gateerr.New(gateerr.PoolExhausted, "pool closed")
		}
		hp := p.host(key)

		if len(hp.idle) > 0 {
			s := hp.idle[0]
			hp.idle = hp.idle[1:]
			hp.active++
			s.borrowed = true
			p.mu.Unlock()

			if p.expired(s) || (p.cfg.TestOnBorrow && !p.probe(s)) {
				clog.Debug("sshpool: discarding stale session for %s", key)
				p.Invalidate(s)
				continue
			}
			s.LastUsed = p.now()
			clog.Debug("sshpool: reusing session for %s", key)
			return s, nil
		}

		if hp.active+hp.pending < p.cfg.MaxPerHost {
			var victim *Session
			if p.total >= p.cfg.MaxTotal {
				victim = p.takeOldestIdleLocked(key)
			}
			if p.total < p.cfg.MaxTotal {
				hp.pending++
				p.total++
				p.mu.Unlock()
				if victim != nil {
					p.closeClient(victim)
				}
				return p.open(ctx, key, target)
			}
		}

		p.releaseHostLocked(key, hp)
		wait := p.changed
		p.waiters++
		p.mu.Unlock()

		var err error
		select {
		case <-wait:
		case <-timer.C:
			err = gateerr.New(gateerr.PoolExhausted, "no session available for %s within %s", key, p.cfg.BorrowTimeout)
		case <-ctx.Done():
			err = gateerr.Wrap(gateerr.PoolExhausted, ctx.Err(), "borrow session for %s", key)
		}

		p.mu.Lock()
		p.waiters--
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
}

// open dials a new session. The caller has reserved a pending slot.
func (p *Pool) open(ctx context.Context, key Key, target catalog.RemoteTarget) (*Session, error) {
	client, err := p.dial(ctx, target)

	p.mu.Lock()
	hp := p.host(key)
	hp.pending--
	if err != nil {
		p.total--
		p.releaseHostLocked(key, hp)
		p.notifyLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.total--
		p.releaseHostLocked(key, hp)
		p.notifyLocked()
		p.mu.Unlock()
		_ = client.Close()
		return nil, gateerr.New(gateerr.PoolExhausted, "pool closed")
	}
	hp.active++
	p.created++
	p.mu.Unlock()

	now := p.now()
	clog.Debug("sshpool: opened session for %s", key)
	return &Session{Client: client, Key: key, Created: now, LastUsed: now, borrowed: true}, nil
}

// Return hands a borrowed session back. It is kept idle when the host is
// under its idle limit and the session is within its lifetime; otherwise it
// is closed. Returning a session twice is a no-op.
func (p *Pool) Return(s *Session) {
	if s == nil {
		return
	}
	if p.cfg.TestOnReturn && !p.probe(s) {
		p.Invalidate(s)
		return
	}

	p.mu.Lock()
	if !s.borrowed {
		p.mu.Unlock()
		return
	}
	s.borrowed = false
	hp := p.host(s.Key)
	hp.active--
	if p.closed || p.expired(s) || len(hp.idle) >= p.cfg.MaxIdlePerHost {
		p.discardLocked(s.Key, hp)
		p.mu.Unlock()
		p.closeClient(s)
		return
	}
	s.LastUsed = p.now()
	hp.idle = append(hp.idle, s)
	p.notifyLocked()
	p.mu.Unlock()
}

// Invalidate closes a borrowed session without returning it to the pool.
// Use it after any transport failure.
func (p *Pool) Invalidate(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if !s.borrowed {
		p.mu.Unlock()
		return
	}
	s.borrowed = false
	hp := p.host(s.Key)
	hp.active--
	p.discardLocked(s.Key, hp)
	p.mu.Unlock()

	clog.Debug("sshpool: invalidated session for %s", s.Key)
	p.closeClient(s)
}

// ClearHost closes every idle session to host, whatever the user or port,
// and reports how many were closed. Borrowed sessions are unaffected.
func (p *Pool) ClearHost(host string) int {
	p.mu.Lock()
	var victims []*Session
	for key, hp := range p.hosts {
		if key.Host != host {
			continue
		}
		for _, s := range hp.idle {
			victims = append(victims, s)
			p.total--
			p.destroyed++
		}
		hp.idle = nil
		p.releaseHostLocked(key, hp)
	}
	if len(victims) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, s := range victims {
		p.closeClient(s)
	}
	return len(victims)
}

// Close stops the evictor, closes idle sessions and wakes waiting borrowers.
// Sessions still borrowed are closed when they are returned. Close is
// idempotent; only the first call reports errors.
func (p *Pool) Close() error {
	var result *multierror.Error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var victims []*Session
		for key, hp := range p.hosts {
			for _, s := range hp.idle {
				victims = append(victims, s)
				p.total--
				p.destroyed++
			}
			hp.idle = nil
			p.releaseHostLocked(key, hp)
		}
		p.notifyLocked()
		p.mu.Unlock()

		close(p.stop)
		<-p.evictDone

		for _, s := range victims {
			if err := s.Client.Close(); err != nil {
				result = multierror.Append(result, gateerr.Wrap(gateerr.ExecutionFailed, err, "close session for %s", s.Key))
			}
		}
	})
	return result.ErrorOrNil()
}

func (p *Pool) host(key Key) *hostPool {
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{}
		p.hosts[key] = hp
	}
	return hp
}

func (p *Pool) releaseHostLocked(key Key, hp *hostPool) {
	if hp.empty() {
		delete(p.hosts, key)
	}
}

// discardLocked accounts for a session that is about to be closed.
func (p *Pool) discardLocked(key Key, hp *hostPool) {
	p.total--
	p.destroyed++
	p.releaseHostLocked(key, hp)
	p.notifyLocked()
}

// takeOldestIdleLocked removes the least recently used idle session of any
// key other than except, so a new key can be served at the total limit.
func (p *Pool) takeOldestIdleLocked(except Key) *Session {
	var (
		oldest    *Session
		oldestKey Key
	)
	for key, hp := range p.hosts {
		if key == except || len(hp.idle) == 0 {
			continue
		}
		if s := hp.idle[0]; oldest == nil || s.LastUsed.Before(oldest.LastUsed) {
			oldest, oldestKey = s, key
		}
	}
	if oldest == nil {
		return nil
	}
	hp := p.hosts[oldestKey]
	hp.idle = hp.idle[1:]
	p.total--
	p.destroyed++
	p.releaseHostLocked(oldestKey, hp)
	return oldest
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) expired(s *Session) bool {
	return p.cfg.MaxLifetime > 0 && p.now().Sub(s.Created) >= p.cfg.MaxLifetime
}

// probe sends a keepalive request and waits at most the connect timeout for
// the reply. Any reply, even a refusal, proves the connection is alive.
func (p *Pool) probe(s *Session) bool {
	errc := make(chan error, 1)
	go func() {
		_, _, err := s.Client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	limit := p.cfg.ConnectTimeout
	if limit <= 0 {
		limit = 10 * time.Second
	}
	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case err := <-errc:
		return err == nil
	case <-t.C:
		return false
	}
}

func (p *Pool) closeClient(s *Session) {
	if err := s.Client.Close(); err != nil {
		clog.Debug("sshpool: close session for %s: %v", s.Key, err)
	}
}

func (p *Pool) evictLoop() {
	defer close(p.evictDone)
	t := time.NewTicker(p.cfg.EvictionInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.evict()
		}
	}
}

// evict closes idle sessions past their lifetime, idle longer than the
// minimum idle time (keeping MinIdlePerHost per key), or failing the probe.
// It never opens sessions.
func (p *Pool) evict() {
	now := p.now()

	p.mu.Lock()
	var victims []*Session
	for key, hp := range p.hosts {
		keep := hp.idle[:0]
		for i, s := range hp.idle {
			remaining := len(hp.idle) - i
			stale := p.cfg.MinIdleTime > 0 && now.Sub(s.LastUsed) >= p.cfg.MinIdleTime &&
				len(keep)+remaining > p.cfg.MinIdlePerHost
			if p.expired(s) || stale {
				victims = append(victims, s)
				p.total--
				p.destroyed++
				continue
			}
			keep = append(keep, s)
		}
		hp.idle = keep
		p.releaseHostLocked(key, hp)
	}
	var probe []*Session
	if p.cfg.TestWhileIdle {
		for _, hp := range p.hosts {
			probe = append(probe, hp.idle...)
		}
	}
	if len(victims) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, s := range victims {
		p.closeClient(s)
	}

	var dead []*Session
	for _, s := range probe {
		if !p.probe(s) {
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		if len(victims) > 0 {
			clog.Debug("sshpool: evicted %d idle sessions", len(victims))
		}
		return
	}

	p.mu.Lock()
	var removed []*Session
	for _, s := range dead {
		hp, ok := p.hosts[s.Key]
		if !ok {
			continue
		}
		for i, idle := range hp.idle {
			if idle == s {
				hp.idle = append(hp.idle[:i], hp.idle[i+1:]...)
				p.total--
				p.destroyed++
				removed = append(removed, s)
				p.releaseHostLocked(s.Key, hp)
				break
			}
		}
	}
	if len(removed) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, s := range removed {
		p.closeClient(s)
	}
	clog.Debug("sshpool: evicted %d idle sessions", len(victims)+len(removed))
}
