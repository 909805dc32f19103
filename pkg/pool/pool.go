// Package pool implements the per-(user, database, role) connection pool
// (spec.md C7): a bounded set of server.Conn, an ordered FIFO waiter queue,
// bans, pause/resume, idle/lifetime health checks, and statistics.
// Grounded directly on other_examples' db-bouncer TenantPool
// (sync.Cond-based waiter queue, reapLoop, warm-up, Drain/Close), adapted
// from a MySQL/Postgres dual-protocol tenant pool into a single-protocol,
// role-aware shard-connection pool, and on the donor's pkg/failover and
// pkg/health for the ban/role-detection hooks.
package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shardproxy/shardproxy/internal/errors"
	"github.com/shardproxy/shardproxy/pkg/server"
)

// Mode selects how long a server connection is pinned to one client
// (spec.md §2 C7).
type Mode int

const (
	ModeTransaction Mode = iota
	ModeSession
	ModeStatement
)

// Config bounds and times a single pool.
type Config struct {
	Addr           string
	Creds          server.Credentials
	TLS            *tls.Config
	Mode           Mode
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
	HealthCheck    time.Duration
}

// Stats mirrors what an admin console SHOW POOLS row needs.
type Stats struct {
	Active    int
	Idle      int
	Total     int
	Waiting   int
	MaxConns  int
	MinConns  int
	Exhausted int64
	Banned    bool
	BanReason string
}

// Pool owns one role's worth of connections to one shard.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg  Config
	auth server.Authenticator

	idle    []*server.Conn
	active  map[*server.Conn]struct{}
	total   int
	waiting int

	exhausted int64

	closed bool
	stopCh chan struct{}

	paused bool

	bannedUntil time.Time
	banReason   string

	cronID  cron.EntryID
	crontab *cron.Cron
}

// New creates a Pool. It does not dial any connections; call WarmUp to
// pre-create MinConns, or let Acquire dial lazily.
func New(cfg Config, auth server.Authenticator) *Pool {
	p := &Pool{
		cfg:    cfg,
		auth:   auth,
		active: make(map[*server.Conn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// StartMaintenance schedules the idle-reap/health-check sweep on the given
// cron schedule (e.g. "@every 30s"), using robfig/cron/v3 rather than a
// bare time.Ticker so the schedule can be hot-reloaded from config the same
// way the rest of the proxy's scheduled tasks are.
func (p *Pool) StartMaintenance(spec string) error {
	p.crontab = cron.New()
	id, err := p.crontab.AddFunc(spec, p.reapIdle)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "scheduling pool maintenance")
	}
	p.cronID = id
	p.crontab.Start()
	return nil
}

// WarmUp pre-creates MinConns idle connections in the background.
func (p *Pool) WarmUp(ctx context.Context) {
	for i := 0; i < p.cfg.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

// Guard is a checked-out connection, released exactly once via Release.
type Guard struct {
	pool *Pool
	conn *server.Conn
	done bool
}

// Conn returns the underlying server connection.
func (g *Guard) Conn() *server.Conn { return g.conn }

// Release returns the connection to the pool. If dirty is true the
// connection is flagged for RESET/SET reconciliation before its next
// checkout (spec.md §3 Invariants).
func (g *Guard) Release(dirty bool) {
	if g.done {
		return
	}
	g.done = true
	if dirty {
		g.conn.MarkDirty()
	}
	g.pool.release(g.conn)
}

// Acquire checks out a connection, dialing a new one if under MaxConns,
// otherwise waiting in FIFO order until one is returned or ctx/acquire
// timeout expires.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.KindPool, "pool closed")
		}
		if p.paused {
			p.mu.Unlock()
			return nil, errors.New(errors.KindPool, "pool paused")
		}
		if !p.bannedUntil.IsZero() && time.Now().Before(p.bannedUntil) {
			reason := p.banReason
			p.mu.Unlock()
			return nil, errors.New(errors.KindPool, fmt.Sprintf("pool banned: %s", reason)).WithCode(errors.SQLStateTooManyConnections)
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if conn.IsExpired(p.cfg.MaxLifetime) {
				conn.Close()
				p.total--
				continue
			}
			conn.MarkCheckedOut()
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			return &Guard{pool: p, conn: conn}, nil
		}

		if p.total < p.cfg.MaxConns {
			p.total++
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, errors.Wrap(err, errors.KindPool, "dialing new server connection")
			}
			conn.MarkCheckedOut()
			p.mu.Lock()
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			return &Guard{pool: p, conn: conn}, nil
		}

		p.waiting++
		p.exhausted++

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, errors.New(errors.KindPool, "acquire timeout: pool exhausted").WithCode(errors.SQLStateTooManyConnections)
		}
		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.KindPool, "pool closing")
		}
	}
}

func (p *Pool) release(conn *server.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, conn)

	if p.closed || conn.IsExpired(p.cfg.MaxLifetime) {
		conn.Close()
		p.total--
		p.cond.Signal()
		return
	}
	p.idle = append(p.idle, conn)
	p.cond.Signal()
}

func (p *Pool) dial(ctx context.Context) (*server.Conn, error) {
	return server.Dial(ctx, p.cfg.Addr, p.cfg.TLS, p.auth, p.cfg.Creds, p.cfg.DialTimeout)
}

// Ban marks the pool unavailable for d, e.g. after repeated health-check
// failures (spec.md §4.8 role-flip / ban).
func (p *Pool) Ban(d time.Duration, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bannedUntil = time.Now().Add(d)
	p.banReason = reason
}

// Unban clears any active ban.
func (p *Pool) Unban() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bannedUntil = time.Time{}
	p.banReason = ""
}

// Banned reports whether the pool is currently banned.
func (p *Pool) Banned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.bannedUntil.IsZero() && time.Now().Before(p.bannedUntil)
}

// Pause stops handing out connections without closing existing ones.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume clears Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.cond.Broadcast()
}

// Addr reports the backend address this pool dials.
func (p *Pool) Addr() string { return p.cfg.Addr }

// Stats reports current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active: len(p.active), Idle: len(p.idle), Total: p.total, Waiting: p.waiting,
		MaxConns: p.cfg.MaxConns, MinConns: p.cfg.MinConns, Exhausted: p.exhausted,
		Banned: !p.bannedUntil.IsZero() && time.Now().Before(p.bannedUntil), BanReason: p.banReason,
	}
}

// Drain closes idle connections and waits (briefly) for active ones to
// return before force-closing.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	for _, conn := range p.idle {
		conn.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for conn := range p.active {
				conn.Close()
				p.total--
			}
			p.active = make(map[*server.Conn]struct{})
			p.mu.Unlock()
			return
		}
	}
}

// Close shuts the pool down permanently.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.crontab != nil {
		p.crontab.Stop()
	}
	p.Drain(30 * time.Second)
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.cfg.MinConns {
		return
	}
	kept := make([]*server.Conn, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.MinConns
	for i, conn := range p.idle {
		if i < excess && (conn.IsIdleTooLong(p.cfg.IdleTimeout) || conn.IsExpired(p.cfg.MaxLifetime)) {
			conn.Close()
			p.total--
		} else {
			kept = append(kept, conn)
		}
	}
	p.idle = kept
}
