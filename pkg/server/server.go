// Package server implements one long-lived connection to a PostgreSQL
// backend (spec.md C6): the protocol sub-state machine, the server's
// published parameter set, its prepared-statements table, and its monotone
// identity (pid, secret key). Grounded on the donor's authenticatePG/relay
// split in other_examples' db-bouncer pool.go, generalized from a single
// hard-coded auth mechanism to the pluggable pkg/auth negotiator, and on
// riftdata-rift's extended-protocol sub-state tracking.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shardproxy/shardproxy/internal/errors"
	"github.com/shardproxy/shardproxy/pkg/params"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

// SubState is the server connection's protocol sub-state (spec.md §4.6).
type SubState int

const (
	StateConnecting SubState = iota
	StateIdle
	StateActive
	StateSync
	StateInCopy
	StateErrored
)

func (s SubState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateSync:
		return "sync"
	case StateInCopy:
		return "in_copy"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Credentials carries what's needed to authenticate to a backend.
type Credentials struct {
	User     string
	Database string
	Password string
	AuthType string // "scram-sha-256" | "md5" | "cleartext" | "external"
}

// Authenticator performs the startup/auth handshake over an already-dialed
// connection, per spec.md C10's auth contract, reused here for
// server-to-backend authentication rather than client-to-proxy.
type Authenticator interface {
	Authenticate(ctx context.Context, conn net.Conn, creds Credentials) (params map[string]string, pid, secret int32, err error)
}

// Conn is one server connection.
type Conn struct {
	mu sync.Mutex

	netConn net.Conn
	r       *bufio.Reader
	w       *bufio.Writer

	Creds Credentials
	Role  string // "primary" | "replica"
	Shard int

	sub SubState

	Params *params.Set

	BackendPID    int32
	BackendSecret int32

	preparedOnServer map[string]bool // proxy-assigned prepared-statement names already PARSEd here

	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64

	dirty bool // reset queries pending before reuse
}

// Dial opens a TCP connection to addr, optionally upgrading to TLS, and runs
// the handshake via auth. On success the connection is Idle and ready to
// accept queries.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, auth Authenticator, creds Credentials, dialTimeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindPool, "dialing backend "+addr)
	}

	if tlsConfig != nil {
		sslReq := wire.BuildSSLRequest()
		if err := wire.WriteFrame(netConn, sslReq); err != nil {
			netConn.Close()
			return nil, errors.Wrap(err, errors.KindProtocol, "sending SSLRequest")
		}
		resp := make([]byte, 1)
		if _, err := netConn.Read(resp); err != nil {
			netConn.Close()
			return nil, errors.Wrap(err, errors.KindProtocol, "reading SSLRequest response")
		}
		if resp[0] == 'S' {
			netConn = tls.Client(netConn, tlsConfig)
		}
	}

	c := &Conn{
		netConn:          netConn,
		r:                bufio.NewReader(netConn),
		w:                bufio.NewWriter(netConn),
		Creds:            creds,
		sub:              StateConnecting,
		Params:           params.New(),
		preparedOnServer: make(map[string]bool),
		createdAt:        time.Now(),
	}

	p, pid, secret, err := auth.Authenticate(ctx, netConn, creds)
	if err != nil {
		netConn.Close()
		return nil, errors.Wrap(err, errors.KindAuth, "authenticating to backend "+addr)
	}
	for k, v := range p {
		c.Params.Insert(k, paramsValue(v))
	}
	c.BackendPID, c.BackendSecret = pid, secret
	c.sub = StateIdle
	c.lastUsedAt = time.Now()
	return c, nil
}

func paramsValue(v string) params.Value { return params.String(v) }

// Send writes one frame to the server, bumping sub-state to Active.
func (c *Conn) Send(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == StateErrored {
		return errors.New(errors.KindProtocol, "cannot send on an errored server connection")
	}
	if err := wire.WriteFrame(c.w, f); err != nil {
		c.sub = StateErrored
		return errors.Wrap(err, errors.KindProtocol, "writing frame to backend")
	}
	c.sub = StateActive
	return nil
}

// Flush flushes buffered writes to the socket.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Flush(); err != nil {
		c.sub = StateErrored
		return errors.Wrap(err, errors.KindProtocol, "flushing backend socket")
	}
	return nil
}

// Receive reads one frame from the server.
func (c *Conn) Receive() (wire.Frame, error) {
	f, err := wire.ReadFrame(c.r)
	if err != nil {
		c.mu.Lock()
		c.sub = StateErrored
		c.mu.Unlock()
		return wire.Frame{}, errors.Wrap(err, errors.KindProtocol, "reading frame from backend")
	}
	c.mu.Lock()
	switch f.Type {
	case wire.TagReadyForQuery:
		c.sub = StateIdle
	case wire.TagCopyInResponse, wire.TagCopyOutResponse, wire.TagCopyBothResponse:
		c.sub = StateInCopy
	case wire.TagErrorResponse:
		c.sub = StateErrored
	}
	c.mu.Unlock()
	return f, nil
}

// SubState reports the current protocol sub-state.
func (c *Conn) SubState() SubState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// MarkCheckedOut records a checkout for statistics and touches the
// last-used timestamp.
func (c *Conn) MarkCheckedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useCount++
	c.lastUsedAt = time.Now()
}

// MarkDirty flags the connection as needing RESET/SET reconciliation before
// its next reuse (spec.md §3 Invariants: "clean" vs "dirty" on check-in).
func (c *Conn) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
}

// MarkClean clears the dirty flag once reconciliation queries have run.
func (c *Conn) MarkClean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

// Dirty reports whether reset queries are pending.
func (c *Conn) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// HasPrepared reports whether proxyName has already been successfully
// PARSEd on this server connection.
func (c *Conn) HasPrepared(proxyName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preparedOnServer[proxyName]
}

// MarkPrepared records that proxyName has been PARSEd here.
func (c *Conn) MarkPrepared(proxyName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparedOnServer[proxyName] = true
}

// ForgetPrepared removes proxyName from the known-prepared set, e.g. after a
// Close(statement) or an eviction from the shared prepared cache.
func (c *Conn) ForgetPrepared(proxyName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.preparedOnServer, proxyName)
}

// PreparedNames returns every proxy-assigned name known prepared here, used
// to detect drift against the shared prepared cache (spec.md §3 Invariants).
func (c *Conn) PreparedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.preparedOnServer))
	for n := range c.preparedOnServer {
		names = append(names, n)
	}
	return names
}

// ResetPrepared clears the known-prepared set, used after a close-all.
func (c *Conn) ResetPrepared() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparedOnServer = make(map[string]bool)
}

// IsExpired reports whether the connection has exceeded maxLifetime.
func (c *Conn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

// IsIdleTooLong reports whether the connection has been idle longer than
// idleTimeout.
func (c *Conn) IsIdleTooLong(idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return time.Since(c.lastUsedAt) > idleTimeout
}

// Close terminates the connection, sending Terminate if the socket still
// looks writable.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != StateErrored {
		_ = wire.WriteFrame(c.w, wire.BuildTerminate())
		_ = c.w.Flush()
	}
	return c.netConn.Close()
}

// RawConn exposes the underlying net.Conn, e.g. for health-probe queries
// issued outside the normal Send/Receive protocol path.
func (c *Conn) RawConn() net.Conn { return c.netConn }

func (c *Conn) String() string {
	return fmt.Sprintf("server.Conn{db=%s user=%s shard=%d role=%s sub=%s}", c.Creds.Database, c.Creds.User, c.Shard, c.Role, c.sub)
}
