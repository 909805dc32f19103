// Package listener implements spec.md C10: the TCP/TLS accept loop clients
// dial into, Startup/SSLRequest/CancelRequest handling, and handing each
// authenticated connection off to pkg/engine's per-client state machine.
// Grounded on the donor's ShardingProxy.acceptLoop (pkg/proxy/proxy.go) for
// the listener/wg/ctx-cancel shape, generalized from a line-based demo
// protocol to the real PostgreSQL wire handshake.
package listener

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/internal/errors"
	"github.com/shardproxy/shardproxy/pkg/auth"
	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/engine"
	"github.com/shardproxy/shardproxy/pkg/pool"
	"github.com/shardproxy/shardproxy/pkg/prepared"
	"github.com/shardproxy/shardproxy/pkg/router"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

// Config bounds the listener's own behavior; cluster/router/pool
// configuration lives in their own packages.
type Config struct {
	Addr             string
	TLS              *tls.Config // nil disables SSLRequest upgrade, client falls back to plaintext
	Mode             pool.Mode
	QueryTimeout     time.Duration
	PreparedCacheCap int // per-proxy prepared-statement cache size; 0 uses a sensible default
}

// Listener accepts PostgreSQL wire-protocol connections, authenticates them
// via pkg/auth, and hands each off to a pkg/engine.Client goroutine.
type Listener struct {
	cfg        Config
	cl         *cluster.Cluster
	router     *router.Router
	negotiator *auth.Negotiator
	twoPC      *engine.TwoPhaseManager
	logger     *zap.Logger

	ln net.Listener

	mu        sync.Mutex
	cancelKey map[int32]cancelTarget // BackendPID -> secret + owning client, for CancelRequest
	nextPID   int32

	prepared *prepared.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cancelTarget struct {
	secret int32
	conn   net.Conn
}

func New(cfg Config, cl *cluster.Cluster, rtr *router.Router, negotiator *auth.Negotiator, twoPC *engine.TwoPhaseManager, logger *zap.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.PreparedCacheCap <= 0 {
		cfg.PreparedCacheCap = 1000
	}
	return &Listener{
		cfg:        cfg,
		cl:         cl,
		router:     rtr,
		negotiator: negotiator,
		twoPC:      twoPC,
		logger:     logger,
		cancelKey:  make(map[int32]cancelTarget),
		prepared:   prepared.New(cfg.PreparedCacheCap),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening and accepting connections in the background.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, errors.KindProtocol, "listening on "+l.cfg.Addr)
	}
	l.ln = ln
	l.logger.Info("listener started", zap.String("addr", l.cfg.Addr))

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (l *Listener) Stop() error {
	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}
	l.wg.Wait()
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				l.logger.Error("accept failed", zap.Error(err))
				continue
			}
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	startup, conn, r, w, err := l.negotiateStartup(conn, r, w)
	if err != nil {
		if err != errHandledInline {
			l.logger.Warn("startup negotiation failed", zap.String("remote", remote), zap.Error(err))
		}
		return
	}
	if startup == nil {
		return // CancelRequest, already serviced
	}

	t := auth.Transport{R: r, W: w}
	userCfg, err := l.negotiator.Authenticate(l.ctx, *startup, t, remote)
	if err != nil {
		l.logger.Warn("authentication rejected", zap.String("remote", remote), zap.String("user", startup.Parameters["user"]), zap.Error(err))
		return
	}

	pid, secret := l.registerCancelKey(conn)
	defer l.forgetCancelKey(pid)

	if err := sendReadyFrames(w, pid, secret); err != nil {
		l.logger.Warn("failed to complete startup", zap.String("remote", remote), zap.Error(err))
		return
	}

	l.logger.Info("client connected", zap.String("remote", remote), zap.String("user", userCfg.Username))

	c := engine.NewClient(conn, l.cl, l.router, l.prepared, l.twoPC, l.cfg.Mode, l.cfg.QueryTimeout, l.logger)
	if err := c.Run(l.ctx); err != nil {
		l.logger.Debug("client connection ended", zap.String("remote", remote), zap.Error(err))
	}
}

// errHandledInline marks a negotiateStartup error that's already fully
// handled (response sent, or nothing to report) and shouldn't be logged
// again by the caller.
var errHandledInline = fmt.Errorf("listener: handled inline")

// negotiateStartup reads the first frame(s) off the connection: it answers
// SSLRequest (upgrading conn/r/w to TLS if configured), services a
// CancelRequest directly and returns (nil, ...) for the caller to just
// close up, or returns the parsed StartupMessage for a real session.
func (l *Listener) negotiateStartup(conn net.Conn, r *bufio.Reader, w *bufio.Writer) (*wire.StartupMessage, net.Conn, *bufio.Reader, *bufio.Writer, error) {
	for {
		f, err := wire.ReadUntypedFrame(r)
		if err != nil {
			return nil, conn, r, w, err
		}
		kind, classified, err := wire.ClassifyStartup(f)
		if err != nil {
			return nil, conn, r, w, err
		}
		switch kind {
		case wire.StartupKindSSLRequest:
			if l.cfg.TLS == nil {
				if _, err := w.Write([]byte{'N'}); err != nil {
					return nil, conn, r, w, err
				}
			} else {
				if _, err := w.Write([]byte{'S'}); err != nil {
					return nil, conn, r, w, err
				}
				if err := w.Flush(); err != nil {
					return nil, conn, r, w, err
				}
				tlsConn := tls.Server(conn, l.cfg.TLS)
				if err := tlsConn.HandshakeContext(l.ctx); err != nil {
					return nil, conn, r, w, errors.Wrap(err, errors.KindProtocol, "TLS handshake with client")
				}
				conn = tlsConn
				r = bufio.NewReader(conn)
				w = bufio.NewWriter(conn)
			}
			if err := w.Flush(); err != nil {
				return nil, conn, r, w, err
			}
			continue

		case wire.StartupKindGSSENCRequest:
			if _, err := w.Write([]byte{'N'}); err != nil {
				return nil, conn, r, w, err
			}
			if err := w.Flush(); err != nil {
				return nil, conn, r, w, err
			}
			continue

		case wire.StartupKindCancelRequest:
			req, err := wire.ParseCancelRequest(classified)
			if err != nil {
				return nil, conn, r, w, err
			}
			l.serviceCancelRequest(req)
			return nil, conn, r, w, errHandledInline

		case wire.StartupKindMessage:
			msg, err := wire.ParseStartupMessage(classified)
			if err != nil {
				return nil, conn, r, w, err
			}
			return &msg, conn, r, w, nil

		default:
			return nil, conn, r, w, fmt.Errorf("listener: unrecognized startup frame")
		}
	}
}

func sendReadyFrames(w *bufio.Writer, pid, secret int32) error {
	for _, p := range [][2]string{
		{"server_version", "14.9 (shardproxy)"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"TimeZone", "UTC"},
	} {
		if err := wire.WriteFrame(w, wire.BuildParameterStatus(p[0], p[1])); err != nil {
			return err
		}
	}
	if err := wire.WriteFrame(w, wire.BuildBackendKeyData(pid, secret)); err != nil {
		return err
	}
	if err := wire.WriteFrame(w, wire.BuildReadyForQuery(wire.TxStatusIdle)); err != nil {
		return err
	}
	return w.Flush()
}

func (l *Listener) registerCancelKey(conn net.Conn) (pid, secret int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	pid = l.nextPID
	var secretBytes [4]byte
	_, _ = rand.Read(secretBytes[:])
	secret = int32(secretBytes[0])<<24 | int32(secretBytes[1])<<16 | int32(secretBytes[2])<<8 | int32(secretBytes[3])
	l.cancelKey[pid] = cancelTarget{secret: secret, conn: conn}
	return pid, secret
}

func (l *Listener) forgetCancelKey(pid int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cancelKey, pid)
}

// serviceCancelRequest closes the target connection's underlying socket to
// unblock whatever backend read it's waiting on, mirroring real postgres's
// behavior of interrupting the backend process for this (pid, secret) pair.
// This proxy has no per-statement interrupt signal to a backend mid-query,
// so closing the client-facing socket is the most it can do without a
// database-level pg_cancel_backend() on every touched shard.
func (l *Listener) serviceCancelRequest(req wire.CancelRequest) {
	l.mu.Lock()
	target, ok := l.cancelKey[req.PID]
	l.mu.Unlock()
	if !ok || target.secret != req.Secret {
		l.logger.Debug("cancel request for unknown or mismatched key", zap.Int32("pid", req.PID))
		return
	}
	l.logger.Info("cancel request", zap.Int32("pid", req.PID))
	target.conn.Close()
}
