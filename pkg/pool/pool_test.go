package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shardproxy/shardproxy/pkg/server"
)

type stubAuth struct{}

func (stubAuth) Authenticate(ctx context.Context, conn net.Conn, creds server.Credentials) (map[string]string, int32, int32, error) {
	return map[string]string{}, 1, 2, nil
}

func startStubBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	addr := startStubBackend(t)
	p := New(Config{
		Addr: addr, Mode: ModeTransaction, MinConns: 0, MaxConns: 2,
		AcquireTimeout: time.Second, DialTimeout: time.Second,
	}, stubAuth{})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	stats := p.Stats()
	if stats.Active != 1 {
		t.Fatalf("expected 1 active, got %d", stats.Active)
	}
	g.Release(false)
	stats = p.Stats()
	if stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("expected idle=1 active=0 after release, got %+v", stats)
	}
}

func TestAcquireFailsWhenBanned(t *testing.T) {
	addr := startStubBackend(t)
	p := New(Config{
		Addr: addr, Mode: ModeTransaction, MaxConns: 2,
		AcquireTimeout: time.Second, DialTimeout: time.Second,
	}, stubAuth{})
	defer p.Close()

	p.Ban(time.Minute, "health check failed")
	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected acquire to fail while banned")
	}
	p.Unban()
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire to succeed after unban, got %v", err)
	}
}

func TestAcquireExhaustedTimesOut(t *testing.T) {
	addr := startStubBackend(t)
	p := New(Config{
		Addr: addr, Mode: ModeTransaction, MaxConns: 1,
		AcquireTimeout: 50 * time.Millisecond, DialTimeout: time.Second,
	}, stubAuth{})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = g

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected second acquire to time out while pool is exhausted")
	}
}
