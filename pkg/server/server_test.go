package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/shardproxy/shardproxy/pkg/wire"
)

type stubAuth struct{}

func (stubAuth) Authenticate(ctx context.Context, conn net.Conn, creds Credentials) (map[string]string, int32, int32, error) {
	return map[string]string{"server_version": "16.0"}, 42, 99, nil
}

func TestDialAndSendReceive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		if f.Type != wire.TagQuery {
			return
		}
		wire.WriteFrame(conn, wire.BuildCommandComplete("SELECT 1"))
		wire.WriteFrame(conn, wire.BuildReadyForQuery(wire.TxStatusIdle))
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), nil, stubAuth{}, Credentials{User: "u", Database: "d"}, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.SubState() != StateIdle {
		t.Fatalf("expected Idle after successful auth, got %v", c.SubState())
	}
	if c.BackendPID != 42 || c.BackendSecret != 99 {
		t.Fatalf("expected backend key data to be recorded, got pid=%d secret=%d", c.BackendPID, c.BackendSecret)
	}

	if err := c.Send(wire.BuildQuery("SELECT 1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	f, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if f.Type != wire.TagCommandComplete {
		t.Fatalf("expected CommandComplete, got %c", f.Type)
	}

	f, err = c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if f.Type != wire.TagReadyForQuery {
		t.Fatalf("expected ReadyForQuery, got %c", f.Type)
	}
	if c.SubState() != StateIdle {
		t.Fatalf("expected Idle after ReadyForQuery, got %v", c.SubState())
	}
}

func TestPreparedTracking(t *testing.T) {
	c := &Conn{preparedOnServer: make(map[string]bool)}
	if c.HasPrepared("__pgdog_1") {
		t.Fatal("expected not prepared initially")
	}
	c.MarkPrepared("__pgdog_1")
	if !c.HasPrepared("__pgdog_1") {
		t.Fatal("expected prepared after MarkPrepared")
	}
	c.ForgetPrepared("__pgdog_1")
	if c.HasPrepared("__pgdog_1") {
		t.Fatal("expected forgotten after ForgetPrepared")
	}
}
