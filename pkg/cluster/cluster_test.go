package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shardproxy/shardproxy/pkg/pool"
	"github.com/shardproxy/shardproxy/pkg/server"
)

type stubAuth struct{}

func (stubAuth) Authenticate(ctx context.Context, conn net.Conn, creds server.Credentials) (map[string]string, int32, int32, error) {
	return map[string]string{}, 1, 1, nil
}

func startBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestStaticClusterRoundRobinReplicas(t *testing.T) {
	addr := startBackend(t)
	template := pool.Config{Mode: pool.ModeTransaction, MaxConns: 2, AcquireTimeout: time.Second, DialTimeout: time.Second}

	c, err := NewStatic("u", "d", []ShardPoolConfig{
		{ShardNo: 0, PrimaryAddr: addr, ReplicaAddrs: []string{addr, addr}, Template: template},
	}, stubAuth{}, LBRoundRobin, nil)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	defer c.Close()

	if c.NumShards() != 1 {
		t.Fatalf("expected 1 shard, got %d", c.NumShards())
	}
	p1, err := c.Get(0, "replica")
	if err != nil {
		t.Fatalf("Get replica: %v", err)
	}
	p2, _ := c.Get(0, "replica")
	if p1 == p2 {
		t.Fatal("expected round-robin to alternate replica pools")
	}

	if !c.ReadWriteStrategy() {
		t.Fatal("expected ReadWriteStrategy true with replicas present")
	}
}

func TestApplyHealthBansUnhealthyPrimary(t *testing.T) {
	addr := startBackend(t)
	template := pool.Config{Mode: pool.ModeTransaction, MaxConns: 2, AcquireTimeout: time.Second, DialTimeout: time.Second}
	c, err := NewStatic("u", "d", []ShardPoolConfig{{ShardNo: 0, PrimaryAddr: addr, Template: template}}, stubAuth{}, LBRandom, nil)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	defer c.Close()

	shard, _ := c.Shard(0)
	if err := c.ApplyHealth(HealthSnapshot{ShardNo: 0, PrimaryHealthy: false, CheckedAt: time.Now()}); err != nil {
		t.Fatalf("ApplyHealth: %v", err)
	}
	if !shard.Primary.Banned() {
		t.Fatal("expected primary pool to be banned after unhealthy snapshot")
	}
}
