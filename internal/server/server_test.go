package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/sched"
)

// stubRunner records that it ran and echoes one line back, so a test
// client can observe a live session without depending on internal/smtp.
type stubRunner struct {
	ran  chan struct{}
	conn net.Conn
}

func (r *stubRunner) Run(ctx context.Context) error {
	close(r.ran)
	buf := make([]byte, 64)
	r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := r.conn.Read(buf)
	if err != nil {
		return nil
	}
	_, _ = r.conn.Write(buf[:n])
	return nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServer_AcceptsAndSpawnsSession(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.Default()
	cfg.Listeners = []config.ListenerConfig{{Address: addr}}
	cfg.Limits.MaxConnections = 5

	runtime := sched.NewRuntime(2)
	runtime.Start()
	defer runtime.Stop()

	var ran int32
	var mu sync.Mutex
	var runners []*stubRunner

	factory := func(id string, conn net.Conn) Runner {
		r := &stubRunner{ran: make(chan struct{}), conn: conn}
		mu.Lock()
		runners = append(runners, r)
		mu.Unlock()
		atomic.AddInt32(&ran, 1)
		return r
	}

	srv, err := New(Config{
		Cfg:     &cfg,
		Runtime: runtime,
		Factory: factory,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	// Give the acceptor a moment to bind before dialing.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("echo = %q, want %q", buf[:n], "ping")
	}

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("factory invocations = %d, want 1", ran)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestServer_RejectsOverLimit(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.Default()
	cfg.Listeners = []config.ListenerConfig{{Address: addr}}
	cfg.Limits.MaxConnections = 1

	runtime := sched.NewRuntime(2)
	runtime.Start()
	defer runtime.Stop()

	block := make(chan struct{})
	factory := func(id string, conn net.Conn) Runner {
		return &blockingRunner{block: block}
	}

	cfg2 := cfg
	srv, err := New(Config{Cfg: &cfg2, Runtime: runtime, Factory: factory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx)

	var first net.Conn
	for i := 0; i < 50; i++ {
		first, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	time.Sleep(100 * time.Millisecond) // let the limiter register the first connection

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	// The server should close the second connection immediately since
	// max_connections is 1.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	if err == nil {
		t.Fatal("expected second connection to be closed by the server")
	}

	close(block)
	cancel()
}

type blockingRunner struct {
	block chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context) error {
	select {
	case <-b.block:
	case <-ctx.Done():
	}
	return nil
}
