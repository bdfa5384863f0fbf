package agentpeer

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
)

func dialAndSend(t *testing.T, addr string, raw string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func startTestServer(t *testing.T) (*Server, string, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	srv := New(uint16(port), testSecret, "true")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	addr := "127.0.0.1:" + strconv.Itoa(port)

	// Give the listener a moment to bind.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 20*time.Millisecond)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cleanup := func() {
		cancel()
		srv.Close()
		<-done
	}
	return srv, addr, cleanup
}

func TestServerRespondsToStatus(t *testing.T) {
	t.Parallel()

	_, addr, cleanup := startTestServer(t)
	defer cleanup()

	signed := codec.Sign("status", testSecret, time.Now())
	resp := dialAndSend(t, addr, signed)
	if resp != "OK: status" {
		t.Fatalf("response = %q, want OK: status", resp)
	}
}

func TestServerShutdownInvokesCommand(t *testing.T) {
	t.Parallel()

	srv, addr, cleanup := startTestServer(t)
	defer cleanup()

	called := make(chan string, 1)
	srv.Shutdown = func(command string) error {
		called <- command
		return nil
	}

	signed := codec.Sign("shutdown", testSecret, time.Now())
	resp := dialAndSend(t, addr, signed)
	if resp != "Now executing command: true. Hopefully goodbye." {
		t.Fatalf("response = %q", resp)
	}

	select {
	case cmd := <-called:
		if cmd != "true" {
			t.Fatalf("shutdown command = %q, want true", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown command invocation")
	}
}

func TestServerAbortStopsAcceptingConnections(t *testing.T) {
	t.Parallel()

	srv, addr, cleanup := startTestServer(t)
	defer func() {
		// cleanup calls Close again which is fine; Serve already returned.
		_ = cleanup
	}()
	_ = srv

	signed := codec.Sign("abort", testSecret, time.Now())
	resp := dialAndSend(t, addr, signed)
	if resp != "OK: aborting service" {
		t.Fatalf("response = %q, want OK: aborting service", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server still accepting connections after abort")
}

func TestServerInvalidCommandResponse(t *testing.T) {
	t.Parallel()

	_, addr, cleanup := startTestServer(t)
	defer cleanup()

	signed := codec.Sign("reboot", testSecret, time.Now())
	resp := dialAndSend(t, addr, signed)
	if resp != "ERROR: Invalid command" {
		t.Fatalf("response = %q, want ERROR: Invalid command", resp)
	}
}
