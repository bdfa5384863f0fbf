// Package agentpeer implements the Host Agent side of the wire contract
// specified for C2: a TCP line server that validates signed commands
// (status/shutdown/abort) and executes the configured shutdown command.
package agentpeer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/shuthost/shuthost/internal/codec"
)

// Action is what the caller should do after a request has been answered.
type Action int

const (
	// ActionNone means just send the response; no side effect.
	ActionNone Action = iota
	// ActionShutdown means spawn the configured shutdown command after
	// writing the response.
	ActionShutdown
	// ActionAbort means stop accepting connections after writing the
	// response; used only in tests per the wire contract.
	ActionAbort
)

// HandleRequest validates raw against secret and returns the ASCII response
// line plus the action the caller should take. It performs no I/O itself so
// it can be exercised directly in tests without a live socket.
func HandleRequest(raw []byte, secret, shutdownCommand string, now time.Time) (string, Action) {
	if !utf8.Valid(raw) {
		return "ERROR: Invalid UTF-8", ActionNone
	}

	validation := codec.Validate(string(raw), secret, now)

	switch validation.Result {
	case codec.MalformedMessage:
		return "ERROR: Invalid request format", ActionNone
	case codec.InvalidTimestamp:
		return "ERROR: Timestamp out of range", ActionNone
	case codec.InvalidHmac:
		return "ERROR: Invalid HMAC signature", ActionNone
	}

	switch validation.Payload {
	case "status":
		return "OK: status", ActionNone
	case "shutdown":
		return fmt.Sprintf("Now executing command: %s. Hopefully goodbye.", shutdownCommand), ActionShutdown
	case "abort":
		return "OK: aborting service", ActionAbort
	default:
		return "ERROR: Invalid command", ActionNone
	}
}

// Server is a Host Agent's TCP command listener.
type Server struct {
	Port            uint16
	SharedSecret    string
	ShutdownCommand string

	// Shutdown is invoked (in its own goroutine) when a validated
	// "shutdown" command is received. Defaults to execShutdownCommand.
	Shutdown func(command string) error

	log *slog.Logger

	listener net.Listener
}

// New creates a Server ready to Serve.
func New(port uint16, sharedSecret, shutdownCommand string) *Server {
	return &Server{
		Port:            port,
		SharedSecret:    sharedSecret,
		ShutdownCommand: shutdownCommand,
		Shutdown:        execShutdownCommand,
		log:             slog.Default().With("component", "agentpeer"),
	}
}

// Serve binds 0.0.0.0:Port and accepts connections until ctx is cancelled,
// the listener is closed, or a validated "abort" command is received.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	abort := make(chan struct{})
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-abort:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn, abort)
	}
}

// Close stops the listener; Serve returns nil shortly after.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn, abort chan struct{}) {
	defer conn.Close()

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		s.log.Warn("failed to read from connection", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	response, action := HandleRequest(buf[:n], s.SharedSecret, s.ShutdownCommand, time.Now())
	if _, err := conn.Write([]byte(response)); err != nil {
		s.log.Warn("failed to write response", "remote", conn.RemoteAddr(), "error", err)
	}

	switch action {
	case ActionShutdown:
		go func() {
			if err := s.Shutdown(s.ShutdownCommand); err != nil {
				s.log.Error("shutdown command failed", "error", err)
			}
		}()
	case ActionAbort:
		close(abort)
		s.listener.Close()
	}
}

// execShutdownCommand runs command through the host shell, waiting for it
// to exit. Matches the host agent's "sh -c <command>" execution model.
func execShutdownCommand(command string) error {
	return exec.Command("sh", "-c", command).Run()
}
