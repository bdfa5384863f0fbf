package agentpeer

import (
	"encoding/json"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
)

// AgentStartup mirrors internal/broadcast.AgentStartup; it is the signed
// payload a host agent sends once at boot so the coordinator can mark it
// online without waiting for the next poll cycle.
type AgentStartup struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	Port      uint16 `json:"port"`
}

// Announce signs and broadcasts a startup announcement to coordinatorIP on
// the given UDP port. It is a best-effort, fire-once operation: callers that
// don't configure a broadcast target should simply not call Announce.
func Announce(hostname, ipAddress string, agentPort uint16, coordinatorIP string, broadcastPort uint16, secret string) error {
	payload, err := json.Marshal(AgentStartup{Hostname: hostname, IPAddress: ipAddress, Port: agentPort})
	if err != nil {
		return fmt.Errorf("marshal startup announcement: %w", err)
	}

	signed := codec.Sign(string(payload), secret, time.Now())

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	defer conn.Close()

	if err := setBroadcast(conn); err != nil {
		return fmt.Errorf("enable broadcast: %w", err)
	}

	dst, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", coordinatorIP, broadcastPort))
	if err != nil {
		return fmt.Errorf("resolve coordinator broadcast address: %w", err)
	}

	if _, err := conn.WriteTo([]byte(signed), dst); err != nil {
		return fmt.Errorf("write startup announcement: %w", err)
	}
	return nil
}

// setBroadcast enables SO_BROADCAST on the underlying file descriptor; the
// kernel otherwise refuses sendto() calls targeting a broadcast address.
func setBroadcast(conn net.PacketConn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("connection does not support raw syscall access")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
