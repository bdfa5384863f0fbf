// Package wol builds and broadcasts Wake-on-LAN magic packets.
package wol

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// DisableSentinel is the MAC-field value that opts a host out of WoL
// emission entirely; comparison is case-insensitive.
const DisableSentinel = "disable-wol"

// broadcastAddr is the standard WoL discard-port broadcast target.
const broadcastAddr = "255.255.255.255:9"

// Disabled reports whether mac is the WoL-disable sentinel.
func Disabled(mac string) bool {
	return strings.EqualFold(strings.TrimSpace(mac), DisableSentinel)
}

// BuildMagicPacket constructs the 102-byte magic packet for mac: six 0xFF
// bytes followed by sixteen repetitions of the 6-byte hardware address.
func BuildMagicPacket(mac string) ([]byte, error) {
	addr, err := parseMAC(mac)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, addr...)
	}
	return packet, nil
}

// Wake sends a magic packet for mac over UDP broadcast. If mac is the
// disable sentinel, Wake is a no-op and returns nil: the host is assumed to
// be externally powered and wake is treated as trivially satisfied.
func Wake(mac string) error {
	if Disabled(mac) {
		return nil
	}

	packet, err := BuildMagicPacket(mac)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	defer conn.Close()

	if err := setBroadcast(conn); err != nil {
		return fmt.Errorf("enable broadcast: %w", err)
	}

	dst, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return fmt.Errorf("resolve broadcast address: %w", err)
	}

	if _, err := conn.WriteTo(packet, dst); err != nil {
		return fmt.Errorf("write magic packet: %w", err)
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

// parseMAC accepts colon- or hyphen-delimited hardware addresses and
// returns the raw 6-byte address.
func parseMAC(mac string) ([]byte, error) {
	cleaned := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(mac))
	if len(cleaned) != 12 {
		return nil, fmt.Errorf("invalid MAC address %q: expected 12 hex digits", mac)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}
	return raw, nil
}
