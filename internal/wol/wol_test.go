package wol

import (
	"bytes"
	"testing"
)

func TestBuildMagicPacket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mac  string
	}{
		{name: "colon delimited", mac: "AA:BB:CC:DD:EE:FF"},
		{name: "hyphen delimited", mac: "aa-bb-cc-dd-ee-ff"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			packet, err := BuildMagicPacket(tc.mac)
			if err != nil {
				t.Fatalf("BuildMagicPacket(%q) error = %v", tc.mac, err)
			}
			if len(packet) != 102 {
				t.Fatalf("packet length = %d, want 102", len(packet))
			}
			if !bytes.Equal(packet[:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
				t.Fatalf("packet header = % x, want 6x 0xFF", packet[:6])
			}

			want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
			for i := 0; i < 16; i++ {
				got := packet[6+i*6 : 6+(i+1)*6]
				if !bytes.Equal(got, want) {
					t.Fatalf("repetition %d = % x, want % x", i, got, want)
				}
			}
		})
	}
}

func TestBuildMagicPacketInvalidMAC(t *testing.T) {
	t.Parallel()

	if _, err := BuildMagicPacket("not-a-mac"); err == nil {
		t.Fatal("expected error for invalid MAC address")
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mac  string
		want bool
	}{
		{mac: "disable-wol", want: true},
		{mac: "DISABLE-WOL", want: true},
		{mac: "Disable-WoL", want: true},
		{mac: "  disable-wol  ", want: true},
		{mac: "AA:BB:CC:DD:EE:FF", want: false},
		{mac: "disablewol", want: false},
	}

	for _, tc := range tests {
		if got := Disabled(tc.mac); got != tc.want {
			t.Errorf("Disabled(%q) = %v, want %v", tc.mac, got, tc.want)
		}
	}
}

func TestWakeSkipsDisabledSentinel(t *testing.T) {
	t.Parallel()

	if err := Wake("disable-wol"); err != nil {
		t.Fatalf("Wake() with disable sentinel returned error: %v", err)
	}
}
