package client

import (
	"net/netip"
	"testing"

	"github.com/netiface/dhcp4c/ipv4"
	"github.com/netiface/dhcp4c/udp"
)

func TestWrapThenStripLinkHeadersRoundTrip(t *testing.T) {
	mac := [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	payload := []byte("pretend-this-is-a-dhcp-message")
	frame := make([]byte, headerLen+len(payload))
	src, dst := broadcastAddrs()
	wrapLinkHeaders(frame, mac, src, dst, payload)
	// wrapLinkHeaders addresses the server (68 -> 67) while stripLinkHeaders
	// accepts only replies to the client (67 -> 68). Swapping both ports
	// turns the frame into a reply without disturbing the UDP checksum,
	// since the one's-complement sum of the two ports stays the same.
	ufrm, _ := udp.NewFrame(frame[34:])
	ufrm.SetSourcePort(67)
	ufrm.SetDestinationPort(68)

	got, ok := stripLinkHeaders(frame)
	if !ok {
		t.Fatal("stripLinkHeaders rejected a frame this package built")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestWrapLinkHeadersSetsValidIPChecksum(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	payload := []byte{1, 2, 3, 4}
	frame := make([]byte, headerLen+len(payload))
	wrapLinkHeaders(frame, mac, netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255}), payload)

	ifrm, err := ipv4.NewFrame(frame[14:])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ifrm.CRC(), ifrm.CalculateHeaderCRC(); got != want {
		t.Fatalf("stored IPv4 header checksum %#x does not match recomputed %#x", got, want)
	}
}

func TestWrapLinkHeadersUDPChecksumNeverZero(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	// A payload chosen so the naive one's-complement sum comes out 0xffff
	// before the never-zero fixup would matter; mostly this guards against
	// a future edit dropping the NeverZeroChecksum call silently.
	payload := make([]byte, 32)
	payload[0], payload[1] = 0xff, 0x17
	frame := make([]byte, headerLen+len(payload))
	wrapLinkHeaders(frame, mac, netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255}), payload)

	ufrm, err := udp.NewFrame(frame[34:])
	if err != nil {
		t.Fatal(err)
	}
	if ufrm.CRC() == 0 {
		t.Fatal("UDP checksum must never be wire-encoded as 0x0000")
	}
}

func TestStripLinkHeadersRejectsShortFrame(t *testing.T) {
	if _, ok := stripLinkHeaders(make([]byte, 10)); ok {
		t.Fatal("expected short frame to be rejected")
	}
}

func TestStripLinkHeadersRejectsWrongDestPort(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	payload := []byte("x")
	frame := make([]byte, headerLen+len(payload))
	wrapLinkHeaders(frame, mac, netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255}), payload)
	ufrm, _ := udp.NewFrame(frame[34:])
	ufrm.SetDestinationPort(9999)
	if _, ok := stripLinkHeaders(frame); ok {
		t.Fatal("expected frame with wrong destination port to be rejected")
	}
}
