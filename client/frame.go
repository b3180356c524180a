package client

import (
	"net/netip"

	"github.com/netiface/dhcp4c/ethernet"
	"github.com/netiface/dhcp4c/internal/wire"
	"github.com/netiface/dhcp4c/ipv4"
	"github.com/netiface/dhcp4c/udp"
)

// headerLen is the size of the Ethernet+IPv4+UDP headers this package
// prepends to every DHCP payload sent over the raw socket. No IP options,
// no VLAN tag: [transport.Raw]'s BPF filter assumes the same fixed layout.
const headerLen = 14 + 20 + 8

// broadcastAddrs returns the IPv4 source/destination this client uses
// before it has a bound address: 0.0.0.0 talking to 255.255.255.255, per
// RFC 2131 §4.1's description of an unconfigured client's DISCOVER/REQUEST.
func broadcastAddrs() (src, dst netip.Addr) {
	return netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

// wrapLinkHeaders writes an Ethernet+IPv4+UDP header into frame[:headerLen]
// ahead of payload (already placed at frame[headerLen:]) and fixes up the
// length/checksum fields. frame must be exactly headerLen+len(payload).
func wrapLinkHeaders(frame []byte, srcMAC [6]byte, srcIP, dstIP netip.Addr, payload []byte) {
	copy(frame[headerLen:], payload)

	efrm, _ := ethernet.NewFrame(frame)
	copy(efrm.SourceHardwareAddr()[:], srcMAC[:])
	dstMAC := ethernet.BroadcastAddr()
	copy(efrm.DestinationHardwareAddr()[:], dstMAC[:])
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(frame[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + 8 + len(payload)))
	ifrm.SetFlags(0)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoUDP)
	*ifrm.SourceAddr() = srcIP.As4()
	*ifrm.DestinationAddr() = dstIP.As4()
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	ufrm, _ := udp.NewFrame(frame[34:])
	ufrm.SetSourcePort(68)
	ufrm.SetDestinationPort(67)
	ufrm.SetLength(uint16(8 + len(payload)))
	ufrm.SetCRC(0)
	ufrm.SetCRC(udpChecksum(ifrm, ufrm))
}

// udpChecksum computes the UDP checksum over ifrm's pseudo-header and
// ufrm's header+payload, per RFC 768. The commented-out sketch left in
// udp.Frame never got wired up to a concrete IPv4 frame; this is that
// wiring, with the never-all-zero rule RFC 768 requires.
func udpChecksum(ifrm ipv4.Frame, ufrm udp.Frame) uint16 {
	var crc wire.CRC791
	ifrm.CRCWriteUDPPseudo(&crc)
	crc.AddUint16(ufrm.Length())
	return wire.NeverZeroChecksum(crc.PayloadSum16(ufrm.RawData()))
}

// stripLinkHeaders validates an inbound raw frame's Ethernet/IPv4/UDP
// headers and returns the DHCP payload they carry. ok is false for
// anything the kernel filter should already have excluded (defense in
// depth for [transport.FilterPolicyPermissive], which only matches on
// port).
func stripLinkHeaders(buf []byte) (payload []byte, ok bool) {
	if len(buf) < headerLen {
		return nil, false
	}
	efrm, err := ethernet.NewFrame(buf)
	if err != nil || efrm.EtherTypeOrSize() != ethernet.TypeIPv4 {
		return nil, false
	}
	ifrm, err := ipv4.NewFrame(buf[14:])
	if err != nil || ifrm.Protocol() != wire.IPProtoUDP {
		return nil, false
	}
	ihl := ifrm.HeaderLength()
	if 14+ihl+8 > len(buf) {
		return nil, false
	}
	ufrm, err := udp.NewFrame(buf[14+ihl:])
	if err != nil || ufrm.DestinationPort() != dhcpClientPort {
		return nil, false
	}
	udpLen := int(ufrm.Length())
	if udpLen < 8 || 14+ihl+udpLen > len(buf) {
		return nil, false
	}
	if !verifyChecksum(ifrm, ufrm) {
		return nil, false
	}
	return ufrm.RawData()[8:udpLen], true
}

// verifyChecksum reports whether ufrm's stored UDP checksum matches its
// content. This transport never receives kernel auxdata reporting whether
// the checksum was already validated (Raw.Read is a plain unix.Read, no
// PACKET_MMAP/cmsg), so every inbound frame is verified in userspace rather
// than trusted; a stored checksum of 0 means the sender opted out (RFC 768
// permits this over IPv4) and is accepted without recomputation.
func verifyChecksum(ifrm ipv4.Frame, ufrm udp.Frame) bool {
	stored := ufrm.CRC()
	if stored == 0 {
		return true
	}
	ufrm.SetCRC(0)
	computed := udpChecksum(ifrm, ufrm)
	ufrm.SetCRC(stored)
	return computed == stored
}

const dhcpClientPort = 68
