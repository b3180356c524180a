// Package transport supplies the two ways a [probe.Probe] exchanges bytes
// with the network: a raw AF_PACKET socket used before an address is bound
// (DISCOVER/OFFER/REQUEST/ACK are broadcast at the link layer), and a
// connected UDP socket used once BOUND, for unicast RENEWING traffic.
// The AF_PACKET path uses golang.org/x/sys/unix rather than bare syscall
// calls so the raw path can also attach a
// kernel-level BPF filter (golang.org/x/net/bpf), which the syscall package
// alone has no portable way to build.
package transport

import "errors"

// FilterPolicy controls how much of the DHCP reply-matching logic a raw
// socket's kernel filter performs versus leaving to userspace.
type FilterPolicy uint8

const (
	// FilterPolicyPermissive attaches a BPF program that matches only
	// IPv4+UDP+unfragmented+destination port 68, leaving xid/cookie/message
	// validation to dhcpv4.Frame parsing. The zero value, and the default:
	// matches this module's source DHCP client, which filters on port alone.
	FilterPolicyPermissive FilterPolicy = iota
	// FilterPolicyStrict additionally pins the program to BOOTREPLY op, the
	// probe's current transaction ID, and the DHCP magic cookie. Only
	// frames a live probe could possibly want ever reach userspace, at the
	// cost of reattaching the filter on every new transaction ID.
	FilterPolicyStrict
)

var (
	// ErrClosed is returned by Read/Write after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrWouldBlock is returned by Read when no datagram is currently
	// available on a non-blocking socket. Callers treat it as "nothing to do
	// this tick", distinct from every other Read error, which is permanent
	// enough to be fatal (see client.Client's FATAL_IO handling).
	ErrWouldBlock = errors.New("transport: would block")
)

const (
	dhcpClientPort = 68
	dhcpServerPort = 67
)
