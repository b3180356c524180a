//go:build linux

package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Raw is an AF_PACKET socket bound to one interface, used for the
// broadcast DISCOVER/OFFER/REQUEST/ACK exchange before a probe has an
// address to receive unicast traffic on.
type Raw struct {
	fd      int
	ifindex int
	policy  FilterPolicy
	closed  bool
}

// NewRaw opens a raw socket on the named interface and attaches a BPF
// filter per policy. The filter admits only IPv4/UDP/port-68 traffic; under
// policy [FilterPolicyStrict] it is also pinned to xid 0 until [Raw.SetXID]
// installs the probe's xid.
func NewRaw(ifaceName string, policy FilterPolicy) (*Raw, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve interface %q: %w", ifaceName, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return nil, fmt.Errorf("transport: open raw socket: %w", err)
	}
	ll := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &ll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind raw socket: %w", err)
	}
	r := &Raw{fd: fd, ifindex: iface.Index, policy: policy}
	if err := r.attachFilter(0); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

// SetXID rebuilds and reattaches the kernel filter pinned to xid. Call this
// whenever a probe starts a fresh exchange (new probe, or a NAK restarting
// from INIT with a new transaction ID); a stale xid filter would silently
// discard the new exchange's replies.
func (r *Raw) SetXID(xid uint32) error {
	return r.attachFilter(xid)
}

func (r *Raw) attachFilter(xid uint32) error {
	raw, err := bpf.Assemble(buildFilter(r.policy, xid))
	if err != nil {
		return fmt.Errorf("transport: assemble filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(r.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("transport: attach filter: %w", err)
	}
	return nil
}

// FD returns the underlying file descriptor, for a host poll loop to watch
// for readability; the client façade never reads off-thread itself.
func (r *Raw) FD() int { return r.fd }

// Read reads one link-layer frame (Ethernet header included) into b. Any
// error other than [ErrWouldBlock] is permanent: the socket is assumed dead
// and the caller should treat it as FATAL_IO.
func (r *Raw) Read(b []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	n, err := unix.Read(r.fd, b)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("transport: read raw socket: %w", err)
	}
	return n, nil
}

// Write sends one pre-built link-layer frame (Ethernet header included).
func (r *Raw) Write(b []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	ll := unix.SockaddrLinklayer{Ifindex: r.ifindex, Halen: 6}
	if len(b) >= 6 {
		copy(ll.Addr[:6], b[:6]) // destination MAC, broadcast for DISCOVER/REQUEST.
	}
	if err := unix.Sendto(r.fd, b, 0, &ll); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close releases the socket. Safe to call more than once.
func (r *Raw) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.fd)
}

func htons(v uint16) uint16 { return v<<8&0xff00 | v>>8 }
