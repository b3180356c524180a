//go:build linux

package transport

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// Bound is a UDP socket connected to a specific DHCP server, used once a
// probe is BOUND/RENEWING and can talk unicast instead of broadcasting at
// the link layer through [Raw]. Source port is pinned to 68 per RFC 2131
// §4.1, which net.DialUDP alone cannot do without a Control callback.
type Bound struct {
	conn *net.UDPConn
}

// NewBound opens a UDP socket bound to the client port (68) on ifaceName
// and connected to serverAddr's server port (67).
func NewBound(ifaceName string, serverAddr netip.Addr) (*Bound, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				if ifaceName != "" {
					sockErr = unix.BindToDevice(int(fd), ifaceName)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(nil, "udp4", fmt.Sprintf(":%d", dhcpClientPort))
	if err != nil {
		return nil, fmt.Errorf("transport: listen on client port: %w", err)
	}
	conn := pc.(*net.UDPConn)
	raddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(serverAddr, dhcpServerPort))
	if err := conn.SetWriteBuffer(1 << 16); err != nil {
		conn.Close()
		return nil, err
	}
	return &Bound{conn: conn}, dialConnect(conn, raddr)
}

// dialConnect connects an already-bound UDP socket to raddr. net doesn't
// expose "connect an existing PacketConn" directly, so this reaches for the
// syscall via the connection's raw file descriptor.
func dialConnect(conn *net.UDPConn, raddr *net.UDPAddr) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var connectErr error
	ip4 := raddr.IP.To4()
	err = rc.Control(func(fd uintptr) {
		sa := &unix.SockaddrInet4{Port: raddr.Port}
		copy(sa.Addr[:], ip4)
		connectErr = unix.Connect(int(fd), sa)
	})
	if err != nil {
		return err
	}
	return connectErr
}

func (b *Bound) Read(buf []byte) (int, error) { return b.conn.Read(buf) }

func (b *Bound) Write(buf []byte) (int, error) { return b.conn.Write(buf) }

func (b *Bound) Close() error { return b.conn.Close() }

// FD returns the underlying file descriptor for poll-loop integration.
func (b *Bound) FD() int {
	rc, err := b.conn.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	rc.Control(func(v uintptr) { fd = int(v) })
	return fd
}
