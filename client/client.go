// Package client is the single-threaded façade a host poll loop drives: it
// owns the transport sockets, feeds bytes in and out of a [probe.Probe],
// and surfaces lifecycle [event.Event]s. Nothing in this package spawns a
// goroutine; Dispatch is the only place state changes, so it is always safe
// to call from one poll-loop iteration.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/netiface/dhcp4c/dhcpv4"
	"github.com/netiface/dhcp4c/event"
	"github.com/netiface/dhcp4c/internal"
	"github.com/netiface/dhcp4c/lease"
	"github.com/netiface/dhcp4c/probe"
	"github.com/netiface/dhcp4c/transport"
)

var (
	// ErrPreempted is returned by StartProbe when a probe is already active
	// and not yet terminal: spec's probe() operation "fails if a probe is
	// already active" rather than silently replacing it. Call Cancel (or
	// wait for the active probe to reach a terminal state) first.
	ErrPreempted = errors.New("client: a probe is already active")
	// ErrNoProbe is returned by Select/Accept/Decline when no probe has been
	// started yet.
	ErrNoProbe = errors.New("client: no active probe")
)

// mtu bounds the size of one encoded/decoded DHCP payload. 1500 covers
// every Ethernet link this client expects to run over; jumbo frames are
// out of scope (see [Client.UpdateMTU]). maxRawFrame adds room for the
// Ethernet+IPv4+UDP headers [wrapLinkHeaders] prepends on the raw socket.
const (
	defaultMTU  = 1500
	maxRawFrame = headerLen + defaultMTU
)

// rawConn is the subset of *[transport.Raw] Dispatch needs. A small
// interface seam, not a mocking framework, matching [probe.Clock]'s style:
// tests substitute a fake so the dispatch loop can be driven without a
// real AF_PACKET socket or CAP_NET_RAW.
type rawConn interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	SetXID(uint32) error
	FD() int
	Close() error
}

// boundConn is the subset of *[transport.Bound] Dispatch needs.
type boundConn interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	FD() int
	Close() error
}

// Config configures a [Client] for one network interface.
type Config struct {
	Iface              string
	ClientHardwareAddr [6]byte
	// FilterPolicy controls the kernel-level BPF filter the raw socket
	// attaches; see [transport.FilterPolicy].
	FilterPolicy transport.FilterPolicy
	Clock        probe.Clock
	Log          *slog.Logger
}

// Client composes a [probe.Probe] with the [transport] sockets its current
// phase needs. At most one probe is active; [Client.StartProbe] refuses to
// start another until the current one is cancelled or terminal.
type Client struct {
	cfg   Config
	log   *slog.Logger
	clock probe.Clock

	raw   rawConn
	bound boundConn
	// dialBound opens a unicast connection for RENEWING; overridden in
	// tests, defaults to transport.NewBound.
	dialBound func(iface string, serverAddr netip.Addr) (boundConn, error)

	p       *probe.Probe
	mtu     int
	xidSeed uint32
	lastXID uint32
	// down is set once a transport read fails fatally (FATAL_IO); once set,
	// Dispatch disables itself until the host closes this Client and
	// creates a new one over a fresh socket.
	down bool

	rxbuf [maxRawFrame]byte
}

// New opens the raw broadcast socket on cfg.Iface. No probe is running
// yet; call [Client.StartProbe] to begin one.
func New(cfg Config) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = probe.RealClock{}
	}
	raw, err := transport.NewRaw(cfg.Iface, cfg.FilterPolicy)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	seed := internal.Prand32(uint32(cfg.Clock.Now().UnixNano()) | 1)
	cfg.Log.Info("client: raw socket opened", "iface", cfg.Iface, internal.SlogAddr6("hw_addr", &cfg.ClientHardwareAddr))
	return &Client{
		cfg:       cfg,
		log:       cfg.Log,
		clock:     cfg.Clock,
		raw:       raw,
		dialBound: dialTransportBound,
		mtu:       defaultMTU,
		xidSeed:   seed,
	}, nil
}

func dialTransportBound(iface string, serverAddr netip.Addr) (boundConn, error) {
	return transport.NewBound(iface, serverAddr)
}

// UpdateMTU changes the maximum encoded frame size. Frames larger than mtu
// are never produced; callers on links with a smaller MTU than Ethernet's
// 1500 should call this before the first [Client.Dispatch].
func (c *Client) UpdateMTU(mtu int) {
	if mtu > defaultMTU {
		mtu = defaultMTU
	}
	c.mtu = mtu
}

// StartProbe begins a new probe lifecycle with cfg: DISCOVER/REQUEST
// (cfg.RequestedAddr unset), INIT-REBOOT (set), or INFORM (cfg.InformOnly).
// It returns [ErrPreempted] if a probe is already active and has not
// reached a terminal state; callers must Cancel it (or wait for it to
// finish) before starting another.
func (c *Client) StartProbe(cfg probe.Config) error {
	if c.p != nil && !c.p.State().Terminal() {
		return ErrPreempted
	}
	cfg.ClientHardwareAddr = c.cfg.ClientHardwareAddr
	c.xidSeed = internal.Prand32(c.xidSeed)
	c.p = probe.New(cfg, c.clock, c.log, c.xidSeed)
	c.lastXID = c.p.XID()
	c.switchTransport()
	return nil
}

// Cancel releases the active probe, if any. Dispatch will observe the
// Cancelled event on its next call; Cancel itself never blocks on I/O.
func (c *Client) Cancel() {
	if c.p != nil {
		c.p.Cancel()
	}
}

// Lease returns the probe's current lease. The zero Lease ([lease.Lease.Valid] false)
// is returned when no probe has bound one yet.
func (c *Client) Lease() lease.Lease {
	if c.p == nil {
		return lease.Lease{}
	}
	return c.p.Lease()
}

// Select promotes the buffered offer from serverID to REQUESTING, per
// spec's select() lease operation. Only meaningful while the probe is
// SELECTING under a deferred-selection policy (Config.SelectTimeout > 0);
// see [probe.Probe.Offers] for the candidates to choose among.
func (c *Client) Select(serverID netip.Addr) error {
	if c.p == nil {
		return ErrNoProbe
	}
	return c.p.Select(serverID, c.clock.Now())
}

// Offers returns the OFFERs the active probe has buffered while SELECTING.
func (c *Client) Offers() []probe.Offer {
	if c.p == nil {
		return nil
	}
	return c.p.Offers()
}

// Accept confirms the currently granted lease as usable, per spec's
// accept() lease operation. A host should call this before it considers
// the interface configured; it never alters the lease itself.
func (c *Client) Accept() error {
	if c.p == nil {
		return ErrNoProbe
	}
	return c.p.Accept()
}

// Decline sends a DHCPDECLINE for the currently bound lease (RFC 2131
// §4.4.4, e.g. after an ARP collision discovers the address is already in
// use), then returns the probe to INIT with no lease retained. It is a
// no-op if no lease is bound.
func (c *Client) Decline() error {
	if c.p == nil {
		return ErrNoProbe
	}
	l := c.p.Lease()
	if !l.Valid() {
		return nil
	}
	var buf [defaultMTU]byte
	n, err := dhcpv4.EncodeDecline(buf[:], c.p.XID(), c.cfg.ClientHardwareAddr, c.p.ClientID(), l.Addr().As4(), l.ServerID().As4())
	if err != nil {
		return fmt.Errorf("client: encode decline: %w", err)
	}
	if err := c.sendUnicast(buf[:n], l.ServerID()); err != nil {
		return fmt.Errorf("client: send decline: %w", err)
	}
	c.p.Retract(c.clock.Now())
	c.syncTransport()
	return nil
}

// PopEvent pops the oldest pending lifecycle event, if any.
func (c *Client) PopEvent() (event.Event, bool) {
	if c.p == nil {
		return event.Event{}, false
	}
	return c.p.PopEvent()
}

// GetFD returns the file descriptor a host poll loop should watch for
// readability. It changes when the probe moves between broadcast phases
// (raw socket) and RENEWING's unicast phase (bound socket). Dispatch does
// not report such a change, so callers compare GetFD after every Dispatch
// and re-register when it differs.
func (c *Client) GetFD() int {
	if c.bound != nil {
		return c.bound.FD()
	}
	return c.raw.FD()
}

// Dispatch performs one non-blocking tick: drain any pending reply, advance
// timers, and send whatever the probe now owes the wire. Call it when
// GetFD is readable and, regardless, at least as often as the shortest
// retransmission interval so timer-driven transitions (T1/T2/expiry) fire
// promptly.
func (c *Client) Dispatch(now time.Time) error {
	if c.p == nil || c.down {
		return nil
	}
	if err := c.drainOne(now); err != nil {
		if c.down {
			c.log.Error("client: transport failed, disabled until recreated", "err", err)
			return err
		}
		c.log.Warn("client: dropping malformed reply", "err", err)
	}
	c.p.Poll(now)
	c.syncTransport()
	return c.sendOne(now)
}

// drainOne reads at most one waiting frame and feeds its DHCP payload to
// the probe. [transport.ErrWouldBlock] means nothing is ready and is not an
// error; any other Read error is FATAL_IO (spec §7): the socket is assumed
// permanently broken, c.down is set, and a Down event is pushed so the host
// learns the interface went away.
func (c *Client) drainOne(now time.Time) error {
	if c.bound != nil {
		n, err := c.bound.Read(c.rxbuf[:])
		if err != nil {
			return c.handleReadError(err)
		}
		return c.p.Demux(c.rxbuf[:n], now)
	}
	n, err := c.raw.Read(c.rxbuf[:])
	if err != nil {
		return c.handleReadError(err)
	}
	payload, ok := stripLinkHeaders(c.rxbuf[:n])
	if !ok {
		return nil // Not an IPv4/UDP/dport-68 frame, or a bad checksum; the kernel filter should have excluded the former.
	}
	return c.p.Demux(payload, now)
}

// handleReadError classifies a transport Read error: ErrWouldBlock is
// benign (no data ready this tick), anything else is FATAL_IO.
func (c *Client) handleReadError(err error) error {
	if errors.Is(err, transport.ErrWouldBlock) {
		return nil
	}
	c.down = true
	c.p.ReportDown()
	return fmt.Errorf("client: fatal transport error: %w", err)
}

// sendOne asks the probe to encode its next frame, if any, and writes it
// out through whichever transport the current phase uses.
func (c *Client) sendOne(now time.Time) error {
	var payload [defaultMTU]byte
	n, err := c.p.Encapsulate(payload[:c.mtu], now)
	if err != nil {
		return fmt.Errorf("client: encode: %w", err)
	}
	if n == 0 {
		return nil
	}
	if c.bound != nil {
		_, err = c.bound.Write(payload[:n])
		return err
	}
	frame := make([]byte, headerLen+n)
	srcAddr, dstAddr := broadcastAddrs()
	if c.p.State() == probe.StateRenewing {
		// The bound socket failed to open (see syncTransport); fall back
		// to a unicast frame over the raw socket rather than broadcasting
		// a RENEWING request the server has no reason to expect.
		dstAddr = c.lastServerAddr()
	}
	wrapLinkHeaders(frame, c.cfg.ClientHardwareAddr, srcAddr, dstAddr, payload[:n])
	_, err = c.raw.Write(frame)
	return err
}

func (c *Client) lastServerAddr() netip.Addr {
	if l := c.p.Lease(); l.Valid() {
		return l.ServerID()
	}
	return netip.IPv4Unspecified()
}

// switchTransport closes any leftover bound socket from a prior probe and
// pins the raw filter to the new probe's xid.
func (c *Client) switchTransport() {
	if c.bound != nil {
		c.bound.Close()
		c.bound = nil
	}
	c.raw.SetXID(c.p.XID())
}

// syncTransport opens/closes the bound unicast socket as the probe crosses
// into or out of RENEWING, and reattaches the raw filter's xid whenever a
// NAK restarts the exchange (Demux/Poll give the probe a fresh XID by
// returning to StateInit, so the previous filter would otherwise silently
// drop the new exchange's replies).
func (c *Client) syncTransport() {
	if xid := c.p.XID(); xid != c.lastXID {
		c.lastXID = xid
		c.raw.SetXID(xid)
	}
	switch c.p.State() {
	case probe.StateRenewing:
		if c.bound == nil {
			l := c.p.Lease()
			b, err := c.dialBound(c.cfg.Iface, l.ServerID())
			if err != nil {
				c.log.Warn("client: open bound socket for renewal failed, staying on raw/broadcast", "err", err)
				return
			}
			c.bound = b
		}
	default:
		if c.bound != nil {
			c.bound.Close()
			c.bound = nil
		}
	}
}

// Release sends a DHCPRELEASE for the currently bound lease, per RFC 2131
// §4.4.4, then cancels the probe. It is a no-op if no lease is bound.
// Release does not wait for any reply; servers are not required to send one.
func (c *Client) Release() error {
	l := c.Lease()
	if !l.Valid() {
		return nil
	}
	var buf [defaultMTU]byte
	n, err := dhcpv4.EncodeRelease(buf[:], c.p.XID(), c.cfg.ClientHardwareAddr, c.p.ClientID(), l.Addr().As4(), l.ServerID().As4())
	if err != nil {
		return fmt.Errorf("client: encode release: %w", err)
	}
	if err := c.sendUnicast(buf[:n], l.ServerID()); err != nil {
		return fmt.Errorf("client: send release: %w", err)
	}
	c.Cancel()
	return nil
}

// sendUnicast writes payload to dst through the bound socket if one is
// open, or wraps it as a unicast frame over the raw socket otherwise (the
// case for Release called from states other than RENEWING).
func (c *Client) sendUnicast(payload []byte, dst netip.Addr) error {
	if c.bound != nil {
		_, err := c.bound.Write(payload)
		return err
	}
	frame := make([]byte, headerLen+len(payload))
	srcAddr, _ := broadcastAddrs()
	wrapLinkHeaders(frame, c.cfg.ClientHardwareAddr, srcAddr, dst, payload)
	_, err := c.raw.Write(frame)
	return err
}

// Close tears down all transports and cancels any active probe.
func (c *Client) Close() error {
	if c.p != nil {
		c.p.Cancel()
	}
	if c.bound != nil {
		c.bound.Close()
	}
	return c.raw.Close()
}
