package client

import (
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/netiface/dhcp4c/dhcpv4"
	"github.com/netiface/dhcp4c/event"
	"github.com/netiface/dhcp4c/probe"
	"github.com/netiface/dhcp4c/transport"
	"github.com/netiface/dhcp4c/udp"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeRaw is a [rawConn] a test drives directly: Dispatch's reads come from
// rx (link-layer frames, queued by the test) and its writes land in tx for
// inspection, with no real socket involved. readErr, when set, overrides the
// no-data default to simulate a fatal transport failure.
type fakeRaw struct {
	rx      [][]byte
	tx      [][]byte
	xid     uint32
	closed  bool
	readErr error
}

func (f *fakeRaw) Read(b []byte) (int, error) {
	if len(f.rx) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, transport.ErrWouldBlock
	}
	n := copy(b, f.rx[0])
	f.rx = f.rx[1:]
	return n, nil
}

func (f *fakeRaw) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	f.tx = append(f.tx, cp)
	return len(b), nil
}

func (f *fakeRaw) SetXID(xid uint32) error { f.xid = xid; return nil }
func (f *fakeRaw) FD() int                 { return 1 }
func (f *fakeRaw) Close() error            { f.closed = true; return nil }

type fakeBound struct {
	rx      [][]byte
	tx      [][]byte
	closed  bool
	readErr error
}

func (f *fakeBound) Read(b []byte) (int, error) {
	if len(f.rx) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, transport.ErrWouldBlock
	}
	n := copy(b, f.rx[0])
	f.rx = f.rx[1:]
	return n, nil
}

func (f *fakeBound) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	f.tx = append(f.tx, cp)
	return len(b), nil
}

func (f *fakeBound) FD() int      { return 2 }
func (f *fakeBound) Close() error { f.closed = true; return nil }

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// buildReply hand-crafts a link-layer-wrapped server reply: the DHCP
// payload the test wants, carried inside the same Ethernet+IPv4+UDP
// envelope wrapLinkHeaders produces (with the UDP ports of a server reply),
// so stripLinkHeaders in drainOne has something real to parse.
func buildReply(t *testing.T, xid uint32, msgType dhcpv4.MessageType, yiaddr, serverID [4]byte, leaseSeconds uint32) []byte {
	t.Helper()
	buf := make([]byte, 600)
	frm, err := dhcpv4.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetOp(dhcpv4.OpReply)
	frm.SetXID(xid)
	frm.SetMagicCookie(dhcpv4.MagicCookie)
	*frm.YIAddr() = yiaddr

	opts := frm.OptionsPayload()
	n, err := dhcpv4.EncodeOption(opts, dhcpv4.OptMessageType, byte(msgType))
	if err != nil {
		t.Fatal(err)
	}
	nn, err := dhcpv4.EncodeOption(opts[n:], dhcpv4.OptServerIdentification, serverID[:]...)
	if err != nil {
		t.Fatal(err)
	}
	n += nn
	if leaseSeconds > 0 {
		nn, err = dhcpv4.EncodeOption32(opts[n:], dhcpv4.OptIPAddressLeaseTime, leaseSeconds)
		if err != nil {
			t.Fatal(err)
		}
		n += nn
	}
	opts[n] = byte(dhcpv4.OptEnd)
	n++
	payload := buf[:dhcpv4.OptionsOffset+n]

	frame := make([]byte, headerLen+len(payload))
	src, dst := broadcastAddrs()
	wrapLinkHeaders(frame, [6]byte{9, 9, 9, 9, 9, 9}, src, dst, payload)
	// Turn the client-to-server ports wrapLinkHeaders writes (68 -> 67)
	// around to a reply's (67 -> 68); the UDP checksum stays valid because
	// the one's-complement sum of the two ports is unchanged.
	ufrm, _ := udp.NewFrame(frame[34:])
	ufrm.SetSourcePort(dhcpv4.DefaultServerPort)
	ufrm.SetDestinationPort(dhcpv4.DefaultClientPort)
	return frame
}

func newTestClient() (*Client, *fakeRaw) {
	raw := &fakeRaw{}
	clock := probe.NewManualClock(epoch)
	c := &Client{
		log:       slog.New(slog.DiscardHandler),
		clock:     clock,
		raw:       raw,
		dialBound: dialTransportBound,
		mtu:       defaultMTU,
		xidSeed:   42,
	}
	c.cfg.ClientHardwareAddr = [6]byte{1, 2, 3, 4, 5, 6}
	return c, raw
}

func TestClientDiscoverSelectRequestBind(t *testing.T) {
	c, raw := newTestClient()
	clock := c.clock.(*probe.ManualClock)

	c.StartProbe(probe.Config{})
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatalf("dispatch discover: %v", err)
	}
	if len(raw.tx) != 1 {
		t.Fatalf("want 1 DISCOVER frame sent, got %d", len(raw.tx))
	}

	xid := c.p.XID()
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgOffer, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 3600))
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatalf("dispatch offer: %v", err)
	}
	if len(raw.tx) != 2 {
		t.Fatalf("want REQUEST sent after offer, tx=%d", len(raw.tx))
	}

	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgAck, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 3600))
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatalf("dispatch ack: %v", err)
	}

	l := c.Lease()
	if !l.Valid() || l.Addr() != mustAddr("10.0.0.5") {
		t.Fatalf("want bound lease 10.0.0.5, got %+v", l)
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != event.Up {
		t.Fatalf("want Up event, got %+v ok=%v", ev, ok)
	}
}

func TestClientRenewSwitchesToBoundSocket(t *testing.T) {
	c, raw := newTestClient()
	clock := c.clock.(*probe.ManualClock)
	fb := &fakeBound{}
	c.dialBound = func(iface string, addr netip.Addr) (boundConn, error) { return fb, nil }

	c.StartProbe(probe.Config{})
	c.Dispatch(clock.Now())
	xid := c.p.XID()
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgOffer, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 1000))
	c.Dispatch(clock.Now())
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgAck, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 1000))
	c.Dispatch(clock.Now())
	if c.bound != nil {
		t.Fatal("bound socket should not open until RENEWING")
	}

	clock.Advance(500 * time.Second) // T1
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatalf("dispatch at T1: %v", err)
	}
	if c.p.State() != probe.StateRenewing {
		t.Fatalf("want state renewing, got %s", c.p.State())
	}
	if c.bound != fb {
		t.Fatal("want dialBound's fake wired in once RENEWING")
	}
	if len(fb.tx) == 0 {
		t.Fatal("want a unicast RENEW request written to the bound socket")
	}
	if len(raw.tx) != 2 {
		t.Fatalf("RENEWING traffic must not also go out the raw socket, tx=%d", len(raw.tx))
	}
}

func TestClientCancelEmitsCancelledAndStopsSending(t *testing.T) {
	c, raw := newTestClient()
	clock := c.clock.(*probe.ManualClock)
	c.StartProbe(probe.Config{})
	c.Dispatch(clock.Now())
	sentBefore := len(raw.tx)

	c.Cancel()
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatalf("dispatch after cancel: %v", err)
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != event.Cancelled {
		t.Fatalf("want Cancelled event, got %+v ok=%v", ev, ok)
	}
	clock.Advance(time.Minute)
	c.Dispatch(clock.Now())
	if len(raw.tx) != sentBefore {
		t.Fatalf("cancelled probe must not send anything more, tx went from %d to %d", sentBefore, len(raw.tx))
	}
}

func TestClientUpdateMTUClampsToDefault(t *testing.T) {
	c, _ := newTestClient()
	c.UpdateMTU(9000)
	if c.mtu != defaultMTU {
		t.Fatalf("want MTU clamped to %d, got %d", defaultMTU, c.mtu)
	}
	c.UpdateMTU(576)
	if c.mtu != 576 {
		t.Fatalf("want MTU 576, got %d", c.mtu)
	}
}

func TestClientDispatchWithoutProbeIsNoop(t *testing.T) {
	c, raw := newTestClient()
	if err := c.Dispatch(epoch); err != nil {
		t.Fatalf("dispatch with no probe: %v", err)
	}
	if len(raw.tx) != 0 {
		t.Fatal("no probe means nothing to send")
	}
	if _, ok := c.PopEvent(); ok {
		t.Fatal("no probe means no events")
	}
}

func TestClientReleaseSendsReleaseAndCancels(t *testing.T) {
	c, raw := newTestClient()
	clock := c.clock.(*probe.ManualClock)
	c.StartProbe(probe.Config{})
	c.Dispatch(clock.Now())
	xid := c.p.XID()
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgOffer, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 3600))
	c.Dispatch(clock.Now())
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgAck, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 3600))
	c.Dispatch(clock.Now())
	if !c.Lease().Valid() {
		t.Fatal("want a bound lease before releasing it")
	}

	sentBefore := len(raw.tx)
	if err := c.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(raw.tx) != sentBefore+1 {
		t.Fatalf("want one RELEASE frame written, tx went from %d to %d", sentBefore, len(raw.tx))
	}
	if c.p.State() != probe.StateCancelled {
		t.Fatalf("want probe cancelled after release, got %s", c.p.State())
	}
}

func TestClientReleaseWithoutLeaseIsNoop(t *testing.T) {
	c, raw := newTestClient()
	if err := c.Release(); err != nil {
		t.Fatalf("release without lease: %v", err)
	}
	if len(raw.tx) != 0 {
		t.Fatal("no lease means nothing to release")
	}
}

func TestClientGetFDTracksActiveTransport(t *testing.T) {
	c, raw := newTestClient()
	if c.GetFD() != raw.FD() {
		t.Fatal("want raw FD before any bound socket opens")
	}
	fb := &fakeBound{}
	c.bound = fb
	if c.GetFD() != fb.FD() {
		t.Fatal("want bound FD once a bound socket is active")
	}
}

func TestClientStartProbeReturnsErrPreemptedWhileActive(t *testing.T) {
	c, _ := newTestClient()
	if err := c.StartProbe(probe.Config{}); err != nil {
		t.Fatalf("first StartProbe: %v", err)
	}
	if err := c.StartProbe(probe.Config{}); !errors.Is(err, ErrPreempted) {
		t.Fatalf("want ErrPreempted while a probe is active, got %v", err)
	}
}

func TestClientStartProbeAllowedOnceTerminal(t *testing.T) {
	c, _ := newTestClient()
	if err := c.StartProbe(probe.Config{}); err != nil {
		t.Fatal(err)
	}
	c.Cancel()
	if err := c.StartProbe(probe.Config{}); err != nil {
		t.Fatalf("want StartProbe to succeed once the prior probe is terminal, got %v", err)
	}
}

func TestClientDeclineSendsDeclineAndReturnsToInit(t *testing.T) {
	c, raw := newTestClient()
	clock := c.clock.(*probe.ManualClock)
	c.StartProbe(probe.Config{})
	c.Dispatch(clock.Now())
	xid := c.p.XID()
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgOffer, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 3600))
	c.Dispatch(clock.Now())
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgAck, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 3600))
	c.Dispatch(clock.Now())
	if !c.Lease().Valid() {
		t.Fatal("want a bound lease before declining it")
	}
	if ev, ok := c.PopEvent(); !ok || ev.Kind != event.Up {
		t.Fatalf("want the up event from binding first, got %+v ok=%v", ev, ok)
	}
	if err := c.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sentBefore := len(raw.tx)
	if err := c.Decline(); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if len(raw.tx) != sentBefore+1 {
		t.Fatalf("want one DECLINE frame written, tx went from %d to %d", sentBefore, len(raw.tx))
	}

	// wrapLinkHeaders always prepends a fixed headerLen with no IP options,
	// so the DECLINE payload sits right after it.
	payload := raw.tx[len(raw.tx)-1][headerLen:]
	frm, err := dhcpv4.NewFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	var gotMsg dhcpv4.MessageType
	var gotAddr, gotServerID [4]byte
	err = frm.ForEachOption(func(_ int, opt dhcpv4.OptNum, data []byte) error {
		switch opt {
		case dhcpv4.OptMessageType:
			gotMsg = dhcpv4.MessageType(data[0])
		case dhcpv4.OptRequestedIPaddress:
			copy(gotAddr[:], data)
		case dhcpv4.OptServerIdentification:
			copy(gotServerID[:], data)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotMsg != dhcpv4.MsgDecline {
		t.Fatalf("want decline message, got %s", gotMsg)
	}
	if gotAddr != [4]byte{10, 0, 0, 5} {
		t.Fatalf("want declined address 10.0.0.5, got %v", gotAddr)
	}
	if gotServerID != [4]byte{10, 0, 0, 1} {
		t.Fatalf("want server id 10.0.0.1, got %v", gotServerID)
	}

	if c.p.State() != probe.StateInit {
		t.Fatalf("want init after decline, got %s", c.p.State())
	}
	if c.Lease().Valid() {
		t.Fatal("decline must not retain the lease")
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != event.Nak {
		t.Fatalf("want nak-equivalent event from decline, got %+v ok=%v", ev, ok)
	}
}

func TestClientDeclineWithoutLeaseIsNoop(t *testing.T) {
	c, raw := newTestClient()
	c.StartProbe(probe.Config{})
	if err := c.Decline(); err != nil {
		t.Fatalf("decline without a lease: %v", err)
	}
	if len(raw.tx) != 0 {
		t.Fatal("no bound lease means nothing to decline")
	}
}

func TestClientSelectOffersUnderDeferredPolicy(t *testing.T) {
	c, raw := newTestClient()
	clock := c.clock.(*probe.ManualClock)
	c.StartProbe(probe.Config{SelectTimeout: 10 * time.Second})
	c.Dispatch(clock.Now())
	xid := c.p.XID()

	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgOffer, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 1000))
	c.Dispatch(clock.Now())
	if ev, ok := c.PopEvent(); !ok || ev.Kind != event.Offer {
		t.Fatalf("want offer event, got %+v ok=%v", ev, ok)
	}

	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgOffer, [4]byte{10, 0, 0, 9}, [4]byte{10, 0, 0, 2}, 5000))
	c.Dispatch(clock.Now())
	c.PopEvent()

	if offers := c.Offers(); len(offers) != 2 {
		t.Fatalf("want 2 buffered offers, got %d", len(offers))
	}

	// The longer lease (server 10.0.0.2) would win bestOffer's default, but
	// explicitly selecting the other server must override that.
	if err := c.Select(mustAddr("10.0.0.1")); err != nil {
		t.Fatalf("select: %v", err)
	}
	if c.p.State() != probe.StateRequesting {
		t.Fatalf("want requesting after select, got %s", c.p.State())
	}

	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatal(err)
	}
	raw.rx = append(raw.rx, buildReply(t, xid, dhcpv4.MsgAck, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 1000))
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatal(err)
	}
	if c.Lease().Addr() != mustAddr("10.0.0.5") {
		t.Fatalf("want lease address from the explicitly selected offer, got %s", c.Lease().Addr())
	}
	if err := c.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestClientDispatchEmitsDownOnFatalTransportError(t *testing.T) {
	c, raw := newTestClient()
	clock := c.clock.(*probe.ManualClock)
	c.StartProbe(probe.Config{})
	c.Dispatch(clock.Now())
	sentBefore := len(raw.tx)

	raw.readErr = errors.New("socket gone")
	if err := c.Dispatch(clock.Now()); err == nil {
		t.Fatal("want an error from Dispatch on a fatal transport read failure")
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != event.Down {
		t.Fatalf("want down event, got %+v ok=%v", ev, ok)
	}

	// Once disabled, Dispatch must not touch the transport again.
	clock.Advance(time.Minute)
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatalf("dispatch after disabled: %v", err)
	}
	if len(raw.tx) != sentBefore {
		t.Fatalf("a disabled client must not send anything more, tx went from %d to %d", sentBefore, len(raw.tx))
	}
}

func TestClientDispatchTreatsWouldBlockAsBenign(t *testing.T) {
	c, _ := newTestClient()
	clock := c.clock.(*probe.ManualClock)
	c.StartProbe(probe.Config{})
	// No rx queued: the fake returns transport.ErrWouldBlock, which must not
	// be mistaken for FATAL_IO.
	if err := c.Dispatch(clock.Now()); err != nil {
		t.Fatalf("want no error on a benign would-block read, got %v", err)
	}
	if c.down {
		t.Fatal("would-block must not disable the client")
	}
}

func TestStripLinkHeadersRejectsBadChecksum(t *testing.T) {
	frame := buildReply(t, 0x1234, dhcpv4.MsgOffer, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1}, 3600)
	if _, ok := stripLinkHeaders(frame); !ok {
		t.Fatal("want an unmodified reply to parse")
	}
	// Flip the UDP checksum field (immediately after the 2-byte length field
	// in the fixed-size, option-free header wrapLinkHeaders produces).
	frame[40] ^= 0xff
	frame[41] ^= 0xff
	if _, ok := stripLinkHeaders(frame); ok {
		t.Fatal("want stripLinkHeaders to reject a frame with a corrupted UDP checksum")
	}
}
