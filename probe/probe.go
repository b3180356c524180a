// Package probe implements the DHCPv4 client state machine: the
// DISCOVER/OFFER/REQUEST/ACK exchange, the subsequent RENEWING/REBINDING
// lease lifecycle, and INIT-REBOOT/INFORM variants. It owns retransmission
// timing and transaction-ID handling; it does not own a socket — the
// [github.com/netiface/dhcp4c/client] façade feeds it bytes and polls it.
package probe

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
)

// maxRequestRetries bounds how many REQUESTs (the first transmission plus
// its retransmissions) are sent from REQUESTING before the state table's
// "REQUESTING times out after N retries" clause gives up and returns to
// INIT. rebootFallbackRetries is the
// INIT-REBOOT equivalent, kept much lower: RFC 2131 §4.4 frames an unanswered
// reboot REQUEST as "no response by twice the initial retransmission time",
// i.e. the client should fall back to DISCOVER quickly rather than assume
// the server is merely slow.
const (
	maxRequestRetries     = 4
	rebootFallbackRetries = 2
)

// State is where a Probe sits in RFC 2131 §4.4's exchange, extended with the
// RENEWING/REBINDING/EXPIRED lifecycle and a CANCELLED terminal state for
// caller-initiated teardown.
type State uint8

const (
	StateIdle State = iota
	StateInit
	StateSelecting
	StateRequesting
	StateInitReboot
	StateRebooting
	StateBound
	StateRenewing
	StateRebinding
	StateExpired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInit:
		return "init"
	case StateSelecting:
		return "selecting"
	case StateRequesting:
		return "requesting"
	case StateInitReboot:
		return "init-reboot"
	case StateRebooting:
		return "rebooting"
	case StateBound:
		return "bound"
	case StateRenewing:
		return "renewing"
	case StateRebinding:
		return "rebinding"
	case StateExpired:
		return "expired"
	case StateCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Terminal reports whether the state ends the probe's lifecycle.
func (s State) Terminal() bool { return s == StateExpired || s == StateCancelled }

// Config configures one probe lifecycle run. Passed by value and copied at
// [New], in plain struct-literal style: a handful of fields doesn't warrant
// functional options.
type Config struct {
	ClientHardwareAddr [6]byte
	Hostname           string
	ClientID           string
	// RequestedAddr, if valid, attempts INIT-REBOOT with this address
	// instead of a fresh DISCOVER (RFC 2131 §4.4 "known network address").
	RequestedAddr netip.Addr
	// InformOnly skips address acquisition and sends a single DHCPINFORM
	// from InformAddr, per RFC 2131 §4.4.3.
	InformOnly       bool
	InformAddr       netip.Addr
	ParamRequestList []byte
	// SelectTimeout, if non-zero, collects offers for this long and then
	// requests the one with the longest lease (unless [Probe.Select] chose
	// one first) instead of accepting the first offer.
	SelectTimeout time.Duration
}

type offerCandidate struct {
	opts   dhcpv4.ParsedOptions
	yiaddr netip.Addr
	giaddr netip.Addr
}

// Probe drives one DHCPv4 client lifecycle. It is not safe for concurrent
// use; the owning [github.com/netiface/dhcp4c/client.Client] serializes all
// access through its single-threaded Dispatch loop.
type Probe struct {
	cfg    Config
	clock  Clock
	log    *slog.Logger
	xid    uint32
	xseed  uint32
	state  State
	rt     retransmitTimer
	lease  lease.Lease
	events *event.Queue

	renewAt  time.Time
	rebindAt time.Time
	expireAt time.Time
	retryAt  time.Time // next RENEWING/REBINDING retransmit, see renewRebindDeadline

	offers           []offerCandidate
	selectUntil      time.Time
	haveSelect       bool
	selectedServerID netip.Addr
	accepted         bool
}

// New starts a probe. xidSeed seeds transaction-ID generation
// (internal.Prand32); callers typically derive it from a real random
// source once per probe since a guessable xid only weakens collision
// avoidance between concurrent exchanges, not any security property (xid
// generation is explicitly non-adversarial, see RFC 2131 §4.1).
func New(cfg Config, clock Clock, log *slog.Logger, xidSeed uint32) *Probe {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if xidSeed == 0 {
		xidSeed = 1
	}
	p := &Probe{
		cfg:    cfg,
		clock:  clock,
		log:    log,
		xseed:  xidSeed,
		events: event.NewQueue(event.DefaultCapacity),
	}
	p.xid = internal.Prand32(p.xseed)
	now := clock.Now()
	switch {
	case cfg.InformOnly:
		p.state = StateInit // Encapsulate sends the INFORM from here.
	case cfg.RequestedAddr.IsValid():
		p.state = StateInitReboot
	default:
		p.state = StateInit
	}
	p.rt = newRetransmitTimer(now, p.xid)
	return p
}

// State returns the probe's current lifecycle state.
func (p *Probe) State() State { return p.state }

// XID returns the current transaction ID in use.
func (p *Probe) XID() uint32 { return p.xid }

// Lease returns the most recently bound lease. Valid() is false before the
// first BOUND transition.
func (p *Probe) Lease() lease.Lease { return p.lease }

// PopEvent removes and returns the oldest pending lifecycle event.
func (p *Probe) PopEvent() (event.Event, bool) { return p.events.Pop() }

// Cancel moves the probe to CANCELLED, emitting a terminal event. Safe to
// call from any state; a no-op if already terminal.
func (p *Probe) Cancel() {
	if p.state.Terminal() {
		return
	}
	p.state = StateCancelled
	p.events.Push(event.Event{Kind: event.Cancelled})
}

// Encapsulate writes the next outbound message, if any is due, into dst and
// returns the number of bytes written. It returns (0, nil) when nothing
// needs sending right now (e.g. awaiting a reply, or a retransmit deadline
// not yet reached).
func (p *Probe) Encapsulate(dst []byte, now time.Time) (int, error) {
	if p.state.Terminal() {
		return 0, nil
	}
	switch p.state {
	case StateInit:
		if p.cfg.InformOnly {
			if !p.rt.due(now) {
				return 0, nil
			}
			p.rt.arm(now)
			return p.encapsulateInform(dst)
		}
		if !p.rt.due(now) {
			return 0, nil
		}
		p.rt.arm(now)
		n, err := p.encapsulateDiscover(dst)
		if err != nil {
			return 0, err
		}
		p.state = StateSelecting
		if p.cfg.SelectTimeout > 0 {
			p.selectUntil = now.Add(p.cfg.SelectTimeout)
		}
		return n, nil

	case StateSelecting:
		if !p.rt.due(now) {
			return 0, nil // Awaiting offers or the collection window, see Poll/Demux.
		}
		p.rt.arm(now)
		return p.encapsulateDiscover(dst) // Retransmit DISCOVER; no offer arrived yet.

	case StateRequesting:
		if !p.rt.due(now) {
			return 0, nil
		}
		if p.rt.attempts >= maxRequestRetries {
			p.nak(now) // No ACK/NAK after N retries: give up, return to INIT.
			return 0, nil
		}
		p.rt.arm(now)
		return p.encapsulateRequest(dst)

	case StateInitReboot:
		if !p.rt.due(now) {
			return 0, nil
		}
		if p.rt.attempts >= rebootFallbackRetries {
			// RFC 2131 §4.4: no response by twice the initial retransmit
			// total means the server has likely forgotten this client;
			// fall back to a fresh DISCOVER instead of retrying forever.
			p.state = StateRebooting
			p.rt = newRetransmitTimer(now, p.xid)
			return 0, nil
		}
		p.rt.arm(now)
		return p.encapsulateRequest(dst)

	case StateRebooting:
		if !p.rt.due(now) {
			return 0, nil
		}
		p.rt.arm(now)
		n, err := p.encapsulateDiscover(dst)
		if err != nil {
			return 0, err
		}
		p.state = StateSelecting
		if p.cfg.SelectTimeout > 0 {
			p.selectUntil = now.Add(p.cfg.SelectTimeout)
		}
		return n, nil

	case StateRenewing:
		if now.Before(p.retryAt) {
			return 0, nil
		}
		p.retryAt = renewRebindDeadline(now, p.rebindAt)
		return dhcpv4.EncodeRenewRequest(dst, p.xid, p.cfg.ClientHardwareAddr, p.clientID(), p.lease.Addr().As4(), p.cfg.Hostname)

	case StateRebinding:
		if now.Before(p.retryAt) {
			return 0, nil
		}
		p.retryAt = renewRebindDeadline(now, p.expireAt)
		return dhcpv4.EncodeRenewRequest(dst, p.xid, p.cfg.ClientHardwareAddr, p.clientID(), p.lease.Addr().As4(), p.cfg.Hostname)

	case StateBound:
		return 0, nil
	}
	return 0, nil
}

func (p *Probe) clientID() []byte {
	if p.cfg.ClientID != "" {
		return []byte(p.cfg.ClientID)
	}
	return p.cfg.ClientHardwareAddr[:]
}

// ClientID returns the identifier a RELEASE/DECLINE sent outside the probe's
// own Encapsulate path should present to the server: Config.ClientID, or the
// client hardware address when none was set, matching option 61's fallback.
func (p *Probe) ClientID() []byte { return p.clientID() }

func (p *Probe) encapsulateDiscover(dst []byte) (int, error) {
	frm, err := dhcpv4.NewFrame(dst)
	if err != nil {
		return 0, err
	}
	opts := frm.OptionsPayload()
	n, err := dhcpv4.EncodeOption(opts, dhcpv4.OptMessageType, byte(dhcpv4.MsgDiscover))
	if err != nil {
		return 0, err
	}
	if len(p.cfg.ParamRequestList) > 0 {
		nn, err := dhcpv4.EncodeOption(opts[n:], dhcpv4.OptParameterRequestList, p.cfg.ParamRequestList...)
		if err != nil {
			return 0, err
		}
		n += nn
	}
	nn, err := encodeClientIDOpt(opts[n:], p.clientID())
	if err != nil {
		return 0, err
	}
	n += nn
	if len(p.cfg.Hostname) > 0 {
		nn, err = dhcpv4.EncodeOptionString(opts[n:], dhcpv4.OptHostName, p.cfg.Hostname)
		if err != nil {
			return 0, err
		}
		n += nn
	}
	opts[n] = byte(dhcpv4.OptEnd)
	n++

	frm.ClearHeader()
	frm.SetOp(dhcpv4.OpRequest)
	frm.SetXID(p.xid)
	frm.SetHardware(1, 6, 0)
	copy(frm.CHAddrAs6()[:], p.cfg.ClientHardwareAddr[:])
	frm.SetMagicCookie(dhcpv4.MagicCookie)
	return dhcpv4.OptionsOffset + n, nil
}

func (p *Probe) encapsulateRequest(dst []byte) (int, error) {
	best, ok := p.bestOffer()
	if !ok && p.state == StateRequesting {
		return 0, nil
	}
	frm, err := dhcpv4.NewFrame(dst)
	if err != nil {
		return 0, err
	}
	opts := frm.OptionsPayload()
	n, err := dhcpv4.EncodeOption(opts, dhcpv4.OptMessageType, byte(dhcpv4.MsgRequest))
	if err != nil {
		return 0, err
	}
	var reqAddr [4]byte
	switch p.state {
	case StateInitReboot, StateRebooting:
		reqAddr = p.cfg.RequestedAddr.As4()
	default:
		reqAddr = best.yiaddr.As4()
	}
	nn, err := dhcpv4.EncodeOption(opts[n:], dhcpv4.OptRequestedIPaddress, reqAddr[:]...)
	if err != nil {
		return 0, err
	}
	n += nn
	if p.state != StateInitReboot && p.state != StateRebooting && best.opts.ServerID.IsValid() {
		sid := best.opts.ServerID.As4()
		nn, err = dhcpv4.EncodeOption(opts[n:], dhcpv4.OptServerIdentification, sid[:]...)
		if err != nil {
			return 0, err
		}
		n += nn
	}
	nn, err = encodeClientIDOpt(opts[n:], p.clientID())
	if err != nil {
		return 0, err
	}
	n += nn
	opts[n] = byte(dhcpv4.OptEnd)
	n++

	frm.ClearHeader()
	frm.SetOp(dhcpv4.OpRequest)
	frm.SetXID(p.xid)
	frm.SetHardware(1, 6, 0)
	copy(frm.CHAddrAs6()[:], p.cfg.ClientHardwareAddr[:])
	frm.SetMagicCookie(dhcpv4.MagicCookie)
	return dhcpv4.OptionsOffset + n, nil
}

func (p *Probe) encapsulateInform(dst []byte) (int, error) {
	n, err := dhcpv4.EncodeInform(dst, p.xid, p.cfg.ClientHardwareAddr, p.clientID(), p.cfg.InformAddr.As4(), p.cfg.ParamRequestList)
	return n, err
}

func encodeClientIDOpt(dst, clientID []byte) (int, error) {
	if len(clientID) == 0 {
		return 0, nil
	}
	return dhcpv4.EncodeOption(dst, dhcpv4.OptClientIdentifier, clientID...)
}

func (p *Probe) bestOffer() (offerCandidate, bool) {
	if len(p.offers) == 0 {
		return offerCandidate{}, false
	}
	if p.selectedServerID.IsValid() {
		for _, o := range p.offers {
			if o.opts.ServerID == p.selectedServerID {
				return o, true
			}
		}
	}
	if p.cfg.SelectTimeout == 0 {
		return p.offers[0], true // Accept-first-offer policy; see Demux collection order.
	}
	best := p.offers[0]
	for _, o := range p.offers[1:] {
		if o.opts.LeaseTime > best.opts.LeaseTime {
			best = o
		}
	}
	return best, true
}

// Offer summarizes one buffered OFFER for a host deciding how to [Select]
// among several, without exposing the wire-level dhcpv4.ParsedOptions type.
type Offer struct {
	ServerID  netip.Addr
	Addr      netip.Addr
	LeaseTime time.Duration
}

// Offers returns the OFFERs buffered so far while SELECTING. Only meaningful
// under a deferred-selection policy (Config.SelectTimeout > 0); under the
// immediate-accept policy the probe has already moved past SELECTING by the
// time a host could call this.
func (p *Probe) Offers() []Offer {
	out := make([]Offer, len(p.offers))
	for i, o := range p.offers {
		out[i] = Offer{ServerID: o.opts.ServerID, Addr: o.yiaddr, LeaseTime: time.Duration(o.opts.LeaseTime) * time.Second}
	}
	return out
}

// ErrNoMatchingOffer is returned by Select when serverID does not match any
// buffered offer, or the probe is not currently SELECTING.
var ErrNoMatchingOffer = errors.New("probe: no matching offer")

// Select promotes the offer from serverID to REQUESTING, per spec's explicit
// select() lease operation. Only valid while SELECTING and under a
// deferred-selection policy; the immediate-accept policy has already
// auto-selected an offer by the time a host could call this.
func (p *Probe) Select(serverID netip.Addr, now time.Time) error {
	if p.state != StateSelecting {
		return ErrNoMatchingOffer
	}
	found := false
	for _, o := range p.offers {
		if o.opts.ServerID == serverID {
			found = true
			break
		}
	}
	if !found {
		return ErrNoMatchingOffer
	}
	p.selectedServerID = serverID
	p.haveSelect = true
	p.state = StateRequesting
	p.rt = newRetransmitTimer(now, p.xid)
	return nil
}

// ErrNotBound is returned by Accept when the probe has no currently granted
// lease to confirm.
var ErrNotBound = errors.New("probe: not bound")

// Accept confirms the lease most recently granted (BOUND/RENEWING/REBINDING)
// as usable, per spec's accept() lease operation: a host must call this
// before it considers the interface configured. Accept never fails the
// lease; it only records that the host has acknowledged it.
func (p *Probe) Accept() error {
	if !p.lease.Valid() {
		return ErrNotBound
	}
	p.accepted = true
	return nil
}

// Accepted reports whether Accept has confirmed the current lease.
func (p *Probe) Accepted() bool { return p.accepted }

// ReportDown enqueues a DOWN event without altering probe state, for a
// transport-level failure the client façade detects outside of Demux/Poll
// (e.g. a fatal read error on the underlying socket).
func (p *Probe) ReportDown() {
	p.events.Push(event.Event{Kind: event.Down})
}

// Demux processes one inbound reply. now is used to re-derive whether a
// collection window (SelectTimeout) has elapsed.
func (p *Probe) Demux(buf []byte, now time.Time) error {
	if p.state.Terminal() {
		return nil
	}
	frm, err := dhcpv4.NewFrame(buf)
	if err != nil {
		return newMalformed(err)
	}
	if frm.XID() != p.xid {
		return nil // Stray reply for a different exchange; ignore, not an error.
	}
	if frm.MagicCookie() != dhcpv4.MagicCookie {
		return newMalformed(errors.New("bad magic cookie"))
	}
	opts, err := dhcpv4.ParseOptions(frm)
	if err != nil {
		return newMalformed(err)
	}

	switch p.state {
	case StateInit:
		// INFORM reply: an ACK carrying only options, no lease.
		if p.cfg.InformOnly && opts.MsgType == dhcpv4.MsgAck {
			p.applyInformOptions(opts, now)
		}

	case StateSelecting:
		if opts.MsgType != dhcpv4.MsgOffer {
			return nil
		}
		p.offers = append(p.offers, offerCandidate{opts: opts, yiaddr: addr4(*frm.YIAddr()), giaddr: addr4(*frm.GIAddr())})
		if !p.haveSelect && (p.cfg.SelectTimeout == 0 || now.After(p.selectUntil)) {
			p.haveSelect = true
			p.state = StateRequesting
			p.rt = newRetransmitTimer(now, p.xid)
		} else if p.cfg.SelectTimeout > 0 {
			// Deferred-selection policy: let the host see the offer arrive
			// instead of silently buffering it until the window closes.
			p.events.Push(event.Event{Kind: event.Offer})
		}

	case StateRequesting, StateInitReboot, StateRebooting:
		switch opts.MsgType {
		case dhcpv4.MsgAck:
			p.bind(opts, addr4(*frm.YIAddr()), now)
		case dhcpv4.MsgNack:
			p.nak(now)
		}

	case StateRenewing, StateRebinding:
		switch opts.MsgType {
		case dhcpv4.MsgAck:
			p.renew(opts, now)
		case dhcpv4.MsgNack:
			p.nak(now)
		}

	case StateBound:
		// Stray retransmitted ACK; nothing to do.
	}
	return nil
}

func addr4(b [4]byte) netip.Addr { return netip.AddrFrom4(b) }

// rawOptionBytes converts dhcpv4's OptNum-keyed option map to the plain
// byte-keyed map lease.Config expects, keeping the lease package decoupled
// from dhcpv4's types.
func rawOptionBytes(raw map[dhcpv4.OptNum][]byte) map[byte][]byte {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[byte][]byte, len(raw))
	for k, v := range raw {
		out[byte(k)] = v
	}
	return out
}

func (p *Probe) bind(opts dhcpv4.ParsedOptions, addr netip.Addr, now time.Time) {
	subnet, _ := opts.SubnetPrefix(addr)
	l, clamped := lease.New(lease.Config{
		ServerID:      opts.ServerID,
		Addr:          addr,
		Subnet:        subnet,
		Router:        opts.Router,
		DNS:           opts.DNS,
		Domain:        opts.Domain,
		LeaseSeconds:  opts.LeaseTime,
		RenewSeconds:  opts.RenewTime,
		RebindSeconds: opts.RebindTime,
		AcquiredAt:    now,
		Options:       rawOptionBytes(opts.Raw),
	})
	if clamped {
		p.log.Warn("dhcp lease time clamped", slog.Time("now", now), slog.Uint64("raw_lease_seconds", uint64(opts.LeaseTime)))
	}
	p.lease.Release()
	p.lease = l
	p.renewAt = l.RenewAt()
	p.rebindAt = l.RebindAt()
	p.expireAt = l.ExpiresAt()
	p.state = StateBound
	p.offers = nil
	p.accepted = false
	p.events.Push(event.Event{Kind: event.Up})
	a4 := addr.As4()
	p.log.Info("dhcp bound", internal.SlogAddr4("addr", &a4))
}

func (p *Probe) renew(opts dhcpv4.ParsedOptions, now time.Time) {
	leaseSeconds := opts.LeaseTime
	if leaseSeconds == 0 {
		leaseSeconds = uint32(p.lease.LeaseTime() / time.Second)
	}
	l, clamped := lease.New(lease.Config{
		ServerID:      p.lease.ServerID(),
		Addr:          p.lease.Addr(),
		Subnet:        p.lease.Subnet(),
		Router:        p.lease.Router(),
		DNS:           p.lease.DNS(),
		Domain:        p.lease.Domain(),
		LeaseSeconds:  leaseSeconds,
		RenewSeconds:  opts.RenewTime,
		RebindSeconds: opts.RebindTime,
		AcquiredAt:    now,
		Options:       rawOptionBytes(opts.Raw),
	})
	if clamped {
		p.log.Warn("dhcp lease time clamped on renewal", slog.Time("now", now))
	}
	p.lease.Release()
	p.lease = l
	p.renewAt = l.RenewAt()
	p.rebindAt = l.RebindAt()
	p.expireAt = l.ExpiresAt()
	p.state = StateBound
	p.events.Push(event.Event{Kind: event.Renewed})
}

// Retract returns the probe to INIT with no lease retained, emitting the
// same RETRACTED-equivalent event a NAK would. It backs Client.Decline:
// giving up a lease outside the ACK/NAK exchange (e.g. after declining it)
// is the same transition as a server rejecting a REQUEST.
func (p *Probe) Retract(now time.Time) { p.nak(now) }

func (p *Probe) nak(now time.Time) {
	p.lease.Release()
	p.lease = lease.Lease{}
	p.state = StateInit
	p.xid = internal.Prand32(p.xid)
	p.rt = newRetransmitTimer(now, p.xid)
	p.offers = nil
	p.haveSelect = false
	p.selectedServerID = netip.Addr{}
	p.accepted = false
	p.events.Push(event.Event{Kind: event.Nak})
}

func (p *Probe) applyInformOptions(opts dhcpv4.ParsedOptions, now time.Time) {
	l, _ := lease.New(lease.Config{
		ServerID:   opts.ServerID,
		Addr:       p.cfg.InformAddr,
		Router:     opts.Router,
		DNS:        opts.DNS,
		Domain:     opts.Domain,
		AcquiredAt: now,
		Options:    rawOptionBytes(opts.Raw),
	})
	p.lease.Release()
	p.lease = l
	p.state = StateBound
	p.events.Push(event.Event{Kind: event.Up})
}

// Poll advances timer-driven transitions: retransmission is handled through
// Encapsulate; Poll instead handles the RENEWING/REBINDING/EXPIRED
// transitions and the end of an offer-collection window, none of which
// produce outbound bytes on their own.
func (p *Probe) Poll(now time.Time) {
	switch p.state {
	case StateSelecting:
		if !p.haveSelect && p.cfg.SelectTimeout > 0 && now.After(p.selectUntil) && len(p.offers) > 0 {
			p.haveSelect = true
			p.state = StateRequesting
			p.rt = newRetransmitTimer(now, p.xid)
		}
	case StateBound:
		if !p.cfg.InformOnly && !now.Before(p.renewAt) {
			p.state = StateRenewing
			p.retryAt = now // Send the first renewal request immediately.
		}
	case StateRenewing:
		if !now.Before(p.rebindAt) {
			p.state = StateRebinding
			p.retryAt = now // Send the first rebind request immediately.
		} else if !now.Before(p.expireAt) {
			p.expire(now)
		}
	case StateRebinding:
		if !now.Before(p.expireAt) {
			p.expire(now)
		}
	}
}

func (p *Probe) expire(now time.Time) {
	p.lease.Release()
	p.lease = lease.Lease{}
	p.state = StateExpired
	p.events.Push(event.Event{Kind: event.Expired})
}

func newMalformed(err error) error {
	return fmt.Errorf("probe: malformed reply: %w", err)
}
