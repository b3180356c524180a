// Package lease holds the immutable snapshot of IPv4 configuration a probe
// obtains from a DHCP server: assigned address, subnet, router, name
// servers, and the T1/T2/lease timers that govern renewal.
package lease

import (
	"net/netip"
	"time"
)

// maxLeaseSeconds is the ceiling a lease time is clamped to when a server
// supplies zero or an implausibly large value (RFC 2131 treats the lease
// time as a uint32 of seconds, so "infinite" sentinels like 0xffffffff
// appear in practice). One week is long enough that renewal behaves like a
// long-lived lease while remaining bounded.
const maxLeaseSeconds = 7 * 24 * 3600

// Config supplies the fields of a [Lease]. RenewSeconds/RebindSeconds may be
// left zero, in which case T1/T2 are derived from LeaseSeconds the way most
// DHCP servers imply them (T1 at half the lease, T2 at seven-eighths).
type Config struct {
	ServerID      netip.Addr
	Addr          netip.Addr
	Subnet        netip.Prefix
	Router        netip.Addr
	DNS           []netip.Addr
	Domain        string
	LeaseSeconds  uint32
	RenewSeconds  uint32 // T1
	RebindSeconds uint32 // T2
	AcquiredAt    time.Time
	// Options carries every option the server sent, keyed by option code,
	// including the ones already broken out into named fields above. It
	// backs [Lease.Query] for hosts that need an option this package does
	// not otherwise expose (e.g. vendor-specific or site-local codes).
	Options map[byte][]byte
}

// data is the immutable payload shared by every Lease value derived from
// one acquisition. Lease copies are cheap: they share data and bump refs.
type data struct {
	refs int

	serverID   netip.Addr
	addr       netip.Addr
	subnet     netip.Prefix
	router     netip.Addr
	dns        []netip.Addr
	domain     string
	leaseTime  time.Duration
	t1         time.Duration
	t2         time.Duration
	acquiredAt time.Time
	options    map[byte][]byte
}

// Lease is a reference-counted, immutable snapshot of an acquired IPv4
// configuration. The zero value is invalid; construct one with [New].
type Lease struct {
	d *data
}

// New builds a Lease from cfg, clamping LeaseSeconds to [maxLeaseSeconds]
// when it is zero or greater than 2^31, and enforcing the invariant
// 0 < T1 <= T2 <= lease. clamped reports whether the lease time needed
// clamping, so callers can log it (see probe's use of slog).
func New(cfg Config) (l Lease, clamped bool) {
	leaseSeconds := cfg.LeaseSeconds
	if leaseSeconds == 0 || leaseSeconds > 1<<31 {
		leaseSeconds = maxLeaseSeconds
		clamped = true
	}
	t1 := cfg.RenewSeconds
	if t1 == 0 || t1 >= leaseSeconds {
		t1 = leaseSeconds / 2
	}
	t2 := cfg.RebindSeconds
	if t2 == 0 || t2 <= t1 || t2 > leaseSeconds {
		t2 = leaseSeconds - leaseSeconds/8
		if t2 <= t1 {
			t2 = t1
		}
	}
	return Lease{d: &data{
		refs:       1,
		serverID:   cfg.ServerID,
		addr:       cfg.Addr,
		subnet:     cfg.Subnet,
		router:     cfg.Router,
		dns:        append([]netip.Addr(nil), cfg.DNS...),
		domain:     cfg.Domain,
		leaseTime:  time.Duration(leaseSeconds) * time.Second,
		t1:         time.Duration(t1) * time.Second,
		t2:         time.Duration(t2) * time.Second,
		acquiredAt: cfg.AcquiredAt,
		options:    cfg.Options,
	}}, clamped
}

// Valid reports whether l was produced by [New] (as opposed to the zero value).
func (l Lease) Valid() bool { return l.d != nil }

// Retain increments the reference count and returns l unchanged, for
// callers that hand a copy to a longer-lived owner.
func (l Lease) Retain() Lease {
	if l.d != nil {
		l.d.refs++
	}
	return l
}

// Release decrements the reference count. It does not free anything
// (Go's GC owns that); it exists so callers can assert balanced
// Retain/Release pairs in tests, matching the spec's "reference-counted"
// lease requirement without hand-rolled memory management.
func (l Lease) Release() {
	if l.d != nil {
		l.d.refs--
	}
}

// RefCount returns the current reference count, for tests.
func (l Lease) RefCount() int {
	if l.d == nil {
		return 0
	}
	return l.d.refs
}

func (l Lease) ServerID() netip.Addr   { return l.d.serverID }
func (l Lease) Addr() netip.Addr       { return l.d.addr }
func (l Lease) Subnet() netip.Prefix   { return l.d.subnet }
func (l Lease) Router() netip.Addr     { return l.d.router }
func (l Lease) DNS() []netip.Addr      { return l.d.dns }
func (l Lease) Domain() string         { return l.d.domain }
func (l Lease) LeaseTime() time.Duration { return l.d.leaseTime }
func (l Lease) T1() time.Duration      { return l.d.t1 }
func (l Lease) T2() time.Duration      { return l.d.t2 }
func (l Lease) AcquiredAt() time.Time  { return l.d.acquiredAt }

// ExpiresAt returns the absolute time the lease becomes invalid.
func (l Lease) ExpiresAt() time.Time { return l.d.acquiredAt.Add(l.d.leaseTime) }

// RenewAt returns the absolute time T1 elapses and RENEWING should begin.
func (l Lease) RenewAt() time.Time { return l.d.acquiredAt.Add(l.d.t1) }

// RebindAt returns the absolute time T2 elapses and REBINDING should begin.
func (l Lease) RebindAt() time.Time { return l.d.acquiredAt.Add(l.d.t2) }

// Query returns the raw bytes of option code as the server sent them,
// per spec's query(option_code) lease operation. ok is false when the
// server did not send that option (or l is invalid).
func (l Lease) Query(code byte) (value []byte, ok bool) {
	if l.d == nil {
		return nil, false
	}
	v, ok := l.d.options[code]
	return v, ok
}
