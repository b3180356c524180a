package lease

import (
	"net/netip"
	"testing"
	"time"
)

func TestNewDerivesT1T2FromLeaseSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l, clamped := New(Config{
		Addr:         netip.MustParseAddr("10.0.0.5"),
		LeaseSeconds: 1000,
		AcquiredAt:   now,
	})
	if clamped {
		t.Fatal("1000s lease should not require clamping")
	}
	if l.T1() != 500*time.Second {
		t.Errorf("want T1=500s, got %s", l.T1())
	}
	if l.T2() != 875*time.Second {
		t.Errorf("want T2=875s, got %s", l.T2())
	}
	if l.LeaseTime() != 1000*time.Second {
		t.Errorf("want lease=1000s, got %s", l.LeaseTime())
	}
	if !l.RenewAt().Equal(now.Add(500 * time.Second)) {
		t.Errorf("unexpected RenewAt: %s", l.RenewAt())
	}
	if !l.RebindAt().Equal(now.Add(875 * time.Second)) {
		t.Errorf("unexpected RebindAt: %s", l.RebindAt())
	}
	if !l.ExpiresAt().Equal(now.Add(1000 * time.Second)) {
		t.Errorf("unexpected ExpiresAt: %s", l.ExpiresAt())
	}
}

func TestNewHonorsServerSuppliedT1T2(t *testing.T) {
	l, _ := New(Config{
		LeaseSeconds:  1000,
		RenewSeconds:  300,
		RebindSeconds: 600,
		AcquiredAt:    time.Now(),
	})
	if l.T1() != 300*time.Second || l.T2() != 600*time.Second {
		t.Fatalf("want T1=300s T2=600s, got T1=%s T2=%s", l.T1(), l.T2())
	}
}

func TestNewClampsZeroLease(t *testing.T) {
	l, clamped := New(Config{AcquiredAt: time.Now()})
	if !clamped {
		t.Fatal("want clamped=true for a zero lease time")
	}
	if l.LeaseTime() != maxLeaseSeconds*time.Second {
		t.Fatalf("want lease clamped to %ds, got %s", maxLeaseSeconds, l.LeaseTime())
	}
}

func TestNewClampsImplausiblyLargeLease(t *testing.T) {
	l, clamped := New(Config{LeaseSeconds: 0xffffffff, AcquiredAt: time.Now()})
	if !clamped {
		t.Fatal("want clamped=true for a 0xffffffff sentinel lease time")
	}
	if l.LeaseTime() != maxLeaseSeconds*time.Second {
		t.Fatalf("want lease clamped to %ds, got %s", maxLeaseSeconds, l.LeaseTime())
	}
}

func TestNewEnforcesT1LessEqualT2LessEqualLease(t *testing.T) {
	// A malicious or buggy server claims T2 <= T1: T2 must be clamped back up.
	l, _ := New(Config{LeaseSeconds: 1000, RenewSeconds: 900, RebindSeconds: 100, AcquiredAt: time.Now()})
	if l.T2() < l.T1() {
		t.Fatalf("invariant broken: T2(%s) < T1(%s)", l.T2(), l.T1())
	}
	if l.T1() > l.LeaseTime() || l.T2() > l.LeaseTime() {
		t.Fatalf("T1/T2 must not exceed lease time: T1=%s T2=%s lease=%s", l.T1(), l.T2(), l.LeaseTime())
	}
}

func TestRefCounting(t *testing.T) {
	l, _ := New(Config{LeaseSeconds: 1000, AcquiredAt: time.Now()})
	if l.RefCount() != 1 {
		t.Fatalf("want refcount 1 on creation, got %d", l.RefCount())
	}
	l2 := l.Retain()
	if l.RefCount() != 2 || l2.RefCount() != 2 {
		t.Fatalf("want refcount 2 after retain, got l=%d l2=%d", l.RefCount(), l2.RefCount())
	}
	l2.Release()
	if l.RefCount() != 1 {
		t.Fatalf("want refcount 1 after release, got %d", l.RefCount())
	}
}

func TestZeroValueInvalid(t *testing.T) {
	var l Lease
	if l.Valid() {
		t.Fatal("zero value Lease should be invalid")
	}
	if l.RefCount() != 0 {
		t.Fatalf("want refcount 0 for zero value, got %d", l.RefCount())
	}
	l.Release() // must not panic on the zero value
}

func TestQueryReturnsRawOptionBytes(t *testing.T) {
	l, _ := New(Config{
		LeaseSeconds: 1000,
		AcquiredAt:   time.Now(),
		Options:      map[byte][]byte{43: {1, 2, 3}},
	})
	v, ok := l.Query(43)
	if !ok {
		t.Fatal("want option 43 present")
	}
	if len(v) != 3 || v[0] != 1 || v[1] != 2 || v[2] != 3 {
		t.Fatalf("unexpected option bytes: %v", v)
	}
	if _, ok := l.Query(12); ok {
		t.Fatal("want ok=false for an option the server never sent")
	}
}

func TestQueryOnZeroValueIsFalse(t *testing.T) {
	var l Lease
	if _, ok := l.Query(43); ok {
		t.Fatal("zero value Lease must not report any option present")
	}
}

func TestDNSIsCopiedNotAliased(t *testing.T) {
	dns := []netip.Addr{netip.MustParseAddr("8.8.8.8")}
	l, _ := New(Config{LeaseSeconds: 1000, DNS: dns, AcquiredAt: time.Now()})
	dns[0] = netip.MustParseAddr("1.1.1.1")
	if l.DNS()[0] != netip.MustParseAddr("8.8.8.8") {
		t.Fatal("Lease.DNS should not alias the caller's slice")
	}
}
