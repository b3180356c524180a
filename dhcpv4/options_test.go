package dhcpv4

import (
	"net/netip"
	"testing"
)

func buildAckFrame(t *testing.T) Frame {
	t.Helper()
	buf := make([]byte, 400)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	opts := frm.OptionsPayload()
	n, _ := EncodeOption(opts, OptMessageType, byte(MsgAck))
	nn, _ := EncodeOption(opts[n:], OptServerIdentification, 10, 0, 0, 1)
	n += nn
	nn, _ = EncodeOption(opts[n:], OptRouter, 10, 0, 0, 1)
	n += nn
	nn, _ = EncodeOption(opts[n:], OptSubnetMask, 255, 255, 255, 0)
	n += nn
	nn, _ = EncodeOption(opts[n:], OptDNSServers, 8, 8, 8, 8, 1, 1, 1, 1)
	n += nn
	nn, _ = EncodeOptionString(opts[n:], OptDomainName, "example.com")
	n += nn
	nn, _ = EncodeOption32(opts[n:], OptIPAddressLeaseTime, 3600)
	n += nn
	nn, _ = EncodeOption32(opts[n:], OptRenewTimeValue, 1800)
	n += nn
	nn, _ = EncodeOption32(opts[n:], OptRebindingTimeValue, 3150)
	n += nn
	opts[n] = byte(OptEnd)
	n++
	frm.SetMagicCookie(MagicCookie)
	*frm.YIAddr() = [4]byte{10, 0, 0, 5}
	return frm
}

func TestParseOptions(t *testing.T) {
	frm := buildAckFrame(t)
	got, err := ParseOptions(frm)
	if err != nil {
		t.Fatal(err)
	}
	if got.MsgType != MsgAck {
		t.Errorf("want ack, got %s", got.MsgType)
	}
	if got.ServerID != netip.AddrFrom4([4]byte{10, 0, 0, 1}) {
		t.Errorf("unexpected server id %s", got.ServerID)
	}
	if got.Subnet != netip.AddrFrom4([4]byte{255, 255, 255, 0}) {
		t.Errorf("unexpected subnet %s", got.Subnet)
	}
	if len(got.DNS) != 2 {
		t.Fatalf("want 2 dns servers, got %d", len(got.DNS))
	}
	if got.Domain != "example.com" {
		t.Errorf("unexpected domain %q", got.Domain)
	}
	if got.LeaseTime != 3600 || got.RenewTime != 1800 || got.RebindTime != 3150 {
		t.Errorf("unexpected timers: lease=%d renew=%d rebind=%d", got.LeaseTime, got.RenewTime, got.RebindTime)
	}
}

func TestSubnetPrefix(t *testing.T) {
	frm := buildAckFrame(t)
	opts, err := ParseOptions(frm)
	if err != nil {
		t.Fatal(err)
	}
	addr := netip.AddrFrom4([4]byte{10, 0, 0, 5})
	prefix, ok := opts.SubnetPrefix(addr)
	if !ok {
		t.Fatal("want ok=true with a subnet mask present")
	}
	if prefix.Bits() != 24 {
		t.Fatalf("want /24, got /%d", prefix.Bits())
	}
}

func TestSubnetPrefixNoMask(t *testing.T) {
	var opts ParsedOptions
	_, ok := opts.SubnetPrefix(netip.AddrFrom4([4]byte{10, 0, 0, 5}))
	if ok {
		t.Fatal("want ok=false with no subnet mask parsed")
	}
}

func TestParseOptionsHonorsOverload(t *testing.T) {
	buf := make([]byte, OptionsOffset+8)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	opts := frm.OptionsPayload()
	n, _ := EncodeOption(opts, OptMessageType, byte(MsgAck))
	nn, _ := EncodeOption(opts[n:], OptOptionOverload, 1) // options packed into "file" field too
	n += nn
	opts[n] = byte(OptEnd)
	n++
	file := frm.FileField()
	fn, _ := EncodeOption32(file, OptIPAddressLeaseTime, 7200)
	file[fn] = byte(OptEnd)
	frm.SetMagicCookie(MagicCookie)

	got, err := ParseOptions(frm)
	if err != nil {
		t.Fatal(err)
	}
	if got.LeaseTime != 7200 {
		t.Fatalf("want lease time from overloaded file field, got %d", got.LeaseTime)
	}
}
