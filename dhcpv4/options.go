package dhcpv4

import (
	"encoding/binary"
	"net/netip"
)

// ParsedOptions is the subset of DHCP options the probe state machine cares
// about, pulled out of a reply frame in one pass. Zero-value fields mean
// "not present in this message", not "explicitly zero".
type ParsedOptions struct {
	MsgType    MessageType
	ServerID   netip.Addr
	Router     netip.Addr
	Subnet     netip.Addr
	Broadcast  netip.Addr
	DNS        []netip.Addr
	Domain     string
	Hostname   string
	LeaseTime  uint32
	RenewTime  uint32 // T1
	RebindTime uint32 // T2
	// Raw holds every option as sent, keyed by code, including the ones
	// already broken out above. Callers that need an option this struct
	// doesn't name (vendor-specific, site-local) read it directly instead
	// of growing this struct's named-field surface indefinitely.
	Raw map[OptNum][]byte
}

// ParseOptions walks frm's option stream (honoring overload per
// [Frame.ForEachOptionOverload]) and extracts the fields a probe needs to
// act on an OFFER, ACK, or NAK.
func ParseOptions(frm Frame) (ParsedOptions, error) {
	if frm.MagicCookie() != MagicCookie {
		return ParsedOptions{}, newError(KindMalformed, "ParseOptions", errBadCookie)
	}
	p := ParsedOptions{Raw: make(map[OptNum][]byte)}
	err := frm.ForEachOptionOverload(func(_ int, opt OptNum, data []byte) error {
		p.Raw[opt] = append([]byte(nil), data...)
		switch opt {
		case OptMessageType:
			if len(data) == 1 {
				p.MsgType = MessageType(data[0])
			}
		case OptServerIdentification:
			if len(data) == 4 {
				p.ServerID = netip.AddrFrom4([4]byte(data))
			}
		case OptRouter:
			if len(data) >= 4 {
				p.Router = netip.AddrFrom4([4]byte(data[:4]))
			}
		case OptSubnetMask:
			if len(data) == 4 {
				p.Subnet = netip.AddrFrom4([4]byte(data))
			}
		case OptBroadcastAddress:
			if len(data) == 4 {
				p.Broadcast = netip.AddrFrom4([4]byte(data))
			}
		case OptDNSServers:
			for i := 0; i+4 <= len(data); i += 4 {
				p.DNS = append(p.DNS, netip.AddrFrom4([4]byte(data[i:i+4])))
			}
		case OptDomainName:
			p.Domain = string(data)
		case OptHostName:
			if len(data) < maxHostSize {
				p.Hostname = string(data)
			}
		case OptIPAddressLeaseTime:
			p.LeaseTime = maybeU32(data)
		case OptRenewTimeValue:
			p.RenewTime = maybeU32(data)
		case OptRebindingTimeValue:
			p.RebindTime = maybeU32(data)
		}
		return nil
	})
	return p, err
}

// SubnetPrefix derives a CIDR prefix from addr and the parsed subnet mask,
// returning ok=false if no subnet mask was present.
func (p ParsedOptions) SubnetPrefix(addr netip.Addr) (prefix netip.Prefix, ok bool) {
	if !p.Subnet.IsValid() || !addr.Is4() {
		return netip.Prefix{}, false
	}
	mask := p.Subnet.As4()
	bits := 0
	for _, b := range mask {
		bits += popcount(b)
	}
	prefix, err := addr.Prefix(bits)
	return prefix, err == nil
}

// maybeU32 decodes a 4-byte big-endian option value, returning 0 ("not
// present") for any other length.
func maybeU32(data []byte) uint32 {
	if len(data) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(data)
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}
