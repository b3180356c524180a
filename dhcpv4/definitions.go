package dhcpv4

import "errors"

// ClientState tracks where a DHCP client is in the RFC 2131 §4.4 exchange:
//
//	StateInit      -> | Send out Discover  | -> StateSelecting
//	StateSelecting -> |Accept Offer+Request| -> StateRequesting
//	StateRequesting-> |    Receive Ack     | -> StateBound
type ClientState uint8

const (
	_ ClientState = iota
	// On clean slate boot, abort, NAK or decline enter the INIT state.
	StateInit
	// After sending out a Discover enter SELECTING.
	StateSelecting
	// After receiving a worthy offer and sending out request for offer enter REQUESTING.
	StateRequesting
	// On ACK to Request enter BOUND.
	StateBound
	StateRenewing
	StateRebinding
	StateInitReboot
	StateRebooting
)

func (s ClientState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSelecting:
		return "selecting"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	case StateRenewing:
		return "renewing"
	case StateRebinding:
		return "rebinding"
	case StateInitReboot:
		return "init-reboot"
	case StateRebooting:
		return "rebooting"
	default:
		return "invalid"
	}
}

// HasIP reports whether a client in this state has a usable lease address
// and should therefore populate ciaddr in outgoing messages.
func (s ClientState) HasIP() bool {
	return s == StateBound || s == StateRenewing || s == StateRebinding
}

// OptNum identifies a DHCP/BOOTP option tag, see RFC 2132.
type OptNum uint8

// DHCP options. Taken from https://help.sonicwall.com/help/sw/eng/6800/26/2/3/content/Network_DHCP_Server.042.12.htm.
const (
	OptWordAligned                 OptNum = 0 // pad
	OptSubnetMask                  OptNum = 1
	OptTimeOffset                  OptNum = 2
	OptRouter                      OptNum = 3
	OptTimeServers                 OptNum = 4
	OptNameServers                 OptNum = 5
	OptDNSServers                  OptNum = 6
	OptLogServers                  OptNum = 7
	OptCookieServers               OptNum = 8
	OptLPRServers                  OptNum = 9
	OptImpressServers              OptNum = 10
	OptRLPServers                  OptNum = 11
	OptHostName                    OptNum = 12
	OptBootFileSize                OptNum = 13
	OptMeritDumpFile               OptNum = 14
	OptDomainName                  OptNum = 15
	OptSwapServer                  OptNum = 16
	OptRootPath                    OptNum = 17
	OptExtensionFile               OptNum = 18
	OptIPLayerForwarding           OptNum = 19
	OptSrcrouteenabler             OptNum = 20
	OptPolicyFilter                OptNum = 21
	OptMaximumDGReassemblySize     OptNum = 22
	OptDefaultIPTTL                OptNum = 23
	OptPathMTUAgingTimeout         OptNum = 24
	OptMTUPlateau                  OptNum = 25
	OptInterfaceMTUSize            OptNum = 26
	OptAllSubnetsAreLocal          OptNum = 27
	OptBroadcastAddress            OptNum = 28
	OptPerformMaskDiscovery        OptNum = 29
	OptProvideMasktoOthers         OptNum = 30
	OptPerformRouterDiscovery      OptNum = 31
	OptRouterSolicitationAddress   OptNum = 32
	OptStaticRoutingTable          OptNum = 33
	OptTrailerEncapsulation        OptNum = 34
	OptARPCacheTimeout             OptNum = 35
	OptEthernetEncapsulation       OptNum = 36
	OptDefaultTCPTimetoLive        OptNum = 37
	OptTCPKeepaliveInterval        OptNum = 38
	OptTCPKeepaliveGarbage         OptNum = 39
	OptNISDomainName               OptNum = 40
	OptNISServerAddresses          OptNum = 41
	OptNTPServersAddresses         OptNum = 42
	OptVendorSpecificInformation   OptNum = 43
	OptNetBIOSNameServer           OptNum = 44
	OptNetBIOSDatagramDistribution OptNum = 45
	OptNetBIOSNodeType             OptNum = 46
	OptNetBIOSScope                OptNum = 47
	OptXWindowFontServer           OptNum = 48
	OptXWindowDisplayManager       OptNum = 49
	OptRequestedIPaddress          OptNum = 50
	OptIPAddressLeaseTime          OptNum = 51
	OptOptionOverload              OptNum = 52 // overload "sname" or "file"
	OptMessageType                 OptNum = 53
	OptServerIdentification        OptNum = 54
	OptParameterRequestList        OptNum = 55
	OptMessage                     OptNum = 56
	OptMaximumMessageSize          OptNum = 57
	OptRenewTimeValue              OptNum = 58 // T1
	OptRebindingTimeValue          OptNum = 59 // T2
	OptVendorClassIdentifier       OptNum = 60
	OptClientIdentifier            OptNum = 61
	OptEnd                         OptNum = 255
)

func (o OptNum) String() string {
	switch o {
	case OptSubnetMask:
		return "subnet-mask"
	case OptRouter:
		return "router"
	case OptDNSServers:
		return "dns-servers"
	case OptHostName:
		return "host-name"
	case OptDomainName:
		return "domain-name"
	case OptBroadcastAddress:
		return "broadcast-address"
	case OptRequestedIPaddress:
		return "requested-ip-address"
	case OptIPAddressLeaseTime:
		return "ip-address-lease-time"
	case OptOptionOverload:
		return "option-overload"
	case OptMessageType:
		return "message-type"
	case OptServerIdentification:
		return "server-identifier"
	case OptParameterRequestList:
		return "parameter-request-list"
	case OptMessage:
		return "message"
	case OptMaximumMessageSize:
		return "maximum-message-size"
	case OptRenewTimeValue:
		return "renewal-time"
	case OptRebindingTimeValue:
		return "rebinding-time"
	case OptClientIdentifier:
		return "client-identifier"
	case OptEnd:
		return "end"
	case OptWordAligned:
		return "pad"
	case OptNTPServersAddresses:
		return "ntp-servers"
	case OptInterfaceMTUSize:
		return "interface-mtu"
	case OptTimeOffset:
		return "time-offset"
	default:
		return "option(" + itoa(uint8(o)) + ")"
	}
}

// Op is the BOOTP opcode, first byte of the DHCP header.
type Op byte

const (
	opUndefined Op = iota
	OpRequest
	OpReply
)

func (op Op) String() string {
	switch op {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	default:
		return "undefined"
	}
}

// MessageType is the value carried by [OptMessageType] (option 53).
type MessageType uint8

const (
	msgUndefined MessageType = iota
	MsgDiscover
	MsgOffer
	MsgRequest
	MsgDecline
	MsgAck
	MsgNack
	MsgRelease
	MsgInform
)

func (m MessageType) String() string {
	switch m {
	case MsgDiscover:
		return "discover"
	case MsgOffer:
		return "offer"
	case MsgRequest:
		return "request"
	case MsgDecline:
		return "decline"
	case MsgAck:
		return "ack"
	case MsgNack:
		return "nak"
	case MsgRelease:
		return "release"
	case MsgInform:
		return "inform"
	default:
		return "undefined"
	}
}

// Flags is the 16-bit flags field of the DHCP header; only the broadcast bit
// (0x8000) is defined by RFC 2131.
type Flags uint16

const FlagBroadcast Flags = 0x8000

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// AppendOption appends a TLV-encoded option to dst and returns the result.
// Panics if data is longer than 255 bytes: callers control option contents
// and a longer option is a programming error, not a runtime condition.
func AppendOption(dst []byte, opt OptNum, data ...byte) []byte {
	if len(data) > 255 {
		panic("dhcpv4: option data too long")
	}
	dst = append(dst, byte(opt), byte(len(data)))
	dst = append(dst, data...)
	return dst
}

// EncodeOption writes a TLV-encoded option into dst, returning the number of
// bytes written.
func EncodeOption(dst []byte, opt OptNum, data ...byte) (int, error) {
	if len(data) > 255 {
		return 0, errors.New("dhcpv4: option data too long (>255)")
	} else if len(dst) < 2+len(data) {
		return 0, errors.New("dhcpv4: option buffer too short")
	}
	dst[0] = byte(opt)
	dst[1] = byte(len(data))
	copy(dst[2:], data)
	return 2 + len(data), nil
}

// EncodeOption16 writes a 2-byte big-endian option, e.g. [OptMaximumMessageSize].
func EncodeOption16(dst []byte, opt OptNum, v uint16) (int, error) {
	return EncodeOption(dst, opt, byte(v>>8), byte(v))
}

// EncodeOption32 writes a 4-byte big-endian option, e.g. [OptIPAddressLeaseTime].
func EncodeOption32(dst []byte, opt OptNum, v uint32) (int, error) {
	return EncodeOption(dst, opt, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// EncodeOptionString writes a string-valued option such as [OptHostName].
func EncodeOptionString(dst []byte, opt OptNum, s string) (int, error) {
	if len(s) > 255 {
		return 0, errors.New("dhcpv4: option string too long (>255)")
	}
	return EncodeOption(dst, opt, []byte(s)...)
}
