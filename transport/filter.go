//go:build linux

package transport

import "golang.org/x/net/bpf"

// Link-layer offsets assuming a plain Ethernet II frame and a DHCP header
// with no IP options, matching the frames this module itself builds and
// the vast majority of what a DHCP server sends back.
const (
	offEtherType   = 12
	offIPProto     = 23
	offIPFlagsFrag = 20
	offUDPDstPort  = 36
	offDHCPOp      = 42
	offDHCPXID     = 46
	offDHCPCookie  = offDHCPOp + 236 // sizeHeader(44)+sname(64)+file(128) = 236

	etherTypeIPv4  = 0x0800
	ipProtoUDP     = 17
	ipFragMask     = 0x3fff // MF flag and fragment offset
	bootReplyOp    = 2
	dhcpMagicValue = 0x63825363
)

// buildFilter assembles a classic BPF program matching inbound DHCP
// replies. policy FilterPolicyStrict additionally pins the program to xid,
// so only replies for the probe currently using this socket pass; a fresh
// xid (new probe, or a NAK restarting from INIT) means a fresh program.
func buildFilter(policy FilterPolicy, xid uint32) []bpf.Instruction {
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offEtherType, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		bpf.LoadAbsolute{Off: offIPProto, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoUDP, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		bpf.LoadAbsolute{Off: offIPFlagsFrag, Size: 2},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: ipFragMask},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		bpf.LoadAbsolute{Off: offUDPDstPort, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: dhcpClientPort, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
	}
	if policy == FilterPolicyStrict {
		prog = append(prog,
			bpf.LoadAbsolute{Off: offDHCPOp, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: bootReplyOp, SkipTrue: 1},
			bpf.RetConstant{Val: 0},

			bpf.LoadAbsolute{Off: offDHCPXID, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: xid, SkipTrue: 1},
			bpf.RetConstant{Val: 0},

			bpf.LoadAbsolute{Off: offDHCPCookie, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: dhcpMagicValue, SkipTrue: 1},
			bpf.RetConstant{Val: 0},
		)
	}
	prog = append(prog, bpf.RetConstant{Val: 0xffff}) // accept; kernel clamps to actual frame length.
	return prog
}
