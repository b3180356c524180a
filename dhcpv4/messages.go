package dhcpv4

import "errors"

// EncodeDecline writes a DHCPDECLINE message (RFC 2131 §4.4.4) into dst,
// rejecting addr as offered by the server identified by serverID. Returns
// the number of bytes written, starting at dst[0].
func EncodeDecline(dst []byte, xid uint32, clientMAC [6]byte, clientID []byte, addr, serverID [4]byte) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	opts := frm.OptionsPayload()
	n, err := EncodeOption(opts, OptMessageType, byte(MsgDecline))
	if err != nil {
		return 0, err
	}
	nn, err := EncodeOption(opts[n:], OptRequestedIPaddress, addr[:]...)
	if err != nil {
		return 0, err
	}
	n += nn
	nn, err = EncodeOption(opts[n:], OptServerIdentification, serverID[:]...)
	if err != nil {
		return 0, err
	}
	n += nn
	nn, err = encodeClientID(opts[n:], clientID)
	if err != nil {
		return 0, err
	}
	n += nn
	if n >= len(opts) {
		return 0, errOptionNotFit
	}
	opts[n] = byte(OptEnd)
	n++

	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetXID(xid)
	frm.SetHardware(1, 6, 0)
	copy(frm.CHAddrAs6()[:], clientMAC[:])
	frm.SetMagicCookie(MagicCookie)
	return optionsOffset + n, nil
}

// EncodeRelease writes a DHCPRELEASE message (RFC 2131 §4.4.4) into dst,
// giving up ciaddr back to the server identified by serverID.
func EncodeRelease(dst []byte, xid uint32, clientMAC [6]byte, clientID []byte, ciaddr, serverID [4]byte) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	opts := frm.OptionsPayload()
	n, err := EncodeOption(opts, OptMessageType, byte(MsgRelease))
	if err != nil {
		return 0, err
	}
	nn, err := EncodeOption(opts[n:], OptServerIdentification, serverID[:]...)
	if err != nil {
		return 0, err
	}
	n += nn
	nn, err = encodeClientID(opts[n:], clientID)
	if err != nil {
		return 0, err
	}
	n += nn
	if n >= len(opts) {
		return 0, errOptionNotFit
	}
	opts[n] = byte(OptEnd)
	n++

	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetXID(xid)
	frm.SetHardware(1, 6, 0)
	*frm.CIAddr() = ciaddr
	copy(frm.CHAddrAs6()[:], clientMAC[:])
	frm.SetMagicCookie(MagicCookie)
	return optionsOffset + n, nil
}

// EncodeInform writes a DHCPINFORM message (RFC 2131 §4.4.3) into dst. The
// client already owns ciaddr by some other means (e.g. static config) and is
// only requesting configuration options, not an address lease.
func EncodeInform(dst []byte, xid uint32, clientMAC [6]byte, clientID []byte, ciaddr [4]byte, paramReqList []byte) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	opts := frm.OptionsPayload()
	n, err := EncodeOption(opts, OptMessageType, byte(MsgInform))
	if err != nil {
		return 0, err
	}
	if len(paramReqList) > 0 {
		nn, err := EncodeOption(opts[n:], OptParameterRequestList, paramReqList...)
		if err != nil {
			return 0, err
		}
		n += nn
	}
	nn, err := encodeClientID(opts[n:], clientID)
	if err != nil {
		return 0, err
	}
	n += nn
	if n >= len(opts) {
		return 0, errOptionNotFit
	}
	opts[n] = byte(OptEnd)
	n++

	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetXID(xid)
	frm.SetHardware(1, 6, 0)
	*frm.CIAddr() = ciaddr
	copy(frm.CHAddrAs6()[:], clientMAC[:])
	frm.SetMagicCookie(MagicCookie)
	return optionsOffset + n, nil
}

// EncodeRenewRequest writes a DHCPREQUEST message for the RENEWING/REBINDING
// states (RFC 2131 §4.3.2 table, "ciaddr" row): ciaddr is filled in, and
// unlike the initial REQUEST sent from SELECTING, no OptServerIdentification
// or OptRequestedIPaddress option is included. RENEWING sends this unicast
// to the lease's server; REBINDING broadcasts it; the choice of transport
// destination is the caller's concern, not this encoding.
func EncodeRenewRequest(dst []byte, xid uint32, clientMAC [6]byte, clientID []byte, ciaddr [4]byte, hostname string) (int, error) {
	frm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	opts := frm.OptionsPayload()
	n, err := EncodeOption(opts, OptMessageType, byte(MsgRequest))
	if err != nil {
		return 0, err
	}
	nn, err := encodeClientID(opts[n:], clientID)
	if err != nil {
		return 0, err
	}
	n += nn
	if len(hostname) > 0 {
		nn, err = EncodeOptionString(opts[n:], OptHostName, hostname)
		if err != nil {
			return 0, err
		}
		n += nn
	}
	if n >= len(opts) {
		return 0, errOptionNotFit
	}
	opts[n] = byte(OptEnd)
	n++

	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetXID(xid)
	frm.SetHardware(1, 6, 0)
	*frm.CIAddr() = ciaddr
	copy(frm.CHAddrAs6()[:], clientMAC[:])
	frm.SetMagicCookie(MagicCookie)
	return optionsOffset + n, nil
}

func encodeClientID(dst, clientID []byte) (int, error) {
	if len(clientID) == 0 {
		return 0, nil
	}
	if len(clientID) > 255 {
		return 0, errors.New("dhcpv4: client identifier too long")
	}
	return EncodeOption(dst, OptClientIdentifier, clientID...)
}
