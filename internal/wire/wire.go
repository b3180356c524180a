// Package wire holds the small set of byte-level primitives shared by the
// carrier frame packages (ethernet, ipv4, udp) and the dhcpv4 wire codec:
// the internet checksum algorithm and a lightweight multi-error accumulator
// used by each frame's ValidateSize/ValidateExceptCRC methods.
package wire

import (
	"encoding/binary"
	"errors"
)

// IPProto represents an IP protocol number. Only the handful of values this
// module's carrier frames reference are named; unknown values pass through
// as opaque numbers the way DHCPv4.ForEachOption passes through unknown
// option codes.
type IPProto uint8

const (
	IPProtoICMP IPProto = 1
	IPProtoTCP  IPProto = 6
	IPProtoUDP  IPProto = 17
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	default:
		return "IPProto(" + itoa(uint8(p)) + ")"
	}
}

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

// ValidateFlags configures optional, stricter checks performed by a frame's
// ValidateExceptCRC method.
type ValidateFlags uint8

const (
	// ValidateEvilBit enables rejection of IPv4 packets carrying the
	// RFC 3514 "evil bit". Off by default: no production network honors it.
	ValidateEvilBit ValidateFlags = 1 << iota
)

// Validator accumulates validation errors across one or more frame layers
// so a caller can validate a whole carrier (Ethernet+IPv4+UDP+DHCP) in one
// pass and report every defect found, not just the first.
type Validator struct {
	flags ValidateFlags
	accum []error
}

// NewValidator returns a Validator configured with the given flags.
func NewValidator(flags ValidateFlags) Validator {
	return Validator{flags: flags}
}

// Flags returns the configured ValidateFlags.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// SetFlags sets the configured ValidateFlags.
func (v *Validator) SetFlags(flags ValidateFlags) { v.flags = flags }

// AddError records a validation error. Safe to call with nil (no-op).
func (v *Validator) AddError(err error) {
	if err == nil {
		return
	}
	v.accum = append(v.accum, err)
}

// HasError reports whether any error has been recorded since the last Reset.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns all recorded errors joined, or nil if none were recorded.
func (v *Validator) Err() error {
	if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

// ErrPop returns and clears the first recorded error, or nil if none.
func (v *Validator) ErrPop() error {
	if len(v.accum) == 0 {
		return nil
	}
	err := v.accum[0]
	v.accum = v.accum[1:]
	return err
}

// Reset discards all recorded errors.
func (v *Validator) Reset() { v.accum = v.accum[:0] }

// CRC791 implements the ones'-complement internet checksum defined in
// RFC 791 §3.1/RFC 1071, used by IPv4 header checksums and the UDP checksum
// (with its IPv4 pseudo-header).
//
// The zero value is ready to use.
type CRC791 struct {
	sum uint32
}

// Write adds the bytes in buf to the running checksum. len(buf) must be even;
// pass an odd-length tail buffer to WriteByte or pad it with a trailing call
// that accounts for the extra byte via AddUint16(uint16(last)<<8).
func (c *CRC791) Write(buf []byte) {
	c.sum = checksumWriteEven(c.sum, buf)
}

// AddUint32 folds a 32-bit big-endian value into the running checksum.
func (c *CRC791) AddUint32(v uint32) {
	c.AddUint16(uint16(v >> 16))
	c.AddUint16(uint16(v))
}

// AddUint16 folds a 16-bit big-endian value into the running checksum.
func (c *CRC791) AddUint16(v uint16) { c.sum += uint32(v) }

// Sum16 finalizes and returns the checksum computed so far.
func (c *CRC791) Sum16() uint16 { return checksum16(c.sum) }

// PayloadSum16 finalizes the checksum after folding in buf (of any length,
// including odd) without mutating the receiver's running state.
func (c *CRC791) PayloadSum16(buf []byte) uint16 {
	odd := len(buf) & 1
	sum := checksumWriteEven(c.sum, buf[:len(buf)-odd])
	if odd > 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	return checksum16(sum)
}

// Reset zeros the running checksum state.
func (c *CRC791) Reset() { *c = CRC791{} }

func checksum16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	return ^uint16(sum + sum>>16)
}

func checksumWriteEven(sum uint32, buf []byte) uint32 {
	for i := 0; i < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
	return sum
}

// NeverZeroChecksum maps a computed checksum of 0x0000 to 0xffff, since the
// two are equivalent in ones'-complement arithmetic but UDP reserves 0x0000
// to mean "no checksum computed".
func NeverZeroChecksum(sum16 uint16) uint16 {
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
