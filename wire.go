package raknet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// magic is the fixed 16-byte sequence every offline RakNet packet carries to
// distinguish it from stray UDP traffic.
var magic = [16]byte{0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe, 0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78}

// writeUint24 writes the low 24 bits of v to b, big-endian.
func writeUint24(b *bytes.Buffer, v uint32) error {
	if err := b.WriteByte(byte(v >> 16)); err != nil {
		return err
	}
	if err := b.WriteByte(byte(v >> 8)); err != nil {
		return err
	}
	return b.WriteByte(byte(v))
}

// readUint24 reads a big-endian 24-bit unsigned integer from b.
func readUint24(b *bytes.Buffer) (uint32, error) {
	if b.Len() < 3 {
		return 0, fmt.Errorf("%w: need 3 bytes, have %d", ErrTruncated, b.Len())
	}
	hi, _ := b.ReadByte()
	mid, _ := b.ReadByte()
	lo, _ := b.ReadByte()
	return uint32(hi)<<16 | uint32(mid)<<8 | uint32(lo), nil
}

// writeMagic writes the fixed offline-message data ID.
func writeMagic(b *bytes.Buffer) error {
	_, err := b.Write(magic[:])
	return err
}

// readMagic reads and validates the offline-message data ID.
func readMagic(b *bytes.Buffer) error {
	if b.Len() < len(magic) {
		return fmt.Errorf("%w: magic truncated", ErrTruncated)
	}
	var got [16]byte
	if _, err := b.Read(got[:]); err != nil {
		return err
	}
	if got != magic {
		return ErrBadMagic
	}
	return nil
}

// writeString writes s as a u16 length-prefixed string.
func writeString(b *bytes.Buffer, s string) error {
	if err := binary.Write(b, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := b.WriteString(s)
	return err
}

// readString reads a u16 length-prefixed string.
func readString(b *bytes.Buffer) (string, error) {
	var n uint16
	if err := binary.Read(b, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("%w: string length", ErrTruncated)
	}
	if b.Len() < int(n) {
		return "", fmt.Errorf("%w: string body", ErrTruncated)
	}
	buf := make([]byte, n)
	if _, err := b.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeAddr writes a system address: a family tag followed by the
// address-family-specific encoding. IPv4 addresses are written with each
// octet bitwise-inverted, per RakNet convention.
func writeAddr(b *bytes.Buffer, addr *net.UDPAddr) error {
	if addr == nil {
		addr = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		if err := b.WriteByte(4); err != nil {
			return err
		}
		for _, o := range ip4 {
			if err := b.WriteByte(^o); err != nil {
				return err
			}
		}
		return binary.Write(b, binary.BigEndian, uint16(addr.Port))
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return fmt.Errorf("writeAddr: address %v is neither IPv4 nor IPv6", addr.IP)
	}
	if err := b.WriteByte(6); err != nil {
		return err
	}
	if _, err := b.Write(ip6); err != nil {
		return err
	}
	if err := binary.Write(b, binary.BigEndian, uint16(addr.Port)); err != nil {
		return err
	}
	// flow info + scope id, unused on the wire but present for symmetry with
	// the reference encoding.
	return binary.Write(b, binary.BigEndian, uint32(0))
}

// readAddr reads a system address written by writeAddr.
func readAddr(b *bytes.Buffer) (*net.UDPAddr, error) {
	fam, err := b.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: address family", ErrTruncated)
	}
	switch fam {
	case 4:
		if b.Len() < 4+2 {
			return nil, fmt.Errorf("%w: ipv4 address", ErrTruncated)
		}
		raw := make([]byte, 4)
		_, _ = b.Read(raw)
		for i := range raw {
			raw[i] = ^raw[i]
		}
		var port uint16
		_ = binary.Read(b, binary.BigEndian, &port)
		return &net.UDPAddr{IP: net.IPv4(raw[0], raw[1], raw[2], raw[3]), Port: int(port)}, nil
	case 6:
		if b.Len() < 16+2+4 {
			return nil, fmt.Errorf("%w: ipv6 address", ErrTruncated)
		}
		raw := make([]byte, 16)
		_, _ = b.Read(raw)
		var port uint16
		_ = binary.Read(b, binary.BigEndian, &port)
		var scope uint32
		_ = binary.Read(b, binary.BigEndian, &scope)
		return &net.UDPAddr{IP: raw, Port: int(port)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown address family %d", ErrPacketParse, fam)
	}
}

// seqDistance returns a-b interpreted as a signed offset within a 24-bit
// modular numbering space. A positive result means a is ahead of b.
func seqDistance(a, b uint32) int32 {
	const mod = 1 << 24
	d := (int64(a) - int64(b)) % mod
	if d > mod/2 {
		d -= mod
	} else if d < -mod/2 {
		d += mod
	}
	return int32(d)
}

// seqLess reports whether a precedes b in the 24-bit modular numbering space.
func seqLess(a, b uint32) bool {
	return seqDistance(a, b) < 0
}

const seqMod = 1 << 24

func seqInc(v uint32) uint32 {
	return (v + 1) % seqMod
}
