package raknet

import (
	"bytes"
	"fmt"
)

// Datagram header flag bits. The top bit marks a valid (non-offline)
// datagram; ACK/NACK datagrams set their own distinguishing bit instead of
// the frame-carrying bit.
const (
	flagValid byte = 0x80
	flagACK   byte = 0xc0
	flagNACK  byte = 0xa0
)

// datagram is a UDP payload carrying one or more frames, preceded by a
// 1-byte flag and a 24-bit datagram sequence number. Retransmits of the
// frames it carries are re-packed into a fresh datagram with a new sequence
// number — the sequence number is never reused.
type datagram struct {
	seq    uint32
	frames []*frame
}

func (d *datagram) size() int {
	n := 4
	for _, f := range d.frames {
		n += f.size()
	}
	return n
}

func (d *datagram) encode() ([]byte, error) {
	b := bytes.NewBuffer(make([]byte, 0, d.size()))
	if err := b.WriteByte(flagValid); err != nil {
		return nil, err
	}
	if err := writeUint24(b, d.seq); err != nil {
		return nil, err
	}
	for _, f := range d.frames {
		if err := f.write(b); err != nil {
			return nil, fmt.Errorf("encoding datagram %d: %w", d.seq, err)
		}
	}
	return b.Bytes(), nil
}

// decodeDatagram parses a valid (non-ACK/NACK) datagram. The caller must
// have already checked the leading flag byte's top bit.
func decodeDatagram(raw []byte) (*datagram, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: datagram header", ErrTruncated)
	}
	b := bytes.NewBuffer(raw[1:])
	seq, err := readUint24(b)
	if err != nil {
		return nil, err
	}
	d := &datagram{seq: seq}
	for b.Len() > 0 {
		f := &frame{}
		if err := f.read(b); err != nil {
			return nil, fmt.Errorf("decoding datagram %d: %w", seq, err)
		}
		d.frames = append(d.frames, f)
	}
	return d, nil
}

// isValidDatagram reports whether the leading flag byte marks raw as a
// frame-carrying datagram rather than an ACK/NACK.
func isValidDatagram(flag byte) bool {
	return flag&flagValid != 0 && flag&(flagACK|flagNACK) != flagACK && flag&(flagACK|flagNACK) != flagNACK
}

func encodeAckDatagram(packets []uint32) ([]byte, error) {
	b := bytes.NewBuffer(nil)
	if err := b.WriteByte(flagACK); err != nil {
		return nil, err
	}
	ack := &acknowledgement{packets: packets}
	if err := ack.write(b); err != nil {
		return nil, fmt.Errorf("encoding ack: %w", err)
	}
	return b.Bytes(), nil
}

func encodeNackDatagram(packets []uint32) ([]byte, error) {
	b := bytes.NewBuffer(nil)
	if err := b.WriteByte(flagNACK); err != nil {
		return nil, err
	}
	nack := &acknowledgement{packets: packets}
	if err := nack.write(b); err != nil {
		return nil, fmt.Errorf("encoding nack: %w", err)
	}
	return b.Bytes(), nil
}

func decodeAcknowledgement(raw []byte) (*acknowledgement, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty packet", ErrTruncated)
	}
	b := bytes.NewBuffer(raw[1:])
	ack := &acknowledgement{}
	if err := ack.read(b); err != nil {
		return nil, err
	}
	return ack, nil
}
