package raknet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Packet IDs, identified by the first byte of the packet payload (after any
// datagram/frame envelope has been stripped), per the offline/online packet
// table.
const (
	idConnectedPing            = 0x00
	idUnconnectedPing          = 0x01
	idUnconnectedPong          = 0x02
	idConnectedPong            = 0x03
	idOpenConnectionRequest1   = 0x05
	idOpenConnectionReply1     = 0x06
	idOpenConnectionRequest2   = 0x07
	idOpenConnectionReply2     = 0x08
	idConnectionRequest        = 0x09
	idConnectionRequestAccept  = 0x10
	idNewIncomingConnection    = 0x13
	idDisconnectNotification   = 0x15
)

// ProtocolVersion is the RakNet wire protocol version this transport speaks
// and demands its peer speak, matching Minecraft Bedrock Edition 1.18.x.
const ProtocolVersion = 10

// systemAddressCount is the number of system addresses ConnectionRequestAccepted
// writes. rust-raknet and some servers write 20; we accept either on read
// (see readSystemAddresses) but always write the narrower, more common form.
const systemAddressCount = 10

type unconnectedPing struct {
	sendTimestamp int64
	clientGUID    uint64
}

func (p *unconnectedPing) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idUnconnectedPing})
	if err := binary.Write(b, binary.BigEndian, p.sendTimestamp); err != nil {
		return nil, err
	}
	if err := writeMagic(b); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.clientGUID); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeUnconnectedPing(raw []byte) (*unconnectedPing, error) {
	b, err := stripID(raw, idUnconnectedPing)
	if err != nil {
		return nil, err
	}
	p := &unconnectedPing{}
	if err := binary.Read(b, binary.BigEndian, &p.sendTimestamp); err != nil {
		return nil, fmt.Errorf("%w: ping timestamp", ErrTruncated)
	}
	if err := readMagic(b); err != nil {
		return nil, err
	}
	if err := binary.Read(b, binary.BigEndian, &p.clientGUID); err != nil {
		return nil, fmt.Errorf("%w: ping client guid", ErrTruncated)
	}
	return p, nil
}

type unconnectedPong struct {
	sendTimestamp int64
	serverGUID    uint64
	motd          string
}

func (p *unconnectedPong) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idUnconnectedPong})
	if err := binary.Write(b, binary.BigEndian, p.sendTimestamp); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.serverGUID); err != nil {
		return nil, err
	}
	if err := writeMagic(b); err != nil {
		return nil, err
	}
	if err := writeString(b, p.motd); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeUnconnectedPong(raw []byte) (*unconnectedPong, error) {
	b, err := stripID(raw, idUnconnectedPong)
	if err != nil {
		return nil, err
	}
	p := &unconnectedPong{}
	if err := binary.Read(b, binary.BigEndian, &p.sendTimestamp); err != nil {
		return nil, fmt.Errorf("%w: pong timestamp", ErrTruncated)
	}
	if err := binary.Read(b, binary.BigEndian, &p.serverGUID); err != nil {
		return nil, fmt.Errorf("%w: pong server guid", ErrTruncated)
	}
	if err := readMagic(b); err != nil {
		return nil, err
	}
	if p.motd, err = readString(b); err != nil {
		return nil, err
	}
	return p, nil
}

type openConnectionRequest1 struct {
	protocolVersion byte
	paddingLength   int
}

func (p *openConnectionRequest1) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idOpenConnectionRequest1})
	if err := writeMagic(b); err != nil {
		return nil, err
	}
	if err := b.WriteByte(p.protocolVersion); err != nil {
		return nil, err
	}
	b.Write(make([]byte, p.paddingLength))
	return b.Bytes(), nil
}

func decodeOpenConnectionRequest1(raw []byte) (*openConnectionRequest1, error) {
	b, err := stripID(raw, idOpenConnectionRequest1)
	if err != nil {
		return nil, err
	}
	if err := readMagic(b); err != nil {
		return nil, err
	}
	ver, err := b.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: protocol version", ErrTruncated)
	}
	return &openConnectionRequest1{protocolVersion: ver, paddingLength: b.Len()}, nil
}

type openConnectionReply1 struct {
	serverGUID  uint64
	useSecurity bool
	mtu         uint16
}

func (p *openConnectionReply1) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idOpenConnectionReply1})
	if err := writeMagic(b); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.serverGUID); err != nil {
		return nil, err
	}
	if err := b.WriteByte(boolByte(p.useSecurity)); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.mtu); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeOpenConnectionReply1(raw []byte) (*openConnectionReply1, error) {
	b, err := stripID(raw, idOpenConnectionReply1)
	if err != nil {
		return nil, err
	}
	if err := readMagic(b); err != nil {
		return nil, err
	}
	p := &openConnectionReply1{}
	if err := binary.Read(b, binary.BigEndian, &p.serverGUID); err != nil {
		return nil, fmt.Errorf("%w: reply1 server guid", ErrTruncated)
	}
	secByte, err := b.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reply1 security flag", ErrTruncated)
	}
	p.useSecurity = secByte != 0
	if err := binary.Read(b, binary.BigEndian, &p.mtu); err != nil {
		return nil, fmt.Errorf("%w: reply1 mtu", ErrTruncated)
	}
	return p, nil
}

type openConnectionRequest2 struct {
	serverAddress *net.UDPAddr
	mtu           uint16
	clientGUID    uint64
}

func (p *openConnectionRequest2) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idOpenConnectionRequest2})
	if err := writeMagic(b); err != nil {
		return nil, err
	}
	if err := writeAddr(b, p.serverAddress); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.mtu); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.clientGUID); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeOpenConnectionRequest2(raw []byte) (*openConnectionRequest2, error) {
	b, err := stripID(raw, idOpenConnectionRequest2)
	if err != nil {
		return nil, err
	}
	if err := readMagic(b); err != nil {
		return nil, err
	}
	p := &openConnectionRequest2{}
	if p.serverAddress, err = readAddr(b); err != nil {
		return nil, err
	}
	if err := binary.Read(b, binary.BigEndian, &p.mtu); err != nil {
		return nil, fmt.Errorf("%w: request2 mtu", ErrTruncated)
	}
	if err := binary.Read(b, binary.BigEndian, &p.clientGUID); err != nil {
		return nil, fmt.Errorf("%w: request2 client guid", ErrTruncated)
	}
	return p, nil
}

type openConnectionReply2 struct {
	serverGUID    uint64
	clientAddress *net.UDPAddr
	mtu           uint16
	useEncryption bool
}

func (p *openConnectionReply2) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idOpenConnectionReply2})
	if err := writeMagic(b); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.serverGUID); err != nil {
		return nil, err
	}
	if err := writeAddr(b, p.clientAddress); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.mtu); err != nil {
		return nil, err
	}
	if err := b.WriteByte(boolByte(p.useEncryption)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeOpenConnectionReply2(raw []byte) (*openConnectionReply2, error) {
	b, err := stripID(raw, idOpenConnectionReply2)
	if err != nil {
		return nil, err
	}
	if err := readMagic(b); err != nil {
		return nil, err
	}
	p := &openConnectionReply2{}
	if err := binary.Read(b, binary.BigEndian, &p.serverGUID); err != nil {
		return nil, fmt.Errorf("%w: reply2 server guid", ErrTruncated)
	}
	if p.clientAddress, err = readAddr(b); err != nil {
		return nil, err
	}
	if err := binary.Read(b, binary.BigEndian, &p.mtu); err != nil {
		return nil, fmt.Errorf("%w: reply2 mtu", ErrTruncated)
	}
	encByte, err := b.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reply2 encryption flag", ErrTruncated)
	}
	p.useEncryption = encByte != 0
	return p, nil
}

type connectionRequest struct {
	clientGUID       uint64
	requestTimestamp int64
	useSecurity      bool
}

func (p *connectionRequest) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idConnectionRequest})
	if err := binary.Write(b, binary.BigEndian, p.clientGUID); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.requestTimestamp); err != nil {
		return nil, err
	}
	if err := b.WriteByte(boolByte(p.useSecurity)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeConnectionRequest(raw []byte) (*connectionRequest, error) {
	b, err := stripID(raw, idConnectionRequest)
	if err != nil {
		return nil, err
	}
	p := &connectionRequest{}
	if err := binary.Read(b, binary.BigEndian, &p.clientGUID); err != nil {
		return nil, fmt.Errorf("%w: connreq client guid", ErrTruncated)
	}
	if err := binary.Read(b, binary.BigEndian, &p.requestTimestamp); err != nil {
		return nil, fmt.Errorf("%w: connreq timestamp", ErrTruncated)
	}
	secByte, err := b.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: connreq security flag", ErrTruncated)
	}
	p.useSecurity = secByte != 0
	return p, nil
}

type connectionRequestAccepted struct {
	clientAddress     *net.UDPAddr
	systemAddresses   []*net.UDPAddr
	requestTimestamp  int64
	acceptedTimestamp int64
}

func (p *connectionRequestAccepted) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idConnectionRequestAccept})
	if err := writeAddr(b, p.clientAddress); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, uint16(0)); err != nil { // system index
		return nil, err
	}
	addrs := p.systemAddresses
	for len(addrs) < systemAddressCount {
		addrs = append(addrs, &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	}
	for i := 0; i < systemAddressCount; i++ {
		if err := writeAddr(b, addrs[i]); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(b, binary.BigEndian, p.requestTimestamp); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.acceptedTimestamp); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeConnectionRequestAccepted(raw []byte) (*connectionRequestAccepted, error) {
	b, err := stripID(raw, idConnectionRequestAccept)
	if err != nil {
		return nil, err
	}
	p := &connectionRequestAccepted{}
	if p.clientAddress, err = readAddr(b); err != nil {
		return nil, err
	}
	var systemIndex uint16
	if err := binary.Read(b, binary.BigEndian, &systemIndex); err != nil {
		return nil, fmt.Errorf("%w: cra system index", ErrTruncated)
	}
	if p.systemAddresses, err = readSystemAddresses(b); err != nil {
		return nil, err
	}
	if err := binary.Read(b, binary.BigEndian, &p.requestTimestamp); err != nil {
		return nil, fmt.Errorf("%w: cra request timestamp", ErrTruncated)
	}
	if err := binary.Read(b, binary.BigEndian, &p.acceptedTimestamp); err != nil {
		return nil, fmt.Errorf("%w: cra accepted timestamp", ErrTruncated)
	}
	return p, nil
}

// readSystemAddresses reads system addresses up to either the 10- or
// 20-address convention, stopping when only the two trailing int64
// timestamps remain. Deployments disagree on the count (see the Open
// Question decisions in DESIGN.md); this accepts either on parse while we
// always write 10.
func readSystemAddresses(b *bytes.Buffer) ([]*net.UDPAddr, error) {
	const trailingTimestamps = 16 // two int64s
	var addrs []*net.UDPAddr
	for b.Len() > trailingTimestamps {
		addr, err := readAddr(b)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

type newIncomingConnection struct {
	serverAddress     *net.UDPAddr
	systemAddresses   []*net.UDPAddr
	requestTimestamp  int64
	acceptedTimestamp int64
}

func (p *newIncomingConnection) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idNewIncomingConnection})
	if err := writeAddr(b, p.serverAddress); err != nil {
		return nil, err
	}
	addrs := p.systemAddresses
	for len(addrs) < systemAddressCount {
		addrs = append(addrs, &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	}
	for i := 0; i < systemAddressCount; i++ {
		if err := writeAddr(b, addrs[i]); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(b, binary.BigEndian, p.requestTimestamp); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.acceptedTimestamp); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeNewIncomingConnection(raw []byte) (*newIncomingConnection, error) {
	b, err := stripID(raw, idNewIncomingConnection)
	if err != nil {
		return nil, err
	}
	p := &newIncomingConnection{}
	if p.serverAddress, err = readAddr(b); err != nil {
		return nil, err
	}
	if p.systemAddresses, err = readSystemAddresses(b); err != nil {
		return nil, err
	}
	if err := binary.Read(b, binary.BigEndian, &p.requestTimestamp); err != nil {
		return nil, fmt.Errorf("%w: nic request timestamp", ErrTruncated)
	}
	if err := binary.Read(b, binary.BigEndian, &p.acceptedTimestamp); err != nil {
		return nil, fmt.Errorf("%w: nic accepted timestamp", ErrTruncated)
	}
	return p, nil
}

type connectedPing struct {
	pingTimestamp int64
}

func (p *connectedPing) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idConnectedPing})
	if err := binary.Write(b, binary.BigEndian, p.pingTimestamp); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeConnectedPing(raw []byte) (*connectedPing, error) {
	b, err := stripID(raw, idConnectedPing)
	if err != nil {
		return nil, err
	}
	p := &connectedPing{}
	if err := binary.Read(b, binary.BigEndian, &p.pingTimestamp); err != nil {
		return nil, fmt.Errorf("%w: connected ping timestamp", ErrTruncated)
	}
	return p, nil
}

type connectedPong struct {
	pingTimestamp int64
	pongTimestamp int64
}

func (p *connectedPong) encode() ([]byte, error) {
	b := bytes.NewBuffer([]byte{idConnectedPong})
	if err := binary.Write(b, binary.BigEndian, p.pingTimestamp); err != nil {
		return nil, err
	}
	if err := binary.Write(b, binary.BigEndian, p.pongTimestamp); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeConnectedPong(raw []byte) (*connectedPong, error) {
	b, err := stripID(raw, idConnectedPong)
	if err != nil {
		return nil, err
	}
	p := &connectedPong{}
	if err := binary.Read(b, binary.BigEndian, &p.pingTimestamp); err != nil {
		return nil, fmt.Errorf("%w: connected pong ping timestamp", ErrTruncated)
	}
	if err := binary.Read(b, binary.BigEndian, &p.pongTimestamp); err != nil {
		return nil, fmt.Errorf("%w: connected pong timestamp", ErrTruncated)
	}
	return p, nil
}

func encodeDisconnectionNotification() []byte {
	return []byte{idDisconnectNotification}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// stripID checks that raw begins with the expected packet ID and returns a
// buffer positioned just after it.
func stripID(raw []byte, want byte) (*bytes.Buffer, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty packet", ErrTruncated)
	}
	if raw[0] != want {
		return nil, fmt.Errorf("%w: want 0x%02x, got 0x%02x", ErrUnsupportedID, want, raw[0])
	}
	return bytes.NewBuffer(raw[1:]), nil
}
