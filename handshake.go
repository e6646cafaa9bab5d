package raknet

import (
	"math/rand"
	"net"
	"time"
)

// handshakeState is the client/server connection-establishment state
// machine. The server mirrors the client's states but drives them from
// packets it receives rather than a timer-retried send loop.
type handshakeState int

const (
	stateConnecting1 handshakeState = iota
	stateConnecting2
	stateConnecting3
	stateConnected
	stateDisconnecting
	stateDisconnected
)

func (s handshakeState) String() string {
	switch s {
	case stateConnecting1:
		return "Connecting1"
	case stateConnecting2:
		return "Connecting2"
	case stateConnecting3:
		return "Connecting3"
	case stateConnected:
		return "Connected"
	case stateDisconnecting:
		return "Disconnecting"
	case stateDisconnected:
		return "Disconnected"
	default:
		return "?"
	}
}

const (
	// initialMTU is the MTU probed first during OpenConnectionRequest1; it
	// halves on each retry down to mtuFloor.
	initialMTU = 1492
	mtuFloor   = 576

	// handshakeRetryInterval and handshakeMaxAttempts bound how long the
	// client waits for each unconnected reply before giving up.
	handshakeRetryInterval = 500 * time.Millisecond
	handshakeMaxAttempts   = 5

	// closeGrace is how long the local side waits for pending ACKs to drain
	// after sending a DisconnectionNotification before releasing resources.
	closeGrace = 300 * time.Millisecond
)

// clientHandshake drives the five-way offline+online handshake from the
// connecting side. It is owned by Connection and polled from the tick loop;
// it never blocks.
type clientHandshake struct {
	state handshakeState

	serverAddr *net.UDPAddr
	clientGUID uint64
	serverGUID uint64

	mtu int

	attempt     int
	lastSend    time.Time
	requestSent int64 // timestamp carried in ConnectionRequest, echoed back

	err error
}

func newClientHandshake(serverAddr *net.UDPAddr, clientGUID uint64) *clientHandshake {
	return &clientHandshake{
		state:      stateConnecting1,
		serverAddr: serverAddr,
		clientGUID: clientGUID,
		mtu:        initialMTU,
	}
}

// step is called once per tick. now drives the retry timer; send appends
// raw bytes the caller must hand to the socket. It returns true once the
// handshake has left Connecting1..3 (either Connected or failed, check err).
func (h *clientHandshake) step(now time.Time, send func([]byte)) (done bool) {
	switch h.state {
	case stateConnected, stateDisconnected:
		return true
	}
	if h.lastSend.IsZero() || now.Sub(h.lastSend) >= handshakeRetryInterval {
		if h.attempt >= handshakeMaxAttempts {
			h.err = newErr(KindConnectionTimeout, h.serverAddr.String(), nil)
			h.state = stateDisconnected
			return true
		}
		h.attempt++
		h.lastSend = now
		switch h.state {
		case stateConnecting1:
			h.sendRequest1(send)
		case stateConnecting2:
			h.sendRequest2(send)
		case stateConnecting3:
			h.sendConnectionRequest(now, send)
		}
	}
	return false
}

func (h *clientHandshake) sendRequest1(send func([]byte)) {
	// Padding probes the MTU: start wide, and on repeated attempts (each one
	// a prior reply timeout) request a narrower one, down to mtuFloor.
	mtu := h.mtu
	for i := 1; i < h.attempt; i++ {
		mtu /= 2
		if mtu < mtuFloor {
			mtu = mtuFloor
			break
		}
	}
	h.mtu = mtu
	pad := mtu - udpIPOverhead - 1 - len(magic) - 1
	if pad < 0 {
		pad = 0
	}
	raw, err := (&openConnectionRequest1{protocolVersion: ProtocolVersion, paddingLength: pad}).encode()
	if err != nil {
		return
	}
	send(raw)
}

func (h *clientHandshake) sendRequest2(send func([]byte)) {
	raw, err := (&openConnectionRequest2{
		serverAddress: h.serverAddr,
		mtu:           uint16(h.mtu),
		clientGUID:    h.clientGUID,
	}).encode()
	if err != nil {
		return
	}
	send(raw)
}

func (h *clientHandshake) sendConnectionRequest(now time.Time, send func([]byte)) {
	h.requestSent = now.UnixMilli()
	raw, err := (&connectionRequest{
		clientGUID:       h.clientGUID,
		requestTimestamp: h.requestSent,
		useSecurity:      false,
	}).encode()
	if err != nil {
		return
	}
	// ConnectionRequest travels as a Reliable frame once online; the caller
	// (Connection) is responsible for wrapping it through ARQ-Send. Here we
	// just hand back the inner payload.
	send(raw)
}

// handleOffline processes an offline reply and advances the state machine.
// It never produces a response itself (the next step call sends the
// following request), so responses is always nil.
func (h *clientHandshake) handleOffline(raw []byte) (responses [][]byte) {
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case idOpenConnectionReply1:
		if h.state != stateConnecting1 {
			return nil
		}
		reply, err := decodeOpenConnectionReply1(raw)
		if err != nil {
			return nil
		}
		h.serverGUID = reply.serverGUID
		if reply.mtu > 0 {
			h.mtu = int(reply.mtu)
		}
		h.state = stateConnecting2
		h.attempt = 0
		h.lastSend = time.Time{}
	case idOpenConnectionReply2:
		if h.state != stateConnecting2 {
			return nil
		}
		reply, err := decodeOpenConnectionReply2(raw)
		if err != nil {
			return nil
		}
		if reply.mtu > 0 {
			h.mtu = int(reply.mtu)
		}
		h.state = stateConnecting3
		h.attempt = 0
		h.lastSend = time.Time{}
	}
	return nil
}

// handleOnline processes a decoded online handshake frame payload
// (ConnectionRequestAccepted). Returns the NewIncomingConnection payload to
// send once, or nil if this isn't the packet we're waiting for.
func (h *clientHandshake) handleOnline(now time.Time, raw []byte, localAddr *net.UDPAddr) []byte {
	if h.state != stateConnecting3 || len(raw) == 0 || raw[0] != idConnectionRequestAccept {
		return nil
	}
	accepted, err := decodeConnectionRequestAccepted(raw)
	if err != nil {
		return nil
	}
	nic := &newIncomingConnection{
		serverAddress:     h.serverAddr,
		systemAddresses:   accepted.systemAddresses,
		requestTimestamp:  accepted.requestTimestamp,
		acceptedTimestamp: now.UnixMilli(),
	}
	out, err := nic.encode()
	if err != nil {
		return nil
	}
	h.state = stateConnected
	return out
}

// newGUID produces a 64-bit GUID. Grounded on the teacher pack's use of
// math/rand for non-cryptographic identifiers (the protocol explicitly
// excludes authentication, so a CSPRNG buys nothing here).
func newGUID() uint64 {
	return rand.Uint64()
}

// serverHandshake is the mirror image run by a Listener for each inbound
// peer that hasn't yet completed the online handshake.
type serverHandshake struct {
	state      handshakeState
	peerAddr   *net.UDPAddr
	serverGUID uint64
	peerGUID   uint64
	mtu        int
}

func newServerHandshake(peerAddr *net.UDPAddr, serverGUID uint64) *serverHandshake {
	return &serverHandshake{
		state:      stateConnecting1,
		peerAddr:   peerAddr,
		serverGUID: serverGUID,
		mtu:        initialMTU,
	}
}

// handleOffline processes one offline request from the peer and returns the
// reply to send, or nil if raw isn't a recognized step.
func (h *serverHandshake) handleOffline(raw []byte, localAddr *net.UDPAddr) []byte {
	switch {
	case len(raw) > 0 && raw[0] == idOpenConnectionRequest1:
		req, err := decodeOpenConnectionRequest1(raw)
		if err != nil {
			return nil
		}
		if req.protocolVersion != ProtocolVersion {
			return nil
		}
		if probed := req.paddingLength + udpIPOverhead + 1 + len(magic) + 1; probed < h.mtu {
			h.mtu = probed
		}
		reply, err := (&openConnectionReply1{serverGUID: h.serverGUID, useSecurity: false, mtu: uint16(h.mtu)}).encode()
		if err != nil {
			return nil
		}
		h.state = stateConnecting2
		return reply
	case len(raw) > 0 && raw[0] == idOpenConnectionRequest2:
		req, err := decodeOpenConnectionRequest2(raw)
		if err != nil {
			return nil
		}
		if int(req.mtu) < h.mtu {
			h.mtu = int(req.mtu)
		}
		h.peerGUID = req.clientGUID
		reply, err := (&openConnectionReply2{
			serverGUID:    h.serverGUID,
			clientAddress: h.peerAddr,
			mtu:           uint16(h.mtu),
			useEncryption: false,
		}).encode()
		if err != nil {
			return nil
		}
		h.state = stateConnecting3
		return reply
	}
	return nil
}

// handleOnline processes the client's ConnectionRequest (already wrapped
// through ARQ-Recv/reliable delivery) and returns ConnectionRequestAccepted
// to send over a Reliable frame, or nil if raw isn't the expected packet.
func (h *serverHandshake) handleOnline(now time.Time, raw []byte, localAddr *net.UDPAddr) []byte {
	switch {
	case len(raw) > 0 && raw[0] == idConnectionRequest && h.state == stateConnecting3:
		req, err := decodeConnectionRequest(raw)
		if err != nil {
			return nil
		}
		accepted := &connectionRequestAccepted{
			clientAddress:     h.peerAddr,
			systemAddresses:   []*net.UDPAddr{localAddr},
			requestTimestamp:  req.requestTimestamp,
			acceptedTimestamp: now.UnixMilli(),
		}
		out, err := accepted.encode()
		if err != nil {
			return nil
		}
		return out
	case len(raw) > 0 && raw[0] == idNewIncomingConnection:
		// Completing this transitions the peer into the accept queue; the
		// caller (Connection.handlePayload) observes h.state == stateConnected
		// after calling this and hands the Connection to the Listener's
		// onConnected callback.
		h.state = stateConnected
	}
	return nil
}
