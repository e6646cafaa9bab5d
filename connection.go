package raknet

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	raklog "github.com/hollowcrown/goraknet/log"
)

const (
	flushInterval = 10 * time.Millisecond
	pingInterval  = 5 * time.Second
)

// rawSender is the collaborator a Connection uses to put an encoded
// datagram on the wire. A Listener-owned connection forwards through the
// listener's shared send path; a Dial-owned connection talks directly to
// its own socket. Either way Connection never touches a net.Conn itself,
// matching the message-passed-send design.
type rawSender interface {
	sendDatagram(addr *net.UDPAddr, b []byte)
}

// udpSender adapts a connected net.UDPConn (the Dial path, which owns its
// socket exclusively) to rawSender.
type udpSender struct{ conn *net.UDPConn }

func (s udpSender) sendDatagram(_ *net.UDPAddr, b []byte) {
	_, _ = s.conn.Write(b)
}

// Connection is one peer's reliability engine: handshake state, ARQ-Send,
// ARQ-Recv, and the tick loop that drives them. Application code interacts
// with it only through Send/Recv/Close/Ping and the accessors.
type Connection struct {
	id  xid.ID
	log *logrus.Entry

	raddr, laddr *net.UDPAddr
	sender       rawSender

	guid     uint64
	peerGUID uint64

	client *clientHandshake
	server *serverHandshake

	arqSend *arqSend
	arqRecv *arqRecv

	mu        sync.Mutex
	state     handshakeState
	closeErr  error
	lastRecv  time.Time
	connected chan struct{}
	closeOnce sync.Once
	closeCh   chan struct{}

	inbound chan []byte
	appSend chan sendRequest
	appRecv chan []byte

	lossRate int32 // 0-10, accessed atomically: written by SetLossRate, read by sendRaw
	rngMu    sync.Mutex
	rng      *rand.Rand

	sentCount   uint64
	recvCount   uint64
	resendCount uint64

	// onConnected, if set, is invoked exactly once (by the Listener) the
	// moment a server-role handshake completes, to move this Connection
	// from the listener's tracking map onto the accept queue.
	onConnected func(*Connection)
	promoteOnce sync.Once
}

type sendRequest struct {
	payload []byte
	rel     Reliability
	channel uint8
}

func newConnection(raddr, laddr *net.UDPAddr, sender rawSender, guid uint64, isClient bool) *Connection {
	c := &Connection{
		id:        xid.New(),
		raddr:     raddr,
		laddr:     laddr,
		sender:    sender,
		guid:      guid,
		arqSend:   newArqSend(initialMTU, rate.Inf, 1), // unpaced; setMTU leaves the limiter as is
		arqRecv:   newArqRecv(),
		connected: make(chan struct{}),
		closeCh:   make(chan struct{}),
		inbound:   make(chan []byte, 256),
		appSend:   make(chan sendRequest, 256),
		appRecv:   make(chan []byte, 256),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(guid))),
	}
	c.log = raklog.Base().WithFields(logrus.Fields{"trace": c.id.String(), "peer": raddr.String()})
	if isClient {
		c.client = newClientHandshake(raddr, guid)
		c.state = stateConnecting1
	} else {
		c.server = newServerHandshake(raddr, guid)
		c.state = stateConnecting1
	}
	return c
}

// Dial performs the full offline+online handshake against addr and returns
// a running Connection, or a KindConnectionTimeout (or KindIO)
// ProtocolError. The client does not recognise a reply rejecting its
// protocol version, so a version mismatch also surfaces as
// KindConnectionTimeout; Dial never returns KindIncompatibleProtocol.
func Dial(addr string) (*Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	laddr := conn.LocalAddr().(*net.UDPAddr)
	c := newConnection(raddr, laddr, udpSender{conn: conn}, newGUID(), true)

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 65535)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				select {
				case readErr <- err:
				default:
				}
				return
			}
			raw := make([]byte, n)
			copy(raw, buf[:n])
			select {
			case c.inbound <- raw:
			case <-c.closeCh:
				return
			}
		}
	}()

	if err := c.runHandshake(readErr); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.loop()
	return c, nil
}

// runHandshake drives the client handshake synchronously: it is the only
// part of Connection's life that blocks the calling goroutine, matching the
// semantics of a conventional blocking Dial.
func (c *Connection) runHandshake(readErr chan error) error {
	deadline := time.Now().Add(handshakeRetryInterval * handshakeMaxAttempts * 3)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-readErr:
			return newErr(KindIO, c.raddr.String(), err)
		case raw := <-c.inbound:
			c.client.handleOffline(raw)
			if len(raw) > 0 && isValidDatagram(raw[0]) {
				d, err := decodeDatagram(raw)
				if err == nil {
					for _, deliveredMsg := range c.arqRecv.receiveDatagram(d, time.Now()) {
						if out := c.client.handleOnline(time.Now(), deliveredMsg.payload, c.laddr); out != nil {
							c.arqSend.enqueue(out, Reliable, 0)
							for _, raw := range c.arqSend.pack(time.Now()) {
								c.sender.sendDatagram(c.raddr, raw)
							}
						}
					}
				}
			}
			if c.client.state == stateConnecting3 || c.client.state == stateConnected {
				for _, raw := range c.arqSend.pack(time.Now()) {
					c.sender.sendDatagram(c.raddr, raw)
				}
			}
			if c.client.state == stateConnected {
				c.state = stateConnected
				c.arqSend.setMTU(c.client.mtu)
				close(c.connected)
				return nil
			}
			if c.client.state == stateDisconnected {
				return c.client.err
			}
		case now := <-ticker.C:
			c.client.step(now, func(raw []byte) {
				if c.client.state == stateConnecting3 {
					// ConnectionRequest travels as a Reliable frame.
					c.arqSend.enqueue(raw, Reliable, 0)
					for _, out := range c.arqSend.pack(now) {
						c.sender.sendDatagram(c.raddr, out)
					}
					return
				}
				c.sender.sendDatagram(c.raddr, raw)
			})
			if c.client.state == stateDisconnected {
				return c.client.err
			}
			if now.After(deadline) {
				return newErr(KindConnectionTimeout, c.raddr.String(), nil)
			}
		}
	}
}

// loop is the per-connection tick loop: it multiplexes inbound datagrams,
// application send requests, and the flush/ping timers, exactly as laid out
// in the connection-design tick order.
func (c *Connection) loop() {
	flushTicker := time.NewTicker(flushInterval)
	pingTicker := time.NewTicker(pingInterval)
	gcTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()
	defer pingTicker.Stop()
	defer gcTicker.Stop()

	for {
		select {
		case raw := <-c.inbound:
			c.dispatch(raw, time.Now())
		case req := <-c.appSend:
			c.handleAppSend(req)
		case <-flushTicker.C:
			c.onFlush(time.Now())
		case <-pingTicker.C:
			c.sendConnectedPing(time.Now())
		case <-gcTicker.C:
			c.arqRecv.gc(time.Now(), maxRecordAge)
		case <-c.closeCh:
			c.teardown()
			return
		}
	}
}

// dispatch routes one raw inbound datagram: offline handshake packets,
// ACK/NACK, or a valid frame-carrying datagram whose delivered payloads are
// further routed by handlePayload. Parse errors are logged and dropped,
// never surfaced to the application, per the propagation policy.
func (c *Connection) dispatch(raw []byte, now time.Time) {
	if len(raw) == 0 {
		return
	}
	atomic.AddUint64(&c.recvCount, 1)
	c.lastRecv = now
	switch flag := raw[0]; {
	case flag == flagACK:
		ack, err := decodeAcknowledgement(raw)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed ack")
			return
		}
		c.arqSend.applyAck(ack.packets, now)
	case flag == flagNACK:
		nack, err := decodeAcknowledgement(raw)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed nack")
			return
		}
		resent, lost := c.arqSend.applyNack(nack.packets, now)
		atomic.AddUint64(&c.resendCount, uint64(len(resent)))
		c.sendRaw(resent)
		if lost {
			c.fail(newErr(KindConnectionClosed, c.raddr.String(), nil))
		}
	case isValidDatagram(flag):
		d, err := decodeDatagram(raw)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed datagram")
			return
		}
		for _, item := range c.arqRecv.receiveDatagram(d, now) {
			c.handlePayload(item.payload, now)
		}
		if nacks := c.arqRecv.drainNack(); len(nacks) > 0 {
			if nack, err := encodeNackDatagram(nacks); err == nil {
				c.sender.sendDatagram(c.raddr, nack)
			}
		}
	default:
		c.handleOfflineRaw(raw, now)
	}
}

// handleOfflineRaw processes an offline (unwrapped) packet: either a server
// mirroring a client's OCR1/OCR2 (server role) or a stray reply arriving
// after the handshake already completed (ignored).
func (c *Connection) handleOfflineRaw(raw []byte, now time.Time) {
	if c.server == nil {
		return
	}
	if reply := c.server.handleOffline(raw, c.laddr); reply != nil {
		c.sender.sendDatagram(c.raddr, reply)
	}
}

// handlePayload routes one delivered frame payload: internal online
// handshake/keepalive packets are consumed here, everything else is
// application data.
func (c *Connection) handlePayload(payload []byte, now time.Time) {
	if len(payload) == 0 {
		c.deliverApp(payload)
		return
	}
	switch payload[0] {
	case idConnectionRequest:
		if c.server == nil {
			return
		}
		if out := c.server.handleOnline(now, payload, c.laddr); out != nil {
			c.arqSend.enqueue(out, Reliable, 0)
		}
	case idNewIncomingConnection:
		if c.server == nil {
			return
		}
		c.server.handleOnline(now, payload, c.laddr)
		if c.server.state == stateConnected {
			c.state = stateConnected
			c.arqSend.setMTU(c.server.mtu)
			c.peerGUID = c.server.peerGUID
			select {
			case <-c.connected:
			default:
				close(c.connected)
			}
			if c.onConnected != nil {
				c.promoteOnce.Do(func() { c.onConnected(c) })
			}
		}
	case idConnectedPing:
		ping, err := decodeConnectedPing(payload)
		if err != nil {
			return
		}
		pong, err := (&connectedPong{pingTimestamp: ping.pingTimestamp, pongTimestamp: now.UnixMilli()}).encode()
		if err == nil {
			c.arqSend.enqueue(pong, Unreliable, 0)
		}
	case idConnectedPong:
		// RTT is already sampled from ACKs; connected pong/pong pairs exist
		// mainly to keep NAT mappings alive, so there's nothing further to do.
	case idDisconnectNotification:
		c.fail(newErr(KindConnectionClosed, c.raddr.String(), nil))
	default:
		c.deliverApp(payload)
	}
}

func (c *Connection) deliverApp(payload []byte) {
	select {
	case c.appRecv <- payload:
	case <-c.closeCh:
	default:
		// A full inbound application buffer means the application isn't
		// draining fast enough; per the shared-resource policy this is a
		// fatal protocol error rather than unbounded buffering.
		c.fail(newErr(KindConnectionClosed, c.raddr.String(), fmt.Errorf("application recv buffer overflow")))
	}
}

func (c *Connection) handleAppSend(req sendRequest) {
	c.arqSend.enqueue(req.payload, req.rel, req.channel)
}

// onFlush runs ARQ-Send's pack/retransmit pipeline and ARQ-Recv's ACK/NACK
// emission, in the tick order: apply already happened in dispatch, so this
// step drains NACK-pending, retransmits expired records, drains the send
// queue, and emits any queued ACK.
func (c *Connection) onFlush(now time.Time) {
	if nacks := c.arqRecv.drainNack(); len(nacks) > 0 {
		raw, err := encodeNackDatagram(nacks)
		if err == nil {
			c.sender.sendDatagram(c.raddr, raw)
		}
	}
	resent, lost := c.arqSend.resendExpired(now)
	atomic.AddUint64(&c.resendCount, uint64(len(resent)))
	c.sendRaw(resent)
	if lost {
		c.fail(newErr(KindConnectionClosed, c.raddr.String(), nil))
		return
	}
	c.sendRaw(c.arqSend.pack(now))

	if acks := c.arqRecv.drainAck(); len(acks) > 0 {
		raw, err := encodeAckDatagram(acks)
		if err == nil {
			c.sender.sendDatagram(c.raddr, raw)
		}
	}
}

func (c *Connection) sendConnectedPing(now time.Time) {
	raw, err := (&connectedPing{pingTimestamp: now.UnixMilli()}).encode()
	if err == nil {
		c.arqSend.enqueue(raw, Unreliable, 0)
	}
}

// sendRaw hands pre-encoded datagrams to the socket, applying the
// set-loss-rate testing hook: k of 10 of the datagrams passed to it are
// silently dropped instead of reaching the socket.
func (c *Connection) sendRaw(datagrams [][]byte) {
	for _, raw := range datagrams {
		if c.dropForTesting() {
			continue
		}
		atomic.AddUint64(&c.sentCount, 1)
		c.sender.sendDatagram(c.raddr, raw)
	}
}

func (c *Connection) dropForTesting() bool {
	rate := atomic.LoadInt32(&c.lossRate)
	if rate <= 0 {
		return false
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Intn(10) < int(rate)
}

// SetLossRate installs the testing hook described in the concurrency model:
// n of 10 datagrams sent through sendRaw (data frames and their
// retransmissions) are dropped before reaching the socket. ACK and NACK
// datagrams, handshake packets and the datagrams Close sends go straight to
// the socket and are never dropped. n is clamped to [0, 10].
func (c *Connection) SetLossRate(n int) {
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	atomic.StoreInt32(&c.lossRate, int32(n))
}

// Send enqueues payload for transmission under the given reliability class
// on ordering channel 0. It never blocks on the network.
func (c *Connection) Send(payload []byte, rel Reliability) error {
	return c.SendOnChannel(payload, rel, 0)
}

// SendOnChannel is Send with an explicit ordering channel in [0, 32).
func (c *Connection) SendOnChannel(payload []byte, rel Reliability, channel uint8) error {
	if !rel.valid() {
		return fmt.Errorf("raknet: invalid reliability %d", rel)
	}
	select {
	case <-c.closeCh:
		return c.closedError()
	default:
	}
	select {
	case c.appSend <- sendRequest{payload: payload, rel: rel, channel: channel % maxOrderingChannels}:
		return nil
	case <-c.closeCh:
		return c.closedError()
	}
}

// Recv yields the next complete application message, blocking until one
// arrives or the connection closes.
func (c *Connection) Recv() ([]byte, error) {
	select {
	case payload := <-c.appRecv:
		return payload, nil
	case <-c.closeCh:
		return nil, c.closedError()
	}
}

func (c *Connection) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return newErr(KindConnectionClosed, c.raddr.String(), nil)
}

// fail tears the connection down and surfaces err on every subsequent
// Send/Recv, matching the propagation policy for peer-initiated and
// threshold-triggered failures.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// Close initiates graceful teardown: a DisconnectionNotification is sent
// reliably and the caller waits up to the close grace period for it to
// drain before resources are released.
func (c *Connection) Close() error {
	raw := encodeDisconnectionNotification()
	c.arqSend.enqueue(raw, Reliable, 0)
	for _, out := range c.arqSend.pack(time.Now()) {
		c.sender.sendDatagram(c.raddr, out)
	}
	deadline := time.After(closeGrace)
	for c.arqSend.pending() {
		select {
		case <-deadline:
			goto done
		case <-time.After(10 * time.Millisecond):
		}
	}
done:
	c.fail(newErr(KindConnectionClosed, c.raddr.String(), nil))
	return nil
}

func (c *Connection) teardown() {
	c.log.Debug("connection closed")
}

// LocalAddr returns the local endpoint address.
func (c *Connection) LocalAddr() net.Addr { return c.laddr }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() net.Addr { return c.raddr }

// Ping performs an unconnected (offline) ping against addr, used both for
// server discovery and the connected-ness-free latency probe in the public
// contract. It owns a throwaway socket for the duration of the call.
func Ping(network, addr string, timeout time.Duration) (latency time.Duration, motd string, err error) {
	raddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return 0, "", err
	}
	conn, err := net.DialUDP(network, nil, raddr)
	if err != nil {
		return 0, "", err
	}
	defer conn.Close()

	sent := time.Now()
	raw, err := (&unconnectedPing{sendTimestamp: sent.UnixMilli(), clientGUID: newGUID()}).encode()
	if err != nil {
		return 0, "", err
	}
	if _, err := conn.Write(raw); err != nil {
		return 0, "", err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, "", err
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, "", newErr(KindConnectionTimeout, addr, err)
	}
	pong, err := decodeUnconnectedPong(buf[:n])
	if err != nil {
		return 0, "", err
	}
	return time.Since(sent), pong.motd, nil
}
