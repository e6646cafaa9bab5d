package raknet

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	raklog "github.com/hollowcrown/goraknet/log"
)

// Listener binds one UDP socket and demultiplexes inbound datagrams by
// source address to per-peer Connections, owning the only read (and write)
// path to that socket — every Connection it accepted sends by calling back
// into sendDatagram rather than touching the socket itself.
type Listener struct {
	conn *net.UDPConn
	guid uint64
	cfg  *ListenerConfig
	log  *logrus.Entry

	mu      sync.Mutex
	motd    string
	conns   map[string]*Connection
	accept  chan *Connection
	closeCh chan struct{}
	once    sync.Once
}

// Listen binds addr and starts the read loop. cfg may be nil for defaults.
func Listen(addr string, cfg *ListenerConfig) (*Listener, error) {
	if cfg == nil {
		cfg = &ListenerConfig{}
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	tuneSocketBuffers(conn)
	tuneDSCP(conn)

	guid := cfg.GUID
	if guid == 0 {
		guid = newGUID()
	}
	if cfg.LogLevel != "" {
		raklog.Base().SetLevel(cfg.logLevel())
	}

	l := &Listener{
		conn:    conn,
		guid:    guid,
		cfg:     cfg,
		motd:    cfg.MOTD,
		conns:   make(map[string]*Connection),
		accept:  make(chan *Connection, 64),
		closeCh: make(chan struct{}),
		log:     raklog.Base().WithField("component", "listener"),
	}
	go l.readLoop()
	return l, nil
}

// sendDatagram implements rawSender: every accepted Connection forwards its
// outgoing bytes through the listener's single socket.
func (l *Listener) sendDatagram(addr *net.UDPAddr, b []byte) {
	_, _ = l.conn.WriteToUDP(b, addr)
}

func (l *Listener) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				l.log.WithError(err).Warn("listener read failed")
			}
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		l.handleRaw(addr, raw)
	}
}

func (l *Listener) handleRaw(addr *net.UDPAddr, raw []byte) {
	if len(raw) == 0 {
		return
	}
	if raw[0] == idUnconnectedPing {
		l.replyPing(addr, raw)
		return
	}

	key := addr.String()
	l.mu.Lock()
	c, known := l.conns[key]
	l.mu.Unlock()

	if known {
		select {
		case c.inbound <- raw:
		case <-l.closeCh:
		default:
			// A known peer's inbound channel is saturated: per the shared-
			// resource policy this is a fatal protocol error for that peer.
			c.fail(newErr(KindConnectionClosed, key, nil))
		}
		return
	}

	if raw[0] != idOpenConnectionRequest1 {
		// Unknown source sending an online-only packet ID: drop.
		return
	}

	c := newConnection(addr, l.conn.LocalAddr().(*net.UDPAddr), l, l.guid, false)
	c.server.mtu = l.cfg.maxMTU()
	if l.cfg.LossRate > 0 {
		c.SetLossRate(l.cfg.LossRate)
	}
	c.onConnected = func(conn *Connection) {
		l.mu.Lock()
		delete(l.conns, key)
		l.mu.Unlock()
		select {
		case l.accept <- conn:
		case <-l.closeCh:
		}
	}

	l.mu.Lock()
	l.conns[key] = c
	l.mu.Unlock()

	go c.loop()
	c.inbound <- raw
}

func (l *Listener) replyPing(addr *net.UDPAddr, raw []byte) {
	ping, err := decodeUnconnectedPing(raw)
	if err != nil {
		l.log.WithError(err).Debug("dropping malformed unconnected ping")
		return
	}
	l.mu.Lock()
	motd := l.motd
	l.mu.Unlock()
	pong, err := (&unconnectedPong{
		sendTimestamp: ping.sendTimestamp,
		serverGUID:    l.guid,
		motd:          motd,
	}).encode()
	if err != nil {
		return
	}
	l.sendDatagram(addr, pong)
}

// Accept blocks until a Connection completes its handshake and returns it,
// in arrival order, or fails once the Listener is closed.
func (l *Listener) Accept() (*Connection, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closeCh:
		return nil, newErr(KindNotListening, l.LocalAddr().String(), nil)
	}
}

// SetMOTD updates the string served in UnconnectedPong.
func (l *Listener) SetMOTD(motd string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.motd = motd
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Close shuts the listener down, closing every tracked Connection.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.mu.Lock()
		conns := make([]*Connection, 0, len(l.conns))
		for _, c := range l.conns {
			conns = append(conns, c)
		}
		l.mu.Unlock()
		for _, c := range conns {
			c.fail(newErr(KindConnectionClosed, c.raddr.String(), nil))
		}
	})
	return l.conn.Close()
}
