package dtls

import (
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	errListenerClosed = errors.New("dtls: listener closed")
)

// Listen opens a UDP socket and serves DTLS handshakes on it.
func Listen(network, laddr string, config *Config) (*Listener, error) {
	addr, err := net.ResolveUDPAddr(network, laddr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, err
	}
	return NewListener(c, config), nil
}

// NewListener demultiplexes datagrams on c to per-peer handshakers. Peers
// appear on Accept once their handshake completes.
func NewListener(c *net.UDPConn, config *Config) *Listener {
	l := &Listener{
		c:       c,
		config:  config,
		cookies: newCookieSource(config.Time),
		clk:     clock.New(),
		log:     config.logger(),
		accept:  make(chan *Conn, 16),
		conns:   make(map[string]*Conn),
	}
	go l.servePacketConn()
	return l
}

type Listener struct {
	c       *net.UDPConn
	config  *Config
	cookies *cookieSource
	clk     clock.Clock
	log     *zap.Logger

	mu     sync.RWMutex
	accept chan *Conn
	conns  map[string]*Conn
	closed bool
}

// Accept blocks until a peer finishes its handshake.
func (l *Listener) Accept() (*Conn, error) {
	c, ok := <-l.accept
	if !ok {
		return nil, errListenerClosed
	}
	return c, nil
}

func (l *Listener) Addr() net.Addr {
	return l.c.LocalAddr()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.accept)
	}
	l.mu.Unlock()
	return l.c.Close()
}

func (l *Listener) servePacketConn() {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := l.c.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		b := cloneBytes(buf[:n])
		select {
		case l.getConn(addr).in <- b:
		default:
			// peer flooding faster than its handshake drains, shed load
		}
	}
}

func (l *Listener) getConn(addr *net.UDPAddr) *Conn {
	id := addr.String()
	l.mu.RLock()
	c := l.conns[id]
	l.mu.RUnlock()
	if c != nil {
		return c
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c = l.conns[id]; c != nil {
		return c
	}
	c = newServerConn(l, addr, id)
	l.conns[id] = c
	go c.serve()
	return c
}

func (l *Listener) closeConn(id string) {
	l.mu.Lock()
	delete(l.conns, id)
	l.mu.Unlock()
}

// Conn is one peer association: a handshaker plus the transport pacing its
// flights. After the handshake completes, ReadRecord surfaces the peer's
// protected record payloads for the record-protection layer.
type Conn struct {
	l    *Listener
	addr *net.UDPAddr
	id   string
	in   chan []byte
	done chan struct{}
	app  chan *Record

	tr *transport
	hs *ServerHandshaker

	mu       sync.Mutex
	accepted bool
	err      error
}

func newServerConn(l *Listener, addr *net.UDPAddr, id string) *Conn {
	c := &Conn{
		l:    l,
		addr: addr,
		id:   id,
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
		app:  make(chan *Record, 64),
	}
	c.tr = newTransport(&peerWriter{l.c, addr}, l.config, l.clk)
	c.hs = NewServerHandshaker(id, l.config, l.cookies, c.tr)
	return c
}

type peerWriter struct {
	c    *net.UDPConn
	addr *net.UDPAddr
}

func (w *peerWriter) Write(b []byte) (int, error) {
	return w.c.WriteToUDP(b, w.addr)
}

func (c *Conn) serve() {
	for {
		select {
		case <-c.done:
			return
		case <-c.tr.timerC():
			if _, err := c.tr.Retransmit(); err != nil {
				c.fail(err)
				return
			}
		case b := <-c.in:
			for _, r := range c.tr.readRecords(b) {
				if r.Type == recordApplicationData && c.hs.Session().Active {
					select {
					case c.app <- r:
					default:
					}
					continue
				}
				if err := c.step(r); err != nil {
					return
				}
			}
		}
	}
}

// step feeds one record to the handshaker, delivers the produced flight
// and reports completion to Accept exactly once.
func (c *Conn) step(r *Record) error {
	flight, err := c.hs.ProcessRecord(r)
	if flight != nil {
		if werr := c.tr.DeliverFlight(flight); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		if errors.Is(err, ErrCloseNotify) {
			c.teardown(nil)
			return err
		}
		level, desc := AlertFor(err)
		if aerr := c.tr.sendAlert(level, desc, c.hs.Session().WriteEpoch); aerr != nil {
			c.l.log.Debug("failed to send alert", zap.Error(aerr))
		}
		c.fail(err)
		return err
	}
	if c.hs.Session().Active {
		c.mu.Lock()
		first := !c.accepted
		c.accepted = true
		c.mu.Unlock()
		if first {
			select {
			case c.l.accept <- c:
			default:
			}
		}
	}
	return nil
}

func (c *Conn) fail(err error) {
	c.l.log.Info("handshake failed", zap.String("peer", c.id), zap.Error(err))
	c.teardown(err)
}

func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.l.closeConn(c.id)
}

// Session returns the negotiated session state.
func (c *Conn) Session() *Session {
	return c.hs.Session()
}

// ReadRecord returns the next protected application-data record from the
// peer. Decryption belongs to the record-protection layer consuming
// Session().KeyBlock().
func (c *Conn) ReadRecord() (*Record, error) {
	select {
	case r := <-c.app:
		return r, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return nil, c.err
		}
		return nil, errors.New("dtls: connection closed")
	}
}

func (c *Conn) LocalAddr() net.Addr {
	return c.l.Addr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.addr
}

// Close sends close_notify and releases the association.
func (c *Conn) Close() error {
	err := c.tr.sendAlert(levelWarning, uint8(alertCloseNotify), c.hs.Session().WriteEpoch)
	c.teardown(nil)
	return err
}
