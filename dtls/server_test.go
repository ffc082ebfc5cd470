package dtls

import (
	"bytes"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// udpClient drives a PSK handshake over a real socket, building records by
// hand.
type udpClient struct {
	t    *testing.T
	conn *net.UDPConn
	seq  int   // handshake message_seq
	rec  int64 // record sequence, epoch 0
	tx   []byte
}

func (c *udpClient) writeHandshake(typ uint8, body []byte, fold bool) {
	h := &handshake{typ: typ, seq: c.seq, raw: body}
	c.seq++
	wire := h.wire()
	if fold {
		c.tx = append(c.tx, wire...)
	}
	r := &Record{Type: recordHandshake, Ver: VersionDTLS12, Epoch: 0, Seq: c.rec, Raw: wire}
	c.rec++
	_, err := c.conn.Write(r.marshal(nil))
	require.NoError(c.t, err)
}

func (c *udpClient) readFlight() []*Record {
	buf := make([]byte, maxPacketSize)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := c.conn.Read(buf)
	require.NoError(c.t, err)
	var out []*Record
	b := buf[:n]
	for len(b) > 0 {
		r, next, err := parseRecord(b)
		require.NoError(c.t, err)
		out = append(out, r)
		b = next
	}
	return out
}

func TestListenerPSKHandshake(t *testing.T) {
	psk := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	config := &Config{
		PresharedKeys:         map[string][]byte{"id1": psk},
		RetransmissionTimeout: 5 * time.Second,
	}
	l, err := Listen("udp", "127.0.0.1:0", config)
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	raddr := l.Addr().(*net.UDPAddr)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()
	c := &udpClient{t: t, conn: conn}

	random := bytes.Repeat([]byte{0x77}, 32)
	hello := &clientHello{
		ver:          VersionDTLS12,
		random:       random,
		cipherSuites: []uint16{TLS_PSK_WITH_AES_128_CCM_8},
		compMethods:  []uint8{compNone},
		extensions:   &extensions{},
	}
	c.writeHandshake(handshakeClientHello, hello.marshal(), false)

	flight := c.readFlight()
	require.Len(t, flight, 1)
	h, err := parseHandshake(flight[0].Raw)
	require.NoError(t, err)
	require.Equal(t, handshakeHelloVerifyRequest, h.typ)
	hvr, err := parseHelloVerifyRequest(h.raw)
	require.NoError(t, err)

	hello.cookie = hvr.cookie
	c.writeHandshake(handshakeClientHello, hello.marshal(), true)

	var sh *serverHello
	for _, r := range c.readFlight() {
		c.tx = append(c.tx, r.Raw...)
		h, err := parseHandshake(r.Raw)
		require.NoError(t, err)
		if h.typ == handshakeServerHello {
			sh, err = parseServerHello(h.raw)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, sh)

	kx := &clientKeyExchange{alg: keyExchangePSK, identity: "id1"}
	c.writeHandshake(handshakeClientKeyExchange, kx.marshal(), true)

	ccs := &Record{Type: recordChangeCipherSpec, Ver: VersionDTLS12, Epoch: 0, Seq: c.rec, Raw: []byte{1}}
	c.rec++
	_, err = conn.Write(ccs.marshal(nil))
	require.NoError(t, err)

	master := masterSecret(pskPremaster(psk), random, sh.random)
	digest := sha256.Sum256(c.tx)
	verify := finishedSum(master, labelClientFinished, digest[:])
	fin := &handshake{typ: handshakeFinished, seq: c.seq, raw: verify}
	// epoch 1 starts its own record sequence space
	r := &Record{Type: recordHandshake, Ver: VersionDTLS12, Epoch: 1, Seq: 0, Raw: fin.wire()}
	_, err = conn.Write(r.marshal(nil))
	require.NoError(t, err)

	terminal := c.readFlight()
	require.Len(t, terminal, 2)
	require.Equal(t, recordChangeCipherSpec, terminal[0].Type)
	require.Equal(t, recordHandshake, terminal[1].Type)
	require.Equal(t, uint16(1), terminal[1].Epoch)

	select {
	case sc := <-accepted:
		s := sc.Session()
		require.True(t, s.Active)
		require.Equal(t, TLS_PSK_WITH_AES_128_CCM_8, s.CipherSuite)
		require.Equal(t, master, s.MasterSecret)
	case <-time.After(5 * time.Second):
		t.Fatal("accept timeout")
	}
}
