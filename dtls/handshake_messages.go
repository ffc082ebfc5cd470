package dtls

import (
	"crypto/x509"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

var (
	errHandshakeFormat          = errors.New("dtls: handshake format error")
	errClientHelloFormat        = errors.New("dtls: client_hello format error")
	errServerHelloFormat        = errors.New("dtls: server_hello format error")
	errHelloVerifyRequestFormat = errors.New("dtls: hello_verify_request format error")
	errCertificateFormat        = errors.New("dtls: certificate format error")
	errServerKeyExchangeFormat  = errors.New("dtls: server_key_exchange format error")
	errClientKeyExchangeFormat  = errors.New("dtls: client_key_exchange format error")
	errCertificateVerifyFormat  = errors.New("dtls: certificate_verify format error")
	errCertificateRequestFormat = errors.New("dtls: certificate_request format error")
	errFinishedFormat           = errors.New("dtls: finished format error")
)

const (
	handshakeHelloRequest       uint8 = 0
	handshakeClientHello        uint8 = 1
	handshakeServerHello        uint8 = 2
	handshakeHelloVerifyRequest uint8 = 3
	handshakeCertificate        uint8 = 11
	handshakeServerKeyExchange  uint8 = 12
	handshakeCertificateRequest uint8 = 13
	handshakeServerHelloDone    uint8 = 14
	handshakeCertificateVerify  uint8 = 15
	handshakeClientKeyExchange  uint8 = 16
	handshakeFinished           uint8 = 20
)

// handshake is the 12-byte DTLS handshake header plus the carried fragment.
type handshake struct {
	typ uint8
	len int
	seq int
	off int
	raw []byte
}

func parseHandshake(b []byte) (*handshake, error) {
	if len(b) < 12 {
		return nil, errHandshakeFormat
	}
	_ = b[8]
	h := &handshake{
		typ: b[0],
		len: getInt24(b[1:]),
		seq: int(b[4])<<8 | int(b[5]),
		off: getInt24(b[6:]),
	}
	if h.raw, _ = split3(b[9:]); h.raw == nil {
		return nil, errHandshakeFormat
	}
	return h, nil
}

// marshal writes the header for an unfragmented message: fragment_offset=0
// and fragment_length=length.
func (h *handshake) marshal(b []byte) []byte {
	var v []byte
	v, b = grow(b, 12)
	_ = v[11]
	v[0] = h.typ
	put3(v[1:], len(h.raw))
	v[4], v[5] = uint8(h.seq>>8), uint8(h.seq)
	put3(v[6:], 0)
	put3(v[9:], len(h.raw))
	return append(b, h.raw...)
}

// wire builds the complete handshake message bytes, header included. The
// same bytes go on the wire and into the transcript.
func (h *handshake) wire() []byte {
	return h.marshal(make([]byte, 0, 12+len(h.raw)))
}

type clientHello struct {
	ver          uint16
	random       []byte
	sessionID    []byte
	cookie       []byte
	cipherSuites []uint16
	compMethods  []uint8
	*extensions
}

func parseClientHello(b []byte) (*clientHello, error) {
	h := &clientHello{}
	s := cryptobyte.String(b)
	var sess, cookie, suites, comp, ext cryptobyte.String
	if !s.ReadUint16(&h.ver) ||
		!s.ReadBytes(&h.random, 32) ||
		!s.ReadUint8LengthPrefixed(&sess) ||
		!s.ReadUint8LengthPrefixed(&cookie) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&comp) {
		return nil, errClientHelloFormat
	}
	h.sessionID, h.cookie = []byte(sess), []byte(cookie)
	for !suites.Empty() {
		var id uint16
		if !suites.ReadUint16(&id) {
			return nil, errClientHelloFormat
		}
		h.cipherSuites = append(h.cipherSuites, id)
	}
	h.compMethods = []uint8(comp)
	if s.Empty() {
		h.extensions = &extensions{}
		return h, nil
	}
	if !s.ReadUint16LengthPrefixed(&ext) || !s.Empty() {
		return nil, errClientHelloFormat
	}
	e, err := parseExtensions(ext, true)
	if err != nil {
		return nil, err
	}
	h.extensions = e
	return h, nil
}

func (h *clientHello) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16(h.ver)
	b.AddBytes(h.random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(h.sessionID)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(h.cookie)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, id := range h.cipherSuites {
			b.AddUint16(id)
		}
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(h.compMethods)
	})
	if h.extensions != nil {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			h.extensions.marshal(b, true)
		})
	}
	return b.BytesOrPanic()
}

type serverHello struct {
	ver         uint16
	random      []byte
	sessionID   []byte
	cipherSuite uint16
	compMethod  uint8
	*extensions
}

func parseServerHello(b []byte) (*serverHello, error) {
	h := &serverHello{}
	s := cryptobyte.String(b)
	var sess, ext cryptobyte.String
	if !s.ReadUint16(&h.ver) ||
		!s.ReadBytes(&h.random, 32) ||
		!s.ReadUint8LengthPrefixed(&sess) ||
		!s.ReadUint16(&h.cipherSuite) ||
		!s.ReadUint8(&h.compMethod) {
		return nil, errServerHelloFormat
	}
	h.sessionID = []byte(sess)
	if s.Empty() {
		h.extensions = &extensions{}
		return h, nil
	}
	if !s.ReadUint16LengthPrefixed(&ext) || !s.Empty() {
		return nil, errServerHelloFormat
	}
	e, err := parseExtensions(ext, false)
	if err != nil {
		return nil, err
	}
	h.extensions = e
	return h, nil
}

func (h *serverHello) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16(h.ver)
	b.AddBytes(h.random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(h.sessionID)
	})
	b.AddUint16(h.cipherSuite)
	b.AddUint8(h.compMethod)
	if h.extensions != nil && !h.extensions.empty() {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			h.extensions.marshal(b, false)
		})
	}
	return b.BytesOrPanic()
}

type helloVerifyRequest struct {
	ver    uint16
	cookie []byte
}

func parseHelloVerifyRequest(b []byte) (*helloVerifyRequest, error) {
	h := &helloVerifyRequest{}
	s := cryptobyte.String(b)
	var cookie cryptobyte.String
	if !s.ReadUint16(&h.ver) || !s.ReadUint8LengthPrefixed(&cookie) || !s.Empty() {
		return nil, errHelloVerifyRequestFormat
	}
	h.cookie = []byte(cookie)
	return h, nil
}

func (h *helloVerifyRequest) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16(h.ver)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(h.cookie)
	})
	return b.BytesOrPanic()
}

// certificate is either an X.509 chain or, in raw-public-key mode, a single
// SubjectPublicKeyInfo blob (RFC 7250 as deployed by constrained stacks).
type certificate struct {
	raw          [][]byte
	cert         []*x509.Certificate
	rawPublicKey []byte
}

func parseCertificate(b []byte, rawPublicKey bool) (*certificate, error) {
	c := &certificate{}
	s := cryptobyte.String(b)
	if rawPublicKey {
		var spki cryptobyte.String
		if !s.ReadUint24LengthPrefixed(&spki) || !s.Empty() {
			return nil, errCertificateFormat
		}
		c.rawPublicKey = []byte(spki)
		return c, nil
	}
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) || !s.Empty() {
		return nil, errCertificateFormat
	}
	for !list.Empty() {
		var der cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&der) {
			return nil, errCertificateFormat
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errors.Wrap(err, "dtls: bad certificate")
		}
		c.raw = append(c.raw, []byte(der))
		c.cert = append(c.cert, cert)
	}
	return c, nil
}

func (c *certificate) marshal() []byte {
	var b cryptobyte.Builder
	if c.rawPublicKey != nil {
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(c.rawPublicKey)
		})
		return b.BytesOrPanic()
	}
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, der := range c.raw {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(der)
			})
		}
	})
	return b.BytesOrPanic()
}

// serverKeyExchange carries the named curve, the server's ephemeral point
// and the ECDSA signature over the randoms and curve parameters
// (RFC 4492 section 5.4, DTLS 1.2 signature_and_hash form).
type serverKeyExchange struct {
	curve   uint16
	pub     []byte
	hashAlg uint8
	signAlg uint8
	sign    []byte
}

func parseServerKeyExchange(b []byte) (*serverKeyExchange, error) {
	e := &serverKeyExchange{}
	s := cryptobyte.String(b)
	var curveType uint8
	var pub, sign cryptobyte.String
	if !s.ReadUint8(&curveType) || curveType != 3 ||
		!s.ReadUint16(&e.curve) ||
		!s.ReadUint8LengthPrefixed(&pub) ||
		!s.ReadUint8(&e.hashAlg) ||
		!s.ReadUint8(&e.signAlg) ||
		!s.ReadUint16LengthPrefixed(&sign) ||
		!s.Empty() {
		return nil, errServerKeyExchangeFormat
	}
	e.pub, e.sign = []byte(pub), []byte(sign)
	return e, nil
}

func (e *serverKeyExchange) marshal() []byte {
	var b cryptobyte.Builder
	b.AddBytes(e.params())
	b.AddUint8(e.hashAlg)
	b.AddUint8(e.signAlg)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(e.sign)
	})
	return b.BytesOrPanic()
}

// params is the ServerECDHParams prefix, which is also the portion covered
// by the signature together with both hello randoms.
func (e *serverKeyExchange) params() []byte {
	var b cryptobyte.Builder
	b.AddUint8(3) // named_curve
	b.AddUint16(e.curve)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(e.pub)
	})
	return b.BytesOrPanic()
}

type certificateRequest struct {
	types   []uint8
	sigAlgs []signatureAlgorithm
	names   [][]byte
}

func parseCertificateRequest(b []byte) (*certificateRequest, error) {
	r := &certificateRequest{}
	s := cryptobyte.String(b)
	var types, algs, names cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&types) ||
		!s.ReadUint16LengthPrefixed(&algs) ||
		!s.ReadUint16LengthPrefixed(&names) ||
		!s.Empty() {
		return nil, errCertificateRequestFormat
	}
	r.types = []uint8(types)
	for !algs.Empty() {
		var h, g uint8
		if !algs.ReadUint8(&h) || !algs.ReadUint8(&g) {
			return nil, errCertificateRequestFormat
		}
		r.sigAlgs = append(r.sigAlgs, signatureAlgorithm{h, g})
	}
	for !names.Empty() {
		var dn cryptobyte.String
		if !names.ReadUint16LengthPrefixed(&dn) {
			return nil, errCertificateRequestFormat
		}
		r.names = append(r.names, []byte(dn))
	}
	return r, nil
}

func (r *certificateRequest) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(r.types)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, a := range r.sigAlgs {
			b.AddUint8(a.hash)
			b.AddUint8(a.sign)
		}
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, dn := range r.names {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(dn)
			})
		}
	})
	return b.BytesOrPanic()
}

// clientKeyExchange body depends on the negotiated key exchange: a PSK
// identity, an ECDH point, or nothing at all.
type clientKeyExchange struct {
	alg      keyExchangeAlgorithm
	identity string
	pub      []byte
}

func parseClientKeyExchange(alg keyExchangeAlgorithm, b []byte) (*clientKeyExchange, error) {
	e := &clientKeyExchange{alg: alg}
	s := cryptobyte.String(b)
	switch alg {
	case keyExchangePSK:
		var id cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&id) || !s.Empty() {
			return nil, errClientKeyExchangeFormat
		}
		e.identity = string(id)
	case keyExchangeECDH:
		var pub cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&pub) || !s.Empty() {
			return nil, errClientKeyExchangeFormat
		}
		e.pub = []byte(pub)
	case keyExchangeNull:
		if !s.Empty() {
			return nil, errClientKeyExchangeFormat
		}
	default:
		return nil, errUnsupportedKeyExchangeAlgorithm
	}
	return e, nil
}

func (e *clientKeyExchange) marshal() []byte {
	var b cryptobyte.Builder
	switch e.alg {
	case keyExchangePSK:
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(e.identity))
		})
	case keyExchangeECDH:
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(e.pub)
		})
	}
	return b.BytesOrPanic()
}

type certificateVerify struct {
	hashAlg uint8
	signAlg uint8
	sign    []byte
}

func parseCertificateVerify(b []byte) (*certificateVerify, error) {
	e := &certificateVerify{}
	s := cryptobyte.String(b)
	var sign cryptobyte.String
	if !s.ReadUint8(&e.hashAlg) ||
		!s.ReadUint8(&e.signAlg) ||
		!s.ReadUint16LengthPrefixed(&sign) ||
		!s.Empty() {
		return nil, errCertificateVerifyFormat
	}
	e.sign = []byte(sign)
	return e, nil
}

func (e *certificateVerify) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint8(e.hashAlg)
	b.AddUint8(e.signAlg)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(e.sign)
	})
	return b.BytesOrPanic()
}

type finished struct {
	verifyData []byte
}

func parseFinished(b []byte) (*finished, error) {
	if len(b) != 12 {
		return nil, errFinishedFormat
	}
	return &finished{verifyData: cloneBytes(b)}, nil
}

func (f *finished) marshal() []byte {
	return cloneBytes(f.verifyData)
}
