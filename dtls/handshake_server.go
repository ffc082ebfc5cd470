package dtls

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrCloseNotify reports that the peer closed the association. The flight
// returned alongside it carries the answering close_notify.
var ErrCloseNotify = errors.New("dtls: connection closed by peer")

// RecordLayer is the narrow surface the handshake drives: flights out,
// key installation on epoch changes.
type RecordLayer interface {
	DeliverFlight(*Flight) error
	InstallReadState(*Session) error
	InstallWriteState(*Session) error
}

type serverState int

const (
	stateExpectClientHello serverState = iota
	stateExpectCertOrKeyExchange
	stateExpectVerifyOrChangeCipherSpec
	stateExpectFinished
	stateDone
)

// ServerHandshaker drives the server side of one DTLS 1.2 handshake. It is
// fed decrypted records by the record layer, one at a time, and hands back
// the flight to transmit. A single goroutine must own each instance.
type ServerHandshaker struct {
	config  *Config
	session *Session
	addr    string
	cookies *cookieSource
	layer   RecordLayer
	log     *zap.Logger

	state      serverState
	transcript *transcript
	reasm      *reassembler
	queuedCCS  *Record

	clientHello       *clientHello
	clientCertificate *certificate
	clientCertSeq     int
	clientKeyExchange *clientKeyExchange
	certificateVerify *certificateVerify
	clientFinished    *finished

	keyExchange     keyExchangeAlgorithm
	ecdhe           *ecdheKeyAgreement
	clientPublicKey *ecdsa.PublicKey
	certRequested   bool

	nextSendSeq int
	lastFlight  *Flight
	err         error
}

// NewServerHandshaker prepares a handshake for one peer. addr is the
// peer's address in stable string form; it seeds the stateless cookie.
// cookies may be shared across handshakers and nil layer is allowed for
// callers that install key material themselves.
func NewServerHandshaker(addr string, config *Config, cookies *cookieSource, layer RecordLayer) *ServerHandshaker {
	if cookies == nil {
		cookies = newCookieSource(config.Time)
	}
	return &ServerHandshaker{
		config:        config,
		session:       newSession(),
		addr:          addr,
		cookies:       cookies,
		layer:         layer,
		log:           config.logger().With(zap.String("peer", addr)),
		transcript:    newTranscript(),
		reasm:         newReassembler(),
		clientCertSeq: -1,
		nextSendSeq:   1,
	}
}

// Session exposes the negotiated state; it is only fully populated once
// Active is set.
func (s *ServerHandshaker) Session() *Session {
	return s.session
}

// StartHandshake produces a HelloRequest flight prompting the peer to
// initiate a handshake. HelloRequest never enters the transcript.
func (s *ServerHandshaker) StartHandshake() *Flight {
	msg := &handshake{typ: handshakeHelloRequest, seq: 0}
	f := &Flight{Retransmit: false}
	f.add(recordHandshake, s.session.WriteEpoch, msg.wire())
	return f
}

// ProcessRecord advances the state machine with one decrypted record and
// returns the flight to transmit, if any. A returned error of type carrying
// an alert must be delivered to the peer before teardown; use AlertFor.
func (s *ServerHandshaker) ProcessRecord(r *Record) (*Flight, error) {
	if s.err != nil {
		return nil, s.err
	}
	f, err := s.process(r)
	if err != nil && !errors.Is(err, ErrCloseNotify) {
		s.err = err
		s.release()
	}
	return f, err
}

func (s *ServerHandshaker) process(r *Record) (*Flight, error) {
	if s.lastFlight != nil && r.Type != recordAlert {
		// a repeated client Finished means the peer did not see our
		// terminal flight: repeat it verbatim; anything else is ignored
		if h, err := parseHandshake(r.Raw); err == nil && r.Type == recordHandshake && h.typ == handshakeFinished {
			s.log.Debug("retransmitting terminal flight")
			return s.lastFlight, nil
		}
		return nil, nil
	}
	switch r.Type {
	case recordAlert:
		return s.receivedAlert(r)
	case recordChangeCipherSpec:
		return s.receivedChangeCipherSpec(r)
	case recordHandshake:
		b := r.Raw
		for len(b) > 0 {
			h, err := parseHandshake(b)
			if err != nil {
				// truncated fragment, await retransmission
				break
			}
			b = b[12+len(h.raw):]
			// stale sequence numbers are duplicates; both they and
			// malformed fragments are dropped silently
			s.reasm.insert(h)
		}
		return s.drain()
	default:
		return nil, fatalf(alertHandshakeFailure, "dtls: unsupported record type %d", r.Type)
	}
}

func (s *ServerHandshaker) receivedAlert(r *Record) (*Flight, error) {
	level, a, err := parseAlert(r.Raw)
	if err != nil {
		return nil, nil
	}
	if a == alertCloseNotify {
		f := &Flight{}
		f.add(recordAlert, s.session.WriteEpoch, alertCloseNotify.marshal())
		return f, ErrCloseNotify
	}
	if level == levelError {
		return nil, errors.Errorf("dtls: peer alert: %s", a)
	}
	s.log.Debug("ignoring warning alert", zap.Uint8("description", uint8(a)))
	return nil, nil
}

// drain feeds reassembled messages to the state machine in message_seq
// order, revisiting a queued ChangeCipherSpec after every advance.
func (s *ServerHandshaker) drain() (*Flight, error) {
	var flight *Flight
	for {
		if s.queuedCCS != nil && s.readyForChangeCipherSpec() {
			r := s.queuedCCS
			s.queuedCCS = nil
			if _, err := s.receivedChangeCipherSpec(r); err != nil {
				return nil, err
			}
		}
		h := s.reasm.next()
		if h == nil {
			return flight, nil
		}
		f, err := s.handleHandshake(h)
		if err != nil {
			return nil, err
		}
		if f != nil {
			flight = f
		}
	}
}

func (s *ServerHandshaker) handleHandshake(h *handshake) (*Flight, error) {
	switch h.typ {
	case handshakeClientHello:
		return s.receivedClientHello(h)
	case handshakeCertificate:
		return nil, s.receivedClientCertificate(h)
	case handshakeClientKeyExchange:
		return nil, s.receivedClientKeyExchange(h)
	case handshakeCertificateVerify:
		return nil, s.receivedCertificateVerify(h)
	case handshakeFinished:
		return s.receivedClientFinished(h)
	default:
		return nil, fatalf(alertUnexpectedMessage, "dtls: unexpected handshake message %d", h.typ)
	}
}

func (s *ServerHandshaker) receivedClientHello(h *handshake) (*Flight, error) {
	if s.state != stateExpectClientHello {
		return nil, fatalf(alertUnexpectedMessage, "dtls: client_hello after negotiation started")
	}
	hello, err := parseClientHello(h.raw)
	if err != nil {
		return nil, nil
	}
	// DTLS version numbers descend: anything above 1.2 is older than 1.2
	if hello.ver > VersionDTLS12 {
		return nil, fatalf(alertProtocolVersion, "dtls: client version %04x, server requires DTLS 1.2", hello.ver)
	}
	if !s.cookies.verify(s.addr, hello) {
		if len(hello.cookie) > 0 {
			s.log.Info("cookie mismatch, reissuing verify request")
		}
		return s.helloVerifyFlight(hello), nil
	}
	return s.serverFlight(h, hello)
}

// helloVerifyFlight answers a cookieless (or stale-cookie) ClientHello.
// Neither message enters the transcript and message_seq stays untouched.
func (s *ServerHandshaker) helloVerifyFlight(hello *clientHello) *Flight {
	hvr := &helloVerifyRequest{
		ver:    VersionDTLS12,
		cookie: s.cookies.generate(s.addr, hello),
	}
	msg := &handshake{typ: handshakeHelloVerifyRequest, seq: 0, raw: hvr.marshal()}
	f := &Flight{Retransmit: false}
	f.add(recordHandshake, 0, msg.wire())
	return f
}

// serverFlight assembles ServerHello through ServerHelloDone per the
// negotiated suite, folding everything from this ClientHello onward into
// the transcript.
func (s *ServerHandshaker) serverFlight(h *handshake, hello *clientHello) (*Flight, error) {
	s.clientHello = hello
	s.transcript.update(h.wire())

	suite, err := s.negotiateCipherSuite(hello.cipherSuites)
	if err != nil {
		return nil, err
	}
	if err := s.negotiateCompression(hello.compMethods); err != nil {
		return nil, err
	}
	s.keyExchange = suite.key
	s.session.CipherSuite = suite.id
	s.session.CompMethod = compNone
	s.session.ClientRandom = cloneBytes(hello.random)
	s.session.ServerRandom = s.makeRandom()

	ext := &extensions{}
	if hello.hasClientCertTypes {
		// raw public keys from the client only need SPKI parsing, so they
		// are always acceptable
		t := negotiateCertType(hello.clientCertTypes, true)
		ext.clientCertTypes, ext.hasClientCertTypes = []uint8{t}, true
		if t == certTypeRawPublicKey {
			s.session.ReceiveRawPublicKey = true
		}
	}
	if hello.hasServerCertTypes {
		t := negotiateCertType(hello.serverCertTypes, s.config.RawPublicKey != nil)
		ext.serverCertTypes, ext.hasServerCertTypes = []uint8{t}, true
		if t == certTypeRawPublicKey {
			s.session.SendRawPublicKey = true
		}
	}
	if s.keyExchange == keyExchangeECDH {
		ext.supportedPoints = supportedPointFormats
	}

	flight := &Flight{Retransmit: true}
	sh := &serverHello{
		ver:         VersionDTLS12,
		random:      s.session.ServerRandom,
		sessionID:   s.session.ID,
		cipherSuite: suite.id,
		compMethod:  compNone,
		extensions:  ext,
	}
	s.addToFlight(flight, handshakeServerHello, sh.marshal())

	if s.keyExchange == keyExchangeECDH {
		cert := &certificate{}
		if s.session.SendRawPublicKey {
			cert.rawPublicKey = s.config.RawPublicKey
		} else {
			cert.raw = s.config.Certificates
		}
		s.addToFlight(flight, handshakeCertificate, cert.marshal())

		ecdhe, err := newECDHEKeyAgreement(hello.supportedCurves, s.config.getRand())
		if err != nil {
			return nil, fatal(alertHandshakeFailure, err)
		}
		s.ecdhe = ecdhe
		ske := &serverKeyExchange{
			curve:   ecdhe.curveID,
			pub:     ecdhe.pub,
			hashAlg: hashSHA256,
			signAlg: signECDSA,
		}
		sig, err := ecdhe.signParams(s.config.PrivateKey, s.config.getRand(),
			s.session.ClientRandom, s.session.ServerRandom, ske.params())
		if err != nil {
			return nil, err
		}
		ske.sign = sig
		s.addToFlight(flight, handshakeServerKeyExchange, ske.marshal())
	}

	if s.config.ClientAuth && s.keyExchange != keyExchangePSK {
		req := &certificateRequest{
			types:   []uint8{certTypeECDSASign},
			sigAlgs: supportedSignatureAlgorithms,
			names:   s.config.caNames(),
		}
		s.addToFlight(flight, handshakeCertificateRequest, req.marshal())
		s.certRequested = true
	}

	s.addToFlight(flight, handshakeServerHelloDone, nil)

	s.log.Debug("server flight assembled",
		zap.Uint16("cipher_suite", suite.id),
		zap.Bool("client_auth", s.certRequested))
	s.state = stateExpectCertOrKeyExchange
	return flight, nil
}

// addToFlight frames one handshake message, appends it to the flight and
// folds the wire bytes into the transcript.
func (s *ServerHandshaker) addToFlight(f *Flight, typ uint8, body []byte) {
	msg := &handshake{typ: typ, seq: s.nextSendSeq, raw: body}
	s.nextSendSeq++
	wire := msg.wire()
	f.add(recordHandshake, s.session.WriteEpoch, wire)
	s.transcript.update(wire)
}

func (s *ServerHandshaker) receivedClientCertificate(h *handshake) error {
	if s.state != stateExpectCertOrKeyExchange || !s.certRequested {
		return fatalf(alertUnexpectedMessage, "dtls: unexpected certificate message")
	}
	if s.clientCertificate != nil && s.clientCertSeq == h.seq {
		return nil
	}
	cert, err := parseCertificate(h.raw, s.session.ReceiveRawPublicKey)
	if err != nil {
		return fatal(alertHandshakeFailure, err)
	}
	if cert.rawPublicKey != nil {
		pub, err := x509.ParsePKIXPublicKey(cert.rawPublicKey)
		if err != nil {
			return fatal(alertHandshakeFailure, err)
		}
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fatalf(alertHandshakeFailure, "dtls: client raw public key is not ECDSA")
		}
		s.clientPublicKey = key
	} else {
		key, err := s.config.verifyClientCertificate(cert.cert)
		if err != nil {
			return fatal(alertHandshakeFailure, err)
		}
		s.clientPublicKey = key
	}
	s.clientCertificate = cert
	s.clientCertSeq = h.seq
	s.transcript.update(h.wire())
	return nil
}

func (s *ServerHandshaker) receivedClientKeyExchange(h *handshake) error {
	if s.state != stateExpectCertOrKeyExchange {
		return fatalf(alertUnexpectedMessage, "dtls: unexpected client_key_exchange")
	}
	kx, err := parseClientKeyExchange(s.keyExchange, h.raw)
	if err != nil {
		return fatal(alertHandshakeFailure, err)
	}
	var premaster []byte
	switch s.keyExchange {
	case keyExchangePSK:
		psk, ok := s.config.PresharedKeys[kx.identity]
		if !ok {
			return fatalf(alertHandshakeFailure, "dtls: no preshared key for identity %q", kx.identity)
		}
		premaster = pskPremaster(psk)
	case keyExchangeECDH:
		if premaster, err = s.ecdhe.premaster(kx.pub); err != nil {
			return fatal(alertHandshakeFailure, err)
		}
	case keyExchangeNull:
		premaster = []byte{}
	default:
		return fatal(alertHandshakeFailure, errUnsupportedKeyExchangeAlgorithm)
	}
	s.clientKeyExchange = kx
	s.session.MasterSecret = masterSecret(premaster, s.session.ClientRandom, s.session.ServerRandom)
	s.transcript.update(h.wire())
	s.state = stateExpectVerifyOrChangeCipherSpec
	return nil
}

// receivedCertificateVerify checks the client's signature over the raw
// transcript bytes accumulated so far, which by construction end just
// before this message.
func (s *ServerHandshaker) receivedCertificateVerify(h *handshake) error {
	if s.state != stateExpectVerifyOrChangeCipherSpec || s.clientPublicKey == nil {
		return fatalf(alertUnexpectedMessage, "dtls: unexpected certificate_verify")
	}
	cv, err := parseCertificateVerify(h.raw)
	if err != nil {
		return fatal(alertHandshakeFailure, err)
	}
	if cv.hashAlg != hashSHA256 || cv.signAlg != signECDSA {
		return fatalf(alertHandshakeFailure, "dtls: unsupported certificate_verify algorithm (%d,%d)", cv.hashAlg, cv.signAlg)
	}
	digest := sha256.Sum256(s.transcript.bytes)
	if !ecdsa.VerifyASN1(s.clientPublicKey, digest[:], cv.sign) {
		return fatalf(alertDecryptError, "dtls: certificate_verify signature mismatch")
	}
	s.certificateVerify = cv
	s.transcript.update(h.wire())
	return nil
}

func (s *ServerHandshaker) readyForChangeCipherSpec() bool {
	return s.state == stateExpectVerifyOrChangeCipherSpec && s.session.MasterSecret != nil
}

func (s *ServerHandshaker) receivedChangeCipherSpec(r *Record) (*Flight, error) {
	if len(r.Raw) != 1 || r.Raw[0] != 1 {
		return nil, nil
	}
	if !s.readyForChangeCipherSpec() {
		if s.state == stateDone {
			return nil, nil
		}
		s.queuedCCS = r
		return nil, nil
	}
	if s.layer != nil {
		if err := s.layer.InstallReadState(s.session); err != nil {
			return nil, err
		}
	}
	s.session.incrementReadEpoch()
	s.state = stateExpectFinished
	return nil, nil
}

func (s *ServerHandshaker) receivedClientFinished(h *handshake) (*Flight, error) {
	if s.state != stateExpectFinished {
		return nil, fatalf(alertUnexpectedMessage, "dtls: unexpected finished message")
	}
	fin, err := parseFinished(h.raw)
	if err != nil {
		return nil, fatal(alertDecryptError, err)
	}

	// the client must have authenticated itself when we demanded it
	if s.keyExchange == keyExchangeECDH && s.config.ClientAuth &&
		(s.clientCertificate == nil || s.certificateVerify == nil) {
		return nil, fatalf(alertHandshakeFailure, "dtls: client did not send required authentication messages")
	}

	expected := finishedSum(s.session.MasterSecret, labelClientFinished, s.transcript.sum())
	if !hmac.Equal(expected, fin.verifyData) {
		return nil, fatalf(alertDecryptError, "dtls: finished verify_data mismatch")
	}
	s.clientFinished = fin
	s.transcript.update(h.wire())

	flight := &Flight{Retransmit: false}
	flight.add(recordChangeCipherSpec, s.session.WriteEpoch, changeCipherSpec)
	if s.layer != nil {
		if err := s.layer.InstallWriteState(s.session); err != nil {
			return nil, err
		}
	}
	s.session.incrementWriteEpoch()

	// the server's transcript additionally covers the client's Finished
	verify := finishedSum(s.session.MasterSecret, labelServerFinished, s.transcript.sum())
	msg := &handshake{typ: handshakeFinished, seq: s.nextSendSeq, raw: verify}
	s.nextSendSeq++
	wire := msg.wire()
	s.transcript.update(wire)
	flight.add(recordHandshake, s.session.WriteEpoch, wire)

	s.state = stateDone
	s.session.Active = true
	s.lastFlight = flight
	s.log.Info("handshake complete",
		zap.Uint16("cipher_suite", s.session.CipherSuite),
		zap.Bool("client_authenticated", s.certificateVerify != nil))
	s.release()
	return flight, nil
}

// release drops the per-handshake context. lastFlight survives for
// duplicate-Finished retransmission.
func (s *ServerHandshaker) release() {
	s.transcript = newTranscript()
	s.reasm = newReassembler()
	s.queuedCCS = nil
	s.clientHello = nil
	s.clientCertificate = nil
	s.clientKeyExchange = nil
	s.certificateVerify = nil
	s.clientFinished = nil
	s.ecdhe = nil
	s.clientPublicKey = nil
}

// negotiateCipherSuite walks the client's preference list and picks the
// first supported suite; the null suite is never negotiable.
func (s *ServerHandshaker) negotiateCipherSuite(offered []uint16) (*cipherSuite, error) {
	for _, id := range offered {
		if id == SSL_NULL_WITH_NULL_NULL {
			continue
		}
		for _, supported := range supportedCipherSuites {
			if id == supported {
				return suiteByID(id), nil
			}
		}
	}
	return nil, fatalf(alertHandshakeFailure, "dtls: no supported cipher suite proposed by the client")
}

func (s *ServerHandshaker) negotiateCompression(offered []uint8) error {
	for _, id := range offered {
		for _, supported := range supportedCompression {
			if id == supported {
				return nil
			}
		}
	}
	return fatalf(alertHandshakeFailure, "dtls: client does not support null compression")
}

// negotiateCertType intersects the client's preference list with what the
// server can actually produce or verify; no overlap falls back to X.509.
func negotiateCertType(offered []uint8, rawSupported bool) uint8 {
	for _, t := range offered {
		switch t {
		case certTypeX509:
			return t
		case certTypeRawPublicKey:
			if rawSupported {
				return t
			}
		}
	}
	return certTypeX509
}

func (s *ServerHandshaker) makeRandom() []byte {
	b := make([]byte, 32)
	t := s.config.getTime().Unix()
	b[0], b[1], b[2], b[3] = uint8(t>>24), uint8(t>>16), uint8(t>>8), uint8(t)
	if _, err := io.ReadFull(s.config.getRand(), b[4:]); err != nil {
		panic(err)
	}
	return b
}
