package dtls

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	errNoCertificate = errors.New("dtls: no certificate")
)

// Config carries everything a server handshake needs. It replaces the
// process-wide properties singleton of older stacks: every knob is injected
// explicitly and the zero value of optional fields falls back to sane
// defaults.
type Config struct {
	Rand io.Reader
	Time func() time.Time
	MTU  int

	// ClientAuth requires certificate authentication from the client on
	// certificate-based suites. It has no effect on PSK handshakes.
	ClientAuth bool

	// Certificates is the server's X.509 chain, leaf first, DER encoded.
	Certificates [][]byte
	// RawPublicKey is the leaf SubjectPublicKeyInfo, sent instead of the
	// chain when the client negotiates the raw-public-key certificate type.
	RawPublicKey []byte
	// PrivateKey signs the ServerKeyExchange and must match the leaf.
	PrivateKey *ecdsa.PrivateKey

	// RootCAs verifies client certificates.
	RootCAs *x509.CertPool

	// PresharedKeys maps PSK identities to key bytes.
	PresharedKeys map[string][]byte

	RetransmissionTimeout    time.Duration
	MaxRetransmissionTimeout time.Duration

	Logger *zap.Logger
}

func (c *Config) getRand() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

func (c *Config) getTime() time.Time {
	if c.Time != nil {
		return c.Time()
	}
	return time.Now()
}

func (c *Config) getMTU() int {
	if c.MTU > 25 {
		return c.MTU
	}
	return 1400
}

func (c *Config) getRetransmissionTimeout() time.Duration {
	if c.RetransmissionTimeout > 0 {
		return c.RetransmissionTimeout
	}
	return 500 * time.Millisecond
}

func (c *Config) getMaxRetransmissionTimeout() time.Duration {
	if c.MaxRetransmissionTimeout > 0 {
		return c.MaxRetransmissionTimeout
	}
	return 8 * time.Second
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// verifyClientCertificate checks the chain against the configured roots and
// returns the leaf public key.
func (c *Config) verifyClientCertificate(certs []*x509.Certificate) (*ecdsa.PublicKey, error) {
	if len(certs) == 0 {
		return nil, errNoCertificate
	}
	leaf := certs[0]
	opts := x509.VerifyOptions{
		Roots:         c.RootCAs,
		CurrentTime:   c.getTime(),
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	for _, it := range certs[1:] {
		opts.Intermediates.AddCert(it)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return nil, err
	}
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("dtls: client certificate key is not ECDSA")
	}
	return pub, nil
}

// caNames lists the DER-encoded subjects of the configured trust anchors
// for the CertificateRequest.
func (c *Config) caNames() [][]byte {
	if c.RootCAs == nil {
		return nil
	}
	return c.RootCAs.Subjects()
}
