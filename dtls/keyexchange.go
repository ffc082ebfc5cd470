package dtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
)

var (
	errClientKeyExchange = errors.New("dtls: invalid ClientKeyExchange message")
	errNoCommonCurve     = errors.New("dtls: no supported elliptic curves offered")
)

// ecdheKeyAgreement is the server-side ephemeral ECDH context for one
// handshake.
type ecdheKeyAgreement struct {
	curveID    uint16
	curve      elliptic.Curve
	privateKey []byte
	pub        []byte
}

// newECDHEKeyAgreement picks the first curve from the client's list whose
// parameters the server knows and generates an ephemeral key on it.
func newECDHEKeyAgreement(clientCurves []uint16, rand io.Reader) (*ecdheKeyAgreement, error) {
	for _, id := range clientCurves {
		if !curveSupported(id) {
			continue
		}
		curve := getEllipticCurve(id)
		if curve == nil {
			continue
		}
		priv, x, y, err := elliptic.GenerateKey(curve, rand)
		if err != nil {
			return nil, err
		}
		return &ecdheKeyAgreement{
			curveID:    id,
			curve:      curve,
			privateKey: priv,
			pub:        elliptic.Marshal(curve, x, y),
		}, nil
	}
	return nil, errNoCommonCurve
}

func curveSupported(id uint16) bool {
	for _, c := range supportedCurves {
		if c == id {
			return true
		}
	}
	return false
}

// premaster decodes the client's ephemeral point and returns the shared
// X coordinate, left-padded to the curve's field size.
func (ka *ecdheKeyAgreement) premaster(point []byte) ([]byte, error) {
	x, y := elliptic.Unmarshal(ka.curve, point)
	if x == nil {
		return nil, errClientKeyExchange
	}
	x, _ = ka.curve.ScalarMult(x, y, ka.privateKey)
	r := make([]byte, (ka.curve.Params().BitSize+7)>>3)
	xb := x.Bytes()
	copy(r[len(r)-len(xb):], xb)
	return r, nil
}

// signParams produces the ServerKeyExchange ECDSA signature over
// client_random || server_random || ServerECDHParams.
func (ka *ecdheKeyAgreement) signParams(key *ecdsa.PrivateKey, rand io.Reader, clientRandom, serverRandom, params []byte) ([]byte, error) {
	d := sha256.New()
	d.Write(clientRandom)
	d.Write(serverRandom)
	d.Write(params)
	sig, err := ecdsa.SignASN1(rand, key, d.Sum(nil))
	if err != nil {
		return nil, errors.Wrap(err, "dtls: failed to sign ECDHE parameters")
	}
	return sig, nil
}

func verifyParams(pub *ecdsa.PublicKey, clientRandom, serverRandom, params, sig []byte) bool {
	d := sha256.New()
	d.Write(clientRandom)
	d.Write(serverRandom)
	d.Write(params)
	return ecdsa.VerifyASN1(pub, d.Sum(nil), sig)
}
