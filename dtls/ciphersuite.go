package dtls

import (
	"github.com/pkg/errors"
)

var (
	errUnsupportedKeyExchangeAlgorithm = errors.New("dtls: unsupported key exchange algorithm")
)

type keyExchangeAlgorithm uint8

const (
	keyExchangeNull keyExchangeAlgorithm = iota
	keyExchangePSK
	keyExchangeECDH
)

// cipherSuite describes one negotiable suite and the key block geometry the
// record layer needs. AES-128-CCM-8 is an AEAD: no MAC keys, 4-byte fixed IV.
type cipherSuite struct {
	id     uint16
	key    keyExchangeAlgorithm
	keyLen int
	macLen int
	ivLen  int
}

var cipherSuites = []*cipherSuite{
	{SSL_NULL_WITH_NULL_NULL, keyExchangeNull, 0, 0, 0},
	{TLS_PSK_WITH_AES_128_CCM_8, keyExchangePSK, 16, 0, 4},
	{TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8, keyExchangeECDH, 16, 0, 4},
}

func suiteByID(id uint16) *cipherSuite {
	for _, s := range cipherSuites {
		if s.id == id {
			return s
		}
	}
	return nil
}

// keyBlockLen is the amount of key material the record layer consumes:
// two MAC keys, two cipher keys, two fixed IVs.
func (c *cipherSuite) keyBlockLen() int {
	return 2*c.macLen + 2*c.keyLen + 2*c.ivLen
}
