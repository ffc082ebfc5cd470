package dtls

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testHello(cookie []byte) *clientHello {
	return &clientHello{
		ver:          VersionDTLS12,
		random:       bytes.Repeat([]byte{0x5a}, 32),
		cookie:       cookie,
		cipherSuites: []uint16{TLS_PSK_WITH_AES_128_CCM_8},
		compMethods:  []uint8{compNone},
		extensions:   &extensions{},
	}
}

func TestCookieDeterministic(t *testing.T) {
	s := newCookieSource(nil)
	a := s.generate("10.1.2.3:5684", testHello(nil))
	b := s.generate("10.1.2.3:5684", testHello(nil))
	require.Equal(t, a, b)
	require.LessOrEqual(t, len(a), 32)
}

func TestCookieBindsPeerAndParameters(t *testing.T) {
	s := newCookieSource(nil)
	c := s.generate("10.1.2.3:5684", testHello(nil))
	require.True(t, s.verify("10.1.2.3:5684", testHello(c)))
	require.False(t, s.verify("10.9.9.9:5684", testHello(c)))

	other := testHello(c)
	other.cipherSuites = []uint16{TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8}
	require.False(t, s.verify("10.1.2.3:5684", other))
}

func TestCookieEmptyNeverVerifies(t *testing.T) {
	s := newCookieSource(nil)
	require.False(t, s.verify("10.1.2.3:5684", testHello(nil)))
}

func TestCookieRotationKeepsPreviousSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newCookieSource(func() time.Time { return now })
	c := s.generate("10.1.2.3:5684", testHello(nil))

	// one rotation later the old cookie still verifies
	now = now.Add(defaultCookieRotation)
	require.True(t, s.verify("10.1.2.3:5684", testHello(c)))

	// two rotations later it does not
	now = now.Add(defaultCookieRotation)
	require.False(t, s.verify("10.1.2.3:5684", testHello(c)))
}
