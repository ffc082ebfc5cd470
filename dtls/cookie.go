package dtls

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"
)

// cookieSource issues and checks stateless HelloVerifyRequest cookies:
// HMAC-SHA256 over the peer address and the ClientHello parameters. The
// secret is process-random and rotated; verification accepts the previous
// secret for one rotation interval so in-flight handshakes survive a
// rotation.
type cookieSource struct {
	mu       sync.Mutex
	secret   []byte
	previous []byte
	rotated  time.Time
	interval time.Duration
	now      func() time.Time
}

const defaultCookieRotation = 5 * time.Minute

func newCookieSource(now func() time.Time) *cookieSource {
	if now == nil {
		now = time.Now
	}
	s := &cookieSource{
		interval: defaultCookieRotation,
		now:      now,
		rotated:  now(),
	}
	s.secret = newCookieSecret()
	return s
}

func newCookieSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func (s *cookieSource) secrets() ([]byte, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := s.now(); now.Sub(s.rotated) >= s.interval {
		s.previous, s.secret = s.secret, newCookieSecret()
		s.rotated = now
	}
	return s.secret, s.previous
}

func (s *cookieSource) generate(addr string, hello *clientHello) []byte {
	secret, _ := s.secrets()
	return cookieMAC(secret, addr, hello)
}

func (s *cookieSource) verify(addr string, hello *clientHello) bool {
	if len(hello.cookie) == 0 {
		return false
	}
	secret, previous := s.secrets()
	if hmac.Equal(hello.cookie, cookieMAC(secret, addr, hello)) {
		return true
	}
	return previous != nil && hmac.Equal(hello.cookie, cookieMAC(previous, addr, hello))
}

func cookieMAC(secret []byte, addr string, hello *clientHello) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(addr))
	m.Write([]byte{uint8(hello.ver >> 8), uint8(hello.ver)})
	m.Write(hello.random)
	m.Write(hello.sessionID)
	for _, id := range hello.cipherSuites {
		m.Write([]byte{uint8(id >> 8), uint8(id)})
	}
	m.Write(hello.compMethods)
	// the cookie field is 8-bit length prefixed, cap at 32
	return m.Sum(nil)[:32]
}
