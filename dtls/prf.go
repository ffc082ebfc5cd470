package dtls

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

var (
	labelMasterSecret   = []byte("master secret")
	labelKeyExpansion   = []byte("key expansion")
	labelClientFinished = []byte("client finished")
	labelServerFinished = []byte("server finished")
)

// phash is P_SHA256 from RFC 5246 section 5, filling result from the
// HMAC iteration chain.
func phash(h func() hash.Hash, result, secret []byte, params ...[]byte) {
	m := hmac.New(h, secret)
	for _, p := range params {
		m.Write(p)
	}
	a := m.Sum(nil)
	j := 0
	for j < len(result) {
		m.Reset()
		m.Write(a)
		for _, p := range params {
			m.Write(p)
		}
		b := m.Sum(nil)
		todo := len(b)
		if j+todo > len(result) {
			todo = len(result) - j
		}
		copy(result[j:j+todo], b)
		j += todo
		m.Reset()
		m.Write(a)
		a = m.Sum(nil)
	}
}

// prf12 is the TLS 1.2 pseudorandom function over HMAC-SHA256.
func prf12(result, secret, label []byte, seed ...[]byte) {
	params := make([][]byte, 0, 1+len(seed))
	params = append(params, label)
	params = append(params, seed...)
	phash(sha256.New, result, secret, params...)
}

func masterSecret(premaster, clientRandom, serverRandom []byte) []byte {
	r := make([]byte, 48)
	prf12(r, premaster, labelMasterSecret, clientRandom, serverRandom)
	return r
}

// keyExpansion derives the record-layer key block. Note the seed order is
// server random first, the reverse of the master secret derivation.
func keyExpansion(master, clientRandom, serverRandom []byte, n int) []byte {
	r := make([]byte, n)
	prf12(r, master, labelKeyExpansion, serverRandom, clientRandom)
	return r
}

// finishedSum computes the 12-byte verify_data over a finalized transcript
// digest.
func finishedSum(master, label, digest []byte) []byte {
	r := make([]byte, 12)
	prf12(r, master, label, digest)
	return r
}

// pskPremaster builds the RFC 4279 premaster secret:
// uint16 length, that many zero octets, uint16 length, the key itself.
func pskPremaster(psk []byte) []byte {
	n := len(psk)
	r := make([]byte, 4+2*n)
	put2(r, n)
	put2(r[2+n:], n)
	copy(r[4+n:], psk)
	return r
}
