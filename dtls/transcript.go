package dtls

import (
	"crypto/sha256"
	"encoding"
	"hash"
)

// transcript keeps the two views of the handshake history the protocol
// needs: a running SHA-256 for Finished computations and the concatenated
// raw bytes for CertificateVerify. Both cover the same messages in wire
// order, excluding HelloVerifyRequest and the ClientHello that provoked it.
type transcript struct {
	digest hash.Hash
	bytes  []byte
}

func newTranscript() *transcript {
	return &transcript{digest: sha256.New()}
}

func (t *transcript) update(b []byte) {
	t.digest.Write(b)
	t.bytes = append(t.bytes, b...)
}

// sum finalizes a copy of the running digest, leaving the state usable.
func (t *transcript) sum() []byte {
	return t.snapshot().Sum(nil)
}

// snapshot clones the digest state, so the server can verify the client's
// Finished against the pre-Finished transcript and then extend the original
// with the client's Finished bytes for its own.
func (t *transcript) snapshot() hash.Hash {
	m := t.digest.(encoding.BinaryMarshaler)
	state, err := m.MarshalBinary()
	if err != nil {
		// sha256 marshals infallibly
		panic(err)
	}
	d := sha256.New()
	if err := d.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}
	return d
}
