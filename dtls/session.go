package dtls

import (
	"github.com/google/uuid"
)

// Session holds the state negotiated for one peer. It is owned by the
// handshaker until Active flips, then by the record layer.
type Session struct {
	ID           []byte
	Ver          uint16
	CipherSuite  uint16
	CompMethod   uint8
	MasterSecret []byte

	ClientRandom []byte
	ServerRandom []byte

	ReadEpoch  uint16
	WriteEpoch uint16

	SendRawPublicKey    bool
	ReceiveRawPublicKey bool

	// Active is set once the server's Finished is part of the outbound
	// terminal flight.
	Active bool
}

func newSession() *Session {
	id := uuid.New()
	return &Session{
		ID:  id[:],
		Ver: VersionDTLS12,
	}
}

func (s *Session) incrementReadEpoch()  { s.ReadEpoch++ }
func (s *Session) incrementWriteEpoch() { s.WriteEpoch++ }

// KeyBlock derives the record-layer key material for the negotiated suite.
// The record layer splits it into client/server MAC keys, cipher keys and
// fixed IVs, in that order.
func (s *Session) KeyBlock() []byte {
	suite := suiteByID(s.CipherSuite)
	if suite == nil {
		return nil
	}
	return keyExpansion(s.MasterSecret, s.ClientRandom, s.ServerRandom, suite.keyBlockLen())
}
