package dtls

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// Published P_SHA256 test vector for the TLS 1.2 PRF.
func TestPRF12Vector(t *testing.T) {
	secret, _ := hex.DecodeString("9bbe436ba940f017b17652849a71db35")
	seed, _ := hex.DecodeString("a0ba9f936cda311827a6f796ffd5198c")
	expected, _ := hex.DecodeString(
		"e3f229ba727be17b8d122620557cd453c2aab21d07c3d495329b52d4e61edb5a" +
			"6b301791e90d35c9c9a46b4e14baf9af0fa022f7077def17abfd3797c0564bab" +
			"4fbc91666e9def9b97fce34f796789baa48082d122ee42c5a72e5a5110fff701" +
			"87347b66")
	out := make([]byte, 100)
	prf12(out, secret, []byte("test label"), seed)
	require.Equal(t, expected, out)
}

func TestMasterSecretLength(t *testing.T) {
	pre := pskPremaster([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	master := masterSecret(pre, make([]byte, 32), make([]byte, 32))
	require.Len(t, master, 48)
}

func TestPSKPremasterLayout(t *testing.T) {
	psk := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	pre := pskPremaster(psk)
	expected := []byte{
		0x00, 0x08, 0, 0, 0, 0, 0, 0, 0, 0,
		0x00, 0x08, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}
	require.Equal(t, expected, pre)
}

func TestKeyExpansionSeedOrder(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 48)
	crand := bytes.Repeat([]byte{0x01}, 32)
	srand := bytes.Repeat([]byte{0x02}, 32)
	block := keyExpansion(master, crand, srand, 40)
	require.Len(t, block, 40)

	// seed must be server_random || client_random
	expected := make([]byte, 40)
	prf12(expected, master, labelKeyExpansion, srand, crand)
	require.Equal(t, expected, block)

	flipped := make([]byte, 40)
	prf12(flipped, master, labelKeyExpansion, crand, srand)
	require.NotEqual(t, flipped, block)
}

func TestFinishedSumLength(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 48)
	digest := bytes.Repeat([]byte{9}, 32)
	client := finishedSum(master, labelClientFinished, digest)
	server := finishedSum(master, labelServerFinished, digest)
	require.Len(t, client, 12)
	require.Len(t, server, 12)
	require.NotEqual(t, client, server)
}
