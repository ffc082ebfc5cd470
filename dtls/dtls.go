// Package dtls implements the server side of the DTLS 1.2 handshake for
// CoAP-over-DTLS deployments: cookie exchange, PSK and ECDHE-ECDSA key
// establishment, transcript bookkeeping and flight retransmission.
package dtls

const (
	VersionDTLS10 uint16 = 0xfeff
	VersionDTLS12 uint16 = 0xfefd
)

// Supported cipher suites, see RFC 6655 and RFC 7251.
const (
	SSL_NULL_WITH_NULL_NULL            uint16 = 0x0000
	TLS_PSK_WITH_AES_128_CCM_8         uint16 = 0xc0a8
	TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8 uint16 = 0xc0ae
)

var supportedCipherSuites = []uint16{
	SSL_NULL_WITH_NULL_NULL,
	TLS_PSK_WITH_AES_128_CCM_8,
	TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8,
}

const (
	compNone uint8 = 0
)

var supportedCompression = []uint8{
	compNone,
}

const (
	secp256r1 uint16 = 23
	secp384r1 uint16 = 24
	secp521r1 uint16 = 25
)

var supportedCurves = []uint16{
	secp256r1,
	secp384r1,
	secp521r1,
}

const (
	pointUncompressed uint8 = 0
)

var supportedPointFormats = []uint8{
	pointUncompressed,
}

const (
	hashSHA256 uint8 = 4
)

const (
	signECDSA uint8 = 3
)

type signatureAlgorithm struct {
	hash, sign uint8
}

var supportedSignatureAlgorithms = []signatureAlgorithm{
	{hashSHA256, signECDSA},
}

// Certificate types carried by the client_certificate_type and
// server_certificate_type extensions (RFC 7250).
const (
	certTypeX509         uint8 = 0
	certTypeRawPublicKey uint8 = 2
)

// Client certificate type for CertificateRequest (RFC 4492 section 5.5).
const (
	certTypeECDSASign uint8 = 64
)
