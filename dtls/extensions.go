package dtls

import (
	"crypto/elliptic"

	"golang.org/x/crypto/cryptobyte"
)

const (
	extSupportedCurves     uint16 = 0x000a
	extSupportedPoints     uint16 = 0x000b
	extSignatureAlgorithms uint16 = 0x000d
	extClientCertType      uint16 = 0x0013
	extServerCertType      uint16 = 0x0014
)

func getEllipticCurve(v uint16) elliptic.Curve {
	switch v {
	case secp256r1:
		return elliptic.P256()
	case secp384r1:
		return elliptic.P384()
	case secp521r1:
		return elliptic.P521()
	default:
		return nil
	}
}

// extensions covers both directions: hello messages from the client carry
// type lists, the server's answers carry the single chosen value.
type extensions struct {
	supportedCurves     []uint16
	supportedPoints     []uint8
	signatureAlgorithms []signatureAlgorithm

	// client_certificate_type / server_certificate_type (RFC 7250).
	// Lists when offered by the client, single chosen type when answered.
	clientCertTypes    []uint8
	serverCertTypes    []uint8
	hasClientCertTypes bool
	hasServerCertTypes bool
}

func (e *extensions) empty() bool {
	return e == nil || (len(e.supportedCurves) == 0 && len(e.supportedPoints) == 0 &&
		len(e.signatureAlgorithms) == 0 && !e.hasClientCertTypes && !e.hasServerCertTypes)
}

// parseExtensions decodes the extension block. isList selects the RFC 7250
// certificate-type shape: type lists in a ClientHello, the single chosen
// type in a ServerHello.
func parseExtensions(s cryptobyte.String, isList bool) (*extensions, error) {
	e := &extensions{}
	for !s.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !s.ReadUint16(&typ) || !s.ReadUint16LengthPrefixed(&data) {
			return nil, errHandshakeFormat
		}
		switch typ {
		case extSupportedCurves:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				return nil, errHandshakeFormat
			}
			for !list.Empty() {
				var id uint16
				if !list.ReadUint16(&id) {
					return nil, errHandshakeFormat
				}
				e.supportedCurves = append(e.supportedCurves, id)
			}
		case extSupportedPoints:
			var list cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&list) {
				return nil, errHandshakeFormat
			}
			e.supportedPoints = []uint8(list)
		case extSignatureAlgorithms:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				return nil, errHandshakeFormat
			}
			for !list.Empty() {
				var h, g uint8
				if !list.ReadUint8(&h) || !list.ReadUint8(&g) {
					return nil, errHandshakeFormat
				}
				e.signatureAlgorithms = append(e.signatureAlgorithms, signatureAlgorithm{h, g})
			}
		case extClientCertType:
			list, err := readCertTypes(data, isList)
			if err != nil {
				return nil, err
			}
			e.clientCertTypes, e.hasClientCertTypes = list, true
		case extServerCertType:
			list, err := readCertTypes(data, isList)
			if err != nil {
				return nil, err
			}
			e.serverCertTypes, e.hasServerCertTypes = list, true
		}
	}
	return e, nil
}

func readCertTypes(data cryptobyte.String, isList bool) ([]uint8, error) {
	if isList {
		var list cryptobyte.String
		if !data.ReadUint8LengthPrefixed(&list) {
			return nil, errHandshakeFormat
		}
		return []uint8(list), nil
	}
	var typ uint8
	if !data.ReadUint8(&typ) {
		return nil, errHandshakeFormat
	}
	return []uint8{typ}, nil
}

// marshal appends the extension entries. Hello messages from the client
// write type lists; the server (isList=false) answers with a single type
// per RFC 7250 section 3.
func (e *extensions) marshal(b *cryptobyte.Builder, isList bool) {
	if e.hasClientCertTypes {
		b.AddUint16(extClientCertType)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			if isList {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(e.clientCertTypes)
				})
			} else {
				b.AddUint8(e.clientCertTypes[0])
			}
		})
	}
	if e.hasServerCertTypes {
		b.AddUint16(extServerCertType)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			if isList {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(e.serverCertTypes)
				})
			} else {
				b.AddUint8(e.serverCertTypes[0])
			}
		})
	}
	if len(e.signatureAlgorithms) > 0 {
		b.AddUint16(extSignatureAlgorithms)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, a := range e.signatureAlgorithms {
					b.AddUint8(a.hash)
					b.AddUint8(a.sign)
				}
			})
		})
	}
	if len(e.supportedCurves) > 0 {
		b.AddUint16(extSupportedCurves)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, id := range e.supportedCurves {
					b.AddUint16(id)
				}
			})
		})
	}
	if len(e.supportedPoints) > 0 {
		b.AddUint16(extSupportedPoints)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(e.supportedPoints)
			})
		})
	}
}
