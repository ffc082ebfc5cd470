package dtls

import (
	"github.com/pkg/errors"
)

var (
	errRecordFormat = errors.New("dtls: record format error")
)

const (
	recordChangeCipherSpec uint8 = 20
	recordAlert            uint8 = 21
	recordHandshake        uint8 = 22
	recordApplicationData  uint8 = 23
)

var changeCipherSpec = []byte{1}

// Record is a single DTLS record as handed over by the record layer:
// already decrypted, carrying the 13-byte header fields and the fragment.
type Record struct {
	Type  uint8
	Ver   uint16
	Epoch uint16
	Seq   int64
	Raw   []byte
}

// parseRecord consumes one record from the front of a datagram and returns
// the remainder, so several records packed into one datagram all surface.
func parseRecord(b []byte) (*Record, []byte, error) {
	if len(b) < 13 {
		return nil, nil, errRecordFormat
	}
	_ = b[10]
	r := &Record{
		Type:  b[0],
		Ver:   uint16(b[1])<<8 | uint16(b[2]),
		Epoch: uint16(b[3])<<8 | uint16(b[4]),
		Seq:   int64(b[5])<<40 | int64(b[6])<<32 | int64(b[7])<<24 | int64(b[8])<<16 | int64(b[9])<<8 | int64(b[10]),
	}
	if r.Raw, b = split2(b[11:]); r.Raw == nil {
		return nil, nil, errRecordFormat
	}
	return r, b, nil
}

func (r *Record) marshal(b []byte) []byte {
	var v []byte
	v, b = grow(b, 11)
	_ = v[10]
	v[0] = r.Type
	v[1], v[2] = uint8(r.Ver>>8), uint8(r.Ver)
	v[3], v[4] = uint8(r.Epoch>>8), uint8(r.Epoch)
	s := r.Seq
	v[5], v[6], v[7], v[8], v[9], v[10] = uint8(s>>40), uint8(s>>32), uint8(s>>24), uint8(s>>16), uint8(s>>8), uint8(s)
	return pack2(b, r.Raw)
}

func split(b []byte) (v, next []byte) {
	if len(b) >= 1 {
		if n := int(b[0]) + 1; len(b) >= n {
			v, next = b[1:n], b[n:]
		}
	}
	return
}

func split2(b []byte) (v, next []byte) {
	if len(b) >= 2 {
		_ = b[1]
		if n := int(b[0])<<8 | int(b[1]) + 2; len(b) >= n {
			v, next = b[2:n], b[n:]
		}
	}
	return
}

func split3(b []byte) (v, next []byte) {
	if len(b) >= 3 {
		_ = b[2]
		if n := int(b[0])<<16 | int(b[1])<<8 | int(b[2]) + 3; len(b) >= n {
			v, next = b[3:n], b[n:]
		}
	}
	return
}

func pack2(b []byte, raw []byte) []byte {
	p := len(b)
	_, b = grow(b, 2)
	b = append(b, raw...)
	put2(b[p:], len(b)-p-2)
	return b
}

func put2(b []byte, n int) {
	_ = b[1]
	b[0], b[1] = uint8(n>>8), uint8(n)
}

func put3(b []byte, n int) {
	_ = b[2]
	b[0], b[1], b[2] = uint8(n>>16), uint8(n>>8), uint8(n)
}

func getInt24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

func grow(b []byte, n int) (v, next []byte) {
	l := len(b)
	r := l + n
	if r > cap(b) {
		next := make([]byte, (1+((r-1)>>10))<<10)
		if l > 0 {
			copy(next, b[:l])
		}
		b = next
	}
	return b[l:r], b[:r]
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
