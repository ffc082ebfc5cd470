package dtls

import (
	"sort"

	"github.com/pkg/errors"
)

var (
	errHandshakeSequence           = errors.New("dtls: handshake sequence error")
	errHandshakeMessageOutOfBounds = errors.New("dtls: handshake message is out of bounds")
	errHandshakeMessageTooBig      = errors.New("dtls: handshake message is too big")
)

const (
	maxHandshakeLen  = 0x10000
	maxPendingWindow = 16
)

// fragmentBuffer accumulates the fragments of one handshake message until
// the range [0, len) is fully covered. Overlaps overwrite.
type fragmentBuffer struct {
	typ uint8
	raw []byte
	h   []*handshake
}

func (q *fragmentBuffer) Len() int           { return len(q.h) }
func (q *fragmentBuffer) Swap(i, j int)      { q.h[i], q.h[j] = q.h[j], q.h[i] }
func (q *fragmentBuffer) Less(i, j int) bool { return q.h[i].off < q.h[j].off }

func (q *fragmentBuffer) complete() bool {
	last := 0
	for _, h := range q.h {
		if next := h.off + len(h.raw); h.off <= last && next > last {
			last = next
		}
	}
	return last == len(q.raw)
}

// reassembler stitches fragmented handshake messages, keyed by message_seq.
// Only messages at or past the next expected sequence are retained.
type reassembler struct {
	seq     int
	pending map[int]*fragmentBuffer
}

func newReassembler() *reassembler {
	return &reassembler{pending: make(map[int]*fragmentBuffer)}
}

// parse decodes one handshake fragment from record bytes and files it.
func (r *reassembler) parse(b []byte) error {
	h, err := parseHandshake(b)
	if err != nil {
		return err
	}
	return r.insert(h)
}

// insert files one handshake fragment. Fragments for already-consumed or
// far-future sequences are rejected.
func (r *reassembler) insert(h *handshake) error {
	if ds := h.seq - r.seq; ds < 0 || ds > maxPendingWindow-1 {
		return errHandshakeSequence
	}
	q := r.pending[h.seq]
	if q == nil {
		if h.len < 0 || h.len > maxHandshakeLen {
			return errHandshakeMessageTooBig
		}
		q = &fragmentBuffer{typ: h.typ, raw: make([]byte, h.len)}
		r.pending[h.seq] = q
	}
	if m := h.off + len(h.raw); h.off < 0 || m > len(q.raw) {
		return errHandshakeMessageOutOfBounds
	}
	copy(q.raw[h.off:], h.raw)
	q.h = append(q.h, h)
	sort.Sort(q)
	return nil
}

// next returns the reassembled message with the next expected message_seq,
// or nil while a gap remains. The returned handshake reads as unfragmented.
func (r *reassembler) next() *handshake {
	q := r.pending[r.seq]
	if q == nil || !q.complete() {
		return nil
	}
	delete(r.pending, r.seq)
	h := &handshake{typ: q.typ, len: len(q.raw), seq: r.seq, raw: q.raw}
	r.seq++
	return h
}
