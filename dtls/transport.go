package dtls

import (
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	maxPacketSize = 4096
)

// replayWindow provides replay protection according to RFC 6347 section
// 4.1.2.5: a 64-record sliding window over sequence numbers of the current
// epoch.
type replayWindow struct {
	seq  int64
	mask int64
}

func (w *replayWindow) canReceive(seq int64) bool {
	d := seq - w.seq
	if d > 0 {
		if d < 64 {
			w.mask = (w.mask << uint(d)) | 1
		} else {
			w.mask = 1
		}
		w.seq = seq
		return true
	}
	if d = -d; d >= 64 {
		return false
	}
	if b := int64(1) << uint(d); w.mask&b == 0 {
		w.mask |= b
		return true
	}
	return false
}

// transport frames flights into datagrams and paces their retransmission.
// It implements RecordLayer for a ServerHandshaker: key installation here
// only tracks epochs and keeps a copy of the key block internally; actual
// record protection is the embedding application's concern and obtains the
// keys from Session().KeyBlock().
type transport struct {
	mu     sync.Mutex
	conn   io.Writer
	config *Config
	clk    clock.Clock
	log    *zap.Logger

	ver     uint16
	rx      replayWindow
	rxEpoch uint16
	txSeq   map[uint16]int64

	pending *Flight
	timer   *clock.Timer
	rto     time.Duration

	readKeys  []byte
	writeKeys []byte
}

func newTransport(conn io.Writer, config *Config, clk clock.Clock) *transport {
	if clk == nil {
		clk = clock.New()
	}
	return &transport{
		conn:   conn,
		config: config,
		clk:    clk,
		log:    config.logger(),
		ver:    VersionDTLS12,
		txSeq:  make(map[uint16]int64),
	}
}

// readRecords splits a datagram into records, dropping replays and records
// from epochs we are not reading yet.
func (t *transport) readRecords(b []byte) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Record
	for len(b) > 0 {
		r, next, err := parseRecord(b)
		if err != nil {
			// truncated datagram tail, drop the rest silently
			return out
		}
		b = next
		if r.Epoch != t.rxEpoch {
			continue
		}
		if !t.rx.canReceive(r.Seq) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DeliverFlight writes the flight's records and arms retransmission when
// the flight asks for it. The terminal flight (Retransmit=false) disarms
// the timer: it is re-sent only when the peer repeats its Finished.
func (t *transport) DeliverFlight(f *Flight) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.write(f); err != nil {
		return err
	}
	t.pending = nil
	t.stopTimer()
	if f.Retransmit {
		t.pending = f
		t.rto = t.config.getRetransmissionTimeout()
		t.timer = t.clk.Timer(t.rto)
	}
	return nil
}

// Retransmit re-sends the pending flight with exponential backoff. It
// reports false once nothing is scheduled.
func (t *transport) Retransmit() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return false, nil
	}
	t.log.Debug("retransmitting flight", zap.Duration("rto", t.rto))
	if err := t.write(t.pending); err != nil {
		return false, err
	}
	if max := t.config.getMaxRetransmissionTimeout(); t.rto < max {
		t.rto <<= 1
		if t.rto > max {
			t.rto = max
		}
	}
	t.timer = t.clk.Timer(t.rto)
	return true, nil
}

func (t *transport) timerC() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (t *transport) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// write frames the records and coalesces them into MTU-sized datagrams.
func (t *transport) write(f *Flight) error {
	mtu := t.config.getMTU()
	var buf []byte
	for _, fr := range f.Records {
		rec := &Record{
			Type:  fr.Type,
			Ver:   t.ver,
			Epoch: fr.Epoch,
			Seq:   t.txSeq[fr.Epoch],
			Raw:   fr.Raw,
		}
		t.txSeq[fr.Epoch]++
		b := rec.marshal(nil)
		if len(buf)+len(b) > mtu && len(buf) > 0 {
			if _, err := t.conn.Write(buf); err != nil {
				return err
			}
			buf = nil
		}
		buf = append(buf, b...)
	}
	if len(buf) == 0 {
		return nil
	}
	_, err := t.conn.Write(buf)
	return err
}

// InstallReadState switches reception to the next epoch and restarts the
// replay window; the derived key block is kept in readKeys.
func (t *transport) InstallReadState(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readKeys = s.KeyBlock()
	t.rxEpoch++
	t.rx = replayWindow{}
	return nil
}

func (t *transport) InstallWriteState(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeKeys = s.KeyBlock()
	return nil
}

// sendAlert writes a single alert record under the current write epoch.
func (t *transport) sendAlert(level, description uint8, epoch uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &Record{
		Type:  recordAlert,
		Ver:   t.ver,
		Epoch: epoch,
		Seq:   t.txSeq[epoch],
		Raw:   []byte{level, description},
	}
	t.txSeq[epoch]++
	_, err := t.conn.Write(rec.marshal(nil))
	return err
}
