package dtls

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestReplayWindow(t *testing.T) {
	var w replayWindow
	require.True(t, w.canReceive(0))
	require.True(t, w.canReceive(1))
	require.False(t, w.canReceive(1)) // duplicate
	require.True(t, w.canReceive(5))
	require.True(t, w.canReceive(3))  // inside window, first arrival
	require.False(t, w.canReceive(3)) // now a duplicate
	require.True(t, w.canReceive(100))
	require.False(t, w.canReceive(5)) // fell out of the window
}

type captureWriter struct {
	writes [][]byte
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.writes = append(w.writes, cloneBytes(b))
	return len(b), nil
}

func TestTransportWriteAssignsSequenceNumbers(t *testing.T) {
	out := &captureWriter{}
	tr := newTransport(out, &Config{}, clock.NewMock())

	f := &Flight{}
	f.add(recordHandshake, 0, []byte{1, 2, 3})
	f.add(recordHandshake, 0, []byte{4, 5, 6})
	require.NoError(t, tr.DeliverFlight(f))

	// both records coalesce into one datagram
	require.Len(t, out.writes, 1)
	b := out.writes[0]
	r1, rest, err := parseRecord(b)
	require.NoError(t, err)
	r2, rest, err := parseRecord(rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, int64(0), r1.Seq)
	require.Equal(t, int64(1), r2.Seq)
	require.Equal(t, VersionDTLS12, r1.Ver)
}

func TestTransportSplitsAtMTU(t *testing.T) {
	out := &captureWriter{}
	tr := newTransport(out, &Config{MTU: 64}, clock.NewMock())

	f := &Flight{}
	f.add(recordHandshake, 0, make([]byte, 40))
	f.add(recordHandshake, 0, make([]byte, 40))
	require.NoError(t, tr.DeliverFlight(f))
	require.Len(t, out.writes, 2)
}

func TestTransportRetransmitBackoff(t *testing.T) {
	out := &captureWriter{}
	config := &Config{
		RetransmissionTimeout:    100 * time.Millisecond,
		MaxRetransmissionTimeout: 400 * time.Millisecond,
	}
	tr := newTransport(out, config, clock.NewMock())

	f := &Flight{Retransmit: true}
	f.add(recordHandshake, 0, []byte{1})
	require.NoError(t, tr.DeliverFlight(f))
	require.Len(t, out.writes, 1)
	require.NotNil(t, tr.timerC())

	again, err := tr.Retransmit()
	require.NoError(t, err)
	require.True(t, again)
	require.Len(t, out.writes, 2)
	require.Equal(t, 200*time.Millisecond, tr.rto)

	tr.Retransmit()
	tr.Retransmit()
	require.Equal(t, 400*time.Millisecond, tr.rto)
}

func TestTransportTerminalFlightNotScheduled(t *testing.T) {
	out := &captureWriter{}
	tr := newTransport(out, &Config{}, clock.NewMock())

	f := &Flight{Retransmit: false}
	f.add(recordChangeCipherSpec, 0, []byte{1})
	f.add(recordHandshake, 1, make([]byte, 24))
	require.NoError(t, tr.DeliverFlight(f))
	require.Nil(t, tr.timerC())

	again, err := tr.Retransmit()
	require.NoError(t, err)
	require.False(t, again)
	require.Len(t, out.writes, 1)
}

func TestTransportReadFiltersEpochAndReplay(t *testing.T) {
	tr := newTransport(&captureWriter{}, &Config{}, clock.NewMock())

	r0 := (&Record{Type: recordHandshake, Ver: VersionDTLS12, Epoch: 0, Seq: 0, Raw: []byte{1}}).marshal(nil)
	r1 := (&Record{Type: recordHandshake, Ver: VersionDTLS12, Epoch: 1, Seq: 0, Raw: []byte{2}}).marshal(nil)
	got := tr.readRecords(append(cloneBytes(r0), r1...))
	// the epoch-1 record is dropped until InstallReadState
	require.Len(t, got, 1)
	require.Equal(t, []byte{1}, got[0].Raw)

	// replayed datagram
	require.Empty(t, tr.readRecords(r0))

	s := &Session{}
	require.NoError(t, tr.InstallReadState(s))
	got = tr.readRecords(r1)
	require.Len(t, got, 1)
	require.Equal(t, []byte{2}, got[0].Raw)
}
