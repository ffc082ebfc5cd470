package dtls

// FlightRecord is one record of a flight, before record-layer protection:
// the content type, the epoch it must be sent under, and the plaintext
// fragment bytes.
type FlightRecord struct {
	Type  uint8
	Epoch uint16
	Raw   []byte
}

// Flight groups the records the server sends in response to one handshake
// event. The record layer delivers them in order and retransmits the whole
// unit on timeout while Retransmit is set; the terminal flight clears it
// and is re-emitted only when the client repeats its Finished.
type Flight struct {
	Records    []FlightRecord
	Retransmit bool
}

func (f *Flight) add(typ uint8, epoch uint16, raw []byte) {
	f.Records = append(f.Records, FlightRecord{Type: typ, Epoch: epoch, Raw: raw})
}
