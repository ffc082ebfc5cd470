package dtls

import (
	"strconv"

	"github.com/pkg/errors"
)

var (
	errAlertFormat = errors.New("dtls: alert format error")
)

const (
	levelWarning uint8 = 1
	levelError   uint8 = 2
)

const (
	alertCloseNotify       alert = 0
	alertUnexpectedMessage alert = 10
	alertHandshakeFailure  alert = 40
	alertDecryptError      alert = 51
	alertProtocolVersion   alert = 70
	alertInternalError     alert = 80
)

var alertText = map[alert]string{
	alertCloseNotify:       "close notify",
	alertUnexpectedMessage: "unexpected message",
	alertHandshakeFailure:  "handshake failure",
	alertDecryptError:      "error decrypting message",
	alertProtocolVersion:   "protocol version not supported",
	alertInternalError:     "internal error",
}

type alert uint8

func (a alert) String() string {
	if v, ok := alertText[a]; ok {
		return "dtls: " + v
	}
	return "dtls: alert(" + strconv.Itoa(int(a)) + ")"
}

func (a alert) Error() string {
	return a.String()
}

func parseAlert(b []byte) (uint8, alert, error) {
	if len(b) < 2 {
		return 0, 0, errAlertFormat
	}
	_ = b[1]
	return b[0], alert(b[1]), nil
}

func (a alert) marshal() []byte {
	return []byte{levelError, uint8(a)}
}

// fatalAlert carries the alert the driver must deliver to the peer before
// tearing the handshake down. Re-expression of the source's exception whose
// payload is an AlertMessage.
type fatalAlert struct {
	a   alert
	err error
}

func (e *fatalAlert) Error() string {
	if e.err != nil {
		return e.a.String() + ": " + e.err.Error()
	}
	return e.a.String()
}

func (e *fatalAlert) Unwrap() error { return e.err }

func fatal(a alert, err error) error {
	return &fatalAlert{a: a, err: err}
}

func fatalf(a alert, format string, args ...interface{}) error {
	return &fatalAlert{a: a, err: errors.Errorf(format, args...)}
}

// AlertFor extracts the alert to put on the wire for a handshake error.
// Errors that do not carry one map to internal_error, which deliberately
// leaks nothing about the failure to the peer.
func AlertFor(err error) (level, description uint8) {
	var fa *fatalAlert
	if errors.As(err, &fa) {
		return levelError, uint8(fa.a)
	}
	return levelError, uint8(alertInternalError)
}
