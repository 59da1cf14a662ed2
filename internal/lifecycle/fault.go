package lifecycle

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
)

// FaultClass says whether the process can keep running after a fault.
type FaultClass int

const (
	FaultNonFatal FaultClass = iota
	FaultFatal
)

func (c FaultClass) String() string {
	if c == FaultFatal {
		return "fatal"
	}
	return "non_fatal"
}

var transientErrors = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	net.ErrClosed,
	io.ErrUnexpectedEOF,
	os.ErrDeadlineExceeded,
}

// Classify maps err to a fault class. Media engine faults and transient
// network conditions are survivable; anything else is fatal.
func Classify(err error) FaultClass {
	if err == nil {
		return FaultNonFatal
	}
	if errors.Is(err, domain.ErrFatalProcessFault) {
		return FaultFatal
	}
	if errors.Is(err, domain.ErrExternalEngineFault) {
		return FaultNonFatal
	}
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return FaultNonFatal
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FaultNonFatal
	}
	return FaultFatal
}
