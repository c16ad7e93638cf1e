package channel

import (
	"errors"
	"io"
	"net"
	"os"
)

// IsClosedError reports whether err only says the connection is already gone.
func IsClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// ReadFault classifies a Receive error for logging.
type ReadFault int

const (
	FaultClosed ReadFault = iota
	FaultTimeout
	FaultOther
)

func ClassifyReadError(err error) ReadFault {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return FaultClosed
	case os.IsTimeout(err):
		return FaultTimeout
	default:
		return FaultOther
	}
}
