package server

import (
	"errors"
	"fmt"
	"net"
	"os"

	"example.com/devserver/internal/handlers/staticfile"
	"example.com/devserver/internal/logger"
	"example.com/devserver/internal/wire"
)

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Error kinds reported in the operator log.
const (
	kindProtocol   = "protocol"
	kindResolution = "resolution"
	kindTimeout    = "timeout"
	kindTransport  = "transport"
	kindPanic      = "panic"
	kindHandler    = "handler"
)

// errorKind classifies a per-connection failure for logging.
func errorKind(err error) string {
	var pe *PanicError
	var opErr *net.OpError
	switch {
	case errors.As(err, &pe):
		return kindPanic
	case errors.Is(err, os.ErrDeadlineExceeded):
		return kindTimeout
	case errors.Is(err, wire.ErrProtocol):
		return kindProtocol
	case errors.Is(err, staticfile.ErrNoIndex):
		return kindResolution
	case errors.As(err, &opErr), errors.Is(err, net.ErrClosed):
		return kindTransport
	default:
		return kindHandler
	}
}

// failConn writes a best-effort 500 and reports err. The write result is
// ignored; the socket may already be broken.
func (s *Server) failConn(conn net.Conn, remote string, err error) {
	_ = wire.WriteInternalError(conn)

	fields := logger.LogFields{
		"remote_addr": remote,
		"kind":        errorKind(err),
		"error":       err,
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		fields["stack"] = string(pe.Stack)
	}
	s.log.Error("Failed to handle connection", fields)
}
