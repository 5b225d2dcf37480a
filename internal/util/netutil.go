package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ListenAddress is the IP and port the server binds to.
type ListenAddress struct {
	IP   net.IP
	Port int
}

// ParseListenAddress validates ip and port and returns the combined address.
// Port 0 asks the kernel for a free port.
func ParseListenAddress(ip string, port int) (ListenAddress, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ListenAddress{}, fmt.Errorf("invalid IP address %q", ip)
	}
	if port < 0 || port > 65535 {
		return ListenAddress{}, fmt.Errorf("invalid port %d: must be between 0 and 65535", port)
	}
	return ListenAddress{IP: parsed, Port: port}, nil
}

// String returns host:port, bracketing IPv6 hosts.
func (a ListenAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// URL returns the http:// URL for the address.
func (a ListenAddress) URL() string {
	return "http://" + a.String()
}

// BindError is returned when the listening socket cannot be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// CreateListener binds a TCP listener on addr. Failures are returned as
// *BindError.
func CreateListener(addr ListenAddress) (net.Listener, error) {
	network := "tcp4"
	if addr.IP.To4() == nil {
		network = "tcp6"
	}
	ln, err := net.Listen(network, addr.String())
	if err != nil {
		return nil, &BindError{Addr: addr.String(), Err: err}
	}
	return ln, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	// Some platforms only surface the condition in the message.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// IsTransientAcceptError reports whether an Accept failure affects only the
// connection being accepted, so the accept loop should keep going.
func IsTransientAcceptError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.EINTR):
		return true
	}
	// Temporary is deprecated but still the only signal some listeners give.
	type temporary interface{ Temporary() bool }
	var te temporary
	return errors.As(err, &te) && te.Temporary()
}
