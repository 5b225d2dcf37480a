package server

import (
	"bufio"
	"net"
	"runtime/debug"
	"time"

	"example.com/devserver/internal/logger"
	"example.com/devserver/internal/wire"
)

// statusPrefixLen is enough of a response to read its status code.
const statusPrefixLen = len("HTTP/1.1 200")

// bufferedConn hands the handler a connection whose Read first drains bytes
// already buffered while the header was framed.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// recordingConn counts response bytes and keeps the start of the response
// for the access log.
type recordingConn struct {
	net.Conn
	prefix  []byte
	written int64
}

func (c *recordingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if room := statusPrefixLen - len(c.prefix); room > 0 && n > 0 {
		c.prefix = append(c.prefix, p[:min(room, n)]...)
	}
	c.written += int64(n)
	return n, err
}

func (c *recordingConn) status() int {
	return wire.StatusFromResponse(c.prefix)
}

// serveConn handles exactly one request on conn and closes it.
func (s *Server) serveConn(conn net.Conn) {
	start := time.Now()
	remote := conn.RemoteAddr().String()
	br := bufio.NewReaderSize(conn, wire.ChunkSize)
	rec := &recordingConn{Conn: &bufferedConn{Conn: conn, r: br}}
	entry := logger.AccessEntry{RemoteAddr: remote}

	defer func() {
		conn.Close()
		entry.Status = rec.status()
		entry.Bytes = rec.written
		entry.Duration = time.Since(start)
		s.log.Access(entry)
	}()

	if s.headerTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.headerTimeout))
	}
	header, err := wire.ReadHeader(br, s.headerLimit)
	if err != nil {
		s.failConn(rec, remote, err)
		return
	}
	if s.headerTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
	}
	if rl, err := wire.ParseRequestLine(header); err == nil {
		entry.Method, entry.Path = rl.Method, rl.Path
	}

	if err := s.invoke(rec, header); err != nil {
		s.failConn(rec, remote, err)
	}
}

// invoke runs the handler, turning a panic into a *PanicError.
func (s *Server) invoke(conn net.Conn, header string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.handler.Handle(conn, header, s.root, s.fallback)
}
