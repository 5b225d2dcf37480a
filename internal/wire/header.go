// Package wire implements the small slice of HTTP/1.1 the development server
// speaks: framing a request header block off a stream, reading its request
// line, and writing status lines with an optional file body.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ChunkSize is the buffer size used for each peek round; wrap connections in
// bufio.NewReaderSize(conn, ChunkSize).
const ChunkSize = 4096

var headerTerminator = []byte("\r\n\r\n")

// ErrProtocol is wrapped by every error caused by what the client sent.
var ErrProtocol = errors.New("protocol error")

var (
	ErrUnexpectedEOF        = fmt.Errorf("%w: unexpected EOF before end of header", ErrProtocol)
	ErrHeaderNotUTF8        = fmt.Errorf("%w: header is not valid UTF-8", ErrProtocol)
	ErrHeaderTooLarge       = fmt.Errorf("%w: header exceeds size limit", ErrProtocol)
	ErrMalformedRequestLine = fmt.Errorf("%w: could not find path in request", ErrProtocol)
)

// Peeker is a buffered stream that can expose bytes before consuming them.
// *bufio.Reader implements it.
type Peeker interface {
	Peek(n int) ([]byte, error)
	Discard(n int) (int, error)
	Buffered() int
}

// ReadHeader consumes a request header block from r, up to and including the
// first "\r\n\r\n", and returns it as text. Bytes after the terminator stay
// unread in r. maxBytes > 0 caps the header length; maxBytes <= 0 reads until
// the terminator or EOF, however long that is.
func ReadHeader(r Peeker, maxBytes int) (string, error) {
	header := make([]byte, 0, 1024)

	for {
		// Block for at least one byte, then look at whatever arrived with it.
		if _, err := r.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrUnexpectedEOF
			}
			return "", fmt.Errorf("read header: %w", err)
		}
		window, err := r.Peek(r.Buffered())
		if err != nil {
			return "", fmt.Errorf("read header: %w", err)
		}

		// The terminator may straddle the previous round, so search the
		// consumed tail together with the new window.
		tail := header[max(0, len(header)-len(headerTerminator)+1):]
		search := make([]byte, 0, len(tail)+len(window))
		search = append(search, tail...)
		search = append(search, window...)

		n := len(window)
		found := false
		if i := bytes.Index(search, headerTerminator); i >= 0 {
			n = i + len(headerTerminator) - len(tail)
			found = true
		}

		if maxBytes > 0 && len(header)+n > maxBytes {
			return "", ErrHeaderTooLarge
		}

		header = append(header, window[:n]...)
		if _, err := r.Discard(n); err != nil {
			return "", fmt.Errorf("read header: %w", err)
		}
		if found {
			break
		}
	}

	if !utf8.Valid(header) {
		return "", ErrHeaderNotUTF8
	}
	return string(header), nil
}
