package wire

import (
	"strings"
)

// RequestLine is the first line of a request header block.
type RequestLine struct {
	Method string
	Path   string // without the query string
	Query  string // text after the first '?', if any
	Proto  string
}

// ParseRequestLine reads the request line out of a raw header block.
// Only the path token is required; method and protocol may be empty.
func ParseRequestLine(header string) (RequestLine, error) {
	line, _, _ := strings.Cut(header, "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return RequestLine{}, ErrMalformedRequestLine
	}

	rl := RequestLine{Method: fields[0]}
	rl.Path, rl.Query, _ = strings.Cut(fields[1], "?")
	if len(fields) > 2 {
		rl.Proto = fields[2]
	}
	return rl, nil
}

// StripQuery returns the part of a request target before the first '?'.
func StripQuery(target string) string {
	path, _, _ := strings.Cut(target, "?")
	return path
}
