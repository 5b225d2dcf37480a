package wire

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

const (
	statusNotFound      = "HTTP/1.1 404 NOT FOUND\r\n\r\n"
	statusInternalError = "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n\r\n"
)

// WriteFile writes a 200 response whose body is the file at path. The
// Content-Length is the size reported by stat when the file is opened; if
// the file changes size while it is being copied the response is wrong,
// which is acceptable for a development server.
// A missing file returns an error matching os.ErrNotExist before anything
// is written.
func WriteFile(w io.Writer, path, contentType string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory: %w", path, os.ErrNotExist)
	}

	head := "HTTP/1.1 200 OK\r\n" +
		"Content-Length: " + strconv.FormatInt(info.Size(), 10) + "\r\n" +
		"Content-Type: " + contentType + "\r\n\r\n"
	hn, err := io.WriteString(w, head)
	if err != nil {
		return int64(hn), fmt.Errorf("cannot write response: %w", err)
	}

	bn, err := io.Copy(w, f)
	if err != nil {
		return int64(hn) + bn, fmt.Errorf("cannot write response body: %w", err)
	}
	return int64(hn) + bn, nil
}

// WriteNotFound writes a 404 response with no body.
func WriteNotFound(w io.Writer) error {
	if _, err := io.WriteString(w, statusNotFound); err != nil {
		return fmt.Errorf("cannot write response: %w", err)
	}
	return nil
}

// WriteInternalError writes a 500 response with no body.
func WriteInternalError(w io.Writer) error {
	_, err := io.WriteString(w, statusInternalError)
	return err
}

// StatusFromResponse extracts the status code from the first bytes of a
// response ("HTTP/1.1 200 ..."). It returns 0 when prefix is too short or
// not a status line.
func StatusFromResponse(prefix []byte) int {
	const codeStart = len("HTTP/1.1 ")
	if len(prefix) < codeStart+3 || string(prefix[:5]) != "HTTP/" {
		return 0
	}
	code, err := strconv.Atoi(string(prefix[codeStart : codeStart+3]))
	if err != nil {
		return 0
	}
	return code
}
