// Package testutil runs the development server in-process and talks to it
// over raw TCP for end-to-end tests.
package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"example.com/devserver/internal/cli"
	"example.com/devserver/internal/config"
	"example.com/devserver/internal/logger"
	"example.com/devserver/internal/server"
)

// DefaultTimeout bounds every network operation made by the helpers.
const DefaultTimeout = 5 * time.Second

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // Should include query string if any, e.g., "/path?query=value"
	Headers []string
	Body    []byte
}

// HeaderMatcher maps header names to their exact expected values.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// ExpectedResponse models the expected outcome of a request.
type ExpectedResponse struct {
	StatusCode   int
	Reason       string        // Optional exact reason phrase, e.g. "NOT FOUND"
	Headers      HeaderMatcher // Optional
	NoHeaders    bool          // If true, the response must carry no header lines
	BodyMatcher  BodyMatcher   // Optional
	ExpectNoBody bool          // If true, BodyMatcher is ignored and body must be empty
}

// ActualResponse is a parsed response.
type ActualResponse struct {
	StatusCode int
	Reason     string
	Headers    textproto.MIMEHeader
	Body       []byte
	Raw        []byte
}

// Check compares actual with expected and returns every mismatch.
func Check(actual *ActualResponse, expected ExpectedResponse) []string {
	var problems []string
	if actual.StatusCode != expected.StatusCode {
		problems = append(problems, fmt.Sprintf("status: expected %d, got %d", expected.StatusCode, actual.StatusCode))
	}
	if expected.Reason != "" && actual.Reason != expected.Reason {
		problems = append(problems, fmt.Sprintf("reason: expected %q, got %q", expected.Reason, actual.Reason))
	}
	if expected.NoHeaders && len(actual.Headers) > 0 {
		problems = append(problems, fmt.Sprintf("expected no headers, got %v", actual.Headers))
	}
	for name, want := range expected.Headers {
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, want, got))
		}
	}
	switch {
	case expected.ExpectNoBody:
		if len(actual.Body) > 0 {
			problems = append(problems, fmt.Sprintf("expected empty body, got %q", actual.Body))
		}
	case expected.BodyMatcher != nil:
		if ok, msg := expected.BodyMatcher.Match(actual.Body); !ok {
			problems = append(problems, msg)
		}
	}
	return problems
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData as JSON, TOML or YAML into dir and
// returns the file path.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var (
		data []byte
		err  error
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	case "yaml", "yml":
		data, err = yaml.Marshal(configData)
		ext = ".yaml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	f, err := os.CreateTemp(dir, "devserver-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp config file: %w", err)
	}
	return f.Name(), nil
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance encapsulates details of a running test server.
type ServerInstance struct {
	Server  *server.Server
	Config  *config.Config
	Address string      // e.g. "127.0.0.1:41235"
	Logs    *SyncBuffer // operator and access log, JSON lines

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

// StartServer runs a server for cfg in the background and waits until it is
// accepting connections. cfg is defaulted and validated first; set
// cfg.Server.Port to 0 for an ephemeral port.
func StartServer(cfg *config.Config, opts ...server.Option) (*ServerInstance, error) {
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs := &SyncBuffer{}
	srv, err := server.NewServer(cfg, logger.NewTestLogger(logs), cli.NewRegistry(), opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &ServerInstance{Server: srv, Config: cfg, Logs: logs, cancel: cancel, done: make(chan error, 1)}
	go func() { inst.done <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
		inst.Address = srv.Addr().String()
		return inst, nil
	case err := <-inst.done:
		cancel()
		return nil, fmt.Errorf("server exited before accepting connections: %w", err)
	case <-time.After(DefaultTimeout):
		cancel()
		return nil, errors.New("timed out waiting for server to start")
	}
}

// StartServerFromFile loads the configuration file at path and starts a
// server for it.
func StartServerFromFile(path string, opts ...server.Option) (*ServerInstance, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return StartServer(cfg, opts...)
}

// Stop cancels the server and waits for Start to return.
func (s *ServerInstance) Stop() error {
	s.once.Do(func() {
		s.cancel()
		select {
		case s.err = <-s.done:
		case <-time.After(DefaultTimeout):
			s.err = errors.New("timed out waiting for server to stop")
		}
	})
	return s.err
}

// SendRaw writes raw to a new connection, half-closes it and returns
// everything the server sends back before closing.
func SendRaw(addr string, raw []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return nil, err
	}

	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write: %w", err)
		}
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	return out, nil
}

// Do sends req as an HTTP/1.1 request and parses the response.
func Do(addr string, req TestRequest) (*ActualResponse, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\nHost: %s\r\n", method, req.Path, addr)
	for _, h := range req.Headers {
		b.WriteString(h + "\r\n")
	}
	if len(req.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("\r\n")
	b.Write(req.Body)

	raw, err := SendRaw(addr, b.Bytes())
	if err != nil {
		return nil, err
	}
	return ParseResponse(raw)
}

// Get is Do for a bare GET of path.
func Get(addr, path string) (*ActualResponse, error) {
	return Do(addr, TestRequest{Path: path})
}

// ParseResponse splits a raw response into status, headers and body. When
// Content-Length is present it must match the body length.
func ParseResponse(raw []byte) (*ActualResponse, error) {
	end := bytes.Index(raw, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, fmt.Errorf("response has no header terminator: %q", raw)
	}
	head, body := raw[:end+4], raw[end+4:]

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	proto, rest, ok := strings.Cut(statusLine, " ")
	if !ok || proto != "HTTP/1.1" {
		return nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, fmt.Errorf("malformed status code in %q: %w", statusLine, err)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read headers: %w", err)
	}

	resp := &ActualResponse{StatusCode: code, Reason: reason, Headers: headers, Body: body, Raw: raw}
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return resp, fmt.Errorf("malformed Content-Length %q: %w", cl, err)
		}
		if n != len(body) {
			return resp, fmt.Errorf("Content-Length %d does not match body length %d", n, len(body))
		}
	}
	return resp, nil
}

// CurlHTTPClient fetches URLs with the curl command-line tool, as an
// independent check that real clients accept the responses.
type CurlHTTPClient struct {
	CurlPath string
}

// NewCurlHTTPClient returns a client for the curl at curlPath ("curl" when
// empty), or an error when it cannot be found.
func NewCurlHTTPClient(curlPath string) (*CurlHTTPClient, error) {
	if curlPath == "" {
		curlPath = "curl"
	}
	p, err := exec.LookPath(curlPath)
	if err != nil {
		return nil, err
	}
	return &CurlHTTPClient{CurlPath: p}, nil
}

// Get returns the status code and body curl saw for http://addr/path.
func (c *CurlHTTPClient) Get(addr, path string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	bodyFile, err := os.CreateTemp("", "curl_resp_body_*.bin")
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create temp file for response body: %w", err)
	}
	bodyPath := bodyFile.Name()
	bodyFile.Close()
	defer os.Remove(bodyPath)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.CurlPath,
		"--http1.1", "--silent", "--show-error",
		"-o", bodyPath,
		"-w", "%{http_code}",
		"http://"+addr+path,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, nil, fmt.Errorf("curl command execution failed: %w. Stderr: '%s'", err, strings.TrimSpace(stderr.String()))
	}

	code, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to parse http_code %q from curl stdout: %w", stdout.String(), err)
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return code, nil, fmt.Errorf("failed to read response body temp file: %w", err)
	}
	return code, body, nil
}
