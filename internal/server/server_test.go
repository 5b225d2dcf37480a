package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/devserver/internal/config"
	"example.com/devserver/internal/logger"
	"example.com/devserver/internal/wire"
)

const testTimeout = 5 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = intPtr(0)
	cfg.Server.GracefulShutdownTimeout = strPtr("1s")
	cfg.Serve.Root = t.TempDir()
	return cfg
}

// echoHeader writes a 200 whose body is the header it received.
var echoHeader = HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
	_, err := fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(header), header)
	return err
})

// startServing runs s.Serve on a loopback listener and returns its address.
// The server is stopped when the test ends.
func startServing(t *testing.T, s *Server, ln net.Listener) string {
	t.Helper()
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(testTimeout):
			t.Error("server did not stop")
		}
	})

	select {
	case <-s.Ready():
	case <-time.After(testTimeout):
		t.Fatal("server not ready")
	}
	return ln.Addr().String()
}

func newTestServer(t *testing.T, cfg *config.Config, h Handler, logs io.Writer) *Server {
	t.Helper()
	s, err := NewServer(cfg, logger.NewTestLogger(logs), nil, WithHandler(h))
	require.NoError(t, err)
	return s
}

// roundTrip sends raw, half-closes the connection and returns the response.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(out)
}

func TestNewServer_Validation(t *testing.T) {
	lg := logger.NewTestLogger(nil)

	_, err := NewServer(nil, lg, NewHandlerRegistry())
	assert.Error(t, err)

	_, err = NewServer(testConfig(t), nil, NewHandlerRegistry())
	assert.Error(t, err)

	_, err = NewServer(&config.Config{}, lg, NewHandlerRegistry())
	assert.Error(t, err, "sections must be present")

	_, err = NewServer(testConfig(t), lg, nil)
	assert.ErrorContains(t, err, "registry")

	_, err = NewServer(testConfig(t), lg, NewHandlerRegistry())
	assert.ErrorContains(t, err, "no handler factory registered for type 'static'")

	cfg := testConfig(t)
	cfg.Server.IP = strPtr("not-an-ip")
	_, err = NewServer(cfg, lg, nil, WithHandler(echoHeader))
	assert.Error(t, err)
}

func TestNewServer_UsesRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Serve.Handler = "echo"
	reg := NewHandlerRegistry()
	var gotCfg *config.ServeConfig
	require.NoError(t, reg.Register("echo", func(c *config.ServeConfig, lg *logger.Logger) (Handler, error) {
		gotCfg = c
		return echoHeader, nil
	}))

	s, err := NewServer(cfg, logger.NewTestLogger(nil), reg)
	require.NoError(t, err)
	assert.Same(t, cfg.Serve, gotCfg)

	addr := startServing(t, s, nil)
	out := roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasSuffix(out, "GET / HTTP/1.1\r\n\r\n"), out)
}

func TestServe_HandlerReceivesExactHeader(t *testing.T) {
	cfg := testConfig(t)
	cfg.Serve.NotFound = "index.html"

	type call struct{ header, root, fallback string }
	calls := make(chan call, 1)
	h := HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
		calls <- call{header, root, fallback}
		return wire.WriteNotFound(conn)
	})
	addr := startServing(t, newTestServer(t, cfg, h, nil), nil)

	out := roundTrip(t, addr, "GET /a?b=c HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 404 NOT FOUND\r\n\r\n", out)

	got := <-calls
	assert.Equal(t, "GET /a?b=c HTTP/1.1\r\nHost: localhost\r\n\r\n", got.header)
	assert.Equal(t, cfg.Serve.Root, got.root)
	assert.Equal(t, "index.html", got.fallback)
}

func TestServe_BodyRemainsReadable(t *testing.T) {
	h := HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
		body, err := io.ReadAll(conn)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
		return err
	})
	addr := startServing(t, newTestServer(t, testConfig(t), h, nil), nil)

	out := roundTrip(t, addr, "POST /upload HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nhello world", out)
}

func TestServe_HandlerErrorWrites500(t *testing.T) {
	logs := &syncBuffer{}
	h := HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
		return errors.New("disk on fire")
	})
	addr := startServing(t, newTestServer(t, testConfig(t), h, logs), nil)

	out := roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n\r\n", out)
	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "disk on fire")
	}, testTimeout, 10*time.Millisecond)
	assert.Contains(t, logs.String(), `"kind":"handler"`)
	assert.Contains(t, logs.String(), `"level":"error"`)
}

func TestServe_PanicIsContained(t *testing.T) {
	logs := &syncBuffer{}
	var n atomic.Int32
	h := HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
		if n.Add(1) == 1 {
			panic("boom")
		}
		return echoHeader(conn, header, root, fallback)
	})
	addr := startServing(t, newTestServer(t, testConfig(t), h, logs), nil)

	assert.Equal(t, "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n\r\n", roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n"))
	assert.Contains(t, roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n"), "HTTP/1.1 200 OK")
	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"kind":"panic"`)
	}, testTimeout, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "handler panic: boom")
}

func TestServe_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		raw   string
	}{
		{"no terminator", 0, "GET / HTTP/1.1\r\nHost: x\r\n"},
		{"empty connection", 0, ""},
		{"header too large", 64, "GET /" + strings.Repeat("a", 200) + " HTTP/1.1\r\n\r\n"},
		{"invalid utf8", 0, "GET /\xff\xfe HTTP/1.1\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &syncBuffer{}
			cfg := testConfig(t)
			if tt.limit != 0 {
				cfg.Serve.MaxHeaderBytes = intPtr(tt.limit)
			}
			var called atomic.Bool
			h := HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
				called.Store(true)
				return nil
			})
			addr := startServing(t, newTestServer(t, cfg, h, logs), nil)

			out := roundTrip(t, addr, tt.raw)
			assert.Equal(t, "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n\r\n", out)
			assert.False(t, called.Load())
			assert.Eventually(t, func() bool {
				return strings.Contains(logs.String(), `"kind":"protocol"`)
			}, testTimeout, 10*time.Millisecond)
		})
	}
}

func TestServe_HeaderTimeout(t *testing.T) {
	logs := &syncBuffer{}
	cfg := testConfig(t)
	cfg.Serve.HeaderTimeout = strPtr("100ms")
	addr := startServing(t, newTestServer(t, cfg, echoHeader, logs), nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n\r\n", string(out))
	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"kind":"timeout"`)
	}, testTimeout, 10*time.Millisecond)
}

func TestServe_ConcurrentConnectionsAreIsolated(t *testing.T) {
	addr := startServing(t, newTestServer(t, testConfig(t), echoHeader, nil), nil)

	// A client that never finishes its header must not hold up others.
	stalled, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer stalled.Close()
	_, err = io.WriteString(stalled, "GET /slow HTTP/1.1\r\n")
	require.NoError(t, err)

	// A malformed connection fails on its own.
	assert.Equal(t, "HTTP/1.1 500 INTERNAL SERVER ERROR\r\n\r\n", roundTrip(t, addr, "GARBAGE"))

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = roundTrip(t, addr, fmt.Sprintf("GET /%d HTTP/1.1\r\n\r\n", i))
		}(i)
	}
	wg.Wait()
	for i, out := range results {
		assert.True(t, strings.HasSuffix(out, fmt.Sprintf("GET /%d HTTP/1.1\r\n\r\n", i)), out)
	}
}

func TestServe_AccessLog(t *testing.T) {
	logs := &syncBuffer{}
	h := HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
		_, err := io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		return err
	})
	addr := startServing(t, newTestServer(t, testConfig(t), h, logs), nil)
	roundTrip(t, addr, "GET /index.html?v=2 HTTP/1.1\r\n\r\n")

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"status":200`)
	}, testTimeout, 10*time.Millisecond)
	out := logs.String()
	assert.Contains(t, out, `"method":"GET"`)
	assert.Contains(t, out, `"path":"/index.html"`)
	assert.Contains(t, out, `"resp_bytes":40`)
}

// flakyListener fails the first n Accept calls with err.
type flakyListener struct {
	net.Listener
	n   atomic.Int32
	err error
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.n.Add(-1) >= 0 {
		return nil, l.err
	}
	return l.Listener.Accept()
}

type tempErr struct{}

func (tempErr) Error() string   { return "accept: too many open files" }
func (tempErr) Timeout() bool   { return true }
func (tempErr) Temporary() bool { return true }

func TestServe_TransientAcceptErrorsAreSkipped(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner, err: tempErr{}}
	ln.n.Store(3)

	logs := &syncBuffer{}
	addr := startServing(t, newTestServer(t, testConfig(t), echoHeader, logs), ln)

	out := roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	assert.Contains(t, out, "HTTP/1.1 200 OK")
	assert.Equal(t, 3, strings.Count(logs.String(), "Accept failed, retrying"))
}

func TestServe_FatalAcceptErrorReturns(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner, err: errors.New("listener broken")}
	ln.n.Store(1)

	s := newTestServer(t, testConfig(t), echoHeader, nil)
	err = s.Serve(context.Background(), ln)
	assert.ErrorContains(t, err, "listener broken")
}

func TestServe_MaxConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxConnections = intPtr(1)

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	h := HandlerFunc(func(conn net.Conn, header string, root, fallback string) error {
		entered <- struct{}{}
		if strings.HasPrefix(header, "GET /hold") {
			<-release
		}
		return echoHeader(conn, header, root, fallback)
	})
	addr := startServing(t, newTestServer(t, cfg, h, nil), nil)

	first := make(chan string, 1)
	go func() { first <- roundTrip(t, addr, "GET /hold HTTP/1.1\r\n\r\n") }()
	<-entered

	second := make(chan string, 1)
	go func() { second <- roundTrip(t, addr, "GET /next HTTP/1.1\r\n\r\n") }()

	select {
	case <-entered:
		t.Fatal("second connection was served while the limit was reached")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	assert.Contains(t, <-first, "GET /hold")
	assert.Contains(t, <-second, "GET /next")
}

func TestStart_BindsAndStops(t *testing.T) {
	logs := &syncBuffer{}
	s := newTestServer(t, testConfig(t), echoHeader, logs)
	assert.Nil(t, s.Addr())
	assert.Equal(t, "http://127.0.0.1:0", s.URL(), "configured address before listening")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("Start returned early: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("server not ready")
	}
	addr := s.Addr().String()
	assert.Equal(t, "http://"+addr, s.URL())
	assert.Contains(t, roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n"), "200 OK")
	assert.Contains(t, logs.String(), "Development server running")
	assert.Contains(t, logs.String(), "http://"+addr)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Start did not return after cancel")
	}
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestStart_BindError(t *testing.T) {
	busy, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.Server.Port = intPtr(busy.Addr().(*net.TCPAddr).Port)
	s := newTestServer(t, cfg, echoHeader, nil)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsBindError(err))
	assert.False(t, IsBindError(errors.New("other")))
}

type recordingRunner struct {
	calls chan []string
}

func (r *recordingRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	r.calls <- append([]string{name}, args...)
	return nil
}

func TestStart_RunsRebuildSupervisor(t *testing.T) {
	src := t.TempDir()
	cfg := testConfig(t)
	cfg.Serve.Root = filepath.Join(src, "dist")
	cfg.Watch.Command = []string{"cargo", "xtask", "dist"}
	cfg.Watch.Dir = src
	cfg.Watch.Debounce = strPtr("20ms")

	runner := &recordingRunner{calls: make(chan []string, 16)}
	s, err := NewServer(cfg, logger.NewTestLogger(nil), nil, WithHandler(echoHeader), WithCommandRunner(runner))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	select {
	case argv := <-runner.calls:
		assert.Equal(t, []string{"cargo", "xtask", "dist"}, argv)
	case <-time.After(testTimeout):
		t.Fatal("build command was not run")
	}
	info, err := os.Stat(cfg.Serve.Root)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "served root is created before watching")

	// Output written into the served root must not trigger a rebuild.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Serve.Root, "index.html"), []byte("built"), 0o644))
	select {
	case argv := <-runner.calls:
		t.Fatalf("unexpected rebuild: %v", argv)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_RelativeRootExcludedFromWatch(t *testing.T) {
	wd := t.TempDir()
	origWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(wd))
	t.Cleanup(func() { _ = os.Chdir(origWD) })
	web := filepath.Join(wd, "web")
	require.NoError(t, os.MkdirAll(web, 0o755))

	cfg := testConfig(t)
	cfg.Serve.Root = "dist"
	cfg.Watch.Command = []string{"make"}
	cfg.Watch.Dir = web
	cfg.Watch.Paths = []string{wd}
	cfg.Watch.Debounce = strPtr("20ms")

	runner := &recordingRunner{calls: make(chan []string, 16)}
	s, err := NewServer(cfg, logger.NewTestLogger(nil), nil, WithHandler(echoHeader), WithCommandRunner(runner))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()
	defer func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(testTimeout):
			t.Error("Start did not return after cancel")
		}
	}()

	select {
	case <-runner.calls:
	case <-time.After(testTimeout):
		t.Fatal("build command was not run")
	}

	require.NoError(t, os.WriteFile(filepath.Join(wd, "dist", "index.html"), []byte("built"), 0o644))
	select {
	case argv := <-runner.calls:
		t.Fatalf("output in served root triggered a rebuild: %v", argv)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(filepath.Join(web, "main.go"), []byte("package main"), 0o644))
	select {
	case <-runner.calls:
	case <-time.After(testTimeout):
		t.Fatal("source change did not trigger a rebuild")
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, minAcceptBackoff, nextBackoff(0))
	assert.Equal(t, 2*minAcceptBackoff, nextBackoff(minAcceptBackoff))
	assert.Equal(t, maxAcceptBackoff, nextBackoff(maxAcceptBackoff))
}
