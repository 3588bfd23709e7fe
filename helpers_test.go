package tirion

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// heapSegment stands in for an agent created shared memory segment.
type heapSegment struct {
	words    []uint32
	detached int
	err      error
}

func (h *heapSegment) Words() []uint32 { return h.words }

func (h *heapSegment) Detach() error {
	h.detached++
	h.words = nil
	return h.err
}

// values decodes the slots as the agent would read them.
func (h *heapSegment) values() []float32 {
	out := make([]float32, len(h.words))
	for i, w := range h.words {
		out[i] = math.Float32frombits(w)
	}
	return out
}

// useHeapSegments makes every attach in the test return a fresh heap segment
// and returns a function to look up the last one.
func useHeapSegments(t *testing.T) func() *heapSegment {
	t.Helper()

	var last *heapSegment
	orig := attachSegment
	attachSegment = func(path string, count int) (segment, error) {
		last = &heapSegment{words: make([]uint32, count)}
		return last, nil
	}
	t.Cleanup(func() { attachSegment = orig })

	return func() *heapSegment { return last }
}

// regionFile returns an existing path to announce as shm location.
func regionFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

// shortTempDir returns a directory short enough for unix socket paths.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tirion")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// unixPair returns both ends of a connected unix stream socket.
func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	conn := func(fd int, name string) *net.UnixConn {
		f := os.NewFile(uintptr(fd), name)
		defer f.Close()
		c, err := net.FileConn(f)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c.(*net.UnixConn)
	}

	return conn(fds[0], "client"), conn(fds[1], "agent")
}

func testConfig(t *testing.T, socket string) Config {
	t.Helper()
	config := DefaultConfig()
	config.Socket = socket
	config.NewProcessSession = false
	config.Debug = true
	config.Logger = zaptest.NewLogger(t)
	return config
}

// fakeAgent accepts one client on a unix socket and answers its hello.
type fakeAgent struct {
	socket string
	reply  string
	conns  chan *agentConn
}

type agentConn struct {
	net.Conn
	r     *bufio.Reader
	hello string
}

func startAgent(t *testing.T, reply string) *fakeAgent {
	t.Helper()

	socket := filepath.Join(shortTempDir(t), "agent.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	a := &fakeAgent{socket: socket, reply: reply, conns: make(chan *agentConn, 1)}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ac := &agentConn{Conn: conn, r: bufio.NewReader(conn)}
		hello, err := ac.r.ReadString('\n')
		if err != nil {
			_ = conn.Close()
			return
		}
		ac.hello = hello
		if _, err := fmt.Fprintf(conn, "%s\n", a.reply); err != nil {
			_ = conn.Close()
			return
		}
		a.conns <- ac
	}()

	return a
}

// shmReply is a valid handshake reply announcing count slots.
func shmReply(t *testing.T, count int) string {
	return fmt.Sprintf("%d\tshm://%s", count, regionFile(t))
}

// accept returns the connection the client made.
func (a *fakeAgent) accept(t *testing.T) *agentConn {
	t.Helper()
	select {
	case c := <-a.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func (c *agentConn) readLine(t *testing.T) (string, error) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	return c.r.ReadString('\n')
}

func (c *agentConn) send(t *testing.T, msg string) {
	t.Helper()
	_, err := fmt.Fprintf(c, "%s\n", msg)
	require.NoError(t, err)
}

// waitDone fails the test unless ch is closed within a few seconds.
func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stop")
	}
}
