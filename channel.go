package tirion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

// errChannelClosed is returned by receive when the agent closed its end.
var errChannelClosed = errors.New("channel closed by peer")

// maxLineSize bounds a received line including its terminator.
const maxLineSize = 4096

// controlChannel is the duplex connection to the agent. The receive half
// belongs to a single reader; send may be called from any goroutine.
type controlChannel struct {
	conn   *net.UnixConn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// dialChannel connects to the agent socket. A failure to create the socket is
// reported as ChannelCreateFailed, anything after as ChannelConnectFailed.
func dialChannel(ctx context.Context, socket string) (*controlChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		var serr *os.SyscallError
		if errors.As(err, &serr) && serr.Syscall == "socket" {
			return nil, newError(ChannelCreateFailed, "dial", err)
		}
		return nil, newError(ChannelConnectFailed, "dial", err)
	}

	return newControlChannel(conn.(*net.UnixConn)), nil
}

func newControlChannel(conn *net.UnixConn) *controlChannel {
	return &controlChannel{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineSize),
	}
}

// send writes msg followed by the line terminator.
func (c *controlChannel) send(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write([]byte(msg + "\n")); err != nil {
		return newError(ChannelSendFailed, "send", err)
	}
	return nil
}

// receive returns the next line without its terminator. It returns
// errChannelClosed once the peer closed the connection or after shutdown.
// Lines longer than maxLineSize fail with ChannelReceiveFailed.
func (c *controlChannel) receive() (string, error) {
	buf, err := c.reader.ReadSlice('\n')
	line := string(buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if line == "" {
			return "", errChannelClosed
		}
		// peer closed mid-line, deliver what arrived
	case errors.Is(err, bufio.ErrBufferFull):
		return "", newError(ChannelReceiveFailed, "receive", fmt.Errorf("line exceeds %d bytes", maxLineSize))
	default:
		return "", newError(ChannelReceiveFailed, "receive", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// setDeadline bounds both directions; zero clears the deadline.
func (c *controlChannel) setDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// shutdown shuts down both directions so a blocked receive returns.
func (c *controlChannel) shutdown() error {
	rerr := c.conn.CloseRead()
	werr := c.conn.CloseWrite()

	for _, err := range []error{rerr, werr} {
		if err != nil && !errors.Is(err, syscall.ENOTCONN) {
			return newError(ChannelShutdownFailed, "shutdown", err)
		}
	}
	return nil
}

func (c *controlChannel) close() error {
	if err := c.conn.Close(); err != nil {
		return newError(ChannelShutdownFailed, "close", fmt.Errorf("release socket: %w", err))
	}
	return nil
}
