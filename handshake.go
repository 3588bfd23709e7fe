package tirion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// transportSHM is the only metric transport the client requests.
	transportSHM = "shm"
	shmScheme    = transportSHM + "://"
)

// helloMessage announces the protocol version and the requested transport.
func helloMessage() string {
	return "tirion v" + Version + "\t" + transportSHM
}

// handshakeReply is the agent's answer: "<metricCount>\tshm://<path>".
type handshakeReply struct {
	count int
	path  string
}

func parseReply(line string) (handshakeReply, error) {
	// fields after the url are ignored
	fields := strings.Split(line, "\t")
	if len(fields) < 2 || fields[1] == "" {
		return handshakeReply{}, newError(InvalidMetricURL, "handshake", fmt.Errorf("reply %q has no metric url", line))
	}

	countField, url := fields[0], fields[1]
	if !strings.HasPrefix(url, shmScheme) {
		return handshakeReply{}, newError(InvalidMetricURL, "handshake", fmt.Errorf("unsupported metric url %q", url))
	}

	count, err := strconv.ParseInt(countField, 10, 32)
	if err != nil {
		return handshakeReply{}, newError(InvalidMetricCount, "handshake", err)
	}
	if count <= 0 {
		return handshakeReply{}, newError(InvalidMetricCount, "handshake", fmt.Errorf("metric count %d is not positive", count))
	}

	path := strings.TrimPrefix(url, shmScheme)
	if path == "" {
		return handshakeReply{}, newError(InvalidRegionPath, "handshake", errors.New("empty shm path"))
	}
	if _, err := os.Stat(path); err != nil {
		return handshakeReply{}, newError(InvalidRegionPath, "handshake", err)
	}

	return handshakeReply{count: int(count), path: path}, nil
}

// afterFunc is context.AfterFunc; tests replace it to control when the cancel
// callback runs.
var afterFunc = context.AfterFunc

// handshake negotiates the protocol over ch and attaches region. On failure
// the region stays detached.
func handshake(ctx context.Context, ch *controlChannel, region *Region, timeout time.Duration, logger *zap.Logger) (int, error) {
	deadline, ok := ctx.Deadline()
	if timeout > 0 {
		if d := time.Now().Add(timeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	if ok {
		if err := ch.setDeadline(deadline); err != nil {
			return 0, newError(ChannelConnectFailed, "handshake", err)
		}
	}

	cancelled := make(chan struct{})
	stop := afterFunc(ctx, func() {
		_ = ch.setDeadline(time.Now())
		close(cancelled)
	})
	defer func() {
		fired := !stop()
		if fired {
			// wait so the callback's deadline cannot land after the reset
			<-cancelled
		}
		if ok || fired {
			_ = ch.setDeadline(time.Time{})
		}
	}()

	logger.Info("Request tirion protocol", zap.String("version", Version))
	if err := ch.send(helloMessage()); err != nil {
		return 0, err
	}

	line, err := ch.receive()
	if errors.Is(err, errChannelClosed) {
		return 0, newError(ChannelReceiveFailed, "handshake", err)
	} else if err != nil {
		return 0, err
	}

	reply, err := parseReply(line)
	if err != nil {
		logger.Error("Did not receive a valid handshake reply", zap.String("reply", line), zap.Error(err))
		return 0, err
	}

	logger.Info("Received metric count and shm path",
		zap.Int("count", reply.count), zap.String("path", reply.path))

	if err := region.attach(reply.path, reply.count); err != nil {
		logger.Error("Cannot attach shared memory", zap.Error(err))
		return 0, err
	}

	return reply.count, nil
}
