package tirion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MaxTagLength is the maximum length in bytes of a tag message.
const MaxTagLength = 512

// tagMarker is the message type of tags sent to the agent.
const tagMarker = 't'

// setsid detaches the process from the caller's session.
var setsid = unix.Setsid

const (
	stateCreated int32 = iota
	stateInitializing
	stateRunning
	stateClosing
	stateClosed
	stateDestroyed
)

var stateNames = [...]string{"created", "initializing", "running", "closing", "closed", "destroyed"}

// Client is one instrumentation session with an agent.
//
// Metric operations go straight to shared memory and never block. They are
// no-ops returning 0 while the client is not initialized or after Close.
// Metric operations must not run concurrently with Close.
type Client struct {
	config Config
	id     string
	logger *zap.Logger

	state    atomic.Int32
	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	region   *Region
	channel  atomic.Pointer[controlChannel]
	listener *commandListener
	exporter atomic.Pointer[exporter]

	handlersMu  sync.Mutex // held across the state check in Handle and Init
	handlers    map[byte]CommandHandler
	metricCount int
}

// New creates a client for the agent at config.Socket. Nothing is connected
// until Init.
func New(config Config) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger, err := config.newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	id := uuid.NewString()
	logger = logger.Named("client").With(
		zap.String("session", id),
		zap.String("socket", config.Socket))

	return &Client{
		config:   config,
		id:       id,
		logger:   logger,
		done:     make(chan struct{}),
		region:   newRegion(logger, config.Debug),
		handlers: make(map[byte]CommandHandler),
	}, nil
}

// ID returns the session id used in log output.
func (c *Client) ID() string {
	return c.id
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// Region returns the metric slots of the client.
func (c *Client) Region() *Region {
	return c.region
}

// MetricCount returns the number of slots announced by the agent.
func (c *Client) MetricCount() int {
	return c.metricCount
}

// Running reports whether the session is up. It turns false once, either on
// Close or when the agent goes away.
func (c *Client) Running() bool {
	return c.running.Load()
}

// Done is closed when the session stops running.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Handle registers a handler for agent messages of type typ. Handlers must be
// registered before Init.
func (c *Client) Handle(typ byte, handler CommandHandler) error {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if c.state.Load() != stateCreated {
		return errors.New("handlers must be registered before init")
	}
	if handler == nil {
		delete(c.handlers, typ)
		return nil
	}
	c.handlers[typ] = handler
	return nil
}

// Init connects to the agent, runs the handshake, attaches the metric region
// and starts the command listener. On failure everything acquired so far is
// released and the client cannot be used.
func (c *Client) Init(ctx context.Context) error {
	c.handlersMu.Lock()
	started := c.state.CompareAndSwap(stateCreated, stateInitializing)
	c.handlersMu.Unlock()
	if !started {
		return newError(ListenerSpawnFailed, "init", fmt.Errorf("client is %s", c.stateName()))
	}

	if err := c.init(ctx); err != nil {
		if terr := c.teardown(); terr != nil {
			c.logger.Warn("Cleanup after failed init", zap.Error(terr))
		}
		c.state.Store(stateClosed)
		return err
	}

	c.state.Store(stateRunning)
	return nil
}

func (c *Client) init(ctx context.Context) error {
	if c.config.NewProcessSession {
		if _, err := setsid(); err != nil {
			c.logger.Error("Cannot set new session and group id of process", zap.Error(err))
			return newError(SetSessionFailed, "init", err)
		}
	}

	c.logger.Info("Open unix socket")
	ch, err := dialChannel(ctx, c.config.Socket)
	if err != nil {
		c.logger.Error("Cannot open unix socket", zap.Error(err))
		return err
	}
	c.channel.Store(ch)

	count, err := handshake(ctx, ch, c.region, c.config.HandshakeTimeout, c.logger)
	if err != nil {
		return err
	}
	c.metricCount = count

	c.running.Store(true)

	c.listener = newCommandListener(ch, c.handlers, c.running.Load, c.stop, c.logger)
	c.listener.start()

	if c.config.RemoteWriteURL != "" {
		c.startExporter()
	}

	return nil
}

func (c *Client) startExporter() {
	collectors := []Collector{NewRegionCollector(c.region, c.config.MetricNames, c.logger)}
	if c.config.SystemMetrics {
		collectors = append(collectors, NewSystemMetricsCollector(c.logger))
	}

	e, err := newExporter(c.config, c.logger, c.id)
	if err != nil {
		c.logger.Warn("Cannot create metrics exporter", zap.Error(err))
		return
	}
	for _, col := range collectors {
		e.RegisterCollector(col)
	}
	if err := e.Start(); err != nil {
		c.logger.Warn("Cannot start metrics exporter", zap.Error(err))
		return
	}
	c.exporter.Store(e)
}

// stop flips the running flag and signals Done. Safe to call repeatedly and
// from the listener.
func (c *Client) stop() {
	if c.running.CompareAndSwap(true, false) {
		c.logger.Info("Client stopped running")
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Close ends the session: it stops the running flag, detaches the region,
// shuts the channel down, waits for the listener and releases the socket.
// Every step runs even when an earlier one failed; all failures are returned
// together. Closing a closed client does nothing.
func (c *Client) Close() error {
	switch {
	case c.state.CompareAndSwap(stateRunning, stateClosing):
	case c.state.CompareAndSwap(stateCreated, stateClosed):
		c.stop()
		return nil
	case c.state.Load() == stateInitializing:
		return newError(ListenerJoinFailed, "close", errors.New("init still in progress"))
	default:
		return nil
	}

	err := c.teardown()
	c.state.Store(stateClosed)

	return err
}

func (c *Client) teardown() error {
	var errs error

	c.stop()

	if e := c.exporter.Swap(nil); e != nil {
		e.Stop()
	}

	if err := c.region.Detach(); err != nil {
		c.logger.Error("Cannot detach shared memory", zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	if ch := c.channel.Load(); ch != nil {
		if err := ch.shutdown(); err != nil {
			c.logger.Error("Cannot shutdown unix socket", zap.Error(err))
			errs = multierr.Append(errs, err)
		}

		if c.listener != nil {
			if err := c.listener.join(c.config.JoinTimeout); err != nil {
				c.logger.Error("Cannot join command listener", zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}

		if err := ch.close(); err != nil {
			c.logger.Error("Cannot close unix socket", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// Destroy releases what is left of the client. It must be called once, after
// Close returned.
func (c *Client) Destroy() error {
	if !c.state.CompareAndSwap(stateClosed, stateDestroyed) {
		return fmt.Errorf("cannot destroy client that is %s", c.stateName())
	}

	c.channel.Store(nil)
	c.listener = nil
	c.handlers = nil
	c.config.Socket = ""
	_ = c.logger.Sync()

	return nil
}

func (c *Client) stateName() string {
	s := c.state.Load()
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// Get returns the value of metric i.
func (c *Client) Get(i int) float32 {
	return c.region.Get(i)
}

// Set sets metric i to v.
func (c *Client) Set(i int, v float32) float32 {
	return c.region.Set(i, v)
}

// Add adds a value to metric i.
func (c *Client) Add(i int, v float32) float32 {
	return c.region.Add(i, v)
}

// Sub subtracts a value from metric i.
func (c *Client) Sub(i int, v float32) float32 {
	return c.region.Sub(i, v)
}

// Inc increments metric i by 1.0
func (c *Client) Inc(i int) float32 {
	return c.region.Inc(i)
}

// Dec decrements metric i by 1.0
func (c *Client) Dec(i int) float32 {
	return c.region.Dec(i)
}

// Tag sends a free-form annotation to the agent.
func (c *Client) Tag(format string, a ...interface{}) error {
	ch := c.channel.Load()
	if ch == nil || !c.Running() {
		return newError(ChannelSendFailed, "tag", errors.New("client is not running"))
	}

	return ch.send(string(tagMarker) + PrepareTag(fmt.Sprintf(format, a...)))
}

// PrepareTag makes tag safe for the line based protocol: it is cut to
// MaxTagLength bytes and line breaks become spaces.
func PrepareTag(tag string) string {
	if len(tag) > MaxTagLength {
		cut := MaxTagLength
		for cut > 0 && !utf8.RuneStart(tag[cut]) {
			cut--
		}
		tag = tag[:cut]
	}

	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(tag)
}
