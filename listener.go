package tirion

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// CommandKind tells which variant a Command is.
type CommandKind int

const (
	// CommandUnknown is a message type without a registered handler. The
	// protocol defines no other types yet; it is logged and ignored.
	CommandUnknown CommandKind = iota
	// CommandHandled is a message type a CommandHandler was registered for.
	CommandHandled
)

func (k CommandKind) String() string {
	switch k {
	case CommandUnknown:
		return "unknown"
	case CommandHandled:
		return "handled"
	default:
		return "invalid"
	}
}

// Command is a message received from the agent.
type Command struct {
	Kind    CommandKind
	Type    byte
	Payload string
}

// CommandHandler reacts to commands of one type. Handlers run on the listener
// goroutine and must not block for long.
type CommandHandler func(Command)

// decodeCommand selects the variant of msg by its first byte.
func decodeCommand(msg string, handlers map[byte]CommandHandler) Command {
	cmd := Command{Kind: CommandUnknown}
	if msg == "" {
		return cmd
	}

	cmd.Type = msg[0]
	cmd.Payload = msg[1:]
	if _, ok := handlers[cmd.Type]; ok {
		cmd.Kind = CommandHandled
	}
	return cmd
}

// commandListener drains the receive half of the channel until the agent
// goes away or the client stops.
type commandListener struct {
	channel  *controlChannel
	handlers map[byte]CommandHandler
	running  func() bool
	stop     func()
	logger   *zap.Logger

	done chan struct{}
}

func newCommandListener(ch *controlChannel, handlers map[byte]CommandHandler, running func() bool, stop func(), logger *zap.Logger) *commandListener {
	return &commandListener{
		channel:  ch,
		handlers: handlers,
		running:  running,
		stop:     stop,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (l *commandListener) start() {
	go l.run()
}

func (l *commandListener) run() {
	defer close(l.done)
	defer l.stop()

	l.logger.Info("Start listening to commands")
	defer l.logger.Info("Stop listening to commands")

	for l.running() {
		msg, err := l.channel.receive()
		if err != nil {
			switch {
			case errors.Is(err, errChannelClosed):
				l.logger.Info("Unix socket got closed with EOF")
			case !l.running():
				l.logger.Info("Unix socket closed during shutdown")
			default:
				l.logger.Error("Cannot receive command", zap.Error(err))
			}
			return
		}

		l.dispatch(decodeCommand(msg, l.handlers))
	}
}

func (l *commandListener) dispatch(cmd Command) {
	switch cmd.Kind {
	case CommandHandled:
		l.logger.Debug("Dispatch command", zap.String("type", string(cmd.Type)))
		l.handlers[cmd.Type](cmd)
	default:
		l.logger.Error("Unknown command", zap.String("type", string(cmd.Type)), zap.String("payload", cmd.Payload))
	}
}

// join waits for the listener to return. A zero timeout waits forever.
func (l *commandListener) join(timeout time.Duration) error {
	if timeout <= 0 {
		<-l.done
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-l.done:
		return nil
	case <-t.C:
		return newError(ListenerJoinFailed, "join", errors.New("command listener did not stop in time"))
	}
}

// stopped reports whether the listener goroutine has returned.
func (l *commandListener) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
