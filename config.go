package tirion

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Version of the tirion protocol spoken with the agent.
const Version = "0.1"

// DefaultSocket is the unix socket the agent listens on by default.
const DefaultSocket = "/tmp/tirion.sock"

// Config defines the configuration of a Client
type Config struct {
	// Unix socket of the agent
	Socket string

	// Verbose builds a development logger when Logger is nil.
	Verbose bool
	// Debug logs out-of-range metric access.
	Debug bool

	// NewProcessSession makes the process a session and group leader during
	// Init so signals aimed at the caller's terminal do not reach it.
	NewProcessSession bool

	// HandshakeTimeout bounds the handshake. Zero waits forever.
	HandshakeTimeout time.Duration
	// JoinTimeout bounds how long Close waits for the command listener.
	// Zero waits forever.
	JoinTimeout time.Duration

	// Optional logger
	Logger *zap.Logger

	// Remote write mirror of the metric slots (optional)
	RemoteWriteURL      string
	RemoteWriteInterval time.Duration
	Namespace           string
	Subsystem           string
	ServiceName         string
	MetricNames         []string // names per slot, "slot_<i>" when missing
	CustomLabels        map[string]string
	SystemMetrics       bool // also export process stats

	// DNS resolver options for the remote write host (optional)
	DNSEnable          bool
	DNSCacheTTL        time.Duration
	DNSRefreshInterval time.Duration
	DNSTimeout         time.Duration
	DNSUDPServers      []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Socket:              DefaultSocket,
		NewProcessSession:   true,
		JoinTimeout:         5 * time.Second,
		RemoteWriteInterval: 15 * time.Second,
		Namespace:           "tirion",
		Subsystem:           "client",
		ServiceName:         "client",
		CustomLabels:        make(map[string]string),
	}
}

func (c Config) validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket cannot be empty")
	}
	if c.HandshakeTimeout < 0 || c.JoinTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

func (c Config) newLogger() (*zap.Logger, error) {
	if c.Logger != nil {
		return c.Logger, nil
	}
	if !c.Verbose {
		return zap.NewNop(), nil
	}

	cfg := zap.NewDevelopmentConfig()
	if !c.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
