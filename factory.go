package tirion

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Global client instance
var (
	globalClient *Client
	globalMu     sync.Mutex
)

// Start initializes the global client with config and connects it to the
// agent. It fails if a global client is already running.
func Start(ctx context.Context, config Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient != nil {
		return fmt.Errorf("global client already started")
	}

	c, err := New(config)
	if err != nil {
		return err
	}
	if err := c.Init(ctx); err != nil {
		_ = c.Destroy()
		return err
	}

	globalClient = c
	c.logger.Info("global client initialized", zap.Int("metrics", c.MetricCount()))

	return nil
}

// Shutdown closes and destroys the global client
func Shutdown() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient == nil {
		return nil
	}

	err := globalClient.Close()
	err = multierr.Append(err, globalClient.Destroy())
	globalClient = nil

	return err
}

// Default returns the global client, or nil when not started
func Default() *Client {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalClient
}

// Metric functions of the global client. They are no-ops returning 0 when
// no global client is running.

// Inc increments metric i by 1.0
func Inc(i int) float32 {
	if c := Default(); c != nil {
		return c.Inc(i)
	}
	return 0
}

// Dec decrements metric i by 1.0
func Dec(i int) float32 {
	if c := Default(); c != nil {
		return c.Dec(i)
	}
	return 0
}

// Add adds v to metric i
func Add(i int, v float32) float32 {
	if c := Default(); c != nil {
		return c.Add(i, v)
	}
	return 0
}

// Sub subtracts v from metric i
func Sub(i int, v float32) float32 {
	if c := Default(); c != nil {
		return c.Sub(i, v)
	}
	return 0
}

// Set sets metric i to v
func Set(i int, v float32) float32 {
	if c := Default(); c != nil {
		return c.Set(i, v)
	}
	return 0
}

// Get returns the value of metric i
func Get(i int) float32 {
	if c := Default(); c != nil {
		return c.Get(i)
	}
	return 0
}

// Tag sends a tag through the global client
func Tag(format string, a ...interface{}) error {
	c := Default()
	if c == nil {
		return fmt.Errorf("global client not started")
	}
	return c.Tag(format, a...)
}

// HealthCheck reports whether the global client is connected to its agent
func HealthCheck() error {
	c := Default()
	if c == nil {
		return fmt.Errorf("global client not started")
	}
	if !c.Running() {
		return fmt.Errorf("agent connection lost")
	}
	return nil
}

// GetStatus returns the current status of the global client
func GetStatus() map[string]interface{} {
	status := make(map[string]interface{})

	c := Default()
	if c == nil {
		status["initialized"] = false
		status["error"] = "global client not started"
		return status
	}

	status["initialized"] = true
	status["session"] = c.ID()
	status["running"] = c.Running()
	status["metric_count"] = c.MetricCount()
	status["attached_slots"] = c.Region().Len()
	status["exporter_running"] = c.exporter.Load() != nil

	return status
}
