package main

import (
	"context"
	"fmt"
	"math"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nikiz24/tirion"
)

var rootCmd = &cobra.Command{
	Use:   "tirion-client",
	Short: "Tirion example client v" + tirion.Version,
	Long: `tirion-client connects to a tirion agent and updates four metrics
every 10ms: metric 0 is incremented, metric 1 decremented, 0.3 is added to
metric 2 and subtracted from metric 3. Every 50th increment of metric 0 is
tagged.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "config file (yaml)")
	flags.StringP("socket", "s", tirion.DefaultSocket, "Unix socket path for client<-->agent communication")
	flags.IntP("runtime", "r", 5, "Runtime of the example client in seconds")
	flags.BoolP("verbose", "v", false, "Verbose output of what is going on")
	flags.Bool("debug", false, "Log out-of-range metric access")
	flags.Bool("new-session", true, "Detach into a new process session")
	flags.Duration("handshake-timeout", 0, "Give up the handshake after this long (0 waits forever)")
	flags.String("remote-write-url", "", "Mirror metric values to this Prometheus remote write endpoint")
	flags.StringSlice("metric-names", nil, "Names of the metric slots for the remote write mirror")

	for _, name := range []string{"config", "socket", "runtime", "verbose", "debug", "new-session", "handshake-timeout", "remote-write-url", "metric-names"} {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tirion")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/tirion")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TIRION")
	viper.AutomaticEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

func clientConfig() tirion.Config {
	config := tirion.DefaultConfig()
	config.Socket = viper.GetString("socket")
	config.Verbose = viper.GetBool("verbose")
	config.Debug = viper.GetBool("debug")
	config.NewProcessSession = viper.GetBool("new_session")
	config.HandshakeTimeout = viper.GetDuration("handshake_timeout")
	config.RemoteWriteURL = viper.GetString("remote_write_url")
	config.MetricNames = viper.GetStringSlice("metric_names")
	config.ServiceName = "tirion-client"
	return config
}

func run(cmd *cobra.Command, args []string) error {
	if viper.GetString("socket") == "" {
		return fmt.Errorf("wrong arguments: socket cannot be empty")
	}
	runtime := viper.GetInt("runtime")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := tirion.New(clientConfig())
	if err != nil {
		return err
	}
	log := c.Logger()

	if err := c.Init(ctx); err != nil {
		_ = c.Destroy()
		return fmt.Errorf("cannot initialize tirion: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(runtime)*time.Second)
	defer cancel()

	workload(ctx, c)

	if ctx.Err() == context.DeadlineExceeded {
		log.Debug("Program ran long enough", zap.Int("seconds", runtime))
	}

	closeErr := c.Close()
	log.Info("Stopped")

	if err := c.Destroy(); err != nil {
		return err
	}
	return closeErr
}

// workload is the instrumented loop. It returns when ctx ends or the agent
// disconnects.
func workload(ctx context.Context, c *tirion.Client) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for c.Running() {
		r := c.Inc(0)
		c.Dec(1)
		c.Add(2, 0.3)
		c.Sub(3, 0.3)

		if math.Mod(float64(r), 50.0) == 0 {
			if err := c.Tag("index 0 is %f", r); err != nil {
				c.Logger().Warn("Cannot send tag", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
		}
	}
}
