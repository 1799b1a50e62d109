package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/rediscore/internal/core/connection"
	"github.com/zeusync/rediscore/internal/core/observability/log"
	"github.com/zeusync/rediscore/internal/injector"
	"github.com/zeusync/rediscore/sdk/go/client"
)

type probeOptions struct {
	configFile string
	address    string
	port       int
	database   int
	async      bool
	count      int
	interval   time.Duration
	heartbeat  time.Duration
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "rediscore-probe",
		Short: "Connect to a Redis-like server and measure PING latency",
		Long: `rediscore-probe opens a supervised connection to a Redis-like server,
sends a series of PING commands and reports their latency together with
the heartbeat statistics of the connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			return runProbe(cmd, cfg, opts.count, opts.interval)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "YAML client config file")
	flags.StringVar(&opts.address, "addr", "localhost", "server address")
	flags.IntVarP(&opts.port, "port", "p", 6379, "server port")
	flags.IntVar(&opts.database, "db", 0, "logical database index")
	flags.BoolVar(&opts.async, "async", false, "pipeline requests instead of blocking on each")
	flags.IntVarP(&opts.count, "count", "n", 3, "number of PINGs to send")
	flags.DurationVar(&opts.interval, "interval", 0, "pause between PINGs")
	flags.DurationVar(&opts.heartbeat, "heartbeat", time.Second, "heartbeat period, 0 disables it")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn, error or silent")

	return cmd
}

// config loads the config file, if any, and applies explicitly set flags on top.
func (o *probeOptions) config(cmd *cobra.Command) (client.Config, error) {
	cfg := client.DefaultClientConfig()
	if o.configFile != "" {
		var err error
		cfg, err = client.LoadConfig(o.configFile)
		if err != nil {
			return client.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if o.configFile == "" || flags.Changed("addr") {
		cfg.Connection.Address = o.address
	}
	if o.configFile == "" || flags.Changed("port") {
		cfg.Connection.Port = o.port
	}
	if o.configFile == "" || flags.Changed("db") {
		cfg.Connection.Database = o.database
	}
	if o.configFile == "" || flags.Changed("heartbeat") {
		cfg.Connection.Heartbeat = o.heartbeat
	}
	if flags.Changed("async") {
		cfg.Connection.Modality = connection.Synchronous
		if o.async {
			cfg.Connection.Modality = connection.Asynchronous
		}
	}
	if o.configFile == "" || flags.Changed("log-level") {
		cfg.LogLevel = log.ParseLevel(o.logLevel)
	}
	if o.count < 1 {
		return client.Config{}, fmt.Errorf("count must be at least 1, got %d", o.count)
	}

	return cfg, cfg.Validate()
}

func runProbe(cmd *cobra.Command, cfg client.Config, count int, interval time.Duration) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	c, err := injector.InitializeClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "connected to %s (%s)\n", cfg.Connection.Endpoint(), cfg.Connection.Modality)

	var total time.Duration
	for i := 1; i <= count; i++ {
		latency, err := c.Ping(ctx)
		if err != nil {
			return fmt.Errorf("ping %d: %w", i, err)
		}
		total += latency
		fmt.Fprintf(out, "PONG seq=%d time=%s\n", i, latency.Round(time.Microsecond))

		if interval > 0 && i < count {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	fmt.Fprintf(out, "%d pings, avg %s\n", count, (total / time.Duration(count)).Round(time.Microsecond))

	if m := c.Heartbeat(); m != nil {
		fmt.Fprintf(out, "heartbeat %s: state=%s probes=%d failures=%d\n", m.Name(), m.State(), m.Probes(), m.Failures())
	}
	return nil
}
