// Package main provides the taskbus CLI: run task workers and event
// listeners, dispatch tasks and publish events from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskbus/src/broker"
	"taskbus/src/config"
	"taskbus/src/contracts"
	"taskbus/src/logger"
	"taskbus/src/taskbus"
)

var (
	// Application configuration, env first with flags on top
	appConfig *config.Config
	// Process-wide logger
	appLog logger.Logger

	flagGroup     string
	flagBrokers   string
	flagBind      string
	flagExternal  string
	flagPartition string
	flagLogLevel  string
	flagLogFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "taskbus",
	Short: "taskbus - events and request/reply tasks over a partitioned log",
	Long: `taskbus publishes fire-and-forget events and dispatches tasks through a
Kafka-compatible log (Redpanda, Kafka). Callers that wait for a task result
receive it over a direct TCP connection from the worker.

Brokers come from TASKBUS_TRANSPORT_SERVERS (or REDPANDA_BROKERS). Without
brokers the process uses an in-memory log, which only reaches workers
running in the same process.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadEnv()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		appConfig = cfg

		appLog, err = logger.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if s, ok := appLog.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagGroup, "group", "", "consumer group id (env "+config.EnvGroupID+")")
	flags.StringVar(&flagBrokers, "brokers", "", "comma-separated seed brokers (env "+config.EnvTransportServers+")")
	flags.StringVar(&flagBind, "bind", "", "reply listener host:port (env "+config.EnvBindAddress+")")
	flags.StringVar(&flagExternal, "external", "", "advertised reply host[:port] (env "+config.EnvExternalAddress+")")
	flags.StringVar(&flagPartition, "partition", "", "partition strategy: fixed or random (env "+config.EnvPartitionStrategy+")")
	flags.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (env "+config.EnvLogLevel+")")
	flags.StringVar(&flagLogFormat, "log-format", "", "console, json or plain (env "+config.EnvLogFormat+")")

	rootCmd.AddCommand(workerCmd, runTaskCmd, sendEventCmd, listenCmd, demoCmd)
}

// applyFlags overlays explicitly set persistent flags onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("group") {
		cfg.GroupID = flagGroup
	}
	if flags.Changed("brokers") {
		cfg.TransportServers = config.ParseList(flagBrokers)
	}
	if flags.Changed("bind") {
		addr, err := contracts.ParseAddress(flagBind)
		if err != nil {
			return fmt.Errorf("--bind: %w", err)
		}
		cfg.BindAddress = addr
	}
	if flags.Changed("external") {
		addr, err := contracts.ParseAddress(flagExternal)
		if err != nil {
			return fmt.Errorf("--external: %w", err)
		}
		cfg.ExternalAddress = addr
	}
	if flags.Changed("partition") {
		cfg.PartitionStrategy = flagPartition
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}
	return nil
}

// newBroker returns a Redpanda broker when brokers are configured and an
// in-memory log otherwise.
func newBroker(cfg *config.Config, log logger.Logger) (broker.Broker, error) {
	partitioner, err := broker.ParsePartitioner(cfg.PartitionStrategy)
	if err != nil {
		return nil, err
	}

	if cfg.InMemory() {
		log.Info("No brokers configured, using in-memory log")
		return broker.NewInMemoryBroker(
			broker.WithInMemoryPartitioner(partitioner),
			broker.WithInMemoryLogger(log),
		), nil
	}

	log.Info("Redpanda brokers: %v", cfg.TransportServers)
	return broker.NewRedpandaBroker(cfg.TransportServers,
		broker.WithPartitioner(partitioner),
		broker.WithLogger(log),
		broker.WithClientLogLevel(broker.ClientLogLevel(cfg.LogLevel)),
	)
}

// newBus builds the broker and bus for the loaded configuration.
func newBus(ctx context.Context, cfg *config.Config, log logger.Logger) (*taskbus.Bus, error) {
	brk, err := newBroker(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	bus, err := taskbus.New(ctx, taskbus.Options{
		GroupID:         cfg.GroupID,
		Broker:          brk,
		BindAddress:     cfg.BindAddress,
		ExternalAddress: cfg.ExternalAddress,
		Logger:          log,
	})
	if err != nil {
		_ = brk.Close()
		return nil, err
	}
	return bus, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(log logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info("Shutdown signal received, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// shutdown destroys the bus with a fresh deadline, after ctx is cancelled.
func shutdown(bus *taskbus.Bus, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := bus.Destroy(ctx); err != nil {
		log.Error("Shutdown error: %v", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
