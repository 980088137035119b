package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"taskbus/src/taskbus"
)

var listenConcurrency int

// listenCmd prints events as JSON lines until interrupted
var listenCmd = &cobra.Command{
	Use:   "listen <event> [event...]",
	Short: "Print events as JSON lines",
	Long: `Subscribes to event_<event> topics in the configured consumer group and
writes one line per event to stdout: {"event": <name>, "data": <payload>}.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := appLog
		ctx, cancel := signalContext(log)
		defer cancel()

		bus, err := newBus(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer shutdown(bus, log)

		var mu sync.Mutex
		enc := json.NewEncoder(cmd.OutOrStdout())

		regCtx := context.WithoutCancel(ctx)
		for _, name := range args {
			_, err := bus.RegisterEventListener(regCtx, name, taskbus.ListenerOptions{Concurrency: listenConcurrency},
				func(_ context.Context, data json.RawMessage) error {
					mu.Lock()
					defer mu.Unlock()
					return enc.Encode(struct {
						Event string          `json:"event"`
						Data  json.RawMessage `json:"data"`
					}{name, data})
				})
			if err != nil {
				return fmt.Errorf("failed to listen to %s: %w", name, err)
			}
		}

		log.Info("Listening to %d event(s)...", len(args))
		<-ctx.Done()
		return nil
	},
}

func init() {
	listenCmd.Flags().IntVar(&listenConcurrency, "concurrency", 1, "partitions processed in parallel")
}
