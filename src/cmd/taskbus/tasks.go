package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskbus/src/taskbus"
)

var (
	runTaskWait   time.Duration
	runTaskNoWait bool
)

// runTaskCmd dispatches one task and prints its result
var runTaskCmd = &cobra.Command{
	Use:   "run-task <task> <json>",
	Short: "Dispatch a task and print its result",
	Long: `Publishes a task to task_<task> and waits for the result, which is printed
as JSON on stdout. With --no-wait the task is dispatched without a reply
address and the command returns once the log accepted it.

Example:
  taskbus run-task resize '{"width":3}' --wait 10s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, payload := args[0], json.RawMessage(args[1])
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON: %s", args[1])
		}

		log := appLog
		ctx, cancel := signalContext(log)
		defer cancel()

		bus, err := newBus(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer shutdown(bus, log)

		wait := runTaskWait
		if runTaskNoWait {
			wait = taskbus.NoWait
		}

		start := time.Now()
		result, err := bus.RunTask(ctx, name, payload, taskbus.TaskOptions{Wait: wait})
		if err != nil {
			return fmt.Errorf("task %s failed: %w", name, err)
		}
		if wait == taskbus.NoWait {
			log.Info("Task %s dispatched", name)
			return nil
		}

		log.Debug("Task %s completed in %s", name, time.Since(start))
		fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return nil
	},
}

// sendEventCmd publishes one event
var sendEventCmd = &cobra.Command{
	Use:   "send-event <event> <json>",
	Short: "Publish an event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, payload := args[0], json.RawMessage(args[1])
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON: %s", args[1])
		}

		log := appLog
		ctx, cancel := signalContext(log)
		defer cancel()

		bus, err := newBus(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer shutdown(bus, log)

		if err := bus.SendEvent(ctx, name, payload); err != nil {
			return err
		}
		log.Info("Event %s sent", name)
		return nil
	},
}

func init() {
	runTaskCmd.Flags().DurationVar(&runTaskWait, "wait", 30*time.Second, "how long to wait for the result")
	runTaskCmd.Flags().BoolVar(&runTaskNoWait, "no-wait", false, "dispatch without waiting for a result")
}
