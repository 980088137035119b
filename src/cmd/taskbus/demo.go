package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskbus/src/broker"
	"taskbus/src/config"
	"taskbus/src/logger"
	"taskbus/src/remoteerr"
	"taskbus/src/taskbus"
)

type greetRequest struct {
	Name string `json:"name"`
}

type greetResult struct {
	Greeting string `json:"greeting"`
}

// demoCmd runs a caller and a worker in one process on the in-memory log
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a caller and a worker in-process on the in-memory log",
	Long: `Starts two buses sharing one in-memory log: a worker serving the "greet"
and "reject" tasks, and a caller that runs them, dispatches a task without
waiting and publishes a "greeted" event the worker listens to.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		return runDemo(ctx, appConfig, appLog, cmd.OutOrStdout())
	},
}

func runDemo(ctx context.Context, cfg *config.Config, log logger.Logger, out io.Writer) error {
	brk := broker.NewInMemoryBroker(broker.WithInMemoryLogger(log))
	defer brk.Close()

	worker, err := taskbus.New(ctx, taskbus.Options{GroupID: cfg.GroupID + "-worker", Broker: brk, BindAddress: cfg.BindAddress, Logger: log})
	if err != nil {
		return err
	}
	defer shutdown(worker, log)

	caller, err := taskbus.New(ctx, taskbus.Options{GroupID: cfg.GroupID + "-caller", Broker: brk, BindAddress: cfg.BindAddress, Logger: log})
	if err != nil {
		return err
	}
	defer shutdown(caller, log)

	greeted := make(chan string, 2)
	if _, err := taskbus.RegisterEventListener(ctx, worker, "greeted", taskbus.ListenerOptions{},
		func(_ context.Context, name string) error {
			greeted <- name
			return nil
		}); err != nil {
		return err
	}
	if _, err := taskbus.RegisterTaskWorker(ctx, worker, "greet", taskbus.WorkerOptions{Concurrency: 2},
		func(_ context.Context, req greetRequest) (greetResult, error) {
			return greetResult{Greeting: "Hello, " + req.Name}, nil
		}); err != nil {
		return err
	}
	if _, err := taskbus.RegisterTaskWorker(ctx, worker, "reject", taskbus.WorkerOptions{},
		func(_ context.Context, req greetRequest) (greetResult, error) {
			return greetResult{}, remoteerr.New("unknown guest", map[string]any{"name": req.Name, "status": 404})
		}); err != nil {
		return err
	}

	res, err := taskbus.RunTask[greetRequest, greetResult](ctx, caller, "greet", greetRequest{Name: "Ada"}, 5*time.Second)
	if err != nil {
		return fmt.Errorf("greet: %w", err)
	}
	fmt.Fprintf(out, "greet -> %s\n", res.Greeting)

	_, err = taskbus.RunTask[greetRequest, greetResult](ctx, caller, "reject", greetRequest{Name: "Mallory"}, 5*time.Second)
	var remote *remoteerr.Error
	if !errors.As(err, &remote) {
		return fmt.Errorf("reject: expected remote error, got %v", err)
	}
	fmt.Fprintf(out, "reject -> error %q %s\n", remote.Message, formatFields(remote.Fields))

	if err := taskbus.DispatchTask(ctx, caller, "greet", greetRequest{Name: "Grace"}); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	fmt.Fprintln(out, "greet (no wait) -> dispatched")

	if err := taskbus.SendEvent(ctx, caller, "greeted", "Ada"); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	select {
	case name := <-greeted:
		fmt.Fprintf(out, "event greeted -> %s\n", name)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func formatFields(fields map[string]any) string {
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	slices.Sort(parts)
	return "{" + strings.Join(parts, " ") + "}"
}
