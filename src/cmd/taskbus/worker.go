package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskbus/src/remoteerr"
	"taskbus/src/taskbus"
)

const shutdownTimeout = 15 * time.Second

var (
	workerExec        string
	workerConcurrency int
)

// workerCmd runs task workers until interrupted
var workerCmd = &cobra.Command{
	Use:   "worker <task> [task...]",
	Short: "Run workers for one or more tasks",
	Long: `Consumes task_<task> topics in the configured consumer group and replies
to callers that are waiting for a result.

Without --exec the worker echoes the task payload back. With --exec the
command is run through "sh -c" for every task: the JSON payload is written
to its stdin and its stdout becomes the result (JSON when valid, otherwise
a string). A non-zero exit is returned to the caller as an error carrying
exitCode and stderr fields.

Example:
  taskbus worker resize --exec ./resize.sh --concurrency 4`,
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

		// The signal ends the wait below; registrations are stopped by
		// shutdown, which lets running tasks finish and reply.
		regCtx := context.WithoutCancel(ctx)
		for _, name := range args {
			handler := echoTask
			if workerExec != "" {
				handler = execTask(name, workerExec)
			}
			if _, err := bus.RegisterTaskWorker(regCtx, name, taskbus.WorkerOptions{Concurrency: workerConcurrency}, handler); err != nil {
				return fmt.Errorf("failed to register worker for %s: %w", name, err)
			}
			log.Info("Worker registered for task %s (group %s, concurrency %d)", name, appConfig.GroupID, workerConcurrency)
		}

		log.Info("Worker started, waiting for tasks... (reply address %s)", bus.ReplyAddress())
		<-ctx.Done()
		log.Info("Worker stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerExec, "exec", "", "shell command that handles each task")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 1, "partitions processed in parallel")
}

func echoTask(_ context.Context, data json.RawMessage) (any, error) {
	return data, nil
}

// execTask returns a handler that runs command once per task.
func execTask(name, command string) taskbus.TaskHandler {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var stdout, stderr bytes.Buffer
		c := exec.CommandContext(ctx, "sh", "-c", command)
		c.Stdin = bytes.NewReader(data)
		c.Stdout = &stdout
		c.Stderr = &stderr
		c.Env = append(os.Environ(), "TASKBUS_TASK="+name)

		if err := c.Run(); err != nil {
			fields := map[string]any{"stderr": strings.TrimSpace(stderr.String())}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				fields["exitCode"] = exitErr.ExitCode()
			}
			return nil, remoteerr.New(fmt.Sprintf("task command failed: %v", err), fields)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return nil, nil
		}
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}
		return string(out), nil
	}
}
