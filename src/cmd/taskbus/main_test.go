package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbus/src/config"
	"taskbus/src/contracts"
	"taskbus/src/logger"
	"taskbus/src/remoteerr"
)

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--group", "flag-group",
		"--brokers", "a:9092,b:9092",
		"--external", "public.example.com:9000",
		"--log-level", "debug",
	}))

	cfg := &config.Config{
		GroupID:           "env-group",
		BindAddress:       contracts.Address{Host: "0.0.0.0"},
		PartitionStrategy: "fixed",
		LogLevel:          "info",
		LogFormat:         "console",
	}
	require.NoError(t, applyFlags(cmd, cfg))

	assert.Equal(t, "flag-group", cfg.GroupID)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.TransportServers)
	assert.Equal(t, contracts.Address{Host: "public.example.com", Port: 9000}, cfg.ExternalAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Flags left unset keep the environment values.
	assert.Equal(t, contracts.Address{Host: "0.0.0.0"}, cfg.BindAddress)
	assert.Equal(t, "fixed", cfg.PartitionStrategy)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestApplyFlags_InvalidAddress(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	require.NoError(t, cmd.Flags().Parse([]string{"--bind", "localhost:notaport"}))

	assert.Error(t, applyFlags(cmd, &config.Config{}))
}

func TestEchoTask(t *testing.T) {
	out, err := echoTask(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"a":1}`), out)
}

func TestExecTask(t *testing.T) {
	ctx := context.Background()

	t.Run("json output", func(t *testing.T) {
		out, err := execTask("copy", "cat")(ctx, json.RawMessage(`{"n":2}`))
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`{"n":2}`), out)
	})

	t.Run("plain output becomes a string", func(t *testing.T) {
		out, err := execTask("hello", `printf "hi from $TASKBUS_TASK"`)(ctx, json.RawMessage(`null`))
		require.NoError(t, err)
		assert.Equal(t, "hi from hello", out)
	})

	t.Run("empty output", func(t *testing.T) {
		out, err := execTask("quiet", "true")(ctx, json.RawMessage(`null`))
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, err := execTask("bad", "echo nope >&2; exit 3")(ctx, json.RawMessage(`null`))
		require.Error(t, err)

		var remote *remoteerr.Error
		require.ErrorAs(t, err, &remote)
		code, _ := remote.Field("exitCode")
		stderr, _ := remote.Field("stderr")
		assert.Equal(t, 3, code)
		assert.Equal(t, "nope", stderr)

		serialized := remoteerr.Serialize(err)
		assert.Equal(t, 3, serialized.Fields["exitCode"])
	})
}

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := &config.Config{GroupID: "demo", BindAddress: contracts.Address{Host: "127.0.0.1"}}
	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, cfg, logger.NewSilentLogger(), &out))

	assert.Equal(t, "greet -> Hello, Ada\n"+
		"reject -> error \"unknown guest\" {name=Mallory status=404}\n"+
		"greet (no wait) -> dispatched\n"+
		"event greeted -> Ada\n", out.String())
}
