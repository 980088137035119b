package broker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"taskbus/src/logger"
)

func TestParsePartitioner(t *testing.T) {
	p, err := ParsePartitioner("")
	require.NoError(t, err)
	assert.Equal(t, []byte(DefaultPartitionKey), p.Key())

	p, err = ParsePartitioner("fixed")
	require.NoError(t, err)
	assert.Equal(t, p.Key(), p.Key())

	p, err = ParsePartitioner("RANDOM")
	require.NoError(t, err)
	assert.False(t, bytes.Equal(p.Key(), p.Key()))

	_, err = ParsePartitioner("round-robin")
	assert.Error(t, err)
}

func TestKgoLogger_LevelMapping(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newKgoLogger(logger.NewZapLogger(zap.New(core)), kgo.LogLevelInfo)

	assert.Equal(t, kgo.LogLevelInfo, l.Level())

	l.Log(kgo.LogLevelError, "unable to join group", "group", "workers", "err", "EOF")
	l.Log(kgo.LogLevelWarn, "retrying")
	l.Log(kgo.LogLevelInfo, "assigned", "partitions", 3, "dangling")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "[kgo] unable to join group group=workers err=EOF", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "[kgo] assigned partitions=3 dangling", entries[2].Message)
}

func TestClientLogLevel(t *testing.T) {
	assert.Equal(t, kgo.LogLevelDebug, ClientLogLevel("DEBUG"))
	assert.Equal(t, kgo.LogLevelInfo, ClientLogLevel("info"))
	assert.Equal(t, kgo.LogLevelWarn, ClientLogLevel("warning"))
	assert.Equal(t, kgo.LogLevelError, ClientLogLevel("error"))
	assert.Equal(t, kgo.LogLevelInfo, ClientLogLevel("nonsense"))
}
