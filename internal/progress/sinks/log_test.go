package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", Stage: progress.StageJobSubmitted, TS: now, Bytes: 10, ContentType: "image/png"},
		{JobID: "a", Stage: progress.StageJobError, TS: now, ErrorKind: imaging.ErrorKindTimeout, Note: "slow"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "image/png", entries[0].ContextMap()["content_type"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "timeout", entries[1].ContextMap()["error_kind"])
}
