package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
)

func cycleEvents(id uuid.UUID, at time.Time) []progress.Event {
	cycle := progress.UUIDToBytes(id)
	return []progress.Event{
		{CycleID: cycle, TS: at, Stage: progress.StageCycleStart},
		{CycleID: cycle, TS: at, Stage: progress.StageSourceStart, Source: "rss"},
		{CycleID: cycle, TS: at, Stage: progress.StageSourceStart, Source: "hn"},
		{CycleID: cycle, TS: at, Stage: progress.StagePageDone, Source: "hn", Counts: progress.Counts{Fetched: 2, New: 2}},
		{CycleID: cycle, TS: at, Stage: progress.StagePageDone, Source: "hn", Counts: progress.Counts{Fetched: 1, Duplicate: 1}},
		{CycleID: cycle, TS: at, Stage: progress.StageSourceDone, Source: "hn"},
		{CycleID: cycle, TS: at, Stage: progress.StageSourceDone, Source: "rss", Note: "circuit open"},
		{CycleID: cycle, TS: at.Add(time.Minute), Stage: progress.StageCycleDone, State: "partially_failed"},
	}
}

func TestHistorySinkFoldsCycle(t *testing.T) {
	t.Parallel()

	sink := NewHistorySink(10)
	id := uuid.New()
	at := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Consume(context.Background(), cycleEvents(id, at)))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TS: at, Stage: progress.StageCircuit, Source: "rss", State: "open"},
	}))

	got, ok := sink.Get(id)
	require.True(t, ok)
	assert.Equal(t, "partially_failed", got.State)
	assert.Equal(t, at.Add(time.Minute), got.FinishedAt)
	assert.Equal(t, progress.Counts{Fetched: 3, New: 2, Duplicate: 1}, got.Totals)
	require.Len(t, got.Sources, 2)
	assert.Equal(t, "hn", got.Sources[0].Name)
	assert.Equal(t, 2, got.Sources[0].Pages)
	assert.Equal(t, "circuit open", got.Sources[1].Error)
	assert.Equal(t, map[string]string{"rss": "open"}, sink.Circuits())

	_, ok = sink.Get(uuid.New())
	assert.False(t, ok)
}

func TestHistorySinkIsBounded(t *testing.T) {
	t.Parallel()

	sink := NewHistorySink(2)
	at := time.Now()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, sink.Consume(context.Background(), cycleEvents(id, at)))
	}

	list := sink.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2].String(), list[0].ID)
	assert.Equal(t, ids[1].String(), list[1].ID)
	assert.Len(t, sink.List(1), 1)
	_, ok := sink.Get(ids[0])
	assert.False(t, ok)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	id := uuid.New()
	require.NoError(t, sink.Consume(context.Background(), cycleEvents(id, time.Now())))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageCircuit, Source: "rss", State: "open"},
	}))

	assert.Equal(t, 9, logs.Len())
	assert.Equal(t, 2, logs.FilterLevelExact(zap.WarnLevel).Len())
	page := logs.FilterField(zap.Int64("fetched", 2)).All()
	require.Len(t, page, 1)
	assert.Equal(t, "hn", page[0].ContextMap()["source"])
}
