package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asr-bench/internal/kv"
	"asr-bench/internal/model"
)

func newTestSnapshotStore(capacity int) *SnapshotStore {
	s := NewSnapshotStore(kv.NewMemoryStore(), capacity, discardLogger())
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("snap-%d", n)
	}
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, n, 0, time.UTC) }
	return s
}

func repeatRuns(decodeMs ...float64) []model.Run {
	var in []synth
	for i, d := range decodeMs {
		in = append(in, synth{key: "test:0", dur: 2, pre: 5, enc: 10, dec: d, exact: model.Bool(i%3 != 2)})
	}
	runs := synthRuns(in)
	for i := range runs {
		runs[i].RepeatIndex = i%3 + 1
	}
	return runs
}

// 保存后清空/修改运行日志，快照内容不变
func TestSnapshotStore_ImmutableAfterLogChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(5)
	log := NewRunLog(discardLogger())
	log.Append(ctx, repeatRuns(100, 110, 120)...)

	snap, err := store.Save(ctx, "baseline", log.Runs(), model.Settings{RepeatCount: 3}, model.HardwareProfile{OS: "linux"})
	require.NoError(t, err)
	require.Len(t, snap.Runs, 3)
	before, err := store.Get(ctx, snap.ID)
	require.NoError(t, err)

	log.Clear()
	log.Append(ctx, repeatRuns(999)...)
	*snap.Runs[0].Metrics.DecodeMs = -1

	after, err := store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 100.0, *after.Runs[0].Metrics.DecodeMs)
	assert.Equal(t, 3, after.Summary.TotalRuns)
	assert.InDelta(t, 110, after.Summary.Stages[model.StageDecode].Mean, 1e-9)
	assert.Contains(t, after.HardwareSummary, "linux/")

	// List 返回值修改不影响存储
	list, err := store.List(ctx)
	require.NoError(t, err)
	list[0].Label = "mutated"
	again, _ := store.Get(ctx, snap.ID)
	assert.Equal(t, "baseline", again.Label)
}

func TestSnapshotStore_SaveRejectsEmpty(t *testing.T) {
	_, err := newTestSnapshotStore(5).Save(context.Background(), "x", nil, model.Settings{}, model.HardwareProfile{})
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestSnapshotStore_CapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(3)
	for i := 0; i < 5; i++ {
		_, err := store.Save(ctx, fmt.Sprintf("s%d", i), repeatRuns(100), model.Settings{}, model.HardwareProfile{})
		require.NoError(t, err)
	}
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"s4", "s3", "s2"}, []string{list[0].Label, list[1].Label, list[2].Label})

	_, err = store.Get(ctx, "snap-1")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshotStore_DeleteAndDefaultLabel(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(5)
	snap, err := store.Save(ctx, "", repeatRuns(100), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01 12:00:00", snap.Label)

	require.NoError(t, store.Delete(ctx, snap.ID))
	assert.ErrorIs(t, store.Delete(ctx, snap.ID), ErrSnapshotNotFound)
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestSnapshotStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	first := NewSnapshotStore(mem, 5, discardLogger())
	snap, err := first.Save(ctx, "persisted", repeatRuns(100, 120), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)

	second := NewSnapshotStore(mem, 5, discardLogger())
	got, err := second.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Label)
	assert.Len(t, got.Runs, 2)
}

func TestSnapshotStore_Import(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(5)
	generated := time.Date(2026, 2, 2, 8, 30, 0, 0, time.UTC)
	exp := BuildExport(model.Settings{Dataset: "librispeech"}, model.HardwareProfile{OS: "darwin", Arch: "arm64", CPUThreads: 10}, repeatRuns(80, 90, 100), generated)

	snap, err := store.Import(ctx, exp, "")
	require.NoError(t, err)
	assert.Equal(t, "import 2026-02-02 08:30:00", snap.Label)
	assert.Equal(t, generated, snap.CreatedAt)
	assert.Equal(t, "librispeech", snap.Settings.Dataset)
	assert.Contains(t, snap.HardwareSummary, "darwin/arm64")
	assert.Equal(t, 3, snap.Summary.SuccessRuns)

	_, err = store.Import(ctx, model.BatchExport{}, "empty")
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestSummarizeBatch(t *testing.T) {
	runs := repeatRuns(100, 100, 100)
	runs = append(runs, model.Run{ID: "bad", SampleKey: "test:1", Error: "audio: 404"})
	s := SummarizeBatch(runs)

	assert.Equal(t, 4, s.TotalRuns)
	assert.Equal(t, 3, s.SuccessRuns)
	assert.Equal(t, 1, s.ErrorRuns)
	assert.Equal(t, 2, s.SampleCount)
	assert.Equal(t, 3, s.ExactCompared)
	assert.InDelta(t, 2.0/3, s.ExactRate, 1e-9)
	assert.Equal(t, model.StageDecode, s.Bottleneck)
}

func deltaFor(t *testing.T, c *Comparison, key string) MetricDelta {
	t.Helper()
	for _, d := range c.Metrics {
		if d.Metric == key {
			return d
		}
	}
	t.Fatalf("metric %s missing", key)
	return MetricDelta{}
}

func TestCompareSnapshots_Direction(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(5)
	slow, err := store.Save(ctx, "slow", repeatRuns(200, 200, 200), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)
	fast, err := store.Save(ctx, "fast", repeatRuns(100, 100, 100), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)

	c, err := store.Compare(ctx, slow.ID, fast.ID)
	require.NoError(t, err)

	dec := deltaFor(t, c, model.StageDecode)
	require.NotNil(t, dec.DeltaPct)
	assert.InDelta(t, -50, *dec.DeltaPct, 1e-9)
	assert.False(t, dec.HigherBetter)
	assert.Equal(t, "b", dec.Better)

	// rtf 越高越好
	rtf := deltaFor(t, c, model.StageRTF)
	assert.True(t, rtf.HigherBetter)
	assert.Equal(t, "b", rtf.Better)

	rtfx := deltaFor(t, c, "decode_rtfx")
	assert.Equal(t, "b", rtfx.Better)

	pre := deltaFor(t, c, model.StagePreprocess)
	assert.Equal(t, "tie", pre.Better)
	assert.InDelta(t, 0, *pre.DeltaPct, 1e-9)

	exact := deltaFor(t, c, MetricExactRate)
	assert.Equal(t, "tie", exact.Better)
	assert.InDelta(t, 1.0, c.Exact.PValue, 1e-9)

	_, err = store.Compare(ctx, slow.ID, "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestCompareSnapshots_MissingMetric(t *testing.T) {
	a := &model.Snapshot{ID: "a", Summary: model.BatchSummary{Stages: map[string]model.StageSummary{
		model.StageDecode: {Count: 1, Mean: 10},
	}}}
	b := &model.Snapshot{ID: "b", Summary: model.BatchSummary{}}
	c := CompareSnapshots(a, b)
	d := deltaFor(t, c, model.StageDecode)
	require.NotNil(t, d.A)
	assert.Nil(t, d.B)
	assert.Nil(t, d.DeltaPct)
	assert.Empty(t, d.Better)
}

func TestMultiCompare(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(5)
	a, err := store.Save(ctx, "a", repeatRuns(100, 110, 120, 200, 210, 220), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)
	b, err := store.Save(ctx, "b", repeatRuns(50, 60, 70), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)

	mc, err := store.MultiCompare(ctx, []string{a.ID, b.ID}, []string{model.StageDecode, MetricExactRate})
	require.NoError(t, err)
	assert.Equal(t, []string{model.StageDecode, MetricExactRate}, mc.Metrics)

	series := mc.Series[model.StageDecode]
	require.Len(t, series, 2)
	assert.Equal(t, "a", series[0].Label)
	assert.InDelta(t, 160, *series[0].Value, 1e-9)
	assert.InDelta(t, 60, *series[1].Value, 1e-9)

	perRepeat := mc.PerRepeat[model.StageDecode]
	require.Len(t, perRepeat, 2)
	assert.Equal(t, []RepeatPoint{
		{RepeatIndex: 1, Mean: 150, Count: 2},
		{RepeatIndex: 2, Mean: 160, Count: 2},
		{RepeatIndex: 3, Mean: 170, Count: 2},
	}, perRepeat[0].Points)

	exact := mc.PerRepeat[MetricExactRate][1].Points
	require.Len(t, exact, 3)
	assert.Equal(t, 1.0, exact[0].Mean)
	assert.Equal(t, 0.0, exact[2].Mean)
}

func TestMultiCompare_Errors(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(5)
	a, err := store.Save(ctx, "a", repeatRuns(100), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)
	b, err := store.Save(ctx, "b", repeatRuns(100), model.Settings{}, model.HardwareProfile{})
	require.NoError(t, err)

	_, err = store.MultiCompare(ctx, []string{a.ID}, nil)
	assert.ErrorIs(t, err, ErrNotEnoughSnapshots)

	_, err = store.MultiCompare(ctx, []string{a.ID, "nope"}, nil)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	_, err = store.MultiCompare(ctx, []string{a.ID, b.ID}, []string{"wer"})
	assert.ErrorIs(t, err, ErrUnknownMetric)

	all, err := store.MultiCompare(ctx, []string{a.ID, b.ID}, nil)
	require.NoError(t, err)
	assert.Len(t, all.Metrics, len(CompareMetrics))
}

func TestSettingsStore(t *testing.T) {
	ctx := context.Background()
	defaults := model.Settings{Dataset: "librispeech", RepeatCount: 3, SampleCount: 10}
	s := NewSettingsStore(kv.NewMemoryStore(), defaults)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)

	next := defaults
	next.RepeatCount = 5
	next.Seed = "abc"
	require.NoError(t, s.Put(ctx, next))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, got)

	bad := next
	bad.RepeatCount = 0
	assert.ErrorIs(t, s.Put(ctx, bad), ErrInvalidBatch)
}

func TestValidateSettings(t *testing.T) {
	ok := model.Settings{RepeatCount: 1}
	tests := []struct {
		name    string
		mutate  func(*model.Settings)
		wantErr bool
	}{
		{name: "合法", mutate: func(*model.Settings) {}},
		{name: "repeat 为 0", mutate: func(s *model.Settings) { s.RepeatCount = 0 }, wantErr: true},
		{name: "warmup 为负", mutate: func(s *model.Settings) { s.WarmupCount = -1 }, wantErr: true},
		{name: "样本数为负", mutate: func(s *model.Settings) { s.SampleCount = -1 }, wantErr: true},
		{name: "R² 阈值越界", mutate: func(s *model.Settings) { s.R2Threshold = 1.5 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ok
			tt.mutate(&s)
			err := ValidateSettings(s)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
