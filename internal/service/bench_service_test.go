package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asr-bench/internal/kv"
	"asr-bench/internal/model"
)

type fakeSamples struct {
	samples []model.Sample
	refs    []DatasetRef
	err     error
}

func (f *fakeSamples) Prepare(ctx context.Context, ref DatasetRef, count int, seed string) ([]model.Sample, error) {
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	if count < len(f.samples) {
		return f.samples[:count], nil
	}
	return f.samples, nil
}

func newTestBenchService(t *testing.T, m *fakeModel, verify VerifyConfig) *BenchService {
	t.Helper()
	backend := &fakeBackend{}
	if m != nil {
		backend.newModel = func(model.ModelConfig) *fakeModel { return m }
	}
	store := kv.NewMemoryStore()
	session := NewModelSession(backend, discardLogger())
	runs := NewRunLog(discardLogger())
	audio := &fakeAudio{}
	hw := model.HardwareProfile{OS: "linux", Arch: "amd64", CPUThreads: 4}
	defaults := model.Settings{
		Model:       testModelConfig,
		Dataset:     "librispeech",
		Split:       "test",
		SampleCount: 2,
		Seed:        "fixed",
		RepeatCount: 2,
	}
	return NewBenchService(BenchServiceDeps{
		Session:   session,
		Runner:    NewBenchRunner(session, audio, runs, hw, discardLogger()),
		Runs:      runs,
		Snapshots: NewSnapshotStore(store, 5, discardLogger()),
		Settings:  NewSettingsStore(store, defaults),
		Hardware:  hw,
		Samples:   &fakeSamples{samples: testSamples(3)},
		Audio:     audio,
		Verify:    verify,
		Logger:    discardLogger(),
	})
}

func TestBenchService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc := newTestBenchService(t, nil, VerifyConfig{})
	settings, err := svc.Settings.Get(ctx)
	require.NoError(t, err)

	_, err = svc.RunBatch(ctx, settings)
	assert.ErrorIs(t, err, ErrModelNotReady)

	require.NoError(t, svc.LoadModel(ctx, settings.Model, 16000))
	res, err := svc.RunBatch(ctx, settings)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 4, svc.Runs.Len())

	d := svc.Analyze(ViewFromSettings(settings, true))
	assert.Equal(t, 4, d.IncludedRuns)
	assert.Equal(t, 2, d.SampleCount)

	exp, err := svc.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "librispeech", exp.Settings.Dataset)
	assert.Equal(t, "linux/amd64, 4 threads", exp.HardwareSummary)
	assert.Len(t, exp.Runs, 4)

	snap, err := svc.SaveSnapshot(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Summary.TotalRuns)

	svc.Runs.Clear()
	_, err = svc.SaveSnapshot(ctx, "empty")
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestBenchService_BuildRequest(t *testing.T) {
	ctx := context.Background()
	svc := newTestBenchService(t, nil, VerifyConfig{})
	settings, _ := svc.Settings.Get(ctx)
	settings.Config = "clean"
	settings.WarmupCount = 1
	settings.TargetSampleRate = 16000

	req, err := svc.BuildRequest(ctx, settings)
	require.NoError(t, err)
	assert.Len(t, req.Samples, 2)
	assert.Equal(t, 1, req.WarmupCount)
	assert.Equal(t, 16000, req.TargetSampleRate)
	assert.True(t, req.Options.EnableProfiling)
	assert.Equal(t, "fixed", req.Seed)
	src := svc.samples.(*fakeSamples)
	assert.Equal(t, DatasetRef{Dataset: "librispeech", Config: "clean", Split: "test"}, src.refs[0])

	settings.RepeatCount = 0
	_, err = svc.BuildRequest(ctx, settings)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestBenchService_LoadModelVerifies(t *testing.T) {
	ctx := context.Background()
	m := &fakeModel{respond: func(int) (*Transcription, error) {
		return &Transcription{Text: "something unrelated"}, nil
	}}
	svc := newTestBenchService(t, m, VerifyConfig{AudioURL: "https://example.test/verify.wav", Phrase: "the quick brown fox"})

	err := svc.LoadModel(ctx, testModelConfig, 16000)
	assert.ErrorIs(t, err, ErrVerificationMismatch)
	assert.False(t, svc.Session.Status().Ready)
}

func TestBenchService_StartBatchRejectsWhileRunning(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	m := &fakeModel{respond: func(int) (*Transcription, error) {
		<-release
		return &Transcription{Text: "x", Metrics: &model.RunMetrics{}}, nil
	}}
	svc := newTestBenchService(t, m, VerifyConfig{})
	settings, _ := svc.Settings.Get(ctx)
	require.NoError(t, svc.LoadModel(ctx, settings.Model, 0))

	id, err := svc.StartBatch(ctx, context.Background(), settings)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = svc.StartBatch(ctx, context.Background(), settings)
	assert.ErrorIs(t, err, ErrBatchRunning)
	assert.ErrorIs(t, svc.LoadModel(ctx, settings.Model, 0), ErrBatchRunning)

	close(release)
	require.Eventually(t, func() bool { return !svc.Runner.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, id, svc.Runner.LastResult().BatchID)
}
