package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"asr-bench/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testModelConfig = model.ModelConfig{
	ModelKey:            "parakeet-tdt-0.6b",
	Backend:             "webgpu",
	EncoderQuant:        "fp16",
	DecoderQuant:        "int8",
	PreprocessorBackend: "js",
}

// fakeModel 按调用序号生成转写结果
type fakeModel struct {
	mu       sync.Mutex
	calls    int
	respond  func(call int) (*Transcription, error)
	released bool
	events   *eventLog
	name     string
}

func (m *fakeModel) Transcribe(ctx context.Context, pcm []float32, sampleRate int, opts TranscribeOptions) (*Transcription, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	respond := m.respond
	m.mu.Unlock()
	if respond == nil {
		return &Transcription{Text: "hello world", Metrics: &model.RunMetrics{EncodeMs: model.Float(10), DecodeMs: model.Float(20)}}, nil
	}
	return respond(call)
}

func (m *fakeModel) Release(ctx context.Context) error {
	m.mu.Lock()
	m.released = true
	m.mu.Unlock()
	if m.events != nil {
		m.events.add("release:" + m.name)
	}
	return nil
}

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeModel) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	e.events = append(e.events, s)
	e.mu.Unlock()
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// fakeBackend 每次 Load 返回 newModel 构造的新模型
type fakeBackend struct {
	mu       sync.Mutex
	loads    []model.ModelConfig
	newModel func(cfg model.ModelConfig) *fakeModel
	loadErr  error
	events   *eventLog
}

func (b *fakeBackend) Load(ctx context.Context, cfg model.ModelConfig) (LoadedModel, error) {
	b.mu.Lock()
	b.loads = append(b.loads, cfg)
	b.mu.Unlock()
	if b.events != nil {
		b.events.add("load:" + cfg.ModelKey)
	}
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.newModel != nil {
		return b.newModel(cfg), nil
	}
	return &fakeModel{name: cfg.ModelKey, events: b.events}, nil
}

func (b *fakeBackend) Loads() []model.ModelConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ModelConfig(nil), b.loads...)
}

// fakeAudio 按 URL 返回固定音频；failing 中的 URL 返回错误
type fakeAudio struct {
	durations map[string]float64
	failing   map[string]bool
}

func (a *fakeAudio) Load(ctx context.Context, url string, targetRate int) (*DecodedAudio, error) {
	if a.failing[url] {
		return nil, errors.New("解码音频失败: 不是有效的 WAV 文件")
	}
	if targetRate <= 0 {
		targetRate = 16000
	}
	dur := 1.0
	if d, ok := a.durations[url]; ok {
		dur = d
	}
	return &DecodedAudio{
		PCM:         make([]float32, int(dur*float64(targetRate))),
		SampleRate:  targetRate,
		DurationSec: dur,
	}, nil
}

// recordingSink 记录所有收到的 run
type recordingSink struct {
	mu   sync.Mutex
	runs []model.Run
	err  error
}

func (s *recordingSink) RecordRun(ctx context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return s.err
}

func (s *recordingSink) Runs() []model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Run(nil), s.runs...)
}

type recordingObserver struct {
	mu      sync.Mutex
	batches []model.BenchBatch
}

func (o *recordingObserver) BatchFinished(ctx context.Context, batch model.BenchBatch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, batch)
	return nil
}

func testSamples(n int) []model.Sample {
	out := make([]model.Sample, n)
	for i := range out {
		out[i] = model.Sample{
			RowIndex:      i,
			Split:         "test",
			AudioURL:      sampleURL(i),
			ReferenceText: "hello world",
		}
	}
	return out
}

func sampleURL(i int) string {
	return "https://example.test/audio/" + string(rune('a'+i)) + ".wav"
}
