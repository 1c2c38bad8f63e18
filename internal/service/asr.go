package service

import (
	"context"

	"asr-bench/internal/model"
)

// TranscribeOptions 传给 ASR 后端的选项
type TranscribeOptions struct {
	EnableProfiling   bool `json:"enable_profiling"`
	ReturnConfidences bool `json:"return_confidences"`
	ReturnTimestamps  bool `json:"return_timestamps"`
}

// Transcription ASR 后端返回值；未开启 profiling 时 Metrics 可能稀疏或为 nil
type Transcription struct {
	Text    string            `json:"utterance_text"`
	Metrics *model.RunMetrics `json:"metrics"`
}

// Transcriber ASR 推理黑盒。同一个实例不得被并发调用。
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []float32, sampleRate int, opts TranscribeOptions) (*Transcription, error)
}

// LoadedModel 已加载的模型会话
type LoadedModel interface {
	Transcriber
	Release(ctx context.Context) error
}

// ModelBackend 按配置加载模型
type ModelBackend interface {
	Load(ctx context.Context, cfg model.ModelConfig) (LoadedModel, error)
}
