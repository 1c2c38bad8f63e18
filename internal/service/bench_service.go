package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"asr-bench/internal/model"
)

// SampleSource 按设置准备样本（数据集行 -> Sample）
type SampleSource interface {
	Prepare(ctx context.Context, ref DatasetRef, count int, seed string) ([]model.Sample, error)
}

// VerifyConfig 模型就绪校验的参考音频与短语；AudioURL 为空时跳过校验
type VerifyConfig struct {
	AudioURL string
	Phrase   string
}

// BenchService 面向 handler/CLI 的门面：设置 -> 样本 -> 批次 -> 分析/导出/快照
type BenchService struct {
	Session   *ModelSession
	Runner    *BenchRunner
	Runs      *RunLog
	Snapshots *SnapshotStore
	Settings  *SettingsStore
	Hardware  model.HardwareProfile

	samples SampleSource
	audio   AudioSource
	verify  VerifyConfig
	log     *slog.Logger
	now     func() time.Time
}

type BenchServiceDeps struct {
	Session   *ModelSession
	Runner    *BenchRunner
	Runs      *RunLog
	Snapshots *SnapshotStore
	Settings  *SettingsStore
	Hardware  model.HardwareProfile
	Samples   SampleSource
	Audio     AudioSource
	Verify    VerifyConfig
	Logger    *slog.Logger
}

func NewBenchService(d BenchServiceDeps) *BenchService {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BenchService{
		Session:   d.Session,
		Runner:    d.Runner,
		Runs:      d.Runs,
		Snapshots: d.Snapshots,
		Settings:  d.Settings,
		Hardware:  d.Hardware,
		samples:   d.Samples,
		audio:     d.Audio,
		verify:    d.Verify,
		log:       logger.With("component", "bench"),
		now:       time.Now,
	}
}

// LoadModel 按配置加载模型；配置了参考音频时先解码再校验
func (s *BenchService) LoadModel(ctx context.Context, cfg model.ModelConfig, targetRate int) error {
	if s.Runner != nil && s.Runner.Running() {
		return ErrBatchRunning
	}
	var verify *Verification
	if strings.TrimSpace(s.verify.AudioURL) != "" {
		audio, err := s.audio.Load(ctx, s.verify.AudioURL, targetRate)
		if err != nil {
			return fmt.Errorf("加载校验音频失败: %w", err)
		}
		verify = &Verification{Audio: audio, Phrase: s.verify.Phrase}
	}
	return s.Session.Load(ctx, cfg, verify)
}

// BuildRequest 由设置准备样本并生成批次请求
func (s *BenchService) BuildRequest(ctx context.Context, settings model.Settings) (BatchRequest, error) {
	if err := ValidateSettings(settings); err != nil {
		return BatchRequest{}, err
	}
	if s.samples == nil {
		return BatchRequest{}, ErrNoSamples
	}
	ref := DatasetRef{Dataset: settings.Dataset, Config: settings.Config, Split: settings.Split}
	samples, err := s.samples.Prepare(ctx, ref, settings.SampleCount, settings.Seed)
	if err != nil {
		return BatchRequest{}, err
	}
	return BatchRequest{
		Samples:          samples,
		RepeatCount:      settings.RepeatCount,
		WarmupCount:      settings.WarmupCount,
		TargetSampleRate: settings.TargetSampleRate,
		Options:          TranscribeOptions{EnableProfiling: true},
		Seed:             settings.Seed,
		Model:            settings.Model,
	}, nil
}

// StartBatch 后台执行；runCtx 需长于请求生命周期
func (s *BenchService) StartBatch(ctx, runCtx context.Context, settings model.Settings) (string, error) {
	if s.Runner.Running() {
		return "", ErrBatchRunning
	}
	req, err := s.BuildRequest(ctx, settings)
	if err != nil {
		return "", err
	}
	return s.Runner.Start(runCtx, req)
}

func (s *BenchService) RunBatch(ctx context.Context, settings model.Settings) (*BatchResult, error) {
	req, err := s.BuildRequest(ctx, settings)
	if err != nil {
		return nil, err
	}
	return s.Runner.Run(ctx, req)
}

// UpdateSettings 保存设置；模型配置变化时当前模型失效（批次中则在批次结束后释放）
func (s *BenchService) UpdateSettings(ctx context.Context, settings model.Settings) error {
	prev, err := s.Settings.Get(ctx)
	if err != nil {
		return err
	}
	if err := s.Settings.Put(ctx, settings); err != nil {
		return err
	}
	if prev.Model != settings.Model {
		s.Session.MarkStale()
	}
	return nil
}

// Analyze 对当前运行日志重新计算派生统计
func (s *BenchService) Analyze(view ViewState) DerivedStats {
	return Recompute(view, s.Runs.Runs())
}

func (s *BenchService) Export(ctx context.Context) (model.BatchExport, error) {
	settings, err := s.Settings.Get(ctx)
	if err != nil {
		return model.BatchExport{}, err
	}
	return BuildExport(settings, s.Hardware, s.Runs.Runs(), s.now()), nil
}

// SaveSnapshot 以当前设置与运行日志保存快照
func (s *BenchService) SaveSnapshot(ctx context.Context, label string) (*model.Snapshot, error) {
	settings, err := s.Settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Snapshots.Save(ctx, label, s.Runs.Runs(), settings, s.Hardware)
}

// ViewFromSettings 设置中的分桶宽度与 R² 阈值
func ViewFromSettings(settings model.Settings, successfulOnly bool) ViewState {
	return ViewState{
		SuccessfulOnly: successfulOnly,
		BucketWidthSec: settings.BucketWidthSec,
		R2Threshold:    settings.R2Threshold,
	}
}
