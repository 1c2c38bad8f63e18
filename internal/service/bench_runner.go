package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"asr-bench/internal/model"
)

type BatchState string

const (
	StateIdle      BatchState = "idle"
	StatePreparing BatchState = "preparing"
	StateFetching  BatchState = "fetching"
	StateWarmingUp BatchState = "warming_up"
	StateMeasuring BatchState = "measuring"
	StateStopped   BatchState = "stopped"
)

// Progress 进度；Current 在一个批次内单调不减
type Progress struct {
	BatchID   string     `json:"batchId,omitempty"`
	State     BatchState `json:"state"`
	Current   int        `json:"current"`
	Total     int        `json:"total"`
	Stage     string     `json:"stage"`
	SampleKey string     `json:"sampleKey,omitempty"`
}

type BatchRequest struct {
	Samples          []model.Sample    `json:"samples"`
	RepeatCount      int               `json:"repeatCount"`
	WarmupCount      int               `json:"warmupCount"`
	TargetSampleRate int               `json:"targetSampleRate"`
	Options          TranscribeOptions `json:"options"`
	// Model 期望的模型配置；非零值时必须与已加载模型一致
	Model model.ModelConfig `json:"model"`
	// Seed 仅用于记录批次元数据
	Seed string `json:"seed,omitempty"`
}

type BatchResult struct {
	BatchID    string      `json:"batchId"`
	Planned    int         `json:"planned"`
	Completed  int         `json:"completed"`
	Errors     int         `json:"errors"`
	Stopped    bool        `json:"stopped"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Runs       []model.Run `json:"runs,omitempty"`
}

// Status 批次状态文本：部分完成数与错误数
func (r *BatchResult) Status() string {
	verb := "完成"
	if r.Stopped {
		verb = "已停止"
	}
	return fmt.Sprintf("%s: %d/%d 次试验，%d 个错误", verb, r.Completed, r.Planned, r.Errors)
}

// BatchObserver 批次结束回调（如落库批次元数据），失败只记录日志
type BatchObserver interface {
	BatchFinished(ctx context.Context, batch model.BenchBatch) error
}

// BenchRunner 预热/重复测量协议的执行器。样本之间串行，推理后端不被并发调用。
type BenchRunner struct {
	session   *ModelSession
	audio     AudioSource
	runs      *RunLog
	hw        model.HardwareProfile
	observers []BatchObserver
	log       *slog.Logger

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	running  bool
	progress Progress
	last     *BatchResult
	stop     atomic.Bool
}

func NewBenchRunner(session *ModelSession, audio AudioSource, runs *RunLog, hw model.HardwareProfile, logger *slog.Logger, observers ...BatchObserver) *BenchRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &BenchRunner{
		session:   session,
		audio:     audio,
		runs:      runs,
		hw:        hw,
		observers: observers,
		log:       logger.With("component", "bench_runner"),
		now:       time.Now,
		newID:     uuid.NewString,
		progress:  Progress{State: StateIdle},
	}
}

type batchPlan struct {
	req   BatchRequest
	lease *ModelLease
	id    string
}

// Run 同步执行一个批次。只有启动前的校验失败会返回错误，单个样本/试验的失败都记录为错误 Run。
func (r *BenchRunner) Run(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	plan, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, plan), nil
}

// Start 校验后在后台执行批次，返回批次 ID
func (r *BenchRunner) Start(ctx context.Context, req BatchRequest) (string, error) {
	plan, err := r.prepare(req)
	if err != nil {
		return "", err
	}
	go r.execute(ctx, plan)
	return plan.id, nil
}

func (r *BenchRunner) prepare(req BatchRequest) (*batchPlan, error) {
	if len(req.Samples) == 0 {
		return nil, ErrNoSamples
	}
	if req.RepeatCount < 1 {
		return nil, fmt.Errorf("%w: repeat_count 必须 >= 1, got %d", ErrInvalidBatch, req.RepeatCount)
	}
	if req.WarmupCount < 0 {
		return nil, fmt.Errorf("%w: warmup_count 必须 >= 0, got %d", ErrInvalidBatch, req.WarmupCount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, ErrBatchRunning
	}
	lease, err := r.session.Acquire()
	if err != nil {
		return nil, err
	}
	if req.Model != (model.ModelConfig{}) && req.Model != lease.Config {
		lease.Release()
		return nil, fmt.Errorf("%w: 已加载 %s，批次需要 %s", ErrModelNotReady, lease.Config, req.Model)
	}
	r.running = true
	r.stop.Store(false)
	id := r.newID()
	r.progress = Progress{
		BatchID: id,
		State:   StatePreparing,
		Total:   len(req.Samples) * (req.WarmupCount + req.RepeatCount),
		Stage:   "preparing",
	}
	return &batchPlan{req: req, lease: lease, id: id}, nil
}

func (r *BenchRunner) execute(ctx context.Context, plan *batchPlan) *BatchResult {
	req, lease := plan.req, plan.lease
	defer lease.Release()

	perSample := req.WarmupCount + req.RepeatCount
	n := len(req.Samples)
	res := &BatchResult{
		BatchID:   plan.id,
		Planned:   n * req.RepeatCount,
		StartedAt: r.now(),
	}
	log := r.log.With("batch_id", plan.id)
	log.Info("batch started", "samples", n, "repeat", req.RepeatCount, "warmup", req.WarmupCount, "model", lease.Config.String())

	done := 0
outer:
	for i, sample := range req.Samples {
		if r.shouldStop(ctx) {
			res.Stopped = true
			break
		}
		key := sample.Key()
		r.advance(done, StateFetching, fmt.Sprintf("sample %d/%d: fetching audio", i+1, n), key)

		audio, err := r.audio.Load(ctx, sample.AudioURL, req.TargetSampleRate)
		if err != nil {
			now := r.now()
			run := r.baseRun(plan.id, sample, lease.Config)
			run.Error = "audio: " + err.Error()
			run.StartedAt, run.FinishedAt = now, now
			r.emit(ctx, res, run)
			log.Warn("audio failed", "sample_key", key, "error", err)
			done += perSample
			r.advance(done, StateFetching, fmt.Sprintf("sample %d/%d: audio failed", i+1, n), key)
			continue
		}

		for w := 1; w <= req.WarmupCount; w++ {
			if r.shouldStop(ctx) {
				res.Stopped = true
				break outer
			}
			r.advance(done, StateWarmingUp, fmt.Sprintf("sample %d/%d: warm-up %d/%d", i+1, n, w, req.WarmupCount), key)
			// 预热结果整体丢弃，只用于预热后端/缓存
			if _, err := lease.Transcriber.Transcribe(ctx, audio.PCM, audio.SampleRate, req.Options); err != nil {
				log.Debug("warm-up failed", "sample_key", key, "error", err)
			}
			done++
		}

		var baseline string
		haveBaseline := false
		for rep := 1; rep <= req.RepeatCount; rep++ {
			if r.shouldStop(ctx) {
				res.Stopped = true
				break outer
			}
			r.advance(done, StateMeasuring, fmt.Sprintf("sample %d/%d: repeat %d/%d", i+1, n, rep, req.RepeatCount), key)

			run := r.measure(ctx, lease, plan.id, sample, audio, rep, req.Options)
			if run.Error == "" {
				norm := NormalizeText(run.Transcription)
				if !haveBaseline {
					baseline, haveBaseline = norm, true
				}
				run.ExactMatchToFirst = model.Bool(norm == baseline)
				run.SimilarityToFirst = model.Float(TextSimilarity(norm, baseline))
			} else {
				log.Warn("trial failed", "sample_key", key, "repeat_index", rep, "error", run.Error)
			}
			r.emit(ctx, res, run)
			res.Completed++
			done++
			r.advance(done, StateMeasuring, fmt.Sprintf("sample %d/%d: repeat %d/%d done", i+1, n, rep, req.RepeatCount), key)
		}
	}
	res.FinishedAt = r.now()

	final := StateIdle
	stage := "done"
	if res.Stopped {
		final, stage = StateStopped, "stopped"
	}
	lease.Release()
	r.mu.Lock()
	r.progress.State = final
	r.progress.Stage = stage
	r.last = res
	r.running = false
	r.mu.Unlock()

	batch := model.BenchBatch{
		BatchID:      res.BatchID,
		ModelKey:     lease.Config.ModelKey,
		Backend:      lease.Config.Backend,
		Preprocessor: lease.Config.PreprocessorBackend,
		Seed:         req.Seed,
		SampleCount:  n,
		RepeatCount:  req.RepeatCount,
		WarmupCount:  req.WarmupCount,
		Planned:      res.Planned,
		Completed:    res.Completed,
		Errors:       res.Errors,
		Stopped:      res.Stopped,
	}
	for _, o := range r.observers {
		// 批次可能因 ctx 取消而停止，回调仍需执行
		if err := o.BatchFinished(context.WithoutCancel(ctx), batch); err != nil {
			log.Warn("batch observer failed", "error", err)
		}
	}
	log.Info("batch finished", "status", res.Status())
	return res
}

func (r *BenchRunner) measure(ctx context.Context, lease *ModelLease, batchID string, sample model.Sample, audio *DecodedAudio, rep int, opts TranscribeOptions) model.Run {
	run := r.baseRun(batchID, sample, lease.Config)
	run.RepeatIndex = rep
	run.AudioDurationSec = model.Float(audio.DurationSec)

	run.StartedAt = r.now()
	t0 := time.Now()
	out, err := lease.Transcriber.Transcribe(ctx, audio.PCM, audio.SampleRate, opts)
	elapsed := time.Since(t0)
	run.FinishedAt = r.now()

	switch {
	case err != nil:
		run.Error = "transcribe: " + err.Error()
	case out == nil:
		run.Error = "transcribe: 空响应"
	default:
		run.Transcription = out.Text
		run.Metrics = completeMetrics(out.Metrics, audio.DurationSec, elapsed)
		if run.Metrics.PreprocessorBackend != "" {
			run.PreprocessorBackend = run.Metrics.PreprocessorBackend
		}
	}
	return run
}

// completeMetrics 过滤非有限值，补全 total_ms（缺失时用墙钟耗时）、rtf 与各阶段 RTFx
func completeMetrics(in *model.RunMetrics, durationSec float64, elapsed time.Duration) *model.RunMetrics {
	m := in.Clone()
	if m == nil {
		m = &model.RunMetrics{}
	}
	for _, p := range []**float64{&m.PreprocessMs, &m.EncodeMs, &m.DecodeMs, &m.TokenizeMs, &m.TotalMs, &m.RTF} {
		if *p != nil && !model.IsFinite(**p) {
			*p = nil
		}
	}
	if m.TotalMs == nil {
		m.TotalMs = model.Float(float64(elapsed.Microseconds()) / 1000)
	}
	audioMs := durationSec * 1000
	if m.RTF == nil && *m.TotalMs > 0 {
		m.RTF = model.Float(audioMs / *m.TotalMs)
	}
	m.EncodeRTFx = stageRTFx(audioMs, m.EncodeMs)
	m.DecodeRTFx = stageRTFx(audioMs, m.DecodeMs)
	return m
}

func stageRTFx(audioMs float64, stageMs *float64) *float64 {
	if stageMs == nil || *stageMs <= 0 {
		return nil
	}
	return model.Float(audioMs / *stageMs)
}

func (r *BenchRunner) baseRun(batchID string, sample model.Sample, cfg model.ModelConfig) model.Run {
	return model.Run{
		ID:                  r.newID(),
		BatchID:             batchID,
		SampleKey:           sample.Key(),
		Split:               sample.Split,
		RowIndex:            sample.RowIndex,
		ReferenceText:       sample.ReferenceText,
		Speaker:             sample.Speaker,
		Gender:              sample.Gender,
		ModelKey:            cfg.ModelKey,
		Backend:             cfg.Backend,
		EncoderQuant:        cfg.EncoderQuant,
		DecoderQuant:        cfg.DecoderQuant,
		PreprocessorBackend: cfg.PreprocessorBackend,
		HardwareSummary:     r.hw.Summary(),
		CPUThreads:          r.hw.CPUThreads,
		GPUName:             r.hw.GPUName,
	}
}

func (r *BenchRunner) emit(ctx context.Context, res *BatchResult, run model.Run) {
	if run.Error != "" {
		res.Errors++
	}
	r.runs.Append(context.WithoutCancel(ctx), run)
	res.Runs = append(res.Runs, run)
}

// advance 更新进度，Current 只进不退
func (r *BenchRunner) advance(current int, state BatchState, stage, sampleKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current > r.progress.Current {
		r.progress.Current = current
	}
	r.progress.State = state
	r.progress.Stage = stage
	r.progress.SampleKey = sampleKey
}

func (r *BenchRunner) shouldStop(ctx context.Context) bool {
	return r.stop.Load() || ctx.Err() != nil
}

// Stop 协作式停止：当前推理完成并记录后，批次在下一个检查点停止
func (r *BenchRunner) Stop() {
	r.stop.Store(true)
}

func (r *BenchRunner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *BenchRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastResult 最近一次结束的批次（不含 Runs）
func (r *BenchRunner) LastResult() *BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	out := *r.last
	out.Runs = nil
	return &out
}
