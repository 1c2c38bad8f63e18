package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"asr-bench/internal/model"
)

// Verification 模型就绪校验：转写参考音频，归一化结果需包含参考短语
type Verification struct {
	Audio  *DecodedAudio
	Phrase string
}

// SessionStatus 会话状态
type SessionStatus struct {
	Ready           bool              `json:"ready"`
	Config          model.ModelConfig `json:"config"`
	LoadedAt        time.Time         `json:"loadedAt,omitempty"`
	PendingReleases int               `json:"pendingReleases"`
	LastError       string            `json:"lastError,omitempty"`
}

// ModelSession 独占持有唯一的已加载模型。配置变化时旧模型失效并进入释放队列，
// 新模型加载前等待队列排空。
type ModelSession struct {
	backend  ModelBackend
	releases *ReleaseQueue
	log      *slog.Logger

	// use 读锁由批次持有（租约），写锁由加载/失效持有，保证批次中模型不会被释放
	use sync.RWMutex

	mu       sync.Mutex
	current  LoadedModel
	cfg      model.ModelConfig
	ready    bool
	// stale 配置已变化但模型仍被批次租用，租约归还时释放
	stale    bool
	loadedAt time.Time
	lastErr  string
}

func NewModelSession(backend ModelBackend, logger *slog.Logger) *ModelSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelSession{
		backend:  backend,
		releases: NewReleaseQueue(logger),
		log:      logger.With("component", "session"),
	}
}

// Load 加载并（可选）校验模型。配置相同且已就绪时直接返回。
func (s *ModelSession) Load(ctx context.Context, cfg model.ModelConfig, verify *Verification) error {
	s.use.Lock()
	defer s.use.Unlock()

	s.mu.Lock()
	if s.ready && s.cfg == cfg {
		s.mu.Unlock()
		return nil
	}
	s.invalidateLocked()
	s.mu.Unlock()

	if err := s.releases.Wait(ctx); err != nil {
		return fmt.Errorf("等待模型释放失败: %w", err)
	}

	start := time.Now()
	m, err := s.backend.Load(ctx, cfg)
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("加载模型失败: %w", err)
	}

	if verify != nil && strings.TrimSpace(verify.Phrase) != "" {
		if err := verifyModel(ctx, m, verify); err != nil {
			s.releases.Enqueue(cfg.String(), m.Release)
			s.setErr(err)
			return err
		}
	}

	s.mu.Lock()
	s.current, s.cfg, s.ready, s.stale = m, cfg, true, false
	s.loadedAt = time.Now()
	s.lastErr = ""
	s.mu.Unlock()
	s.log.Info("model ready", "config", cfg.String(), "load_ms", time.Since(start).Milliseconds())
	return nil
}

func verifyModel(ctx context.Context, m LoadedModel, v *Verification) error {
	if v.Audio == nil {
		return fmt.Errorf("%w: 缺少参考音频", ErrVerificationMismatch)
	}
	out, err := m.Transcribe(ctx, v.Audio.PCM, v.Audio.SampleRate, TranscribeOptions{})
	if err != nil {
		return fmt.Errorf("校验转写失败: %w", err)
	}
	if !strings.Contains(NormalizeText(out.Text), NormalizeText(v.Phrase)) {
		return fmt.Errorf("%w: got %q", ErrVerificationMismatch, truncate(out.Text, 200))
	}
	return nil
}

// Invalidate 配置变化时调用：当前模型失效并排队释放
func (s *ModelSession) Invalidate() {
	s.use.Lock()
	defer s.use.Unlock()
	s.mu.Lock()
	s.invalidateLocked()
	s.mu.Unlock()
}

// MarkStale 设置中的模型配置变化时调用，不阻塞：
// 空闲时立即失效；批次持有租约时模型立即不再出借，租约归还后再排队释放
func (s *ModelSession) MarkStale() {
	if s.use.TryLock() {
		s.mu.Lock()
		s.invalidateLocked()
		s.mu.Unlock()
		s.use.Unlock()
		return
	}
	s.mu.Lock()
	if s.current != nil {
		s.ready = false
		s.stale = true
	}
	cfg := s.cfg
	s.mu.Unlock()
	s.log.Info("model marked stale while leased", "config", cfg.String())
}

func (s *ModelSession) invalidateLocked() {
	if s.current != nil {
		s.releases.Enqueue(s.cfg.String(), s.current.Release)
	}
	s.current = nil
	s.ready = false
	s.stale = false
}

// releaseStale 租约归还后处理推迟的失效
func (s *ModelSession) releaseStale() {
	s.mu.Lock()
	stale := s.stale
	s.mu.Unlock()
	if stale {
		s.Invalidate()
	}
}

// ModelLease 批次期间持有的模型租约，结束后必须 Release
type ModelLease struct {
	Transcriber Transcriber
	Config      model.ModelConfig
	once        sync.Once
	unlock      func()
}

func (l *ModelLease) Release() {
	l.once.Do(l.unlock)
}

// Acquire 获取已就绪模型的租约；未就绪返回 ErrModelNotReady
func (s *ModelSession) Acquire() (*ModelLease, error) {
	s.use.RLock()
	s.mu.Lock()
	m, cfg, ready := s.current, s.cfg, s.ready
	s.mu.Unlock()
	if !ready || m == nil {
		s.use.RUnlock()
		return nil, ErrModelNotReady
	}
	return &ModelLease{Transcriber: m, Config: cfg, unlock: func() {
		s.use.RUnlock()
		s.releaseStale()
	}}, nil
}

func (s *ModelSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Ready:           s.ready,
		Config:          s.cfg,
		LoadedAt:        s.loadedAt,
		PendingReleases: s.releases.Pending(),
		LastError:       s.lastErr,
	}
}

// Close 释放当前模型并等待队列排空
func (s *ModelSession) Close(ctx context.Context) error {
	s.Invalidate()
	return s.releases.Wait(ctx)
}

func (s *ModelSession) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}
