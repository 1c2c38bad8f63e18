package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"asr-bench/internal/kv"
	"asr-bench/internal/model"
)

const SettingsKey = "asrbench:settings:v1"

// SettingsStore 持久化当前设置；不存在时返回构造时给定的默认值
type SettingsStore struct {
	store    kv.Store
	defaults model.Settings
}

func NewSettingsStore(store kv.Store, defaults model.Settings) *SettingsStore {
	return &SettingsStore{store: store, defaults: defaults}
}

func (s *SettingsStore) Get(ctx context.Context) (model.Settings, error) {
	raw, err := s.store.Get(ctx, SettingsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return s.defaults, nil
	}
	if err != nil {
		return s.defaults, fmt.Errorf("读取设置失败: %w", err)
	}
	out := s.defaults
	if err := json.Unmarshal(raw, &out); err != nil {
		return s.defaults, fmt.Errorf("解析设置失败: %w", err)
	}
	return out, nil
}

func (s *SettingsStore) Put(ctx context.Context, settings model.Settings) error {
	if err := ValidateSettings(settings); err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("序列化设置失败: %w", err)
	}
	if err := s.store.Set(ctx, SettingsKey, raw, 0); err != nil {
		return fmt.Errorf("保存设置失败: %w", err)
	}
	return nil
}

// ValidateSettings 与批次前置校验保持一致
func ValidateSettings(s model.Settings) error {
	switch {
	case s.RepeatCount < 1:
		return fmt.Errorf("%w: repeatCount 必须 >= 1", ErrInvalidBatch)
	case s.WarmupCount < 0:
		return fmt.Errorf("%w: warmupCount 必须 >= 0", ErrInvalidBatch)
	case s.SampleCount < 0:
		return fmt.Errorf("%w: sampleCount 必须 >= 0", ErrInvalidBatch)
	case s.R2Threshold < 0 || s.R2Threshold > 1:
		return fmt.Errorf("%w: r2Threshold 必须在 [0,1]", ErrInvalidBatch)
	}
	return nil
}
