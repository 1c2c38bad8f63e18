package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"asr-bench/internal/config"
	"asr-bench/internal/db"
	"asr-bench/internal/kv"
	"asr-bench/internal/metrics"
	"asr-bench/internal/model"
)

type ServiceContext struct {
	Config  *config.Config
	Bench   *BenchService
	Metrics *metrics.Recorder
	Repo    *db.RunRepository

	store     kv.Store
	metaStore kv.Store
	log       *slog.Logger
}

// DefaultSettings 配置文件中的批次设置
func DefaultSettings(cfg *config.Config) model.Settings {
	return model.Settings{
		Model: model.ModelConfig{
			ModelKey:            cfg.ASR.ModelKey,
			Backend:             cfg.ASR.Backend,
			EncoderQuant:        cfg.ASR.EncoderQuant,
			DecoderQuant:        cfg.ASR.DecoderQuant,
			PreprocessorBackend: cfg.ASR.PreprocessorBackend,
		},
		Dataset:          cfg.Dataset.Dataset,
		Config:           cfg.Dataset.Config,
		Split:            cfg.Dataset.Split,
		SampleCount:      cfg.Bench.SampleCount,
		Seed:             cfg.Bench.Seed,
		RepeatCount:      cfg.Bench.RepeatCount,
		WarmupCount:      cfg.Bench.WarmupCount,
		TargetSampleRate: cfg.Bench.TargetSampleRate,
		BucketWidthSec:   cfg.Bench.BucketWidthSec,
		R2Threshold:      cfg.Bench.R2Threshold,
	}
}

func NewServiceContext(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ServiceContext, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &ServiceContext{Config: cfg, log: logger}

	store, err := kv.OpenBadger(kv.BadgerConfig{
		Path:     cfg.Storage.BadgerPath,
		InMemory: cfg.Storage.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	sc.store = store
	sc.metaStore = store

	if cfg.Redis.Enabled {
		rs, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "asrbench:",
		})
		if err != nil {
			_ = sc.Close(ctx)
			return nil, err
		}
		sc.metaStore = rs
	}

	sc.Metrics = metrics.NewRecorder()
	sinks := []RunSink{sc.Metrics}
	var observers []BatchObserver
	if cfg.Database.Enabled {
		gdb, err := db.InitDB(cfg.Database, logger)
		if err != nil {
			_ = sc.Close(ctx)
			return nil, err
		}
		sc.Repo = db.NewRunRepository(gdb)
		sinks = append(sinks, sc.Repo)
		observers = append(observers, sc.Repo)
	}

	runs := NewRunLog(logger, sinks...)
	hw := ProbeHardware(cfg.Hardware)
	audio := NewAudioLoader(&http.Client{Timeout: cfg.Dataset.Timeout * 2}, NewAudioCache(cfg.AudioCache.MaxEntries, cfg.AudioCache.TTL), logger)
	session := NewModelSession(NewHTTPASRBackend(cfg.ASR.BaseURL, cfg.ASR.Timeout), logger)
	dataset := NewDatasetClient(DatasetClientOptions{
		BaseURL:           cfg.Dataset.BaseURL,
		Timeout:           cfg.Dataset.Timeout,
		MaxRetries:        cfg.Dataset.MaxRetries,
		RequestsPerSecond: cfg.Dataset.RequestsPerSecond,
		Logger:            logger,
	})

	sc.Bench = NewBenchService(BenchServiceDeps{
		Session:   session,
		Runner:    NewBenchRunner(session, audio, runs, hw, logger, observers...),
		Runs:      runs,
		Snapshots: NewSnapshotStore(store, cfg.Bench.SnapshotCap, logger),
		Settings:  NewSettingsStore(store, DefaultSettings(cfg)),
		Hardware:  hw,
		Samples:   NewSamplePreparer(dataset, NewMetadataCache(sc.metaStore, cfg.Dataset.MetadataTTL, logger), logger),
		Audio:     audio,
		Verify:    VerifyConfig{AudioURL: cfg.ASR.VerifyAudioURL, Phrase: cfg.ASR.VerifyPhrase},
		Logger:    logger,
	})
	return sc, nil
}

// Close 释放模型并关闭存储
func (sc *ServiceContext) Close(ctx context.Context) error {
	var errs []error
	if sc.Bench != nil {
		sc.Bench.Runner.Stop()
		if err := sc.Bench.Session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sc.metaStore != nil && sc.metaStore != sc.store {
		if err := sc.metaStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sc.store != nil {
		if err := sc.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
