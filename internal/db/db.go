package db

import (
	"context"
	"fmt"
	"log/slog"

	"asr-bench/internal/config"
	"asr-bench/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.DBName,
		cfg.Charset,
	)
}

// InitDB 连接 mysql 并迁移批次/运行记录表
func InitDB(cfg config.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gdb, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 自动迁移
	if err := gdb.AutoMigrate(
		&model.BenchBatch{},
		&model.RunRecord{},
	); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	logger.Info("数据库初始化成功", "host", cfg.Host, "db", cfg.DBName)
	return gdb, nil
}

// RunRepository 把运行日志与批次元数据写入 mysql，作为 RunSink / BatchObserver 挂到执行器上
type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) RecordRun(ctx context.Context, run model.Run) error {
	rec := model.NewRunRecord(run)
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("保存运行记录失败: %w", err)
	}
	return nil
}

// BatchFinished 按 batch_id upsert 批次元数据
func (r *RunRepository) BatchFinished(ctx context.Context, batch model.BenchBatch) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"planned", "completed", "errors", "stopped", "updated_at"}),
	}).Create(&batch).Error
	if err != nil {
		return fmt.Errorf("保存批次失败: %w", err)
	}
	return nil
}

// ListBatches 最近的批次，最新在前
func (r *RunRepository) ListBatches(ctx context.Context, limit int) ([]model.BenchBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.BenchBatch
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("查询批次失败: %w", err)
	}
	return out, nil
}

func (r *RunRepository) RunsByBatch(ctx context.Context, batchID string) ([]model.RunRecord, error) {
	var out []model.RunRecord
	if err := r.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return out, nil
}
