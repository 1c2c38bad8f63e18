package service

import "errors"

var (
	// ErrNoSamples 没有可用样本，批次拒绝启动
	ErrNoSamples = errors.New("没有可用样本")

	// ErrModelNotReady 没有已校验的模型，批次拒绝启动
	ErrModelNotReady = errors.New("模型未就绪")

	// ErrBatchRunning 同一时间只允许一个批次
	ErrBatchRunning = errors.New("已有批次在运行")

	// ErrInvalidBatch 批次参数非法（repeat < 1 或 warmup < 0）
	ErrInvalidBatch = errors.New("批次参数非法")

	// ErrVerificationMismatch 预热转写中未找到参考短语
	ErrVerificationMismatch = errors.New("模型校验失败：转写结果不包含参考短语")

	// ErrNoRuns 运行日志为空，无法保存/导入快照
	ErrNoRuns = errors.New("没有运行记录")

	ErrSnapshotNotFound   = errors.New("快照不存在")
	ErrNotEnoughSnapshots = errors.New("至少需要两个快照")
	ErrUnknownMetric      = errors.New("未知指标")
)
