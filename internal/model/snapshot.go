package model

import "time"

// StageSummary 单个指标的描述统计；Count 为 0 时其余字段无意义
type StageSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	StdDev float64 `json:"stddev"`
}

// BatchSummary 快照里保存的批次汇总
type BatchSummary struct {
	TotalRuns   int `json:"totalRuns"`
	SuccessRuns int `json:"successRuns"`
	ErrorRuns   int `json:"errorRuns"`
	SampleCount int `json:"sampleCount"`

	Stages map[string]StageSummary `json:"stages"`
	RTFx   map[string]StageSummary `json:"rtfx"`

	ExactRate      float64 `json:"exactRate"`
	ExactCompared  int     `json:"exactCompared"`
	SimilarityMean float64 `json:"similarityMean"`
	SimilarityStd  float64 `json:"similarityStd"`

	Bottleneck      string `json:"bottleneck,omitempty"`
	BottleneckBound string `json:"bottleneckBound,omitempty"`
}

// CompactRun 快照中的精简 Run：保留身份、结果与指标，去掉转写文本等大字段
type CompactRun struct {
	ID                  string      `json:"id"`
	BatchID             string      `json:"batchId"`
	SampleKey           string      `json:"sampleKey"`
	RepeatIndex         int         `json:"repeatIndex"`
	AudioDurationSec    *float64    `json:"audioDurationSec"`
	ExactMatchToFirst   *bool       `json:"exactMatchToFirst"`
	SimilarityToFirst   *float64    `json:"similarityToFirst"`
	Metrics             *RunMetrics `json:"metrics"`
	Error               string      `json:"error,omitempty"`
	Backend             string      `json:"backend"`
	PreprocessorBackend string      `json:"preprocessorBackend"`
}

// Compact 由完整 Run 生成精简记录（深拷贝）
func (r Run) Compact() CompactRun {
	c := r.Clone()
	return CompactRun{
		ID:                  c.ID,
		BatchID:             c.BatchID,
		SampleKey:           c.SampleKey,
		RepeatIndex:         c.RepeatIndex,
		AudioDurationSec:    c.AudioDurationSec,
		ExactMatchToFirst:   c.ExactMatchToFirst,
		SimilarityToFirst:   c.SimilarityToFirst,
		Metrics:             c.Metrics,
		Error:               c.Error,
		Backend:             c.Backend,
		PreprocessorBackend: c.PreprocessorBackend,
	}
}

// Expand 还原为 Run 以复用分析逻辑（缺失字段保持零值）
func (c CompactRun) Expand() Run {
	r := Run{
		ID:                  c.ID,
		BatchID:             c.BatchID,
		SampleKey:           c.SampleKey,
		RepeatIndex:         c.RepeatIndex,
		AudioDurationSec:    c.AudioDurationSec,
		ExactMatchToFirst:   c.ExactMatchToFirst,
		SimilarityToFirst:   c.SimilarityToFirst,
		Metrics:             c.Metrics,
		Error:               c.Error,
		Backend:             c.Backend,
		PreprocessorBackend: c.PreprocessorBackend,
	}
	return r.Clone()
}

// Snapshot 某一时刻的批次副本，保存后与实时运行日志相互独立
type Snapshot struct {
	ID              string          `json:"id"`
	CreatedAt       time.Time       `json:"createdAt"`
	Label           string          `json:"label"`
	Settings        Settings        `json:"settings"`
	Summary         BatchSummary    `json:"summary"`
	HardwareProfile HardwareProfile `json:"hardwareProfile"`
	HardwareSummary string          `json:"hardwareSummary"`
	Runs            []CompactRun    `json:"runs"`
}

// BatchExport 导出的 JSON 文档，也是导入快照的输入
type BatchExport struct {
	GeneratedAt     time.Time       `json:"generatedAt"`
	Settings        Settings        `json:"settings"`
	HardwareProfile HardwareProfile `json:"hardwareProfile"`
	HardwareSummary string          `json:"hardwareSummary"`
	Runs            []Run           `json:"runs"`
}
