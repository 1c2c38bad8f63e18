package model

import (
	"math"
	"time"
)

// 阶段指标键（与导出格式保持一致）
const (
	StagePreprocess = "preprocess_ms"
	StageEncode     = "encode_ms"
	StageDecode     = "decode_ms"
	StageTokenize   = "tokenize_ms"
	StageTotal      = "total_ms"
	StageRTF        = "rtf"
)

// SummaryStages 全局汇总覆盖的指标，顺序即展示顺序
var SummaryStages = []string{StagePreprocess, StageEncode, StageDecode, StageTokenize, StageTotal, StageRTF}

// TimedStages 参与瓶颈排名的流水线阶段（不含 total 与 rtf）
var TimedStages = []string{StagePreprocess, StageEncode, StageDecode, StageTokenize}

// RunMetrics 单次推理的分阶段耗时。nil 字段表示后端未上报或非有限值。
type RunMetrics struct {
	PreprocessMs        *float64 `json:"preprocess_ms,omitempty"`
	EncodeMs            *float64 `json:"encode_ms,omitempty"`
	DecodeMs            *float64 `json:"decode_ms,omitempty"`
	TokenizeMs          *float64 `json:"tokenize_ms,omitempty"`
	TotalMs             *float64 `json:"total_ms,omitempty"`
	RTF                 *float64 `json:"rtf,omitempty"`
	EncodeRTFx          *float64 `json:"encode_rtfx,omitempty"`
	DecodeRTFx          *float64 `json:"decode_rtfx,omitempty"`
	PreprocessorBackend string   `json:"preprocessor_backend,omitempty"`
	// TokenCount 输出 token 数（后端支持时上报）
	TokenCount *int `json:"token_count,omitempty"`
}

// Value 按指标键取值，缺失或非有限值返回 false
func (m *RunMetrics) Value(key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	var p *float64
	switch key {
	case StagePreprocess:
		p = m.PreprocessMs
	case StageEncode:
		p = m.EncodeMs
	case StageDecode:
		p = m.DecodeMs
	case StageTokenize:
		p = m.TokenizeMs
	case StageTotal:
		p = m.TotalMs
	case StageRTF:
		p = m.RTF
	case "encode_rtfx":
		p = m.EncodeRTFx
	case "decode_rtfx":
		p = m.DecodeRTFx
	}
	if p == nil || !IsFinite(*p) {
		return 0, false
	}
	return *p, true
}

// Clone 深拷贝
func (m *RunMetrics) Clone() *RunMetrics {
	if m == nil {
		return nil
	}
	out := &RunMetrics{
		PreprocessMs:        CloneFloat(m.PreprocessMs),
		EncodeMs:            CloneFloat(m.EncodeMs),
		DecodeMs:            CloneFloat(m.DecodeMs),
		TokenizeMs:          CloneFloat(m.TokenizeMs),
		TotalMs:             CloneFloat(m.TotalMs),
		RTF:                 CloneFloat(m.RTF),
		EncodeRTFx:          CloneFloat(m.EncodeRTFx),
		DecodeRTFx:          CloneFloat(m.DecodeRTFx),
		PreprocessorBackend: m.PreprocessorBackend,
	}
	if m.TokenCount != nil {
		n := *m.TokenCount
		out.TokenCount = &n
	}
	return out
}

// Run 一次实测（或解码失败占位）试验的结果，追加到运行日志后不再修改
type Run struct {
	ID          string `json:"id"`
	BatchID     string `json:"batchId"`
	SampleKey   string `json:"sampleKey"`
	Split       string `json:"split,omitempty"`
	RowIndex    int    `json:"rowIndex"`
	RepeatIndex int    `json:"repeatIndex"` // 1 起；0 为音频解码失败占位

	AudioDurationSec  *float64    `json:"audioDurationSec"`
	ReferenceText     string      `json:"referenceText"`
	Transcription     string      `json:"transcription"`
	ExactMatchToFirst *bool       `json:"exactMatchToFirst"`
	SimilarityToFirst *float64    `json:"similarityToFirst"`
	Metrics           *RunMetrics `json:"metrics"`
	Error             string      `json:"error,omitempty"`

	Speaker string `json:"speaker,omitempty"`
	Gender  string `json:"gender,omitempty"`

	// 运行时配置/环境快照
	ModelKey            string `json:"modelKey"`
	Backend             string `json:"backend"`
	EncoderQuant        string `json:"encoderQuant"`
	DecoderQuant        string `json:"decoderQuant"`
	PreprocessorBackend string `json:"preprocessorBackend"`
	HardwareSummary     string `json:"hardwareSummary,omitempty"`
	CPUThreads          int    `json:"cpuThreads,omitempty"`
	GPUName             string `json:"gpuName,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Succeeded 成功：无错误、有指标且 total_ms 有限
func (r *Run) Succeeded() bool {
	if r.Error != "" || r.Metrics == nil {
		return false
	}
	_, ok := r.Metrics.Value(StageTotal)
	return ok
}

// Duration 音频时长（秒），缺失返回 false
func (r *Run) Duration() (float64, bool) {
	if r.AudioDurationSec == nil || !IsFinite(*r.AudioDurationSec) {
		return 0, false
	}
	return *r.AudioDurationSec, true
}

// Clone 深拷贝，快照保存时使用
func (r Run) Clone() Run {
	out := r
	out.AudioDurationSec = CloneFloat(r.AudioDurationSec)
	out.SimilarityToFirst = CloneFloat(r.SimilarityToFirst)
	if r.ExactMatchToFirst != nil {
		b := *r.ExactMatchToFirst
		out.ExactMatchToFirst = &b
	}
	out.Metrics = r.Metrics.Clone()
	return out
}

func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func CloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float 取地址的便捷函数
func Float(v float64) *float64 {
	return &v
}

func Bool(v bool) *bool {
	return &v
}
