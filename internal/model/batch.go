package model

import (
	"time"

	"gorm.io/gorm"
)

// BenchBatch 每次批次执行的元数据（用于跨批次隔离与可复现）
type BenchBatch struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	BatchID      string `gorm:"type:varchar(64);uniqueIndex" json:"batchId"`
	ModelKey     string `gorm:"type:varchar(200);index" json:"modelKey"`
	Backend      string `gorm:"type:varchar(50);index" json:"backend"`
	Preprocessor string `gorm:"type:varchar(50)" json:"preprocessor"`
	Seed         string `gorm:"type:varchar(100);index" json:"seed"`
	SampleCount  int    `json:"sampleCount"`
	RepeatCount  int    `json:"repeatCount"`
	WarmupCount  int    `json:"warmupCount"`
	// 批次结束时回填
	Planned   int  `json:"planned"`
	Completed int  `json:"completed"`
	Errors    int  `json:"errors"`
	Stopped   bool `json:"stopped"`
}

// RunRecord Run 的落库形态，指标拍平为可空列
type RunRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID       string `gorm:"type:varchar(64);uniqueIndex" json:"run_id"`
	BatchID     string `gorm:"type:varchar(64);index" json:"batch_id"`
	SampleKey   string `gorm:"type:varchar(200);index" json:"sample_key"`
	RepeatIndex int    `json:"repeat_index"`

	AudioDurationSec *float64 `json:"audio_duration_sec"`
	ReferenceText    string   `gorm:"type:text" json:"reference_text"`
	Transcription    string   `gorm:"type:text" json:"transcription"`
	ExactMatchFirst  *bool    `gorm:"type:boolean" json:"exact_match_first"`
	SimilarityFirst  *float64 `json:"similarity_first"`

	PreprocessMs *float64 `json:"preprocess_ms"`
	EncodeMs     *float64 `json:"encode_ms"`
	DecodeMs     *float64 `json:"decode_ms"`
	TokenizeMs   *float64 `json:"tokenize_ms"`
	TotalMs      *float64 `json:"total_ms"`
	RTF          *float64 `gorm:"column:rtf" json:"rtf"`
	TokenCount   *int     `json:"token_count"`

	Error string `gorm:"type:text" json:"error"`

	ModelKey            string `gorm:"type:varchar(200)" json:"model_key"`
	Backend             string `gorm:"type:varchar(50)" json:"backend"`
	EncoderQuant        string `gorm:"type:varchar(50)" json:"encoder_quant"`
	DecoderQuant        string `gorm:"type:varchar(50)" json:"decoder_quant"`
	PreprocessorBackend string `gorm:"type:varchar(50)" json:"preprocessor_backend"`
	HardwareSummary     string `gorm:"type:varchar(300)" json:"hardware_summary"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewRunRecord 由 Run 生成落库记录
func NewRunRecord(r Run) RunRecord {
	c := r.Clone()
	rec := RunRecord{
		RunID:               c.ID,
		BatchID:             c.BatchID,
		SampleKey:           c.SampleKey,
		RepeatIndex:         c.RepeatIndex,
		AudioDurationSec:    c.AudioDurationSec,
		ReferenceText:       c.ReferenceText,
		Transcription:       c.Transcription,
		ExactMatchFirst:     c.ExactMatchToFirst,
		SimilarityFirst:     c.SimilarityToFirst,
		Error:               c.Error,
		ModelKey:            c.ModelKey,
		Backend:             c.Backend,
		EncoderQuant:        c.EncoderQuant,
		DecoderQuant:        c.DecoderQuant,
		PreprocessorBackend: c.PreprocessorBackend,
		HardwareSummary:     c.HardwareSummary,
		StartedAt:           c.StartedAt,
		FinishedAt:          c.FinishedAt,
	}
	if m := c.Metrics; m != nil {
		rec.PreprocessMs = m.PreprocessMs
		rec.EncodeMs = m.EncodeMs
		rec.DecodeMs = m.DecodeMs
		rec.TokenizeMs = m.TokenizeMs
		rec.TotalMs = m.TotalMs
		rec.RTF = m.RTF
		rec.TokenCount = m.TokenCount
	}
	return rec
}
