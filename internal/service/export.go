package service

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"asr-bench/internal/model"
)

// CSVColumns 导出列顺序（v1）。只允许在末尾追加新列。
var CSVColumns = []string{
	"batch_id", "started_at", "finished_at", "run_id", "sample_key", "repeat_index",
	"audio_duration_sec", "transcription", "reference_text", "exact_match_first", "similarity_first",
	"preprocess_ms", "encode_ms", "decode_ms", "tokenize_ms", "total_ms", "rtf",
	"encode_rtfx", "decode_rtfx", "token_count",
	"preprocessor_backend", "backend", "model_key", "encoder_quant", "decoder_quant",
	"split", "row_index", "speaker", "gender", "hardware_summary", "error",
}

// BuildExport 组装 JSON 导出文档（runs 深拷贝）
func BuildExport(settings model.Settings, hw model.HardwareProfile, runs []model.Run, now time.Time) model.BatchExport {
	out := model.BatchExport{
		GeneratedAt:     now,
		Settings:        settings,
		HardwareProfile: hw,
		HardwareSummary: hw.Summary(),
		Runs:            make([]model.Run, 0, len(runs)),
	}
	for i := range runs {
		out.Runs = append(out.Runs, runs[i].Clone())
	}
	return out
}

func WriteExportJSON(w io.Writer, exp model.BatchExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exp); err != nil {
		return fmt.Errorf("写入 JSON 失败: %w", err)
	}
	return nil
}

func ReadExportJSON(r io.Reader) (model.BatchExport, error) {
	var exp model.BatchExport
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return exp, fmt.Errorf("解析导出文件失败: %w", err)
	}
	return exp, nil
}

func fmtFloat(p *float64) string {
	if p == nil || !model.IsFinite(*p) {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func runRecord(r *model.Run) []string {
	m := r.Metrics
	if m == nil {
		m = &model.RunMetrics{}
	}
	exact := ""
	if r.ExactMatchToFirst != nil {
		exact = strconv.FormatBool(*r.ExactMatchToFirst)
	}
	tokens := ""
	if m.TokenCount != nil {
		tokens = strconv.Itoa(*m.TokenCount)
	}
	return []string{
		r.BatchID, fmtTime(r.StartedAt), fmtTime(r.FinishedAt), r.ID, r.SampleKey, strconv.Itoa(r.RepeatIndex),
		fmtFloat(r.AudioDurationSec), r.Transcription, r.ReferenceText, exact, fmtFloat(r.SimilarityToFirst),
		fmtFloat(m.PreprocessMs), fmtFloat(m.EncodeMs), fmtFloat(m.DecodeMs), fmtFloat(m.TokenizeMs), fmtFloat(m.TotalMs), fmtFloat(m.RTF),
		fmtFloat(m.EncodeRTFx), fmtFloat(m.DecodeRTFx), tokens,
		r.PreprocessorBackend, r.Backend, r.ModelKey, r.EncoderQuant, r.DecoderQuant,
		r.Split, strconv.Itoa(r.RowIndex), r.Speaker, r.Gender, r.HardwareSummary, r.Error,
	}
}

// WriteRunsCSV RFC 4180：含逗号、引号、换行的字段加引号，内部引号加倍
func WriteRunsCSV(w io.Writer, runs []model.Run) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVColumns); err != nil {
		return fmt.Errorf("写入 CSV 表头失败: %w", err)
	}
	for i := range runs {
		if err := cw.Write(runRecord(&runs[i])); err != nil {
			return fmt.Errorf("写入 CSV 失败: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseRunsCSV 按表头列名解析，未知列忽略，缺失列保持零值
func ParseRunsCSV(r io.Reader) ([]model.Run, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取 CSV 表头失败: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	var runs []model.Run
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("读取 CSV 第 %d 行失败: %w", line, err)
		}
		run, err := parseRunRecord(col, rec)
		if err != nil {
			return nil, fmt.Errorf("解析 CSV 第 %d 行失败: %w", line, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

type csvRow struct {
	col map[string]int
	rec []string
	err error
}

func (c *csvRow) str(name string) string {
	i, ok := c.col[name]
	if !ok || i >= len(c.rec) {
		return ""
	}
	return c.rec[i]
}

func (c *csvRow) number(name string) *float64 {
	s := c.str(name)
	if s == "" || c.err != nil {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		c.err = fmt.Errorf("%s: %w", name, err)
		return nil
	}
	return &v
}

func (c *csvRow) integer(name string) int {
	s := c.str(name)
	if s == "" || c.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		c.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (c *csvRow) timestamp(name string) time.Time {
	s := c.str(name)
	if s == "" || c.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		c.err = fmt.Errorf("%s: %w", name, err)
	}
	return t
}

func parseRunRecord(col map[string]int, rec []string) (model.Run, error) {
	c := &csvRow{col: col, rec: rec}
	r := model.Run{
		BatchID:             c.str("batch_id"),
		StartedAt:           c.timestamp("started_at"),
		FinishedAt:          c.timestamp("finished_at"),
		ID:                  c.str("run_id"),
		SampleKey:           c.str("sample_key"),
		RepeatIndex:         c.integer("repeat_index"),
		AudioDurationSec:    c.number("audio_duration_sec"),
		Transcription:       c.str("transcription"),
		ReferenceText:       c.str("reference_text"),
		SimilarityToFirst:   c.number("similarity_first"),
		PreprocessorBackend: c.str("preprocessor_backend"),
		Backend:             c.str("backend"),
		ModelKey:            c.str("model_key"),
		EncoderQuant:        c.str("encoder_quant"),
		DecoderQuant:        c.str("decoder_quant"),
		Split:               c.str("split"),
		RowIndex:            c.integer("row_index"),
		Speaker:             c.str("speaker"),
		Gender:              c.str("gender"),
		HardwareSummary:     c.str("hardware_summary"),
		Error:               c.str("error"),
	}
	if s := c.str("exact_match_first"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return r, fmt.Errorf("exact_match_first: %w", err)
		}
		r.ExactMatchToFirst = &b
	}
	if r.Error == "" {
		m := &model.RunMetrics{
			PreprocessMs:        c.number("preprocess_ms"),
			EncodeMs:            c.number("encode_ms"),
			DecodeMs:            c.number("decode_ms"),
			TokenizeMs:          c.number("tokenize_ms"),
			TotalMs:             c.number("total_ms"),
			RTF:                 c.number("rtf"),
			EncodeRTFx:          c.number("encode_rtfx"),
			DecodeRTFx:          c.number("decode_rtfx"),
			PreprocessorBackend: r.PreprocessorBackend,
		}
		if s := c.str("token_count"); s != "" {
			n := c.integer("token_count")
			m.TokenCount = &n
		}
		r.Metrics = m
	}
	return r, c.err
}
