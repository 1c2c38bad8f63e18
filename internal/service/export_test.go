package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asr-bench/internal/config"
	"asr-bench/internal/model"
)

func exportFixture() model.BatchExport {
	started := time.Date(2026, 4, 1, 9, 0, 0, 123000000, time.UTC)
	tokens := 12
	runs := []model.Run{
		{
			ID: "r1", BatchID: "b1", SampleKey: "test:4", Split: "test", RowIndex: 4, RepeatIndex: 1,
			AudioDurationSec:  model.Float(3.5),
			Transcription:     `he said "hi", then left`,
			ReferenceText:     "he said hi then left",
			ExactMatchToFirst: model.Bool(true),
			SimilarityToFirst: model.Float(1),
			Metrics: &model.RunMetrics{
				PreprocessMs: model.Float(4.5), EncodeMs: model.Float(30), DecodeMs: model.Float(80.25),
				TotalMs: model.Float(115), RTF: model.Float(30.43), TokenCount: &tokens,
			},
			ModelKey: "parakeet-tdt-0.6b", Backend: "webgpu", EncoderQuant: "fp16", DecoderQuant: "int8",
			PreprocessorBackend: "js", HardwareSummary: "linux/amd64, 8 threads",
			Speaker: "1272", Gender: "M",
			StartedAt: started, FinishedAt: started.Add(115 * time.Millisecond),
		},
		{
			ID: "r2", BatchID: "b1", SampleKey: "test:9", Split: "test", RowIndex: 9,
			Error:     "audio: 下载音频失败: 404, not found",
			ModelKey:  "parakeet-tdt-0.6b", Backend: "webgpu",
			StartedAt: started, FinishedAt: started,
		},
	}
	return BuildExport(model.Settings{Dataset: "librispeech", RepeatCount: 1}, model.HardwareProfile{OS: "linux", Arch: "amd64", CPUThreads: 8}, runs, started)
}

// 含逗号和引号的转写加引号输出，内部引号加倍，重新解析后完全一致
func TestWriteRunsCSV_QuotingRoundTrip(t *testing.T) {
	exp := exportFixture()
	var buf bytes.Buffer
	require.NoError(t, WriteRunsCSV(&buf, exp.Runs))
	out := buf.String()
	t.Logf("csv:\n%s", out)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(CSVColumns, ","), lines[0])
	assert.Contains(t, out, `"he said ""hi"", then left"`)

	runs, err := ParseRunsCSV(&buf)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	got, want := runs[0], exp.Runs[0]
	assert.Equal(t, want.Transcription, got.Transcription)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.SampleKey, got.SampleKey)
	assert.Equal(t, want.RowIndex, got.RowIndex)
	assert.Equal(t, want.Speaker, got.Speaker)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, *want.AudioDurationSec, *got.AudioDurationSec)
	assert.Equal(t, *want.ExactMatchToFirst, *got.ExactMatchToFirst)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 80.25, *got.Metrics.DecodeMs)
	assert.Equal(t, 12, *got.Metrics.TokenCount)
	assert.Nil(t, got.Metrics.TokenizeMs)
	assert.True(t, got.Succeeded())

	failed := runs[1]
	assert.Equal(t, exp.Runs[1].Error, failed.Error)
	assert.Nil(t, failed.Metrics)
	assert.Nil(t, failed.ExactMatchToFirst)
	assert.Equal(t, 0, failed.RepeatIndex)
}

func TestParseRunsCSV_HeaderByNameAndBOM(t *testing.T) {
	in := "\ufeffsample_key,extra,total_ms,repeat_index\ntest:1,ignored,12.5,2\n"
	runs, err := ParseRunsCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "test:1", runs[0].SampleKey)
	assert.Equal(t, 2, runs[0].RepeatIndex)
	assert.Equal(t, 12.5, *runs[0].Metrics.TotalMs)

	empty, err := ParseRunsCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseRunsCSV(strings.NewReader("total_ms\nnot-a-number\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "第 2 行")
}

func TestExportJSON_RoundTrip(t *testing.T) {
	exp := exportFixture()
	var buf bytes.Buffer
	require.NoError(t, WriteExportJSON(&buf, exp))
	assert.Contains(t, buf.String(), `"hardwareSummary": "linux/amd64, 8 threads"`)

	got, err := ReadExportJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, exp.Settings, got.Settings)
	require.Len(t, got.Runs, 2)
	assert.Equal(t, exp.Runs[0].Transcription, got.Runs[0].Transcription)
	assert.Equal(t, *exp.Runs[0].Metrics.DecodeMs, *got.Runs[0].Metrics.DecodeMs)

	_, err = ReadExportJSON(strings.NewReader("{"))
	assert.Error(t, err)
}

func TestBuildExport_CopiesRuns(t *testing.T) {
	runs := []model.Run{{ID: "r", Metrics: &model.RunMetrics{TotalMs: model.Float(1)}}}
	exp := BuildExport(model.Settings{}, model.HardwareProfile{}, runs, time.Now())
	*runs[0].Metrics.TotalMs = 5
	assert.Equal(t, 1.0, *exp.Runs[0].Metrics.TotalMs)
}

func TestRenderBatchMarkdown(t *testing.T) {
	exp := exportFixture()
	for i := 0; i < 25; i++ {
		exp.Runs = append(exp.Runs, model.Run{SampleKey: fmt.Sprintf("test:%d", 100+i), Error: "audio: timeout"})
	}
	md := RenderBatchMarkdown(exp, Recompute(ViewState{}, exp.Runs))
	t.Logf("report:\n%s", md)

	assert.Contains(t, md, "# ASR 基准报告")
	assert.Contains(t, md, "librispeech")
	assert.Contains(t, md, "## 阶段耗时")
	assert.Contains(t, md, "| decode_ms | 1 |")
	assert.Contains(t, md, "## 自动结论")
	assert.Contains(t, md, "## 执行错误")
	assert.Contains(t, md, "剩余 6 条省略")
	// tokenize_ms 没有数据，不出现在阶段表
	assert.NotContains(t, md, "| tokenize_ms |")
}

func TestWriteBatchOutputsAndReadBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outputs")
	exp := exportFixture()
	paths, err := WriteBatchOutputs(dir, "b1", exp, Recompute(ViewState{}, exp.Runs))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "batch_b1.json"), paths.JSON)
	assert.Equal(t, filepath.Join(dir, "batch_b1.csv"), paths.CSV)
	assert.Equal(t, filepath.Join(dir, "batch_b1_report.md"), paths.Markdown)
	for _, p := range []string{paths.JSON, paths.CSV, paths.Markdown} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	fromJSON, err := ReadExportFile(paths.JSON, model.Settings{})
	require.NoError(t, err)
	assert.Equal(t, "librispeech", fromJSON.Settings.Dataset)
	assert.Len(t, fromJSON.Runs, 2)

	defaults := model.Settings{Dataset: "from-defaults"}
	fromCSV, err := ReadExportFile(paths.CSV, defaults)
	require.NoError(t, err)
	assert.Equal(t, "from-defaults", fromCSV.Settings.Dataset)
	assert.Equal(t, "linux/amd64, 8 threads", fromCSV.HardwareSummary)
	assert.Len(t, fromCSV.Runs, 2)
	assert.False(t, fromCSV.GeneratedAt.IsZero())

	_, err = ReadExportFile(filepath.Join(dir, "missing.json"), defaults)
	assert.Error(t, err)
}

func TestProbeHardware(t *testing.T) {
	hw := ProbeHardware(config.HardwareConfig{Label: "bench-box", GPUName: "RTX 4090", GPUVendor: "NVIDIA", MemoryGB: 64})
	assert.Equal(t, runtime.GOOS, hw.OS)
	assert.Equal(t, runtime.NumCPU(), hw.CPUThreads)
	assert.Equal(t, "bench-box", hw.Label)
	assert.Contains(t, hw.Summary(), "NVIDIA RTX 4090")
}
