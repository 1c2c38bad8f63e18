package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"asr-bench/internal/model"
)

// OutputPaths 一次批次写出的文件
type OutputPaths struct {
	JSON     string `json:"json"`
	CSV      string `json:"csv"`
	Markdown string `json:"markdown"`
}

// WriteBatchOutputs 在 outDir 下写 batch_<id>.json / .csv / _report.md
func WriteBatchOutputs(outDir, batchID string, exp model.BatchExport, d DerivedStats) (*OutputPaths, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	paths := &OutputPaths{
		JSON:     filepath.Join(outDir, fmt.Sprintf("batch_%s.json", batchID)),
		CSV:      filepath.Join(outDir, fmt.Sprintf("batch_%s.csv", batchID)),
		Markdown: filepath.Join(outDir, fmt.Sprintf("batch_%s_report.md", batchID)),
	}

	var jb bytes.Buffer
	if err := WriteExportJSON(&jb, exp); err != nil {
		return nil, err
	}
	if err := os.WriteFile(paths.JSON, jb.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("写入 %s 失败: %w", paths.JSON, err)
	}

	var cb bytes.Buffer
	if err := WriteRunsCSV(&cb, exp.Runs); err != nil {
		return nil, err
	}
	if err := os.WriteFile(paths.CSV, cb.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("写入 %s 失败: %w", paths.CSV, err)
	}

	if err := os.WriteFile(paths.Markdown, []byte(RenderBatchMarkdown(exp, d)), 0o644); err != nil {
		return nil, fmt.Errorf("写入 %s 失败: %w", paths.Markdown, err)
	}
	return paths, nil
}

// ReadExportFile 按扩展名读取 .json 导出文档或 .csv 运行记录
func ReadExportFile(path string, defaults model.Settings) (model.BatchExport, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.BatchExport{}, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()

	if filepath.Ext(path) == ".csv" {
		runs, err := ParseRunsCSV(f)
		if err != nil {
			return model.BatchExport{}, err
		}
		exp := model.BatchExport{Settings: defaults, Runs: runs}
		for i := range runs {
			if runs[i].HardwareSummary != "" {
				exp.HardwareSummary = runs[i].HardwareSummary
				break
			}
		}
		if info, err := f.Stat(); err == nil {
			exp.GeneratedAt = info.ModTime()
		}
		return exp, nil
	}
	return ReadExportJSON(f)
}
