package model

import (
	"fmt"
	"strings"
)

// ModelConfig 决定模型会话身份的配置，任一字段变化都需要重新加载模型
type ModelConfig struct {
	ModelKey            string `json:"modelKey" yaml:"model_key"`
	Backend             string `json:"backend" yaml:"backend"`
	EncoderQuant        string `json:"encoderQuant" yaml:"encoder_quant"`
	DecoderQuant        string `json:"decoderQuant" yaml:"decoder_quant"`
	PreprocessorBackend string `json:"preprocessorBackend" yaml:"preprocessor_backend"`
}

func (c ModelConfig) String() string {
	return fmt.Sprintf("%s/%s/enc=%s/dec=%s/pre=%s", c.ModelKey, c.Backend, c.EncoderQuant, c.DecoderQuant, c.PreprocessorBackend)
}

// Settings 一次基准批次的完整设置
type Settings struct {
	Model ModelConfig `json:"model"`

	Dataset     string `json:"dataset"`
	Config      string `json:"config"`
	Split       string `json:"split"`
	SampleCount int    `json:"sampleCount"`
	// Seed 为空表示不可复现的随机采样
	Seed string `json:"seed"`

	RepeatCount      int `json:"repeatCount"`
	WarmupCount      int `json:"warmupCount"`
	TargetSampleRate int `json:"targetSampleRate"`

	BucketWidthSec float64 `json:"bucketWidthSec"`
	R2Threshold    float64 `json:"r2Threshold"`
}

// HardwareProfile 运行环境画像
type HardwareProfile struct {
	Label      string  `json:"label,omitempty"`
	OS         string  `json:"os"`
	Arch       string  `json:"arch"`
	CPUThreads int     `json:"cpuThreads"`
	GPUName    string  `json:"gpuName,omitempty"`
	GPUVendor  string  `json:"gpuVendor,omitempty"`
	MemoryGB   float64 `json:"memoryGb,omitempty"`
}

// Summary 一行摘要，写入每条 Run 便于对比
func (h HardwareProfile) Summary() string {
	parts := []string{fmt.Sprintf("%s/%s", h.OS, h.Arch), fmt.Sprintf("%d threads", h.CPUThreads)}
	if h.GPUName != "" {
		gpu := h.GPUName
		if h.GPUVendor != "" {
			gpu = h.GPUVendor + " " + gpu
		}
		parts = append(parts, gpu)
	}
	if h.MemoryGB > 0 {
		parts = append(parts, fmt.Sprintf("%.0fGB", h.MemoryGB))
	}
	if h.Label != "" {
		parts = append([]string{h.Label}, parts...)
	}
	return strings.Join(parts, ", ")
}
