package service

import (
	"runtime"

	"asr-bench/internal/config"
	"asr-bench/internal/model"
)

// ProbeHardware 运行时可探测的 CPU/OS 信息，合并配置里的 GPU/内存字段
func ProbeHardware(cfg config.HardwareConfig) model.HardwareProfile {
	return model.HardwareProfile{
		Label:      cfg.Label,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUThreads: runtime.NumCPU(),
		GPUName:    cfg.GPUName,
		GPUVendor:  cfg.GPUVendor,
		MemoryGB:   cfg.MemoryGB,
	}
}
