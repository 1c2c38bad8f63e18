package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort             = 8080
	DefaultLogLevel         = "info"
	DefaultDatasetBaseURL   = "https://datasets-server.huggingface.co"
	DefaultMetadataTTL      = 12 * time.Hour
	DefaultTargetSampleRate = 16000
	DefaultR2Threshold      = 0.85
	DefaultSnapshotCap      = 20
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	ASR        ASRConfig        `yaml:"asr"`
	Bench      BenchConfig      `yaml:"bench"`
	AudioCache AudioCacheConfig `yaml:"audio_cache"`
	Hardware   HardwareConfig   `yaml:"hardware"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text/json
}

// DatabaseConfig 运行日志落库（可选）
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
}

// RedisConfig 数据集元数据缓存后端（可选，未启用时走本地存储）
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig 本地 KV（设置与快照）
type StorageConfig struct {
	BadgerPath string `yaml:"badger_path"`
	InMemory   bool   `yaml:"in_memory"`
}

type DatasetConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Dataset           string        `yaml:"dataset"`
	Config            string        `yaml:"config"`
	Split             string        `yaml:"split"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MetadataTTL       time.Duration `yaml:"metadata_ttl"`
	Timeout           time.Duration `yaml:"timeout"`
}

type ASRConfig struct {
	BaseURL             string        `yaml:"base_url"`
	Timeout             time.Duration `yaml:"timeout"`
	ModelKey            string        `yaml:"model_key"`
	Backend             string        `yaml:"backend"`
	EncoderQuant        string        `yaml:"encoder_quant"`
	DecoderQuant        string        `yaml:"decoder_quant"`
	PreprocessorBackend string        `yaml:"preprocessor_backend"`
	// 模型就绪校验：转写参考音频，结果需包含参考短语
	VerifyAudioURL string `yaml:"verify_audio_url"`
	VerifyPhrase   string `yaml:"verify_phrase"`
}

type BenchConfig struct {
	SampleCount      int     `yaml:"sample_count"`
	Seed             string  `yaml:"seed"`
	RepeatCount      int     `yaml:"repeat_count"`
	WarmupCount      int     `yaml:"warmup_count"`
	TargetSampleRate int     `yaml:"target_sample_rate"`
	BucketWidthSec   float64 `yaml:"bucket_width_sec"`
	R2Threshold      float64 `yaml:"r2_threshold"`
	SnapshotCap      int     `yaml:"snapshot_cap"`
	OutputDir        string  `yaml:"output_dir"`
}

type AudioCacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// HardwareConfig 无法自动探测的硬件字段
type HardwareConfig struct {
	Label     string  `yaml:"label"`
	GPUName   string  `yaml:"gpu_name"`
	GPUVendor string  `yaml:"gpu_vendor"`
	MemoryGB  float64 `yaml:"memory_gb"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default 无配置文件时使用的默认配置
func Default() *Config {
	var c Config
	c.ApplyDefaults()
	return &c
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Storage.BadgerPath == "" {
		c.Storage.BadgerPath = "data/badger"
	}
	if c.Dataset.BaseURL == "" {
		c.Dataset.BaseURL = DefaultDatasetBaseURL
	}
	if c.Dataset.Split == "" {
		c.Dataset.Split = "train"
	}
	if c.Dataset.Config == "" {
		c.Dataset.Config = "default"
	}
	if c.Dataset.MaxRetries == 0 {
		c.Dataset.MaxRetries = 4
	}
	if c.Dataset.RequestsPerSecond == 0 {
		c.Dataset.RequestsPerSecond = 5
	}
	if c.Dataset.MetadataTTL == 0 {
		c.Dataset.MetadataTTL = DefaultMetadataTTL
	}
	if c.Dataset.Timeout == 0 {
		c.Dataset.Timeout = 30 * time.Second
	}
	if c.ASR.Timeout == 0 {
		c.ASR.Timeout = 120 * time.Second
	}
	if c.Bench.SampleCount == 0 {
		c.Bench.SampleCount = 10
	}
	if c.Bench.RepeatCount == 0 {
		c.Bench.RepeatCount = 3
	}
	if c.Bench.TargetSampleRate == 0 {
		c.Bench.TargetSampleRate = DefaultTargetSampleRate
	}
	if c.Bench.BucketWidthSec == 0 {
		c.Bench.BucketWidthSec = 2
	}
	if c.Bench.R2Threshold == 0 {
		c.Bench.R2Threshold = DefaultR2Threshold
	}
	if c.Bench.SnapshotCap == 0 {
		c.Bench.SnapshotCap = DefaultSnapshotCap
	}
	if c.Bench.OutputDir == "" {
		c.Bench.OutputDir = "outputs"
	}
	if c.AudioCache.MaxEntries == 0 {
		c.AudioCache.MaxEntries = 64
	}
	if c.AudioCache.TTL == 0 {
		c.AudioCache.TTL = 30 * time.Minute
	}
}

// Validate 拒绝越界取值
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port 越界: %d", c.Server.Port)
	}
	if c.Bench.RepeatCount < 1 {
		return fmt.Errorf("config: bench.repeat_count 必须 >= 1, got %d", c.Bench.RepeatCount)
	}
	if c.Bench.WarmupCount < 0 {
		return fmt.Errorf("config: bench.warmup_count 必须 >= 0, got %d", c.Bench.WarmupCount)
	}
	if c.Bench.SampleCount < 1 {
		return fmt.Errorf("config: bench.sample_count 必须 >= 1, got %d", c.Bench.SampleCount)
	}
	if c.Bench.BucketWidthSec <= 0 {
		return fmt.Errorf("config: bench.bucket_width_sec 必须 > 0")
	}
	if c.Bench.R2Threshold <= 0 || c.Bench.R2Threshold > 1 {
		return fmt.Errorf("config: bench.r2_threshold 必须在 (0,1], got %v", c.Bench.R2Threshold)
	}
	if c.Dataset.MaxRetries < 0 {
		return fmt.Errorf("config: dataset.max_retries 必须 >= 0")
	}
	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("config: database.host 不能为空")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("config: redis.host 不能为空")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format 仅支持 text/json, got %q", c.Log.Format)
	}
	return nil
}
