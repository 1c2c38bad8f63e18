package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DecodedAudio 单声道 float32 PCM，取值 [-1,1]
type DecodedAudio struct {
	PCM         []float32
	SampleRate  int
	DurationSec float64
}

// AudioSource 拉取并解码音频（按 URL + 目标采样率缓存）
type AudioSource interface {
	Load(ctx context.Context, url string, targetRate int) (*DecodedAudio, error)
}

// AudioLoader 支持 http(s) 与本地文件（file:// 或普通路径），WAV 解码后重采样到目标采样率
type AudioLoader struct {
	client *http.Client
	cache  *AudioCache
	log    *slog.Logger
}

func NewAudioLoader(client *http.Client, cache *AudioCache, logger *slog.Logger) *AudioLoader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioLoader{client: client, cache: cache, log: logger.With("component", "audio")}
}

func (l *AudioLoader) Load(ctx context.Context, url string, targetRate int) (*DecodedAudio, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("音频地址为空")
	}
	key := fmt.Sprintf("%s@%d", url, targetRate)
	if l.cache != nil {
		if a, ok := l.cache.Get(key); ok {
			return a, nil
		}
	}

	raw, err := l.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	decoded, err := DecodeWAV(raw, targetRate)
	if err != nil {
		return nil, fmt.Errorf("解码音频失败: %w", err)
	}
	if l.cache != nil {
		l.cache.Put(key, decoded)
	}
	l.log.Debug("audio decoded", "url", truncate(url, 120), "duration_sec", decoded.DurationSec, "sample_rate", decoded.SampleRate)
	return decoded, nil
}

func (l *AudioLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		b, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
		if err != nil {
			return nil, fmt.Errorf("读取音频文件失败: %w", err)
		}
		return b, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载音频失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("下载音频失败: %d, %s", resp.StatusCode, truncate(string(body), 500))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取音频失败: %w", err)
	}
	return b, nil
}

// DecodeWAV 解码 PCM WAV，多声道取平均，targetRate>0 时线性重采样
func DecodeWAV(raw []byte, targetRate int) (*DecodedAudio, error) {
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return nil, errors.New("不是有效的 WAV 文件")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, errors.New("WAV 缺少格式信息")
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	pcm := downmix(buf, bitDepth)
	rate := buf.Format.SampleRate
	if targetRate > 0 && targetRate != rate {
		pcm = resampleLinear(pcm, rate, targetRate)
		rate = targetRate
	}
	return &DecodedAudio{
		PCM:         pcm,
		SampleRate:  rate,
		DurationSec: float64(len(pcm)) / float64(rate),
	}, nil
}

func downmix(buf *audio.IntBuffer, bitDepth int) []float32 {
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	scale := 1.0
	offset := 0.0
	switch {
	case bitDepth == 8:
		// 8 位 WAV 为无符号样本
		scale, offset = 128, 128
	case bitDepth > 1:
		scale = math.Exp2(float64(bitDepth - 1))
	}
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += (float64(buf.Data[i*channels+ch]) - offset) / scale
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

func resampleLinear(in []float32, from, to int) []float32 {
	if len(in) == 0 || from <= 0 || to <= 0 || from == to {
		return in
	}
	n := int(math.Round(float64(len(in)) * float64(to) / float64(from)))
	if n < 1 {
		n = 1
	}
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j] + (in[j+1]-in[j])*frac
	}
	return out
}
