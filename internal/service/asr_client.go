package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"asr-bench/internal/model"
)

// HTTPASRBackend 远端推理服务客户端：加载模型得到会话，按会话转写 float32 PCM
type HTTPASRBackend struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPASRBackend(baseURL string, timeout time.Duration) *HTTPASRBackend {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPASRBackend{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type loadModelResponse struct {
	SessionID string `json:"session_id"`
}

func (b *HTTPASRBackend) Load(ctx context.Context, cfg model.ModelConfig) (LoadedModel, error) {
	jsonData, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}
	raw, err := b.do(ctx, http.MethodPost, b.BaseURL+"/v1/models/load", "application/json", jsonData)
	if err != nil {
		return nil, err
	}
	var resp loadModelResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("加载模型响应缺少 session_id")
	}
	return &httpModel{backend: b, sessionID: resp.SessionID}, nil
}

func (b *HTTPASRBackend) do(ctx context.Context, method, u, contentType string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 尝试解析错误信息
		var errResp map[string]any
		if json.Unmarshal(raw, &errResp) == nil {
			if msg, ok := errResp["message"].(string); ok {
				return nil, fmt.Errorf("API返回错误: %d, %s", resp.StatusCode, msg)
			}
		}
		return nil, fmt.Errorf("API返回错误: %d, %s", resp.StatusCode, truncate(string(raw), 500))
	}
	return raw, nil
}

type httpModel struct {
	backend   *HTTPASRBackend
	sessionID string
}

func (m *httpModel) Transcribe(ctx context.Context, pcm []float32, sampleRate int, opts TranscribeOptions) (*Transcription, error) {
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("enable_profiling", strconv.FormatBool(opts.EnableProfiling))
	q.Set("return_confidences", strconv.FormatBool(opts.ReturnConfidences))
	q.Set("return_timestamps", strconv.FormatBool(opts.ReturnTimestamps))
	u := fmt.Sprintf("%s/v1/sessions/%s/transcribe?%s", m.backend.BaseURL, url.PathEscape(m.sessionID), q.Encode())

	raw, err := m.backend.do(ctx, http.MethodPost, u, "application/octet-stream", encodePCM(pcm))
	if err != nil {
		return nil, err
	}
	var out Transcription
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &out, nil
}

func (m *httpModel) Release(ctx context.Context) error {
	u := fmt.Sprintf("%s/v1/sessions/%s", m.backend.BaseURL, url.PathEscape(m.sessionID))
	_, err := m.backend.do(ctx, http.MethodDelete, u, "", nil)
	return err
}

// encodePCM 小端 float32
func encodePCM(pcm []float32) []byte {
	out := make([]byte, 4*len(pcm))
	for i, v := range pcm {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

