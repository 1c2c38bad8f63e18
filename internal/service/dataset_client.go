package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"asr-bench/internal/kv"
	"asr-bench/internal/model"
)

const (
	maxRowsPerRequest = 100
	defaultMaxRetries = 4
)

// DatasetClient datasets-server 风格的行接口客户端（/rows, /splits, /info）
type DatasetClient struct {
	BaseURL    string
	Client     *http.Client
	MaxRetries uint

	limiter *rate.Limiter
	log     *slog.Logger
	// initialInterval 首次重试间隔，测试中调小
	initialInterval time.Duration
}

type DatasetClientOptions struct {
	BaseURL           string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	Logger            *slog.Logger
}

func NewDatasetClient(opts DatasetClientOptions) *DatasetClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DatasetClient{
		BaseURL:         strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		Client:          &http.Client{Timeout: opts.Timeout},
		MaxRetries:      uint(opts.MaxRetries),
		limiter:         rate.NewLimiter(limit, 1),
		log:             logger.With("component", "dataset"),
		initialInterval: 500 * time.Millisecond,
	}
}

// DatasetRow 接口返回的一行
type DatasetRow struct {
	RowIdx int            `json:"row_idx"`
	Row    map[string]any `json:"row"`
}

type RowsPage struct {
	Rows         []DatasetRow `json:"rows"`
	NumRowsTotal int          `json:"num_rows_total"`
}

type SplitInfo struct {
	Dataset string `json:"dataset"`
	Config  string `json:"config"`
	Split   string `json:"split"`
}

type splitsResponse struct {
	Splits []SplitInfo `json:"splits"`
}

// DatasetRef 数据集定位
type DatasetRef struct {
	Dataset string
	Config  string
	Split   string
}

// FetchRows length 限制在 1..100
func (c *DatasetClient) FetchRows(ctx context.Context, ref DatasetRef, offset, length int) (*RowsPage, error) {
	if offset < 0 {
		offset = 0
	}
	length = min(max(length, 1), maxRowsPerRequest)
	q := url.Values{}
	q.Set("dataset", ref.Dataset)
	q.Set("config", ref.Config)
	q.Set("split", ref.Split)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(length))

	var page RowsPage
	if err := c.getJSON(ctx, "/rows", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *DatasetClient) Splits(ctx context.Context, dataset string) ([]SplitInfo, error) {
	q := url.Values{}
	q.Set("dataset", dataset)
	var resp splitsResponse
	if err := c.getJSON(ctx, "/splits", q, &resp); err != nil {
		return nil, err
	}
	return resp.Splits, nil
}

// Info 返回原始的 dataset_info 对象
func (c *DatasetClient) Info(ctx context.Context, dataset, config string) (map[string]any, error) {
	q := url.Values{}
	q.Set("dataset", dataset)
	if config != "" {
		q.Set("config", config)
	}
	var resp struct {
		DatasetInfo map[string]any `json:"dataset_info"`
	}
	if err := c.getJSON(ctx, "/info", q, &resp); err != nil {
		return nil, err
	}
	return resp.DatasetInfo, nil
}

func (c *DatasetClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.BaseURL + path + "?" + q.Encode()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialInterval

	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return c.once(ctx, u)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.MaxRetries+1),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn("dataset request retry", "path", path, "wait", d, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// once 单次请求：5xx/429 可重试（尊重 Retry-After），其它 4xx 直接失败
func (c *DatasetClient) once(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("创建请求失败: %w", err))
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	apiErr := fmt.Errorf("API返回错误: %d, %s", resp.StatusCode, truncate(string(raw), 500))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	if !retryable {
		return nil, backoff.Permanent(apiErr)
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		c.log.Debug("dataset retry-after", "seconds", secs)
		return nil, backoff.RetryAfter(secs)
	}
	return nil, apiErr
}

// MetadataCache 数据集元数据缓存，条目为 {savedAt, data}
type MetadataCache struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

type metadataEntry struct {
	SavedAt time.Time       `json:"savedAt"`
	Data    json.RawMessage `json:"data"`
}

func NewMetadataCache(store kv.Store, ttl time.Duration, logger *slog.Logger) *MetadataCache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataCache{store: store, ttl: ttl, now: time.Now, log: logger.With("component", "metadata_cache")}
}

// Fetch 新鲜缓存直接返回；否则调用 fetch 并写回。fetch 失败时若有旧数据则返回旧数据且 stale=true。
func (m *MetadataCache) Fetch(ctx context.Context, key string, out any, fetch func(ctx context.Context) (any, error)) (stale bool, err error) {
	cacheKey := "meta:v1:" + key
	var entry metadataEntry
	haveEntry := false
	if raw, gerr := m.store.Get(ctx, cacheKey); gerr == nil {
		if json.Unmarshal(raw, &entry) == nil {
			haveEntry = true
		}
	} else if !errors.Is(gerr, kv.ErrNotFound) {
		m.log.Warn("metadata cache read failed", "key", key, "error", gerr)
	}

	if haveEntry && m.now().Sub(entry.SavedAt) <= m.ttl {
		return false, json.Unmarshal(entry.Data, out)
	}

	fresh, ferr := fetch(ctx)
	if ferr != nil {
		if haveEntry {
			m.log.Warn("metadata fetch failed, serving stale", "key", key, "saved_at", entry.SavedAt, "error", ferr)
			return true, json.Unmarshal(entry.Data, out)
		}
		return false, ferr
	}

	data, err := json.Marshal(fresh)
	if err != nil {
		return false, fmt.Errorf("序列化元数据失败: %w", err)
	}
	entryRaw, err := json.Marshal(metadataEntry{SavedAt: m.now(), Data: data})
	if err == nil {
		if serr := m.store.Set(ctx, cacheKey, entryRaw, 0); serr != nil {
			m.log.Warn("metadata cache write failed", "key", key, "error", serr)
		}
	}
	return false, json.Unmarshal(data, out)
}

// NormalizeRow 把一行数据集记录转换为 Sample。audio 字段可以是 [{src}] 或 {src}。
func NormalizeRow(rowIdx int, split string, row map[string]any) (model.Sample, error) {
	s := model.Sample{RowIndex: rowIdx, Split: split}

	switch a := row["audio"].(type) {
	case []any:
		if len(a) > 0 {
			if m, ok := a[0].(map[string]any); ok {
				s.AudioURL = stringField(m, "src", "path")
			}
		}
	case map[string]any:
		s.AudioURL = stringField(a, "src", "path")
		if s.SampleRate == 0 {
			s.SampleRate = intField(a, "sampling_rate")
		}
	case string:
		s.AudioURL = a
	}
	if s.AudioURL == "" {
		return s, fmt.Errorf("第 %d 行缺少音频地址", rowIdx)
	}

	s.ReferenceText = stringField(row, "text", "transcription", "sentence", "normalized_text")
	s.Speaker = stringField(row, "speaker", "speaker_id")
	s.Gender = stringField(row, "gender")
	s.Speed = floatField(row, "speed")
	s.Volume = floatField(row, "volume")
	if sr := intField(row, "sampling_rate", "sample_rate"); sr > 0 {
		s.SampleRate = sr
	}
	return s, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func floatField(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func intField(m map[string]any, keys ...string) int {
	return int(floatField(m, keys...))
}

// SamplePreparer 按种子抽样行号，逐行拉取并归一化
type SamplePreparer struct {
	client *DatasetClient
	cache  *MetadataCache
	log    *slog.Logger
}

func NewSamplePreparer(client *DatasetClient, cache *MetadataCache, logger *slog.Logger) *SamplePreparer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SamplePreparer{client: client, cache: cache, log: logger.With("component", "samples")}
}

// NumRows 数据集总行数（经元数据缓存）
func (p *SamplePreparer) NumRows(ctx context.Context, ref DatasetRef) (int, bool, error) {
	fetch := func(ctx context.Context) (any, error) {
		page, err := p.client.FetchRows(ctx, ref, 0, 1)
		if err != nil {
			return nil, err
		}
		return page.NumRowsTotal, nil
	}
	var total int
	if p.cache == nil {
		v, err := fetch(ctx)
		if err != nil {
			return 0, false, err
		}
		return v.(int), false, nil
	}
	key := fmt.Sprintf("rows:%s/%s/%s", ref.Dataset, ref.Config, ref.Split)
	stale, err := p.cache.Fetch(ctx, key, &total, fetch)
	return total, stale, err
}

// Prepare 返回按抽样顺序排列的样本。单行失败只记日志跳过。
func (p *SamplePreparer) Prepare(ctx context.Context, ref DatasetRef, count int, seed string) ([]model.Sample, error) {
	total, stale, err := p.NumRows(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("获取数据集行数失败: %w", err)
	}
	if stale {
		p.log.Warn("using stale row count", "dataset", ref.Dataset, "split", ref.Split)
	}
	if total <= 0 {
		return nil, ErrNoSamples
	}

	indices := SampleIndices(total, count, seed)
	samples := make([]model.Sample, 0, len(indices))
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return samples, err
		}
		page, err := p.client.FetchRows(ctx, ref, idx, 1)
		if err != nil {
			p.log.Warn("fetch row failed", "row", idx, "error", err)
			continue
		}
		for _, r := range page.Rows {
			s, err := NormalizeRow(r.RowIdx, ref.Split, r.Row)
			if err != nil {
				p.log.Warn("normalize row failed", "row", r.RowIdx, "error", err)
				continue
			}
			samples = append(samples, s)
			break
		}
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	return samples, nil
}
