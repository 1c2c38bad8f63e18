package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"asr-bench/internal/kv"
	"asr-bench/internal/model"
)

const (
	SnapshotsKey       = "asrbench:snapshots:v1"
	DefaultSnapshotCap = 20
)

// SnapshotStore 有上限的快照列表，最新在前，超出上限淘汰最旧的。持久化在一个 kv 键下。
type SnapshotStore struct {
	store kv.Store
	cap   int
	log   *slog.Logger
	now   func() time.Time
	newID func() string

	mu sync.Mutex
}

func NewSnapshotStore(store kv.Store, capacity int, logger *slog.Logger) *SnapshotStore {
	if capacity <= 0 {
		capacity = DefaultSnapshotCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{
		store: store,
		cap:   capacity,
		log:   logger.With("component", "snapshots"),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SummarizeBatch 快照汇总：计数覆盖全部 run，耗时统计只用成功 run
func SummarizeBatch(runs []model.Run) model.BatchSummary {
	d := Recompute(ViewState{SuccessfulOnly: true}, runs)
	samples := map[string]struct{}{}
	for i := range runs {
		samples[runs[i].SampleKey] = struct{}{}
	}
	s := model.BatchSummary{
		TotalRuns:      d.TotalRuns,
		SuccessRuns:    d.SuccessRuns,
		ErrorRuns:      d.ErrorRuns,
		SampleCount:    len(samples),
		Stages:         d.Stages,
		RTFx:           d.RTFx,
		ExactRate:      d.Repeatability.ExactRate,
		ExactCompared:  d.Repeatability.Compared,
		SimilarityMean: d.Repeatability.SimilarityMean,
		SimilarityStd:  d.Repeatability.SimilarityStd,
	}
	if d.Bottleneck != nil {
		s.Bottleneck = d.Bottleneck.Stage
		s.BottleneckBound = d.Bottleneck.Bound
	}
	return s
}

func (s *SnapshotStore) load(ctx context.Context) ([]model.Snapshot, error) {
	raw, err := s.store.Get(ctx, SnapshotsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取快照失败: %w", err)
	}
	var list []model.Snapshot
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("解析快照失败: %w", err)
	}
	return list, nil
}

func (s *SnapshotStore) persist(ctx context.Context, list []model.Snapshot) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	if err := s.store.Set(ctx, SnapshotsKey, raw, 0); err != nil {
		return fmt.Errorf("保存快照失败: %w", err)
	}
	return nil
}

// Save 压缩并深拷贝 runs 生成快照，之后运行日志的任何变化都不影响它
func (s *SnapshotStore) Save(ctx context.Context, label string, runs []model.Run, settings model.Settings, hw model.HardwareProfile) (*model.Snapshot, error) {
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	now := s.now()
	if label == "" {
		label = now.Format("2006-01-02 15:04:05")
	}
	snap := model.Snapshot{
		ID:              s.newID(),
		CreatedAt:       now,
		Label:           label,
		Settings:        settings,
		Summary:         SummarizeBatch(runs),
		HardwareProfile: hw,
		HardwareSummary: hw.Summary(),
		Runs:            make([]model.CompactRun, 0, len(runs)),
	}
	for i := range runs {
		snap.Runs = append(snap.Runs, runs[i].Compact())
	}
	if err := s.prepend(ctx, snap); err != nil {
		return nil, err
	}
	s.log.Info("snapshot saved", "id", snap.ID, "label", label, "runs", len(snap.Runs))
	return &snap, nil
}

// Import 由导出的批次文档合成快照
func (s *SnapshotStore) Import(ctx context.Context, exp model.BatchExport, label string) (*model.Snapshot, error) {
	if len(exp.Runs) == 0 {
		return nil, ErrNoRuns
	}
	created := exp.GeneratedAt
	if created.IsZero() {
		created = s.now()
	}
	if label == "" {
		label = "import " + created.Format("2006-01-02 15:04:05")
	}
	hwSummary := exp.HardwareSummary
	if hwSummary == "" {
		hwSummary = exp.HardwareProfile.Summary()
	}
	snap := model.Snapshot{
		ID:              s.newID(),
		CreatedAt:       created,
		Label:           label,
		Settings:        exp.Settings,
		Summary:         SummarizeBatch(exp.Runs),
		HardwareProfile: exp.HardwareProfile,
		HardwareSummary: hwSummary,
		Runs:            make([]model.CompactRun, 0, len(exp.Runs)),
	}
	for i := range exp.Runs {
		snap.Runs = append(snap.Runs, exp.Runs[i].Compact())
	}
	if err := s.prepend(ctx, snap); err != nil {
		return nil, err
	}
	s.log.Info("snapshot imported", "id", snap.ID, "label", label, "runs", len(snap.Runs))
	return &snap, nil
}

func (s *SnapshotStore) prepend(ctx context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	list = append([]model.Snapshot{snap}, list...)
	if len(list) > s.cap {
		for _, old := range list[s.cap:] {
			s.log.Info("snapshot evicted", "id", old.ID, "label", old.Label)
		}
		list = list[:s.cap]
	}
	return s.persist(ctx, list)
}

func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			list = append(list[:i], list[i+1:]...)
			return s.persist(ctx, list)
		}
	}
	return ErrSnapshotNotFound
}

// List 最新在前。每次从存储解码，返回值可随意修改。
func (s *SnapshotStore) List(ctx context.Context) ([]model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []model.Snapshot{}
	}
	return list, nil
}

func (s *SnapshotStore) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, ErrSnapshotNotFound
}

// CompareMetric 可对比指标；HigherBetter=false 表示越低越好（延迟）
type CompareMetric struct {
	Key          string `json:"key"`
	HigherBetter bool   `json:"higherBetter"`
}

const (
	MetricExactRate      = "exact_rate"
	MetricSimilarityMean = "similarity_mean"
)

// CompareMetrics 默认对比的指标集合，顺序即展示顺序
var CompareMetrics = func() []CompareMetric {
	var out []CompareMetric
	for _, st := range model.SummaryStages {
		out = append(out, CompareMetric{Key: st, HigherBetter: st == model.StageRTF})
	}
	for _, st := range fitStages {
		out = append(out, CompareMetric{Key: RTFxKey(st), HigherBetter: true})
	}
	out = append(out,
		CompareMetric{Key: MetricExactRate, HigherBetter: true},
		CompareMetric{Key: MetricSimilarityMean, HigherBetter: true},
	)
	return out
}()

func lookupMetric(key string) (CompareMetric, bool) {
	for _, m := range CompareMetrics {
		if m.Key == key {
			return m, true
		}
	}
	return CompareMetric{}, false
}

// SnapshotMetric 快照汇总中的指标值
func SnapshotMetric(s *model.Snapshot, key string) (float64, bool) {
	sum := s.Summary
	switch key {
	case MetricExactRate:
		return sum.ExactRate, sum.ExactCompared > 0
	case MetricSimilarityMean:
		return sum.SimilarityMean, sum.SuccessRuns > 0
	}
	if st, ok := sum.Stages[key]; ok && st.Count > 0 {
		return st.Mean, true
	}
	if st, ok := sum.RTFx[key]; ok && st.Count > 0 {
		return st.Mean, true
	}
	return 0, false
}

// MetricDelta 两个快照在一个指标上的差异；DeltaPct = (B-A)/|A|*100
type MetricDelta struct {
	Metric       string   `json:"metric"`
	A            *float64 `json:"a"`
	B            *float64 `json:"b"`
	DeltaPct     *float64 `json:"deltaPct"`
	HigherBetter bool     `json:"higherBetter"`
	// Better 为 "a"、"b" 或 "tie"；任一侧缺失时为空
	Better string `json:"better,omitempty"`
}

type ProportionTest struct {
	Z      float64 `json:"z"`
	PValue float64 `json:"pValue"`
}

type Comparison struct {
	A       string         `json:"a"`
	B       string         `json:"b"`
	Metrics []MetricDelta  `json:"metrics"`
	Exact   ProportionTest `json:"exactRateTest"`
}

func (s *SnapshotStore) Compare(ctx context.Context, idA, idB string) (*Comparison, error) {
	a, err := s.Get(ctx, idA)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", idA, err)
	}
	b, err := s.Get(ctx, idB)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", idB, err)
	}
	return CompareSnapshots(a, b), nil
}

// CompareSnapshots 纯函数版本
func CompareSnapshots(a, b *model.Snapshot) *Comparison {
	out := &Comparison{A: a.ID, B: b.ID}
	for _, m := range CompareMetrics {
		d := MetricDelta{Metric: m.Key, HigherBetter: m.HigherBetter}
		va, okA := SnapshotMetric(a, m.Key)
		vb, okB := SnapshotMetric(b, m.Key)
		if okA {
			d.A = model.Float(va)
		}
		if okB {
			d.B = model.Float(vb)
		}
		if okA && okB {
			if va != 0 {
				d.DeltaPct = model.Float((vb - va) / absf(va) * 100)
			}
			switch {
			case va == vb:
				d.Better = "tie"
			case (vb > va) == m.HigherBetter:
				d.Better = "b"
			default:
				d.Better = "a"
			}
		}
		out.Metrics = append(out.Metrics, d)
	}
	xa := int(float64(a.Summary.ExactCompared)*a.Summary.ExactRate + 0.5)
	xb := int(float64(b.Summary.ExactCompared)*b.Summary.ExactRate + 0.5)
	out.Exact.PValue, out.Exact.Z = twoPropZTest(xa, a.Summary.ExactCompared, xb, b.Summary.ExactCompared)
	return out
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type SeriesPoint struct {
	SnapshotID string   `json:"snapshotId"`
	Label      string   `json:"label"`
	Value      *float64 `json:"value"`
}

type RepeatPoint struct {
	RepeatIndex int     `json:"repeatIndex"`
	Mean        float64 `json:"mean"`
	Count       int     `json:"count"`
}

type RepeatSeries struct {
	SnapshotID string        `json:"snapshotId"`
	Label      string        `json:"label"`
	Points     []RepeatPoint `json:"points"`
}

// MultiComparison 每个指标一组跨快照的汇总序列，以及按 repeatIndex 的均值序列
type MultiComparison struct {
	Metrics   []string                  `json:"metrics"`
	Series    map[string][]SeriesPoint  `json:"series"`
	PerRepeat map[string][]RepeatSeries `json:"perRepeat"`
}

func (s *SnapshotStore) MultiCompare(ctx context.Context, ids, metricKeys []string) (*MultiComparison, error) {
	if len(ids) < 2 {
		return nil, ErrNotEnoughSnapshots
	}
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Snapshot, len(list))
	for i := range list {
		byID[list[i].ID] = &list[i]
	}
	snaps := make([]*model.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
		}
		snaps = append(snaps, snap)
	}
	return MultiCompareSnapshots(snaps, metricKeys)
}

// MultiCompareSnapshots metricKeys 为空时使用全部 CompareMetrics
func MultiCompareSnapshots(snaps []*model.Snapshot, metricKeys []string) (*MultiComparison, error) {
	if len(snaps) < 2 {
		return nil, ErrNotEnoughSnapshots
	}
	if len(metricKeys) == 0 {
		for _, m := range CompareMetrics {
			metricKeys = append(metricKeys, m.Key)
		}
	}
	for _, k := range metricKeys {
		if _, ok := lookupMetric(k); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, k)
		}
	}

	out := &MultiComparison{
		Metrics:   metricKeys,
		Series:    map[string][]SeriesPoint{},
		PerRepeat: map[string][]RepeatSeries{},
	}
	for _, key := range metricKeys {
		for _, snap := range snaps {
			p := SeriesPoint{SnapshotID: snap.ID, Label: snap.Label}
			if v, ok := SnapshotMetric(snap, key); ok {
				p.Value = model.Float(v)
			}
			out.Series[key] = append(out.Series[key], p)
			out.PerRepeat[key] = append(out.PerRepeat[key], RepeatSeries{
				SnapshotID: snap.ID,
				Label:      snap.Label,
				Points:     perRepeatMeans(snap.Runs, key),
			})
		}
	}
	return out, nil
}

// runMetric 单条 run 在指标上的取值；exact_rate 以 0/1 计
func runMetric(r *model.Run, key string) (float64, bool) {
	switch key {
	case MetricExactRate:
		if r.ExactMatchToFirst == nil {
			return 0, false
		}
		if *r.ExactMatchToFirst {
			return 1, true
		}
		return 0, true
	case MetricSimilarityMean:
		if r.SimilarityToFirst == nil || !model.IsFinite(*r.SimilarityToFirst) {
			return 0, false
		}
		return *r.SimilarityToFirst, true
	}
	if v, ok := r.Metrics.Value(key); ok {
		return v, true
	}
	for _, st := range fitStages {
		if RTFxKey(st) == key {
			return rtfxValue(r, st)
		}
	}
	return 0, false
}

func perRepeatMeans(runs []model.CompactRun, key string) []RepeatPoint {
	vals := map[int][]float64{}
	for i := range runs {
		if runs[i].RepeatIndex < 1 || runs[i].Error != "" {
			continue
		}
		r := runs[i].Expand()
		if !r.Succeeded() {
			continue
		}
		if v, ok := runMetric(&r, key); ok {
			vals[r.RepeatIndex] = append(vals[r.RepeatIndex], v)
		}
	}
	out := make([]RepeatPoint, 0, len(vals))
	for idx, vs := range vals {
		m, _ := Mean(vs)
		out = append(out, RepeatPoint{RepeatIndex: idx, Mean: m, Count: len(vs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepeatIndex < out[j].RepeatIndex })
	return out
}
