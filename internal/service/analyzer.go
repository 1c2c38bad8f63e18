package service

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"asr-bench/internal/model"
)

const (
	defaultBucketWidthSec = 2.0
	defaultR2Threshold    = 0.85
	// z 值：95% 置信区间
	z95 = 1.96
)

// ViewState 分析视图参数
type ViewState struct {
	SuccessfulOnly bool    `json:"successfulOnly"`
	BucketWidthSec float64 `json:"bucketWidthSec"`
	R2Threshold    float64 `json:"r2Threshold"`
}

func (v ViewState) withDefaults() ViewState {
	if v.BucketWidthSec <= 0 {
		v.BucketWidthSec = defaultBucketWidthSec
	}
	if v.R2Threshold <= 0 || v.R2Threshold > 1 {
		v.R2Threshold = defaultR2Threshold
	}
	return v
}

type Repeatability struct {
	ExactMatches    int     `json:"exactMatches"`
	Compared        int     `json:"compared"`
	ExactRate       float64 `json:"exactRate"`
	CI95Low         float64 `json:"ci95Low"`
	CI95High        float64 `json:"ci95High"`
	SimilarityCount int     `json:"similarityCount"`
	SimilarityMean  float64 `json:"similarityMean"`
	SimilarityStd   float64 `json:"similarityStd"`
}

type MeanStd struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// SampleStats 单样本的重复性统计
type SampleStats struct {
	SampleKey              string             `json:"sampleKey"`
	ReferenceText          string             `json:"referenceText,omitempty"`
	DurationSec            *float64           `json:"durationSec"`
	Runs                   int                `json:"runs"`
	Errors                 int                `json:"errors"`
	DistinctTranscriptions int                `json:"distinctTranscriptions"`
	ExactRate              float64            `json:"exactRate"`
	SimilarityMean         float64            `json:"similarityMean"`
	Stages                 map[string]MeanStd `json:"stages"`
}

// ConfigStats 按 (preprocessorBackend, backend) 分组；Shares = 阶段均值 / total 均值
type ConfigStats struct {
	Key                 string             `json:"key"`
	PreprocessorBackend string             `json:"preprocessorBackend"`
	Backend             string             `json:"backend"`
	Runs                int                `json:"runs"`
	Means               map[string]float64 `json:"means"`
	Shares              map[string]float64 `json:"shares"`
	Dominant            string             `json:"dominant,omitempty"`
}

type BucketStage struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type DurationBucket struct {
	StartSec float64                `json:"startSec"`
	EndSec   float64                `json:"endSec"`
	Label    string                 `json:"label"`
	Runs     int                    `json:"runs"`
	Stages   map[string]BucketStage `json:"stages"`
}

// StageFit 阶段耗时对音频时长的线性拟合，Slope 单位 ms/s
type StageFit struct {
	Stage string `json:"stage"`
	LinearFit
	DurationBound bool `json:"durationBound"`
}

// OutputFit 阶段耗时对输出长度的拟合；Source 为 token_count 或 word_count
type OutputFit struct {
	Stage  string `json:"stage"`
	Source string `json:"source"`
	LinearFit
}

type BottleneckEntry struct {
	Stage  string  `json:"stage"`
	MeanMs float64 `json:"meanMs"`
	Share  float64 `json:"share"`
}

const (
	BoundDuration     = "duration"
	BoundOutputLength = "output_length"
	BoundUnknown      = "unknown"
)

type Bottleneck struct {
	Stage      string            `json:"stage"`
	MeanMs     float64           `json:"meanMs"`
	Share      float64           `json:"share"`
	Bound      string            `json:"bound"`
	DurationR2 float64           `json:"durationR2"`
	OutputR2   *float64          `json:"outputR2,omitempty"`
	Ranking    []BottleneckEntry `json:"ranking"`
}

// DerivedStats 从运行日志重新计算的全部派生统计
type DerivedStats struct {
	View         ViewState `json:"view"`
	TotalRuns    int       `json:"totalRuns"`
	IncludedRuns int       `json:"includedRuns"`
	SuccessRuns  int       `json:"successRuns"`
	ErrorRuns    int       `json:"errorRuns"`
	SampleCount  int       `json:"sampleCount"`

	Stages        map[string]model.StageSummary `json:"stages"`
	RTFx          map[string]model.StageSummary `json:"rtfx"`
	Repeatability Repeatability                 `json:"repeatability"`
	Samples       []SampleStats                 `json:"samples"`
	Configs       []ConfigStats                 `json:"configs"`
	Buckets       []DurationBucket              `json:"buckets"`
	ScalingFits   []StageFit                    `json:"scalingFits"`
	OutputFits    []OutputFit                   `json:"outputFits"`
	Histogram     Histogram                     `json:"histogram"`
	Bottleneck    *Bottleneck                   `json:"bottleneck,omitempty"`
	Conclusion    Conclusion                    `json:"conclusion"`
}

// fitStages 参与时长拟合与分桶的指标
var fitStages = append(append([]string{}, model.TimedStages...), model.StageTotal)

// RTFxKey 阶段对应的 RTFx 键，如 decode_ms -> decode_rtfx
func RTFxKey(stage string) string {
	return strings.TrimSuffix(stage, "_ms") + "_rtfx"
}

// Recompute 纯函数：不修改 runs
func Recompute(view ViewState, runs []model.Run) DerivedStats {
	view = view.withDefaults()
	d := DerivedStats{View: view, TotalRuns: len(runs)}

	included := make([]model.Run, 0, len(runs))
	for i := range runs {
		ok := runs[i].Succeeded()
		if ok {
			d.SuccessRuns++
		} else if runs[i].Error != "" {
			d.ErrorRuns++
		}
		if view.SuccessfulOnly && !ok {
			continue
		}
		included = append(included, runs[i])
	}
	d.IncludedRuns = len(included)

	d.Stages, d.RTFx = stageSummaries(included)
	d.Repeatability = repeatability(included)
	d.Samples = perSample(included)
	d.SampleCount = len(d.Samples)
	d.Configs = perConfig(included)
	d.Buckets = durationBuckets(included, view.BucketWidthSec)
	d.ScalingFits = scalingFits(included, view.R2Threshold)
	d.OutputFits = outputFits(included)
	d.Histogram = BuildHistogram(sampleDurations(d.Samples), view.BucketWidthSec)
	d.Bottleneck = rankBottleneck(d.Stages, d.ScalingFits, d.OutputFits)
	d.Conclusion = GenerateBottleneckConclusion(&d)
	return d
}

func stageValues(runs []model.Run, stage string) []float64 {
	out := make([]float64, 0, len(runs))
	for i := range runs {
		if v, ok := runs[i].Metrics.Value(stage); ok {
			out = append(out, v)
		}
	}
	return out
}

// rtfxValue 音频时长(ms) / 阶段耗时(ms)
func rtfxValue(r *model.Run, stage string) (float64, bool) {
	dur, ok := r.Duration()
	if !ok {
		return 0, false
	}
	ms, ok := r.Metrics.Value(stage)
	if !ok || ms <= 0 {
		return 0, false
	}
	return dur * 1000 / ms, true
}

func stageSummaries(runs []model.Run) (map[string]model.StageSummary, map[string]model.StageSummary) {
	stages := make(map[string]model.StageSummary, len(model.SummaryStages))
	for _, s := range model.SummaryStages {
		stages[s] = Summarize(stageValues(runs, s))
	}
	rtfx := make(map[string]model.StageSummary, len(fitStages))
	for _, s := range fitStages {
		var vals []float64
		for i := range runs {
			if v, ok := rtfxValue(&runs[i], s); ok {
				vals = append(vals, v)
			}
		}
		rtfx[RTFxKey(s)] = Summarize(vals)
	}
	return stages, rtfx
}

func repeatability(runs []model.Run) Repeatability {
	var rep Repeatability
	var sims []float64
	for i := range runs {
		if e := runs[i].ExactMatchToFirst; e != nil {
			rep.Compared++
			if *e {
				rep.ExactMatches++
			}
		}
		if s := runs[i].SimilarityToFirst; s != nil && model.IsFinite(*s) {
			sims = append(sims, *s)
		}
	}
	if rep.Compared > 0 {
		rep.ExactRate = float64(rep.ExactMatches) / float64(rep.Compared)
		rep.CI95Low, rep.CI95High = wilsonCI(rep.ExactMatches, rep.Compared, z95)
	}
	rep.SimilarityCount = len(sims)
	rep.SimilarityMean, _ = Mean(sims)
	rep.SimilarityStd, _ = StdDev(sims)
	return rep
}

// groupBy 按首次出现顺序分组
func groupBy(runs []model.Run, key func(*model.Run) string) ([]string, map[string][]model.Run) {
	var order []string
	groups := map[string][]model.Run{}
	for i := range runs {
		k := key(&runs[i])
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], runs[i])
	}
	return order, groups
}

func perSample(runs []model.Run) []SampleStats {
	order, groups := groupBy(runs, func(r *model.Run) string { return r.SampleKey })
	out := make([]SampleStats, 0, len(order))
	for _, key := range order {
		g := groups[key]
		s := SampleStats{SampleKey: key, Runs: len(g), Stages: map[string]MeanStd{}}
		distinct := map[string]struct{}{}
		for i := range g {
			if s.ReferenceText == "" {
				s.ReferenceText = g[i].ReferenceText
			}
			if s.DurationSec == nil {
				if dur, ok := g[i].Duration(); ok {
					s.DurationSec = model.Float(dur)
				}
			}
			if g[i].Error != "" {
				s.Errors++
				continue
			}
			distinct[NormalizeText(g[i].Transcription)] = struct{}{}
		}
		s.DistinctTranscriptions = len(distinct)
		rep := repeatability(g)
		s.ExactRate = rep.ExactRate
		s.SimilarityMean = rep.SimilarityMean
		for _, st := range model.SummaryStages {
			vals := stageValues(g, st)
			if len(vals) == 0 {
				continue
			}
			m, _ := Mean(vals)
			sd, _ := StdDev(vals)
			s.Stages[st] = MeanStd{Count: len(vals), Mean: m, StdDev: sd}
		}
		out = append(out, s)
	}
	// 重复性最差的样本排在前面
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExactRate < out[j].ExactRate })
	return out
}

func configKey(preprocessor, backend string) string {
	return fmt.Sprintf("%s / %s", orDash(preprocessor), orDash(backend))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func perConfig(runs []model.Run) []ConfigStats {
	preOf := func(r *model.Run) string {
		if r.Metrics != nil && r.Metrics.PreprocessorBackend != "" {
			return r.Metrics.PreprocessorBackend
		}
		return r.PreprocessorBackend
	}
	order, groups := groupBy(runs, func(r *model.Run) string { return configKey(preOf(r), r.Backend) })
	out := make([]ConfigStats, 0, len(order))
	for _, key := range order {
		g := groups[key]
		c := ConfigStats{
			Key:                 key,
			PreprocessorBackend: preOf(&g[0]),
			Backend:             g[0].Backend,
			Runs:                len(g),
			Means:               map[string]float64{},
			Shares:              map[string]float64{},
		}
		for _, st := range fitStages {
			if m, ok := Mean(stageValues(g, st)); ok {
				c.Means[st] = m
			}
		}
		total, hasTotal := c.Means[model.StageTotal]
		best := -1.0
		for _, st := range model.TimedStages {
			m, ok := c.Means[st]
			if !ok {
				continue
			}
			if hasTotal && total > 0 {
				c.Shares[st] = m / total
			}
			if m > best {
				best, c.Dominant = m, st
			}
		}
		out = append(out, c)
	}
	return out
}

func durationBuckets(runs []model.Run, width float64) []DurationBucket {
	byStart := map[float64][]model.Run{}
	for i := range runs {
		dur, ok := runs[i].Duration()
		if !ok {
			continue
		}
		start := math.Floor(dur/width) * width
		byStart[start] = append(byStart[start], runs[i])
	}
	starts := make([]float64, 0, len(byStart))
	for s := range byStart {
		starts = append(starts, s)
	}
	sort.Float64s(starts)

	out := make([]DurationBucket, 0, len(starts))
	for _, start := range starts {
		g := byStart[start]
		b := DurationBucket{
			StartSec: start,
			EndSec:   start + width,
			Label:    fmt.Sprintf("%g-%gs", start, start+width),
			Runs:     len(g),
			Stages:   map[string]BucketStage{},
		}
		for _, st := range fitStages {
			vals := stageValues(g, st)
			if len(vals) == 0 {
				continue
			}
			sum := Summarize(vals)
			b.Stages[st] = BucketStage{Count: sum.Count, Mean: sum.Mean, Min: sum.Min, Max: sum.Max}
		}
		out = append(out, b)
	}
	return out
}

func scalingFits(runs []model.Run, threshold float64) []StageFit {
	out := make([]StageFit, 0, len(fitStages))
	for _, st := range fitStages {
		var xs, ys []float64
		for i := range runs {
			dur, ok := runs[i].Duration()
			if !ok {
				continue
			}
			v, ok := runs[i].Metrics.Value(st)
			if !ok {
				continue
			}
			xs = append(xs, dur)
			ys = append(ys, v)
		}
		fit := FitLinear(xs, ys)
		out = append(out, StageFit{
			Stage:         st,
			LinearFit:     fit,
			DurationBound: !fit.Degenerate && fit.R2 >= threshold,
		})
	}
	return out
}

// outputFits decode 与 total 对输出长度拟合；有 token_count 时优先使用，否则用转写词数
func outputFits(runs []model.Run) []OutputFit {
	source := "word_count"
	for i := range runs {
		if runs[i].Metrics != nil && runs[i].Metrics.TokenCount != nil {
			source = "token_count"
			break
		}
	}
	var out []OutputFit
	for _, st := range []string{model.StageDecode, model.StageTotal} {
		var xs, ys []float64
		for i := range runs {
			if runs[i].Error != "" {
				continue
			}
			v, ok := runs[i].Metrics.Value(st)
			if !ok {
				continue
			}
			var x float64
			if source == "token_count" {
				if runs[i].Metrics.TokenCount == nil {
					continue
				}
				x = float64(*runs[i].Metrics.TokenCount)
			} else {
				x = float64(wordCount(runs[i].Transcription))
			}
			xs = append(xs, x)
			ys = append(ys, v)
		}
		out = append(out, OutputFit{Stage: st, Source: source, LinearFit: FitLinear(xs, ys)})
	}
	return out
}

func sampleDurations(samples []SampleStats) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.DurationSec != nil {
			out = append(out, *s.DurationSec)
		}
	}
	return out
}

// rankBottleneck 阶段均值降序，第一名即瓶颈；结合时长拟合 R² 判断其性质
func rankBottleneck(stages map[string]model.StageSummary, fits []StageFit, outFits []OutputFit) *Bottleneck {
	total := stages[model.StageTotal]
	var ranking []BottleneckEntry
	for _, st := range model.TimedStages {
		s := stages[st]
		if s.Count == 0 {
			continue
		}
		e := BottleneckEntry{Stage: st, MeanMs: s.Mean}
		if total.Count > 0 && total.Mean > 0 {
			e.Share = s.Mean / total.Mean
		}
		ranking = append(ranking, e)
	}
	if len(ranking) == 0 {
		return nil
	}
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].MeanMs > ranking[j].MeanMs })

	top := ranking[0]
	b := &Bottleneck{Stage: top.Stage, MeanMs: top.MeanMs, Share: top.Share, Bound: BoundUnknown, Ranking: ranking}
	for _, f := range fits {
		if f.Stage != top.Stage {
			continue
		}
		b.DurationR2 = f.R2
		switch {
		case f.Degenerate:
		case f.DurationBound:
			b.Bound = BoundDuration
		default:
			b.Bound = BoundOutputLength
		}
	}
	for _, f := range outFits {
		if f.Stage == top.Stage && !f.Degenerate {
			b.OutputR2 = model.Float(f.R2)
		}
	}
	return b
}
