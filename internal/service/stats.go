package service

import (
	"fmt"
	"math"
	"sort"

	"asr-bench/internal/model"
)

// 统计内核：纯函数，输入需由调用方预先过滤 NaN/缺失值

// Mean 空输入返回 ok=false
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

func Median(values []float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	sorted := sortedCopy(values)
	if n%2 == 1 {
		return sorted[n/2], true
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2, true
}

// StdDev 样本标准差（n-1），n<2 时为 0
func StdDev(values []float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	if n < 2 {
		return 0, true
	}
	mean, _ := Mean(values)
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1)), true
}

// Percentile 最近秩法：index = ceil(p/100*n)-1，截断到 [0,n-1]
func Percentile(values []float64, p float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	sorted := sortedCopy(values)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx], true
}

// Summarize count/min/max/mean/median/p90/stddev
func Summarize(values []float64) model.StageSummary {
	if len(values) == 0 {
		return model.StageSummary{}
	}
	sorted := sortedCopy(values)
	mean, _ := Mean(sorted)
	median, _ := Median(sorted)
	p90, _ := Percentile(sorted, 90)
	std, _ := StdDev(sorted)
	return model.StageSummary{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		Median: median,
		P90:    p90,
		StdDev: std,
	}
}

// LinearFit 最小二乘拟合 y = Slope*x + Intercept
type LinearFit struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	R2        float64 `json:"r2"`
	N         int     `json:"n"`

	// Degenerate 点数不足或 x 无方差，斜率/截距/R² 均为 0
	Degenerate bool `json:"degenerate,omitempty"`
}

// FitLinear 点数不足 2 或 x 方差为 0 时返回零值结果；y 方差为 0 时 R2 记为 0
func FitLinear(xs, ys []float64) LinearFit {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return LinearFit{N: n, Degenerate: true}
	}
	xs, ys = xs[:n], ys[:n]
	mx, _ := Mean(xs)
	my, _ := Mean(ys)
	var sxx, sxy, syy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return LinearFit{N: n, Degenerate: true}
	}
	a := sxy / sxx
	b := my - a*mx
	r2 := 0.0
	if syy > 0 {
		ssRes := 0.0
		for i := 0; i < n; i++ {
			d := ys[i] - (a*xs[i] + b)
			ssRes += d * d
		}
		r2 = 1 - ssRes/syy
	}
	return LinearFit{Slope: a, Intercept: b, R2: r2, N: n}
}

// Histogram 与标签对齐的计数
type Histogram struct {
	BinWidth float64  `json:"binWidth"`
	Start    float64  `json:"start"`
	Labels   []string `json:"labels"`
	Counts   []int    `json:"counts"`
}

// BuildHistogram 固定宽度分箱，范围 [floor(min/w)*w, ceil(max/w)*w)；最大值落在最后一个箱
func BuildHistogram(values []float64, binWidth float64) Histogram {
	h := Histogram{BinWidth: binWidth}
	if len(values) == 0 || binWidth <= 0 {
		return h
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	start := math.Floor(lo/binWidth) * binWidth
	end := math.Ceil(hi/binWidth) * binWidth
	bins := int(math.Round((end - start) / binWidth))
	if bins < 1 {
		bins = 1
	}
	if start+float64(bins)*binWidth <= hi {
		bins++
	}
	h.Start = start
	h.Counts = make([]int, bins)
	h.Labels = make([]string, bins)
	for i := 0; i < bins; i++ {
		from := start + float64(i)*binWidth
		h.Labels[i] = fmt.Sprintf("%g-%g", from, from+binWidth)
	}
	for _, v := range values {
		idx := int(math.Floor((v - start) / binWidth))
		if idx < 0 {
			idx = 0
		}
		if idx >= bins {
			idx = bins - 1
		}
		h.Counts[idx]++
	}
	return h
}

func sortedCopy(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	low := math.Max(0, center-half)
	high := math.Min(1, center+half)
	return low, high
}

// two-proportion z-test (two-sided)
func twoPropZTest(x1, n1, x2, n2 int) (pValue float64, z float64) {
	if n1 == 0 || n2 == 0 {
		return 1, 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	p := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1, 0
	}
	z = (p2 - p1) / se
	pValue = 2 * (1 - normCDF(math.Abs(z)))
	return pValue, z
}

// standard normal CDF approximation via erf
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
