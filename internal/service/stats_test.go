package service

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptiveStats(t *testing.T) {
	m, ok := Mean([]float64{2, 4, 6})
	require.True(t, ok)
	assert.Equal(t, 4.0, m)

	med, ok := Median([]float64{4, 1, 3, 2})
	require.True(t, ok)
	assert.Equal(t, 2.5, med)

	sd, ok := StdDev([]float64{2, 2, 2})
	require.True(t, ok)
	assert.Equal(t, 0.0, sd)

	sd, ok = StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.True(t, ok)
	assert.InDelta(t, 2.138, sd, 1e-3)

	sd, ok = StdDev([]float64{7})
	require.True(t, ok)
	assert.Equal(t, 0.0, sd)

	hundred := make([]float64, 100)
	for i := range hundred {
		hundred[i] = float64(100 - i)
	}
	p90, ok := Percentile(hundred, 90)
	require.True(t, ok)
	assert.Equal(t, 90.0, p90)

	p0, _ := Percentile(hundred, 0)
	assert.Equal(t, 1.0, p0)
	p100, _ := Percentile(hundred, 100)
	assert.Equal(t, 100.0, p100)
}

func TestDescriptiveStats_Empty(t *testing.T) {
	for name, fn := range map[string]func([]float64) (float64, bool){
		"mean":   Mean,
		"median": Median,
		"stddev": StdDev,
		"p90":    func(v []float64) (float64, bool) { return Percentile(v, 90) },
	} {
		_, ok := fn(nil)
		assert.False(t, ok, name)
	}
	assert.Zero(t, Summarize(nil).Count)
}

func TestSummarize(t *testing.T) {
	in := []float64{5, 1, 3}
	s := Summarize(in)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.Equal(t, 3.0, s.Mean)
	assert.Equal(t, 3.0, s.Median)
	assert.Equal(t, 5.0, s.P90)
	assert.InDelta(t, 2.0, s.StdDev, 1e-9)
	// 输入顺序不被修改
	assert.Equal(t, []float64{5, 1, 3}, in)
}

func TestFitLinear(t *testing.T) {
	tests := []struct {
		name      string
		xs, ys    []float64
		slope     float64
		intercept float64
		r2        float64
		n         int
		degen     bool
	}{
		{name: "完美线性", xs: []float64{1, 2, 3}, ys: []float64{2, 4, 6}, slope: 2, intercept: 0, r2: 1, n: 3},
		{name: "带截距", xs: []float64{0, 1, 2, 3}, ys: []float64{1, 3, 5, 7}, slope: 2, intercept: 1, r2: 1, n: 4},
		{name: "点数不足", xs: []float64{1}, ys: []float64{1}, n: 1, degen: true},
		{name: "x 无方差", xs: []float64{2, 2, 2}, ys: []float64{1, 2, 3}, n: 3, degen: true},
		{name: "y 无方差", xs: []float64{1, 2, 3}, ys: []float64{5, 5, 5}, slope: 0, intercept: 5, r2: 0, n: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fit := FitLinear(tt.xs, tt.ys)
			t.Logf("fit: %+v", fit)
			assert.InDelta(t, tt.slope, fit.Slope, 1e-9)
			assert.InDelta(t, tt.intercept, fit.Intercept, 1e-9)
			assert.InDelta(t, tt.r2, fit.R2, 1e-9)
			assert.Equal(t, tt.n, fit.N)
			assert.Equal(t, tt.degen, fit.Degenerate)
		})
	}
}

func TestFitLinear_NoisyR2BelowOne(t *testing.T) {
	fit := FitLinear([]float64{1, 2, 3, 4}, []float64{1, 3, 2, 4})
	assert.Greater(t, fit.R2, 0.0)
	assert.Less(t, fit.R2, 1.0)
}

func TestBuildHistogram(t *testing.T) {
	h := BuildHistogram([]float64{0.5, 1.9, 2.0, 3.9, 4}, 2)
	assert.Equal(t, 0.0, h.Start)
	assert.Equal(t, []string{"0-2", "2-4", "4-6"}, h.Labels)
	assert.Equal(t, []int{2, 2, 1}, h.Counts)

	total := 0
	for _, c := range h.Counts {
		total += c
	}
	assert.Equal(t, 5, total)

	single := BuildHistogram([]float64{3, 3}, 2)
	assert.Equal(t, []int{2}, single.Counts)

	assert.Empty(t, BuildHistogram(nil, 2).Counts)
	assert.Empty(t, BuildHistogram([]float64{1}, 0).Counts)
}

func TestWilsonCI(t *testing.T) {
	lo, hi := wilsonCI(8, 10, 1.96)
	assert.Less(t, lo, 0.8)
	assert.Greater(t, hi, 0.8)
	assert.GreaterOrEqual(t, lo, 0.0)
	assert.LessOrEqual(t, hi, 1.0)

	lo, hi = wilsonCI(10, 10, 1.96)
	assert.Equal(t, 1.0, hi)
	assert.Less(t, lo, 1.0)

	lo, hi = wilsonCI(0, 0, 1.96)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestTwoPropZTest(t *testing.T) {
	p, z := twoPropZTest(50, 100, 50, 100)
	assert.InDelta(t, 1.0, p, 1e-9)
	assert.Zero(t, z)

	p, z = twoPropZTest(20, 100, 60, 100)
	assert.Less(t, p, 0.01)
	assert.Greater(t, z, 0.0)

	p, _ = twoPropZTest(1, 0, 1, 1)
	assert.Equal(t, 1.0, p)
	assert.False(t, math.IsNaN(p))
}
