package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"asr-bench/internal/model"
)

const namespace = "asr_bench"

// Recorder 试验级指标，挂到运行日志上作为 sink。每个 Recorder 持有独立 registry。
type Recorder struct {
	registry *prometheus.Registry

	// stageLatency 分阶段耗时（毫秒）
	// Labels: stage, backend, preprocessor
	stageLatency *prometheus.HistogramVec

	// rtf 每次试验的实时率
	// Labels: backend
	rtf *prometheus.HistogramVec

	// trials 试验计数
	// Labels: backend, status (success, error, audio_error)
	trials *prometheus.CounterVec

	// exactMatches 与首次成功转写完全一致的试验数
	// Labels: backend
	exactMatches *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trial",
			Name:      "stage_latency_ms",
			Help:      "Per-stage inference latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 400, 800, 1600, 3200, 6400},
		}, []string{"stage", "backend", "preprocessor"}),
		rtf: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trial",
			Name:      "rtf",
			Help:      "Real-time factor (audio duration / total time)",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 200},
		}, []string{"backend"}),
		trials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trial",
			Name:      "total",
			Help:      "Total recorded trials by outcome",
		}, []string{"backend", "status"}),
		exactMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trial",
			Name:      "exact_match_total",
			Help:      "Trials whose transcription matched the first successful trial",
		}, []string{"backend"}),
	}
}

// RecordRun 实现运行日志 sink
func (r *Recorder) RecordRun(_ context.Context, run model.Run) error {
	backend := run.Backend
	switch {
	case run.RepeatIndex == 0 && run.Error != "":
		r.trials.WithLabelValues(backend, "audio_error").Inc()
		return nil
	case !run.Succeeded():
		r.trials.WithLabelValues(backend, "error").Inc()
		return nil
	}
	r.trials.WithLabelValues(backend, "success").Inc()
	pre := run.PreprocessorBackend
	for _, st := range append(append([]string{}, model.TimedStages...), model.StageTotal) {
		if v, ok := run.Metrics.Value(st); ok {
			r.stageLatency.WithLabelValues(st, backend, pre).Observe(v)
		}
	}
	if v, ok := run.Metrics.Value(model.StageRTF); ok {
		r.rtf.WithLabelValues(backend).Observe(v)
	}
	if run.ExactMatchToFirst != nil && *run.ExactMatchToFirst {
		r.exactMatches.WithLabelValues(backend).Inc()
	}
	return nil
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler /metrics 端点
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
