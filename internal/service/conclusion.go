package service

import "fmt"

// Conclusion 自动结论：verdict + 论断 + 关键指标 + 局限
type Conclusion struct {
	Verdict string             `json:"verdict"`
	Claims  []string           `json:"claims"`
	Metrics map[string]float64 `json:"metrics"`
	Caveats []string           `json:"caveats"`
}

const (
	VerdictInsufficient    = "insufficient_data"
	VerdictDurationBound   = "duration_bound"
	VerdictOutputBound     = "output_length_bound"
	VerdictBottleneckFound = "bottleneck_found"

	minRunsForConclusion = 10
)

// GenerateBottleneckConclusion 根据瓶颈排名与拟合结果生成结论（工程简化版）
func GenerateBottleneckConclusion(d *DerivedStats) Conclusion {
	out := Conclusion{
		Verdict: VerdictInsufficient,
		Claims:  []string{},
		Metrics: map[string]float64{},
		Caveats: []string{},
	}

	if d.SuccessRuns < minRunsForConclusion {
		out.Caveats = append(out.Caveats, fmt.Sprintf("成功试验仅 %d 次，拟合与排名可能不稳定（建议 >=%d）。", d.SuccessRuns, minRunsForConclusion))
	}
	if d.ErrorRuns > 0 {
		out.Caveats = append(out.Caveats, fmt.Sprintf("存在 %d 个错误试验，已从耗时统计中排除。", d.ErrorRuns))
	}

	b := d.Bottleneck
	if b == nil {
		out.Caveats = append(out.Caveats, "没有可用的阶段耗时（后端未开启 profiling 或全部失败）。")
		return out
	}

	out.Metrics["bottleneck_mean_ms"] = b.MeanMs
	out.Metrics["bottleneck_share"] = b.Share
	out.Metrics["bottleneck_duration_r2"] = b.DurationR2
	if b.OutputR2 != nil {
		out.Metrics["bottleneck_output_r2"] = *b.OutputR2
	}
	out.Claims = append(out.Claims, fmt.Sprintf("%s 是耗时最大的阶段，均值 %.1fms，占总耗时 %.0f%%。", b.Stage, b.MeanMs, b.Share*100))

	switch b.Bound {
	case BoundDuration:
		out.Verdict = VerdictDurationBound
		out.Claims = append(out.Claims, fmt.Sprintf("%s 与音频时长线性相关（R²=%.2f >= %.2f），成本主要由输入时长决定。", b.Stage, b.DurationR2, d.View.R2Threshold))
	case BoundOutputLength:
		out.Verdict = VerdictOutputBound
		claim := fmt.Sprintf("%s 与音频时长的拟合较弱（R²=%.2f < %.2f），同等时长样本耗时差异大，成本更依赖输出长度（自回归解码）。", b.Stage, b.DurationR2, d.View.R2Threshold)
		if b.OutputR2 != nil {
			claim += fmt.Sprintf(" 对输出长度拟合 R²=%.2f。", *b.OutputR2)
		}
		out.Claims = append(out.Claims, claim)
	default:
		out.Verdict = VerdictBottleneckFound
		out.Caveats = append(out.Caveats, "时长样本不足或时长无差异，无法判断瓶颈性质。")
	}

	for _, f := range d.ScalingFits {
		if !f.Degenerate {
			out.Metrics[f.Stage+"_slope_ms_per_sec"] = f.Slope
			out.Metrics[f.Stage+"_r2"] = f.R2
		}
	}

	rep := d.Repeatability
	if rep.Compared > 0 {
		out.Metrics["exact_rate"] = rep.ExactRate
		if rep.ExactRate < 1 {
			out.Caveats = append(out.Caveats, fmt.Sprintf("重复转写并不完全一致（exact rate %.3f, CI95 [%.3f, %.3f]），后端可能存在非确定性。", rep.ExactRate, rep.CI95Low, rep.CI95High))
		}
	}
	return out
}
