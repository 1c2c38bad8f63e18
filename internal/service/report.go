package service

import (
	"fmt"
	"strings"
	"time"

	"asr-bench/internal/model"
)

const maxReportErrors = 20

// RenderBatchMarkdown 批次报告：设置、阶段汇总、拟合、瓶颈结论、错误列表
func RenderBatchMarkdown(exp model.BatchExport, d DerivedStats) string {
	var b strings.Builder
	s := exp.Settings
	b.WriteString("# ASR 基准报告\n\n")
	b.WriteString(fmt.Sprintf("- generated_at: %s\n", exp.GeneratedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("- model: %s\n", s.Model.String()))
	b.WriteString(fmt.Sprintf("- dataset: %s / %s / %s\n", s.Dataset, s.Config, s.Split))
	b.WriteString(fmt.Sprintf("- samples: %d, repeat: %d, warmup: %d, seed: %q\n", s.SampleCount, s.RepeatCount, s.WarmupCount, s.Seed))
	b.WriteString(fmt.Sprintf("- hardware: %s\n", exp.HardwareSummary))
	b.WriteString(fmt.Sprintf("- runs: %d (success %d, error %d)\n\n", d.TotalRuns, d.SuccessRuns, d.ErrorRuns))

	b.WriteString("## 阶段耗时\n\n")
	b.WriteString("| 阶段 | N | Mean | Median | P90 | StdDev | Min | Max |\n")
	b.WriteString("| --- | ---: | ---: | ---: | ---: | ---: | ---: | ---: |\n")
	for _, st := range model.SummaryStages {
		sum := d.Stages[st]
		if sum.Count == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("| %s | %d | %.2f | %.2f | %.2f | %.2f | %.2f | %.2f |\n",
			st, sum.Count, sum.Mean, sum.Median, sum.P90, sum.StdDev, sum.Min, sum.Max))
	}
	b.WriteString("\n")

	rep := d.Repeatability
	b.WriteString("## 重复性\n\n")
	if rep.Compared == 0 {
		b.WriteString("- 无可比较的重复试验\n\n")
	} else {
		b.WriteString(fmt.Sprintf("- exact rate: %.3f (%d/%d), CI95 [%.3f, %.3f]\n", rep.ExactRate, rep.ExactMatches, rep.Compared, rep.CI95Low, rep.CI95High))
		b.WriteString(fmt.Sprintf("- similarity: mean %.4f, stddev %.4f\n\n", rep.SimilarityMean, rep.SimilarityStd))
	}

	b.WriteString("## 时长拟合\n\n")
	b.WriteString("| 阶段 | N | Slope (ms/s) | Intercept | R² | 时长线性 |\n")
	b.WriteString("| --- | ---: | ---: | ---: | ---: | --- |\n")
	for _, f := range d.ScalingFits {
		if f.Degenerate {
			continue
		}
		bound := "否"
		if f.DurationBound {
			bound = "是"
		}
		b.WriteString(fmt.Sprintf("| %s | %d | %.3f | %.3f | %.3f | %s |\n", f.Stage, f.N, f.Slope, f.Intercept, f.R2, bound))
	}
	b.WriteString("\n")

	b.WriteString("## 自动结论\n\n")
	c := d.Conclusion
	b.WriteString(fmt.Sprintf("- verdict: %s\n", c.Verdict))
	if len(c.Claims) > 0 {
		b.WriteString("\n### 主要论断\n\n")
		for _, claim := range c.Claims {
			b.WriteString(fmt.Sprintf("- %s\n", claim))
		}
	}
	if len(c.Caveats) > 0 {
		b.WriteString("\n### 注意事项/局限\n\n")
		for _, cv := range c.Caveats {
			b.WriteString(fmt.Sprintf("- %s\n", cv))
		}
	}

	var errs []string
	for i := range exp.Runs {
		if e := exp.Runs[i].Error; e != "" {
			errs = append(errs, fmt.Sprintf("%s#%d: %s", exp.Runs[i].SampleKey, exp.Runs[i].RepeatIndex, e))
		}
	}
	if len(errs) > 0 {
		b.WriteString("\n## 执行错误\n\n")
		n := min(len(errs), maxReportErrors)
		for i := 0; i < n; i++ {
			b.WriteString(fmt.Sprintf("- %s\n", errs[i]))
		}
		if len(errs) > n {
			b.WriteString(fmt.Sprintf("- ...(剩余 %d 条省略)\n", len(errs)-n))
		}
	}
	return b.String()
}
