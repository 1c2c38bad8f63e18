package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"asr-bench/internal/db"
	"asr-bench/internal/model"
	"asr-bench/internal/service"

	"github.com/gin-gonic/gin"
)

type BenchHandler struct {
	svc  *service.BenchService
	repo *db.RunRepository
	// runCtx 后台批次使用的上下文，生命周期与服务一致
	runCtx context.Context
}

func NewBenchHandler(runCtx context.Context, svc *service.BenchService, repo *db.RunRepository) *BenchHandler {
	return &BenchHandler{svc: svc, repo: repo, runCtx: runCtx}
}

// statusFor 把领域错误映射到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBatchRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrModelNotReady),
		errors.Is(err, service.ErrNoSamples),
		errors.Is(err, service.ErrNoRuns):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrInvalidBatch),
		errors.Is(err, service.ErrNotEnoughSnapshots),
		errors.Is(err, service.ErrUnknownMetric),
		errors.Is(err, service.ErrVerificationMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

type loadModelRequest struct {
	Model            *model.ModelConfig `json:"model"`
	TargetSampleRate int                `json:"target_sample_rate"`
}

// LoadModel 加载（并校验）模型；未指定时使用当前设置中的模型
func (h *BenchHandler) LoadModel(c *gin.Context) {
	var req loadModelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	settings, err := h.svc.Settings.Get(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	cfg := settings.Model
	if req.Model != nil {
		cfg = *req.Model
	}
	rate := req.TargetSampleRate
	if rate == 0 {
		rate = settings.TargetSampleRate
	}
	if err := h.svc.LoadModel(c.Request.Context(), cfg, rate); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Session.Status())
}

func (h *BenchHandler) ModelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Session.Status())
}

func (h *BenchHandler) GetSettings(c *gin.Context) {
	s, err := h.svc.Settings.Get(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// PutSettings 模型配置变化时当前模型失效并排队释放
func (h *BenchHandler) PutSettings(c *gin.Context) {
	var s model.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.UpdateSettings(c.Request.Context(), s); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// StartBatch 按当前设置（或请求体中的设置）启动后台批次
func (h *BenchHandler) StartBatch(c *gin.Context) {
	settings, err := h.svc.Settings.Get(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	id, err := h.svc.StartBatch(c.Request.Context(), h.runCtx, settings)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batchId": id, "progress": h.svc.Runner.Progress()})
}

func (h *BenchHandler) StopBatch(c *gin.Context) {
	h.svc.Runner.Stop()
	c.JSON(http.StatusOK, gin.H{"stopping": h.svc.Runner.Running(), "progress": h.svc.Runner.Progress()})
}

func (h *BenchHandler) BatchStatus(c *gin.Context) {
	resp := gin.H{
		"running":  h.svc.Runner.Running(),
		"progress": h.svc.Runner.Progress(),
	}
	if last := h.svc.Runner.LastResult(); last != nil {
		resp["last"] = last
		resp["status"] = last.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// ListBatches 已落库的历史批次（需启用数据库）
func (h *BenchHandler) ListBatches(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "数据库未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	batches, err := h.repo.ListBatches(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

// ListRuns 运行日志；successful_only=true 只返回成功的试验
func (h *BenchHandler) ListRuns(c *gin.Context) {
	runs := h.svc.Runs.Runs()
	if c.Query("successful_only") == "true" {
		kept := runs[:0]
		for i := range runs {
			if runs[i].Succeeded() {
				kept = append(kept, runs[i])
			}
		}
		runs = kept
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

func (h *BenchHandler) ClearRuns(c *gin.Context) {
	if h.svc.Runner.Running() {
		fail(c, service.ErrBatchRunning)
		return
	}
	h.svc.Runs.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// viewFromQuery 查询参数覆盖设置里的分桶宽度与 R² 阈值
func (h *BenchHandler) viewFromQuery(c *gin.Context) (service.ViewState, error) {
	settings, err := h.svc.Settings.Get(c.Request.Context())
	if err != nil {
		return service.ViewState{}, err
	}
	view := service.ViewFromSettings(settings, c.Query("successful_only") == "true")
	if v := c.Query("bucket_width"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			view.BucketWidthSec = f
		}
	}
	if v := c.Query("r2_threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			view.R2Threshold = f
		}
	}
	return view, nil
}

func (h *BenchHandler) Analysis(c *gin.Context) {
	view, err := h.viewFromQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Analyze(view))
}

func (h *BenchHandler) ExportJSON(c *gin.Context) {
	exp, err := h.svc.Export(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=asr-bench-%s.json", exp.GeneratedAt.Format("20060102-150405")))
	c.JSON(http.StatusOK, exp)
}

func (h *BenchHandler) ExportCSV(c *gin.Context) {
	runs := h.svc.Runs.Runs()
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", "attachment; filename=asr-bench-runs.csv")
	c.Status(http.StatusOK)
	if err := service.WriteRunsCSV(c.Writer, runs); err != nil {
		_ = c.Error(err)
	}
}

func (h *BenchHandler) ExportMarkdown(c *gin.Context) {
	exp, err := h.svc.Export(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	view, err := h.viewFromQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	d := service.Recompute(view, exp.Runs)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(service.RenderBatchMarkdown(exp, d)))
}
