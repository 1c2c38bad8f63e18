package handler

import (
	"net/http"
	"strings"

	"asr-bench/internal/model"
	"asr-bench/internal/service"

	"github.com/gin-gonic/gin"
)

type SnapshotHandler struct {
	svc *service.BenchService
}

func NewSnapshotHandler(svc *service.BenchService) *SnapshotHandler {
	return &SnapshotHandler{svc: svc}
}

// ListSnapshots 最新在前；默认不返回 runs
func (h *SnapshotHandler) ListSnapshots(c *gin.Context) {
	list, err := h.svc.Snapshots.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if c.Query("include_runs") != "true" {
		for i := range list {
			list[i].Runs = nil
		}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list, "total": len(list)})
}

func (h *SnapshotHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.svc.Snapshots.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type saveSnapshotRequest struct {
	Label string `json:"label"`
}

// SaveSnapshot 保存当前运行日志
func (h *SnapshotHandler) SaveSnapshot(c *gin.Context) {
	var req saveSnapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	snap, err := h.svc.SaveSnapshot(c.Request.Context(), req.Label)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *SnapshotHandler) DeleteSnapshot(c *gin.Context) {
	if err := h.svc.Snapshots.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// ImportSnapshot 请求体为导出的 JSON 文档；label 由查询参数给出
func (h *SnapshotHandler) ImportSnapshot(c *gin.Context) {
	var exp model.BatchExport
	if err := c.ShouldBindJSON(&exp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.svc.Snapshots.Import(c.Request.Context(), exp, c.Query("label"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// Compare GET /snapshots/compare?a=..&b=..
func (h *SnapshotHandler) Compare(c *gin.Context) {
	a, b := c.Query("a"), c.Query("b")
	if a == "" || b == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要参数 a 和 b"})
		return
	}
	cmp, err := h.svc.Snapshots.Compare(c.Request.Context(), a, b)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

// MultiCompare GET /snapshots/multi-compare?ids=a,b,c&metrics=decode_ms,total_ms
func (h *SnapshotHandler) MultiCompare(c *gin.Context) {
	ids := splitList(c.Query("ids"))
	metrics := splitList(c.Query("metrics"))
	out, err := h.svc.Snapshots.MultiCompare(c.Request.Context(), ids, metrics)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
