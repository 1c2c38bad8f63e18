package router

import (
	"context"

	"asr-bench/internal/handler"
	"asr-bench/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter runCtx 为后台批次的上下文，服务关闭时取消
func SetupRouter(runCtx context.Context, svc *service.ServiceContext) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// 初始化handlers
	benchHandler := handler.NewBenchHandler(runCtx, svc.Bench, svc.Repo)
	snapshotHandler := handler.NewSnapshotHandler(svc.Bench)

	if svc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(svc.Metrics.Handler()))
	}

	// API路由
	api := r.Group("/api")
	{
		// 模型会话
		m := api.Group("/model")
		{
			m.POST("/load", benchHandler.LoadModel)
			m.GET("/status", benchHandler.ModelStatus)
		}

		api.GET("/settings", benchHandler.GetSettings)
		api.PUT("/settings", benchHandler.PutSettings)

		// 批次
		batches := api.Group("/batches")
		{
			batches.POST("", benchHandler.StartBatch)
			batches.POST("/stop", benchHandler.StopBatch)
			batches.GET("/status", benchHandler.BatchStatus)
			batches.GET("/history", benchHandler.ListBatches)
		}

		// 运行日志
		runs := api.Group("/runs")
		{
			runs.GET("", benchHandler.ListRuns)
			runs.DELETE("", benchHandler.ClearRuns)
		}

		api.GET("/analysis", benchHandler.Analysis)

		export := api.Group("/export")
		{
			export.GET("/json", benchHandler.ExportJSON)
			export.GET("/csv", benchHandler.ExportCSV)
			export.GET("/markdown", benchHandler.ExportMarkdown)
		}

		// 快照
		snapshots := api.Group("/snapshots")
		{
			snapshots.GET("", snapshotHandler.ListSnapshots)
			snapshots.POST("", snapshotHandler.SaveSnapshot)
			snapshots.POST("/import", snapshotHandler.ImportSnapshot)
			snapshots.GET("/compare", snapshotHandler.Compare)
			snapshots.GET("/multi-compare", snapshotHandler.MultiCompare)
			snapshots.GET("/:id", snapshotHandler.GetSnapshot)
			snapshots.DELETE("/:id", snapshotHandler.DeleteSnapshot)
		}
	}

	return r
}
