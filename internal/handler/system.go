package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/service"
	"github.com/ketches/gateway-sentinel/internal/tasks"
)

// SystemHandler 健康检查、预热进度、任务状态与本地存储运维
type SystemHandler struct {
	db      *database.DB
	tier    *cache.Tier
	redis   *cache.Redis
	store   *service.LogStore
	writer  *service.Writer
	storage *service.StorageEngine
	warmup  *tasks.Warmup
	mgr     *tasks.Manager
}

func NewSystemHandler(db *database.DB, tier *cache.Tier, redis *cache.Redis, store *service.LogStore, writer *service.Writer, storage *service.StorageEngine, warmup *tasks.Warmup, mgr *tasks.Manager) *SystemHandler {
	return &SystemHandler{
		db:      db,
		tier:    tier,
		redis:   redis,
		store:   store,
		writer:  writer,
		storage: storage,
		warmup:  warmup,
		mgr:     mgr,
	}
}

// Health GET /health（公开）。主库不通判不健康；
// Redis 掉线只降级，缓存会走镜像。
func (h *SystemHandler) Health(c *gin.Context) {
	if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, Response{
			Error: &ErrorBody{Code: "DB_ERROR", Message: "数据库连接失败"},
		})
		return
	}

	redisStatus := "disabled"
	if h.redis != nil {
		redisStatus = "healthy"
		if err := h.redis.Ping(c.Request.Context()); err != nil {
			redisStatus = "unavailable"
		}
	}

	OK(c, gin.H{
		"status": "healthy",
		"redis":  redisStatus,
		"scale":  h.tier.Scale(),
	})
}

// GetWarmupStatus GET /api/system/warmup-status
func (h *SystemHandler) GetWarmupStatus(c *gin.Context) {
	OK(c, h.warmup.Status())
}

// GetTasks GET /api/system/tasks
func (h *SystemHandler) GetTasks(c *gin.Context) {
	OK(c, gin.H{
		"warmup_done": h.mgr.IsWarmupDone(),
		"tasks":       h.mgr.GetStatus(),
	})
}

// GetIndexes GET /api/system/indexes
func (h *SystemHandler) GetIndexes(c *gin.Context) {
	statuses, err := h.db.ListIndexStatus(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, statuses)
}

// GetScale GET /api/system/scale
func (h *SystemHandler) GetScale(c *gin.Context) {
	stats, err := h.store.SystemScaleStats(c.Request.Context(), time.Now().Unix())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, gin.H{
		"scale": h.tier.Scale(),
		"stats": stats,
	})
}

// GetIPRecording GET /api/system/ip-recording
func (h *SystemHandler) GetIPRecording(c *gin.Context) {
	stats, err := h.store.IPRecordingSnapshot(c.Request.Context(), time.Now().Unix())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, stats)
}

// EnforceIPRecording POST /api/system/ip-recording/enforce
func (h *SystemHandler) EnforceIPRecording(c *gin.Context) {
	affected, err := h.writer.EnableIPRecording(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, gin.H{"affected": affected})
}

// GetStorage GET /api/system/storage
func (h *SystemHandler) GetStorage(c *gin.Context) {
	usage, err := h.storage.Usage(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, usage)
}

// CleanupStorage POST /api/system/storage/cleanup
func (h *SystemHandler) CleanupStorage(c *gin.Context) {
	result, err := h.storage.Cleanup(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetRetention GET /api/system/storage/retention
func (h *SystemHandler) GetRetention(c *gin.Context) {
	OK(c, h.storage.Retention())
}

// UpdateRetention PUT /api/system/storage/retention
func (h *SystemHandler) UpdateRetention(c *gin.Context) {
	var settings service.RetentionSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}
	if err := h.storage.UpdateRetention(settings); err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, settings, "保留期已更新")
}

// GetSecurityAudits GET /api/system/security-audit?page=1&page_size=20&action=ban
func (h *SystemHandler) GetSecurityAudits(c *gin.Context) {
	page, pageSize := pageParams(c)
	entries, total, err := h.storage.SecurityAudits(page, pageSize, c.Query("action"))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, gin.H{
		"items":     entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetCacheStats GET /api/system/cache
func (h *SystemHandler) GetCacheStats(c *gin.Context) {
	OK(c, h.tier.Stats(c.Request.Context()))
}

// FlushCache POST /api/system/cache/flush 清空全部缓存层
func (h *SystemHandler) FlushCache(c *gin.Context) {
	removed, err := h.tier.FlushAll(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, gin.H{"removed": removed})
}
