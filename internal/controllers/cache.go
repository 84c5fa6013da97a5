package controllers

import (
	"github.com/gin-gonic/gin"

	"autobackup/internal/helpers"
)

func (h *Handler) GetCacheSize(c *gin.Context) {
	size, err := h.svc.GetCacheSize()
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "获取缓存大小成功", gin.H{
		"size":      size,
		"size_text": helpers.FormatBytes(size),
		"dir":       h.svc.CacheDir(),
	})
}

// CleanCache 正在执行的任务的临时文件不会被删除
func (h *Handler) CleanCache(c *gin.Context) {
	res, err := h.svc.CleanCache()
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "清理缓存成功", res)
}
