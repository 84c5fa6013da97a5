package controllers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// ListLogs 执行日志，task_id 为空时返回所有任务，limit 默认100
func (h *Handler) ListLogs(c *gin.Context) {
	var taskID uint64
	if s := c.Query("task_id"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, "无效的任务ID")
			return
		}
		taskID = v
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		badRequest(c, "无效的limit")
		return
	}
	if limit > 1000 {
		limit = 1000
	}
	logs, err := h.svc.ListLogs(c.Request.Context(), uint(taskID), limit)
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "获取执行日志成功", logs)
}
