package controllers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"autobackup/internal/db"
)

// ListSnapshots 数据库快照列表，最新的在前
func (h *Handler) ListSnapshots(c *gin.Context) {
	snapshots, err := h.svc.ListSnapshots()
	if err != nil {
		fail(c, err, nil)
		return
	}
	if snapshots == nil {
		snapshots = []db.Snapshot{}
	}
	ok(c, "获取数据库快照成功", snapshots)
}

func (h *Handler) CreateSnapshot(c *gin.Context) {
	snap, err := h.svc.CreateSnapshot(c.Request.Context())
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "创建数据库快照成功", snap)
}

type restoreRequest struct {
	Name string `json:"name" binding:"required"`
}

// RestoreSnapshot 从快照恢复，返回恢复前自动创建的快照
func (h *Handler) RestoreSnapshot(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Sprintf("参数错误：%v", err))
		return
	}
	before, err := h.svc.RestoreSnapshot(c.Request.Context(), req.Name)
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "数据库已从快照恢复", before)
}
