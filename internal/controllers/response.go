package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"autobackup/internal/apperr"
	"autobackup/internal/db"
)

type APIResponseCode int

const (
	Success APIResponseCode = iota
	BadRequest
	Unauthorized
	NotFound
	Conflict
	InternalError
)

type APIResponse[T any] struct {
	Code    APIResponseCode `json:"code"`
	Message string          `json:"message"`
	Data    T               `json:"data"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, APIResponse[any]{Code: Success, Message: message, Data: data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse[any]{Code: BadRequest, Message: message, Data: nil})
}

// fail 按错误分类返回HTTP状态码，消息就是错误本身的消息
func fail(c *gin.Context, err error, data any) {
	status, code := statusOf(err)
	c.JSON(status, APIResponse[any]{Code: code, Message: err.Error(), Data: data})
}

func statusOf(err error) (int, APIResponseCode) {
	if errors.Is(err, db.ErrSnapshotUnsupported) {
		return http.StatusBadRequest, BadRequest
	}
	switch apperr.CodeOf(err) {
	case apperr.TaskNotFound:
		return http.StatusNotFound, NotFound
	case apperr.TaskAlreadyRunning:
		return http.StatusConflict, Conflict
	case apperr.ConfigInvalid, apperr.BackupSourceInvalid:
		return http.StatusBadRequest, BadRequest
	default:
		return http.StatusInternalServerError, InternalError
	}
}

// paramID 读取路径里的 :id
func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "无效的任务ID")
		return 0, false
	}
	return uint(id), true
}
