package controllers

import (
	"context"
	"encoding/json"
	"os"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"

	"autobackup/internal/helpers"
)

type SystemInfo struct {
	Version        string  `json:"version"`
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	Hostname       string  `json:"hostname"`
	Platform       string  `json:"platform"`
	Uptime         uint64  `json:"uptime"`
	MemTotal       uint64  `json:"mem_total"`
	MemUsed        uint64  `json:"mem_used"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	CacheDir       string  `json:"cache_dir"`
	CacheDiskTotal uint64  `json:"cache_disk_total"`
	CacheDiskFree  uint64  `json:"cache_disk_free"`
	Scheduler      string  `json:"scheduler"`
	ScheduledTasks int     `json:"scheduled_tasks"`
}

// SystemInfo 主机、内存和缓存目录所在磁盘的信息，单项获取失败时留空
func (h *Handler) SystemInfo(c *gin.Context) {
	ctx := c.Request.Context()
	info := SystemInfo{
		Version:   helpers.Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CacheDir:  h.svc.CacheDir(),
	}
	info.Scheduler, info.ScheduledTasks = h.svc.SchedulerStatus()

	if hi, err := h.hostInfo(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.Platform = hi.Platform + " " + hi.PlatformVersion
		info.Uptime = hi.Uptime
	} else {
		h.logger.Warnf("获取主机信息失败: %v", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemTotal = vm.Total
		info.MemUsed = vm.Used
		info.MemUsedPercent = vm.UsedPercent
	} else {
		h.logger.Warnf("获取内存信息失败: %v", err)
	}
	if du, err := disk.UsageWithContext(ctx, diskPath(info.CacheDir)); err == nil {
		info.CacheDiskTotal = du.Total
		info.CacheDiskFree = du.Free
	} else {
		h.logger.Debugf("获取缓存磁盘信息失败: %v", err)
	}
	ok(c, "获取系统信息成功", info)
}

const hostInfoCacheKey = "system:host"

// hostInfo 主机信息读取较慢，缓存60秒
func (h *Handler) hostInfo(ctx context.Context) (*host.InfoStat, error) {
	if data := h.cache.Get(hostInfoCacheKey); data != nil {
		var hi host.InfoStat
		if err := json.Unmarshal(data, &hi); err == nil {
			return &hi, nil
		}
	}
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(hi); err == nil {
		h.cache.Set(hostInfoCacheKey, data, 60)
	}
	return hi, nil
}

// diskPath 缓存目录还没创建时统计当前目录所在磁盘
func diskPath(dir string) string {
	if dir == "" {
		return "."
	}
	if _, err := os.Stat(dir); err != nil {
		return "."
	}
	return dir
}
