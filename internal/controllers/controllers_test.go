package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobackup/internal/apperr"
	"autobackup/internal/backup"
	"autobackup/internal/db"
	"autobackup/internal/helpers"
	"autobackup/internal/models"
	"autobackup/internal/notify"
)

// fakeService 内存实现，executeErr 控制执行结果
type fakeService struct {
	tasks      map[uint]*models.BackupTask
	logs       []*models.BackupLog
	executeErr error
	created    *models.BackupTask
	updated    *models.BackupTask
}

func newFakeService() *fakeService {
	return &fakeService{tasks: map[uint]*models.BackupTask{
		1: {BaseModel: models.BaseModel{ID: 1}, TaskName: "docs", Enabled: true, Encrypted: true, EncryptPassword: "secret", Status: models.TaskStatusWaiting},
	}}
}

func (f *fakeService) ListTasks(context.Context) ([]*models.BackupTask, error) {
	var out []*models.BackupTask
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeService) GetTask(_ context.Context, id uint) (*models.BackupTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.TaskNotFound, "任务不存在: %d", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeService) CreateTask(_ context.Context, task *models.BackupTask) (*models.BackupTask, error) {
	if err := backup.ValidateTask(task); err != nil {
		return nil, err
	}
	task.ID = uint(len(f.tasks) + 1)
	f.tasks[task.ID] = task
	f.created = task
	return task, nil
}

func (f *fakeService) UpdateTask(ctx context.Context, id uint, task *models.BackupTask) (*models.BackupTask, error) {
	if _, err := f.GetTask(ctx, id); err != nil {
		return nil, err
	}
	task.ID = id
	f.updated = task
	return task, nil
}

func (f *fakeService) DeleteTask(ctx context.Context, id uint) error {
	if _, err := f.GetTask(ctx, id); err != nil {
		return err
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeService) PauseTask(ctx context.Context, id uint) (*models.BackupTask, error) {
	t, err := f.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatusPaused
	return t, nil
}

func (f *fakeService) ResumeTask(ctx context.Context, id uint) (*models.BackupTask, error) {
	t, err := f.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatusWaiting
	return t, nil
}

func (f *fakeService) ExecuteBackup(ctx context.Context, id uint) (*backup.RunResult, error) {
	if _, err := f.GetTask(ctx, id); err != nil {
		return nil, err
	}
	if f.executeErr != nil {
		if apperr.Is(f.executeErr, apperr.TaskAlreadyRunning) {
			return nil, f.executeErr
		}
		msg := f.executeErr.Error()
		return &backup.RunResult{Log: &models.BackupLog{TaskID: id, Status: models.RunFailed, ErrorMsg: &msg}}, f.executeErr
	}
	return &backup.RunResult{Success: true, Log: &models.BackupLog{TaskID: id, Status: models.RunSuccess, BackupPath: "/backups/docs/docs_1.zip"}}, nil
}

func (f *fakeService) ListLogs(_ context.Context, taskID uint, limit int) ([]*models.BackupLog, error) {
	var out []*models.BackupLog
	for _, l := range f.logs {
		if taskID == 0 || l.TaskID == taskID {
			out = append(out, l)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeService) GetCacheSize() (int64, error) { return 2048, nil }

func (f *fakeService) CleanCache() (*backup.CleanResult, error) {
	return &backup.CleanResult{DeletedCount: 2, DeletedSize: 2048}, nil
}

func (f *fakeService) CacheDir() string { return os.TempDir() }

func (f *fakeService) CreateSnapshot(context.Context) (*db.Snapshot, error) {
	return nil, db.ErrSnapshotUnsupported
}

func (f *fakeService) ListSnapshots() ([]db.Snapshot, error) { return nil, nil }

func (f *fakeService) RestoreSnapshot(_ context.Context, name string) (*db.Snapshot, error) {
	if name != "backup_20250101_020000.000_manual.db" {
		return nil, apperr.New(apperr.ConfigInvalid, "快照不存在: %s", name)
	}
	return &db.Snapshot{Name: "backup_20250102_020000.000_before_restore.db", Reason: db.SnapshotRestore}, nil
}

func (f *fakeService) SchedulerStatus() (string, int) { return "running", 1 }

func newTestRouter(svc BackupService, secret string) (*gin.Engine, *notify.Hub) {
	gin.SetMode(gin.TestMode)
	hub := notify.NewHub(8)
	return NewRouter(NewHandler(svc, hub, helpers.NewDiscardLogger()), secret), hub
}

func doRequest(t *testing.T, r http.Handler, method, path string, body any, header map[string]string) (*httptest.ResponseRecorder, APIResponse[json.RawMessage]) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp APIResponse[json.RawMessage]
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestTaskRoutes(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		body           any
		executeErr     error
		expectedStatus int
		expectedCode   APIResponseCode
		expectedMsg    string
	}{
		{name: "获取任务", method: "GET", path: "/api/tasks/1", expectedStatus: http.StatusOK, expectedCode: Success},
		{name: "任务不存在", method: "GET", path: "/api/tasks/9", expectedStatus: http.StatusNotFound, expectedCode: NotFound, expectedMsg: "任务不存在: 9"},
		{name: "无效ID", method: "GET", path: "/api/tasks/abc", expectedStatus: http.StatusBadRequest, expectedCode: BadRequest, expectedMsg: "无效的任务ID"},
		{name: "创建缺少名称", method: "POST", path: "/api/tasks", body: map[string]any{"source_dir": "/data"}, expectedStatus: http.StatusBadRequest, expectedCode: BadRequest, expectedMsg: "任务名称不能为空"},
		{name: "删除任务", method: "DELETE", path: "/api/tasks/1", expectedStatus: http.StatusOK, expectedCode: Success},
		{name: "暂停任务", method: "POST", path: "/api/tasks/1/pause", expectedStatus: http.StatusOK, expectedCode: Success},
		{name: "立即执行", method: "POST", path: "/api/tasks/1/execute", expectedStatus: http.StatusOK, expectedCode: Success, expectedMsg: "备份成功"},
		{
			name: "正在执行", method: "POST", path: "/api/tasks/1/execute",
			executeErr:     apperr.New(apperr.TaskAlreadyRunning, "任务正在执行中: docs"),
			expectedStatus: http.StatusConflict, expectedCode: Conflict, expectedMsg: "任务正在执行中: docs",
		},
		{
			name: "源目录不存在", method: "POST", path: "/api/tasks/1/execute",
			executeErr:     apperr.New(apperr.BackupSourceInvalid, "源目录不存在: /data/docs"),
			expectedStatus: http.StatusBadRequest, expectedCode: BadRequest, expectedMsg: "源目录不存在: /data/docs",
		},
		{
			name: "上传失败", method: "POST", path: "/api/tasks/1/execute",
			executeErr:     apperr.New(apperr.StorageUploadFailed, "上传失败 (HTTP 400)"),
			expectedStatus: http.StatusInternalServerError, expectedCode: InternalError, expectedMsg: "上传失败 (HTTP 400)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.executeErr = tt.executeErr
			r, _ := newTestRouter(svc, "")

			w, resp := doRequest(t, r, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedCode, resp.Code)
			if tt.expectedMsg != "" {
				assert.Equal(t, tt.expectedMsg, resp.Message)
			}
		})
	}
}

func TestExecuteFailureCarriesLog(t *testing.T) {
	svc := newFakeService()
	svc.executeErr = apperr.New(apperr.StorageAuthFailed, "AccessKey 无效")
	r, _ := newTestRouter(svc, "")

	_, resp := doRequest(t, r, "POST", "/api/tasks/1/execute", nil, nil)
	var res backup.RunResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	require.NotNil(t, res.Log)
	require.NotNil(t, res.Log.ErrorMsg)
	assert.Equal(t, resp.Message, *res.Log.ErrorMsg)
}

func TestTaskPasswordIsRedacted(t *testing.T) {
	r, _ := newTestRouter(newFakeService(), "")
	w, resp := doRequest(t, r, "GET", "/api/tasks", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, string(resp.Data), "secret")
	assert.Contains(t, string(resp.Data), "******")
}

func TestCreateTaskDefaultsEnabled(t *testing.T) {
	svc := newFakeService()
	r, _ := newTestRouter(svc, "")
	body := map[string]any{
		"task_name":       "photos",
		"source_dir":      "/data/photos",
		"storage_type":    "local",
		"storage_config":  map[string]any{"rootPath": "/mnt/backup"},
		"backup_strategy": "weekly",
		"retention_count": 3,
	}
	w, _ := doRequest(t, r, "POST", "/api/tasks", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.created)
	assert.True(t, svc.created.Enabled)
	assert.JSONEq(t, `{"rootPath":"/mnt/backup"}`, string(svc.created.StorageConfig))
}

func TestUpdateTaskKeepsEnabledWhenOmitted(t *testing.T) {
	svc := newFakeService()
	svc.tasks[1].Enabled = false
	r, _ := newTestRouter(svc, "")

	w, _ := doRequest(t, r, "PUT", "/api/tasks/1", map[string]any{"task_name": "docs"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.updated)
	assert.False(t, svc.updated.Enabled)
}

func TestListLogsQuery(t *testing.T) {
	svc := newFakeService()
	svc.logs = []*models.BackupLog{{ID: 1, TaskID: 1}, {ID: 2, TaskID: 2}, {ID: 3, TaskID: 1}}
	r, _ := newTestRouter(svc, "")

	_, resp := doRequest(t, r, "GET", "/api/logs?task_id=1&limit=1", nil, nil)
	var logs []models.BackupLog
	require.NoError(t, json.Unmarshal(resp.Data, &logs))
	assert.Len(t, logs, 1)

	w, _ := doRequest(t, r, "GET", "/api/logs?task_id=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheAndSnapshotRoutes(t *testing.T) {
	r, _ := newTestRouter(newFakeService(), "")

	_, resp := doRequest(t, r, "GET", "/api/cache/size", nil, nil)
	assert.Contains(t, string(resp.Data), `"size_text":"2.00 KB"`)

	_, resp = doRequest(t, r, "POST", "/api/cache/clean", nil, nil)
	assert.JSONEq(t, `{"deletedCount":2,"deletedSize":2048}`, string(resp.Data))

	w, _ := doRequest(t, r, "POST", "/api/database/snapshots", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, resp = doRequest(t, r, "GET", "/api/database/snapshots", nil, nil)
	assert.Equal(t, "[]", string(resp.Data))
}

func TestRestoreSnapshotRoute(t *testing.T) {
	r, _ := newTestRouter(newFakeService(), "")

	w, resp := doRequest(t, r, "POST", "/api/database/snapshots/restore", map[string]string{"name": "backup_20250101_020000.000_manual.db"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var before db.Snapshot
	require.NoError(t, json.Unmarshal(resp.Data, &before))
	assert.Equal(t, db.SnapshotRestore, before.Reason)

	tests := []struct {
		name string
		body any
	}{
		{"缺少名称", map[string]string{}},
		{"快照不存在", map[string]string{"name": "backup_missing.db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doRequest(t, r, "POST", "/api/database/snapshots/restore", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCronPreview(t *testing.T) {
	r, _ := newTestRouter(newFakeService(), "")

	w, resp := doRequest(t, r, "GET", "/api/cron/preview?expr=0+2+*+*+*&n=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var times []time.Time
	require.NoError(t, json.Unmarshal(resp.Data, &times))
	require.Len(t, times, 3)
	for _, ts := range times {
		assert.Equal(t, 2, ts.Hour())
		assert.Equal(t, 0, ts.Minute())
	}

	w, _ = doRequest(t, r, "GET", "/api/cron/preview?expr=bad", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemInfo(t *testing.T) {
	r, _ := newTestRouter(newFakeService(), "")
	w, resp := doRequest(t, r, "GET", "/api/system/info", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info SystemInfo
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, helpers.Version, info.Version)
	assert.Equal(t, "running", info.Scheduler)
	assert.Equal(t, 1, info.ScheduledTasks)
}

func TestHostInfoCached(t *testing.T) {
	h := NewHandler(newFakeService(), nil, helpers.NewDiscardLogger())
	first, err := h.hostInfo(context.Background())
	if err != nil {
		t.Skipf("当前环境无法读取主机信息: %v", err)
	}
	assert.NotNil(t, h.cache.Get(hostInfoCacheKey))

	second, err := h.hostInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Hostname, second.Hostname)
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	r, _ := newTestRouter(newFakeService(), secret)
	valid, err := GenerateToken(secret, "admin", time.Hour)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &LoginUser{
		Username:         "admin",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	forged, err := GenerateToken("other", "admin", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name           string
		header         map[string]string
		expectedStatus int
	}{
		{"没有令牌", nil, http.StatusUnauthorized},
		{"有效令牌", map[string]string{"Authorization": "Bearer " + valid}, http.StatusOK},
		{"令牌过期", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized},
		{"查询参数令牌", nil, http.StatusOK},
		{"签名错误", map[string]string{"Authorization": "Bearer " + forged}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/api/tasks"
			if tt.name == "查询参数令牌" {
				path += "?token=" + valid
			}
			w, _ := doRequest(t, r, "GET", path, nil, tt.header)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	// /metrics 不需要令牌
	w, _ := doRequest(t, r, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestParseLogLine(t *testing.T) {
	e := parseLogLine("2026/01/02 03:04:05.123456 [WARN] 删除旧备份失败")
	assert.Equal(t, "warn", e.Level)
	assert.Equal(t, "删除旧备份失败", e.Message)
	assert.Equal(t, "2026/01/02 03:04:05.123456", e.Timestamp)

	e = parseLogLine("plain text")
	assert.Equal(t, "info", e.Level)
	assert.Equal(t, "plain text", e.Message)
}

func TestLogTailReadsOnlyNewCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0644))
	tail, err := openLogTail(path)
	require.NoError(t, err)
	defer tail.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("first\nsec")
	lines, err := tail.readLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, lines)

	_, _ = f.WriteString("ond\n")
	f.Close()
	lines, err = tail.readLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, lines)
}

func TestEventsWebSocket(t *testing.T) {
	r, hub := newTestRouter(newFakeService(), "")
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	task := &models.BackupTask{BaseModel: models.BaseModel{ID: 1}, TaskName: "docs"}
	hub.Notify(context.Background(), notify.NewEvent(notify.BackupSuccess, task, "run-1", "备份成功"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notify.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, notify.BackupSuccess, got.Type)
	assert.Equal(t, "docs", got.TaskName)
	assert.Equal(t, "run-1", got.RunID)
}
