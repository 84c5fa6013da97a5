package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"resty.dev/v3"

	"autobackup/internal/apperr"
	"autobackup/internal/helpers"
	"autobackup/internal/models"
)

const (
	DEFAULT_AUTH_URL = "https://auth.aliyundrive.com"
	DEFAULT_API_URL  = "https://api.aliyundrive.com"

	driveTokenPath    = "/v2/account/token"
	driveCreatePath   = "/adrive/v2/file/createWithFolders"
	driveCompletePath = "/v2/file/complete"
	driveListPath     = "/adrive/v3/file/list"
	driveTrashPath    = "/v2/recyclebin/trash"

	driveListLimit = 100
)

type CloudDriveConfig struct {
	RefreshToken string `json:"refreshToken"`
	RootFolderID string `json:"rootFolderId"`
}

func (c CloudDriveConfig) validate() error {
	if strings.TrimSpace(c.RefreshToken) == "" {
		return apperr.New(apperr.ConfigInvalid, "云盘存储缺少 refreshToken")
	}
	return nil
}

// CloudDrive 阿里云盘：换取token、创建文件、PUT上传、完成上传四步
type CloudDrive struct {
	cfg     CloudDriveConfig
	authURL string
	apiURL  string
	ua      string
	client  *resty.Client
	http    *http.Client
	logger  *helpers.QLogger

	limiterLock sync.RWMutex
	limiters    map[string]*rate.Limiter
}

type driveSession struct {
	accessToken string
	driveID     string
}

type driveTokenResp struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	DefaultDriveID string `json:"default_drive_id"`
	ExpiresIn      int    `json:"expires_in"`
}

type drivePartInfo struct {
	PartNumber int    `json:"part_number"`
	UploadURL  string `json:"upload_url,omitempty"`
}

type driveCreateReq struct {
	DriveID       string          `json:"drive_id"`
	ParentFileID  string          `json:"parent_file_id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	CheckNameMode string          `json:"check_name_mode"`
	Size          int64           `json:"size,omitempty"`
	PartInfoList  []drivePartInfo `json:"part_info_list,omitempty"`
}

type driveCreateResp struct {
	FileID       string          `json:"file_id"`
	FileName     string          `json:"file_name"`
	UploadID     string          `json:"upload_id"`
	PartInfoList []drivePartInfo `json:"part_info_list"`
}

type driveItem struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

type driveListResp struct {
	Items      []driveItem `json:"items"`
	NextMarker string      `json:"next_marker"`
}

type driveErrResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewCloudDrive(cfg CloudDriveConfig, opts Options) (*CloudDrive, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if cfg.RootFolderID == "" {
		cfg.RootFolderID = "root"
	}
	client := resty.New()
	client.SetTimeout(opts.Timeout)

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	d := &CloudDrive{
		cfg:      cfg,
		authURL:  strings.TrimRight(opts.AuthURL, "/"),
		apiURL:   strings.TrimRight(opts.APIURL, "/"),
		ua:       opts.UserAgent,
		client:   client,
		http:     httpClient,
		logger:   opts.Logger,
		limiters: sharedDriveLimiters(cfg.RefreshToken, opts.RateLimit),
	}
	return d, nil
}

// 同一个云盘账号的所有客户端共用一组限流器，限流按进程生效
var (
	driveLimitersMu sync.Mutex
	driveLimiters   = make(map[string]map[string]*rate.Limiter)
)

// sharedDriveLimiters 返回账号对应的限流器，首次创建时的速率生效
func sharedDriveLimiters(refreshToken string, limit float64) map[string]*rate.Limiter {
	driveLimitersMu.Lock()
	defer driveLimitersMu.Unlock()
	if m, ok := driveLimiters[refreshToken]; ok {
		return m
	}
	m := make(map[string]*rate.Limiter)
	for _, p := range []string{driveTokenPath, driveCreatePath, driveCompletePath, driveListPath, driveTrashPath} {
		m[p] = rate.NewLimiter(rate.Limit(limit), 1)
	}
	driveLimiters[refreshToken] = m
	return m
}

func (d *CloudDrive) Kind() models.StorageKind {
	return models.StorageCloudDrive
}

func (d *CloudDrive) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}

func (d *CloudDrive) waitForPermission(ctx context.Context, path string) error {
	d.limiterLock.RLock()
	limiter, exists := d.limiters[path]
	d.limiterLock.RUnlock()

	if exists {
		return limiter.Wait(ctx)
	}
	return nil
}

// session 每次调用都用 refresh token 重新换取 access token，不缓存
func (d *CloudDrive) session(ctx context.Context) (*driveSession, error) {
	body := map[string]string{
		"refresh_token": d.cfg.RefreshToken,
		"grant_type":    "refresh_token",
	}
	var result driveTokenResp
	// 换取令牌的所有失败都归为认证失败，5xx和网络错误仍然可以重试
	if err := d.post(ctx, d.authURL, driveTokenPath, "", body, &result, apperr.StorageAuthFailed); err != nil {
		return nil, err
	}
	if result.AccessToken == "" || result.DefaultDriveID == "" {
		return nil, apperr.New(apperr.StorageAuthFailed, "云盘令牌响应缺少 access_token 或 default_drive_id")
	}
	return &driveSession{accessToken: result.AccessToken, driveID: result.DefaultDriveID}, nil
}

func (d *CloudDrive) post(ctx context.Context, baseURL, path, accessToken string, body, out interface{}, code apperr.Code) error {
	if err := d.waitForPermission(ctx, path); err != nil {
		return apperr.Wrap(code, err, "rate limit wait error")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Wrap(code, err, "序列化请求失败")
	}
	req := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", d.ua).
		SetBody(payload)
	if accessToken != "" {
		req = req.SetHeader("Authorization", "Bearer "+accessToken)
	}
	resp, err := req.Post(baseURL + path)
	if err != nil {
		if apperr.IsRetryable(err) {
			return apperr.Temporary(code, err, "请求 %s 失败", path)
		}
		return apperr.Wrap(code, err, "请求 %s 失败", path)
	}
	defer resp.Body.Close()

	if !resp.IsSuccess() {
		var apiErr driveErrResp
		_ = json.Unmarshal(resp.Bytes(), &apiErr)
		return apperr.FromStatus(code, resp.StatusCode(), "%s 返回错误 %s %s", path, apiErr.Code, apiErr.Message)
	}
	if out == nil {
		return nil
	}
	data := resp.Bytes()
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(code, err, "解析 %s 响应失败", path)
	}
	return nil
}

// ensureFolder 在 parentID 下获取或创建文件夹，同名时返回已有的文件夹
func (d *CloudDrive) ensureFolder(ctx context.Context, sess *driveSession, parentID, name string) (string, error) {
	req := driveCreateReq{
		DriveID:       sess.driveID,
		ParentFileID:  parentID,
		Name:          name,
		Type:          "folder",
		CheckNameMode: "refuse",
	}
	var result driveCreateResp
	if err := d.post(ctx, d.apiURL, driveCreatePath, sess.accessToken, req, &result, apperr.StorageUploadFailed); err != nil {
		return "", err
	}
	if result.FileID == "" {
		return "", apperr.New(apperr.StorageUploadFailed, "创建文件夹 %s 未返回 file_id", name)
	}
	return result.FileID, nil
}

func (d *CloudDrive) Upload(ctx context.Context, localPath, taskName, remoteName string) (RemoteRef, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return RemoteRef{}, apperr.Wrap(apperr.StorageUploadFailed, err, "读取待上传文件失败")
	}
	sess, err := d.session(ctx)
	if err != nil {
		return RemoteRef{}, err
	}

	// 1. /backups/<taskName> 目录
	backupsID, err := d.ensureFolder(ctx, sess, d.cfg.RootFolderID, "backups")
	if err != nil {
		return RemoteRef{}, err
	}
	taskFolderID, err := d.ensureFolder(ctx, sess, backupsID, taskName)
	if err != nil {
		return RemoteRef{}, err
	}

	// 2. 创建文件，重名时服务端自动改名
	var created driveCreateResp
	err = d.post(ctx, d.apiURL, driveCreatePath, sess.accessToken, driveCreateReq{
		DriveID:       sess.driveID,
		ParentFileID:  taskFolderID,
		Name:          remoteName,
		Type:          "file",
		CheckNameMode: "auto_rename",
		Size:          info.Size(),
		PartInfoList:  []drivePartInfo{{PartNumber: 1}},
	}, &created, apperr.StorageUploadFailed)
	if err != nil {
		return RemoteRef{}, err
	}
	if created.FileID == "" || len(created.PartInfoList) == 0 || created.PartInfoList[0].UploadURL == "" {
		return RemoteRef{}, apperr.New(apperr.StorageUploadFailed, "创建文件响应缺少 file_id 或 upload_url")
	}

	// 3. 上传文件内容
	if err := d.putFile(ctx, created.PartInfoList[0].UploadURL, localPath, info.Size()); err != nil {
		d.discard(ctx, sess, created.FileID)
		return RemoteRef{}, err
	}

	// 4. 完成上传
	complete := map[string]string{
		"drive_id":  sess.driveID,
		"file_id":   created.FileID,
		"upload_id": created.UploadID,
	}
	if err := d.post(ctx, d.apiURL, driveCompletePath, sess.accessToken, complete, nil, apperr.StorageUploadFailed); err != nil {
		d.discard(ctx, sess, created.FileID)
		return RemoteRef{}, err
	}
	name := remoteName
	if created.FileName != "" {
		name = created.FileName
	}
	d.logger.Infof("云盘上传完成: %s (file_id=%s)", name, created.FileID)
	return RemoteRef{Path: RemotePath(taskName, name), ID: created.FileID}, nil
}

// discard 把未完成上传的文件移入回收站，重试时不会留下占位文件或触发自动改名
func (d *CloudDrive) discard(ctx context.Context, sess *driveSession, fileID string) {
	body := map[string]string{"drive_id": sess.driveID, "file_id": fileID}
	if err := d.post(context.WithoutCancel(ctx), d.apiURL, driveTrashPath, sess.accessToken, body, nil, apperr.StorageDeleteFailed); err != nil {
		d.logger.Warnf("清理未完成的云盘文件失败 (file_id=%s): %v", fileID, err)
	}
}

func (d *CloudDrive) putFile(ctx context.Context, uploadURL, localPath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return apperr.Wrap(apperr.StorageUploadFailed, err, "打开待上传文件失败")
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return apperr.Wrap(apperr.StorageUploadFailed, err, "创建上传请求失败")
	}
	req.ContentLength = size
	req.Header.Set("User-Agent", d.ua)

	resp, err := d.http.Do(req)
	if err != nil {
		if apperr.IsRetryable(err) {
			return apperr.Temporary(apperr.StorageUploadFailed, err, "上传文件内容失败")
		}
		return apperr.Wrap(apperr.StorageUploadFailed, err, "上传文件内容失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.FromStatus(apperr.StorageUploadFailed, resp.StatusCode, "上传文件内容失败")
	}
	return nil
}

func (d *CloudDrive) listFolder(ctx context.Context, sess *driveSession, parentID string, code apperr.Code) ([]driveItem, error) {
	var items []driveItem
	marker := ""
	for {
		body := map[string]interface{}{
			"drive_id":       sess.driveID,
			"parent_file_id": parentID,
			"limit":          driveListLimit,
			"marker":         marker,
		}
		var page driveListResp
		if err := d.post(ctx, d.apiURL, driveListPath, sess.accessToken, body, &page, code); err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.NextMarker == "" {
			return items, nil
		}
		marker = page.NextMarker
	}
}

func findFolder(items []driveItem, name string) string {
	for _, it := range items {
		if it.Type == "folder" && it.Name == name {
			return it.FileID
		}
	}
	return ""
}

func (d *CloudDrive) List(ctx context.Context, taskName string) ([]RemoteArtifact, error) {
	sess, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	rootItems, err := d.listFolder(ctx, sess, d.cfg.RootFolderID, apperr.StorageListFailed)
	if err != nil {
		return nil, err
	}
	backupsID := findFolder(rootItems, "backups")
	if backupsID == "" {
		return nil, nil
	}
	backupItems, err := d.listFolder(ctx, sess, backupsID, apperr.StorageListFailed)
	if err != nil {
		return nil, err
	}
	taskFolderID := findFolder(backupItems, taskName)
	if taskFolderID == "" {
		return nil, nil
	}
	items, err := d.listFolder(ctx, sess, taskFolderID, apperr.StorageListFailed)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteArtifact, 0, len(items))
	for _, it := range items {
		if it.Type != "file" {
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, it.CreatedAt)
		if err != nil {
			d.logger.Warnf("云盘文件 %s 创建时间无法解析: %q", it.Name, it.CreatedAt)
		}
		out = append(out, RemoteArtifact{
			Ref:       RemoteRef{Path: RemotePath(taskName, it.Name), ID: it.FileID},
			Name:      it.Name,
			Size:      it.Size,
			CreatedAt: created,
		})
	}
	return out, nil
}

func (d *CloudDrive) Delete(ctx context.Context, ref RemoteRef) error {
	if ref.ID == "" {
		return apperr.New(apperr.StorageDeleteFailed, "缺少 file_id: %s", ref.Path)
	}
	sess, err := d.session(ctx)
	if err != nil {
		return err
	}
	body := map[string]string{"drive_id": sess.driveID, "file_id": ref.ID}
	if err := d.post(ctx, d.apiURL, driveTrashPath, sess.accessToken, body, nil, apperr.StorageDeleteFailed); err != nil {
		return fmt.Errorf("删除云盘文件 %s: %w", ref.Path, err)
	}
	return nil
}
