package storage

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	osscred "github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss/credentials"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscred "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"autobackup/internal/apperr"
	"autobackup/internal/models"
)

const (
	ProviderOSS = "oss"
	ProviderS3  = "s3"
)

// ObjectStoreConfig 阿里云OSS（默认）或任意S3兼容服务
type ObjectStoreConfig struct {
	Provider        string `json:"provider,omitempty"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"accessKeyId"`
	AccessKeySecret string `json:"accessKeySecret"`
	BucketName      string `json:"bucketName"`
	Endpoint        string `json:"endpoint,omitempty"`
	UsePathStyle    bool   `json:"usePathStyle,omitempty"`
}

func (c ObjectStoreConfig) validate() error {
	switch c.provider() {
	case ProviderOSS, ProviderS3:
	default:
		return apperr.New(apperr.ConfigInvalid, "不支持的对象存储类型: %s", c.Provider)
	}
	if c.Region == "" || c.AccessKeyID == "" || c.AccessKeySecret == "" || c.BucketName == "" {
		return apperr.New(apperr.ConfigInvalid, "对象存储配置不完整，需要 region、accessKeyId、accessKeySecret、bucketName")
	}
	return nil
}

func (c ObjectStoreConfig) provider() string {
	if c.Provider == "" {
		return ProviderOSS
	}
	return strings.ToLower(c.Provider)
}

type objectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// objectClient 不同SDK的最小公共操作
type objectClient interface {
	putFile(ctx context.Context, key, filePath string) error
	list(ctx context.Context, prefix string) ([]objectInfo, error)
	remove(ctx context.Context, key string) error
}

// ObjectStore 整个文件一次PUT，不分片
type ObjectStore struct {
	client objectClient
	bucket string
}

func NewObjectStore(cfg ObjectStoreConfig, opts Options) (*ObjectStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	var (
		client objectClient
		err    error
	)
	switch cfg.provider() {
	case ProviderS3:
		client, err = newS3Client(cfg, opts)
	default:
		client = newOSSClient(cfg, opts)
	}
	if err != nil {
		return nil, err
	}
	return &ObjectStore{client: client, bucket: cfg.BucketName}, nil
}

func (o *ObjectStore) Kind() models.StorageKind {
	return models.StorageObjectStore
}

func (o *ObjectStore) Upload(ctx context.Context, localPath, taskName, remoteName string) (RemoteRef, error) {
	key := objectPrefix(taskName) + remoteName
	if err := o.client.putFile(ctx, key, localPath); err != nil {
		return RemoteRef{}, classifySDKError(apperr.StorageUploadFailed, err, "上传对象失败")
	}
	return RemoteRef{Path: RemotePath(taskName, remoteName), ID: key}, nil
}

func (o *ObjectStore) List(ctx context.Context, taskName string) ([]RemoteArtifact, error) {
	objs, err := o.client.list(ctx, objectPrefix(taskName))
	if err != nil {
		return nil, classifySDKError(apperr.StorageListFailed, err, "列举对象失败")
	}
	out := make([]RemoteArtifact, 0, len(objs))
	for _, obj := range objs {
		name := path.Base(obj.Key)
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		out = append(out, RemoteArtifact{
			Ref:       RemoteRef{Path: RemotePath(taskName, name), ID: obj.Key},
			Name:      name,
			Size:      obj.Size,
			CreatedAt: obj.LastModified,
		})
	}
	return out, nil
}

func (o *ObjectStore) Delete(ctx context.Context, ref RemoteRef) error {
	if err := o.client.remove(ctx, ref.ID); err != nil {
		return classifySDKError(apperr.StorageDeleteFailed, err, "删除对象失败")
	}
	return nil
}

// classifySDKError 把SDK错误映射为分类错误：凭证问题为认证失败，5xx和网络错误可重试
func classifySDKError(code apperr.Code, err error, msg string) error {
	var serr *oss.ServiceError
	if errors.As(err, &serr) {
		if isCredentialCode(serr.Code) {
			return &apperr.Error{Code: apperr.StorageAuthFailed, Message: msg, Err: err}
		}
		e := apperr.FromStatus(code, serr.StatusCode, "%s", msg)
		e.Err = err
		return e
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && isCredentialCode(apiErr.ErrorCode()) {
		return &apperr.Error{Code: apperr.StorageAuthFailed, Message: msg, Err: err}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		e := apperr.FromStatus(code, respErr.HTTPStatusCode(), "%s", msg)
		e.Err = err
		return e
	}
	if apperr.IsRetryable(err) {
		return apperr.Temporary(code, err, "%s", msg)
	}
	return apperr.Wrap(code, err, "%s", msg)
}

func isCredentialCode(code string) bool {
	switch code {
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "InvalidSecurityToken", "ExpiredToken":
		return true
	}
	return false
}

type ossClient struct {
	client *oss.Client
	bucket string
}

func newOSSClient(cfg ObjectStoreConfig, opts Options) *ossClient {
	ossCfg := oss.LoadDefaultConfig().
		WithCredentialsProvider(osscred.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")).
		WithRegion(cfg.Region).
		WithReadWriteTimeout(opts.Timeout).
		WithUserAgent(opts.UserAgent).
		// 重试只由 retry.Policy 负责，SDK 只发一次
		WithRetryMaxAttempts(1)
	if cfg.Endpoint != "" {
		ossCfg = ossCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.UsePathStyle {
		ossCfg = ossCfg.WithUsePathStyle(true)
	}
	if opts.HTTPClient != nil {
		ossCfg = ossCfg.WithHttpClient(opts.HTTPClient)
	}
	return &ossClient{client: oss.NewClient(ossCfg), bucket: cfg.BucketName}
}

func (c *ossClient) putFile(ctx context.Context, key, filePath string) error {
	putRequest := &oss.PutObjectRequest{
		Bucket:       oss.Ptr(c.bucket),
		Key:          oss.Ptr(key),
		StorageClass: oss.StorageClassStandard,
		Acl:          oss.ObjectACLPrivate,
	}
	_, err := c.client.PutObjectFromFile(ctx, putRequest, filePath)
	return err
}

func (c *ossClient) list(ctx context.Context, prefix string) ([]objectInfo, error) {
	p := c.client.NewListObjectsV2Paginator(&oss.ListObjectsV2Request{
		Bucket: oss.Ptr(c.bucket),
		Prefix: oss.Ptr(prefix),
	})
	var out []objectInfo
	for p.HasNext() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			info := objectInfo{Size: obj.Size}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (c *ossClient) remove(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &oss.DeleteObjectRequest{
		Bucket: oss.Ptr(c.bucket),
		Key:    oss.Ptr(key),
	})
	return err
}

type s3Client struct {
	client *s3.Client
	bucket string
}

func newS3Client(cfg ObjectStoreConfig, opts Options) (*s3Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(awscred.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")),
		awsconfig.WithAppID(opts.UserAgent),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, err, "加载S3配置失败")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// 重试只由 retry.Policy 负责，SDK 只发一次
		o.Retryer = aws.NopRetryer{}
		// 只在接口要求时计算校验和，兼容不支持 aws-chunked 的S3兼容服务
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if opts.HTTPClient != nil {
			o.HTTPClient = opts.HTTPClient
		}
	})
	return &s3Client{client: client, bucket: cfg.BucketName}, nil
}

func (c *s3Client) putFile(ctx context.Context, key, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	return err
}

func (c *s3Client) list(ctx context.Context, prefix string) ([]objectInfo, error) {
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	var out []objectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, objectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (c *s3Client) remove(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return err
}
