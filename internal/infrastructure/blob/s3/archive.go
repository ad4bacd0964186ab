// Package s3blob 将录制结果以 JSONL 归档到 S3 兼容存储（AWS S3、MinIO、R2）。
package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fundingarb/internal/domain/model"
)

// ClientConfig S3 连接参数；Endpoint 为空时走 AWS 默认解析
type ClientConfig struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive 实现 port.RecordingArchive
type Archive struct {
	client objectPutter
	bucket string
	prefix string
}

// New 创建归档器
func New(ctx context.Context, cfg ClientConfig) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	// 未配置静态凭证时使用默认凭证链（环境变量、实例角色）
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return newArchive(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newArchive(client objectPutter, bucket, prefix string) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key 归档对象路径：<prefix>/<exchange>/<symbol>/<session>.jsonl
func (a *Archive) Key(session model.RecordingSession) string {
	return path.Join(a.prefix, strings.ToLower(session.Exchange), strings.ToUpper(session.Symbol), session.ID+".jsonl")
}

// Archive 首行为会话元数据，其后每行一个样本
func (a *Archive) Archive(ctx context.Context, session model.RecordingSession, points []model.DataPoint) (string, error) {
	body, err := encodeJSONL(session, points)
	if err != nil {
		return "", fmt.Errorf("s3blob: encode session %s: %w", session.ID, err)
	}
	key := a.Key(session)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return key, nil
}

func encodeJSONL(session model.RecordingSession, points []model.DataPoint) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(session); err != nil {
		return nil, err
	}
	for _, p := range points {
		if err := enc.Encode(p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// normaliseEndpoint 补全缺失的 scheme
func normaliseEndpoint(endpoint string) string {
	// "host:port" 会被 url.Parse 误判为 scheme
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return endpoint
	}
	return "https://" + endpoint
}
