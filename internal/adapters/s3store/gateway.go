package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// Options configure the gateway. Endpoint/path-style support keeps
// MinIO-compatible deployments working.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// PublicURL is the base blobs are addressed by in stored URLs;
	// defaults to Endpoint/Bucket.
	PublicURL string
	// Timeout bounds every storage call.
	Timeout time.Duration
}

// Gateway implements ports.BlobStore on S3-compatible object storage.
// It owns content-type selection based on the key's extension.
type Gateway struct {
	logger    *slog.Logger
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	publicURL string
	timeout   time.Duration
}

var _ ports.BlobStore = (*Gateway)(nil)

func New(ctx context.Context, logger *slog.Logger, opts Options) (*Gateway, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})

	publicURL := opts.PublicURL
	if publicURL == "" {
		publicURL = strings.TrimRight(opts.Endpoint, "/") + "/" + opts.Bucket
	}

	return &Gateway{
		logger:    logger,
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		timeout:   opts.Timeout,
	}, nil
}

func (g *Gateway) Upload(ctx context.Context, key string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ContentTypeForKey(key)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	url := g.publicURL + "/" + key
	g.logger.Info("blob uploaded", "key", key, "bytes", len(data))
	return url, nil
}

func (g *Gateway) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", key, err)
	}
	return data, nil
}

func (g *Gateway) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (g *Gateway) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// ContentTypeForKey picks the MIME type from the key's extension.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".obj":
		return "model/obj"
	case ".mtl":
		return "model/mtl"
	case ".glb":
		return "model/gltf-binary"
	case ".gltf":
		return "model/gltf+json"
	case ".stl":
		return "model/stl"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
