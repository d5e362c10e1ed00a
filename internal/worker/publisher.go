package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"asset-orchestrator/internal/config"
)

// previewWidth is the width of the poster image uploaded with each sequence.
const previewWidth = 320

type artifactUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// FramePublisher verifies rendered frames and copies them to the artifact destination.
type FramePublisher struct {
	uploader artifactUploader
}

// NewFramePublisher picks an uploader (local dir or S3) from configuration.
// With destination "none" it returns a nil publisher; Executor skips publishing then.
func NewFramePublisher(ctx context.Context, cfg config.Config) (*FramePublisher, error) {
	switch strings.ToLower(cfg.ArtifactDestination) {
	case "local":
		dir := cfg.ArtifactDir
		if dir == "" {
			dir = "./published"
		}
		return &FramePublisher{uploader: &localUploader{baseDir: dir}}, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("destination s3 requested but S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &FramePublisher{uploader: &s3Uploader{client: client, bucket: cfg.S3Bucket}}, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown artifact destination %q", cfg.ArtifactDestination)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Publish uploads every frame in the task's output directory under
// <job>/<model>/<material>/ plus a downscaled preview of the first frame.
// A frame that does not decode fails the subtask.
func (p *FramePublisher) Publish(ctx context.Context, task RenderTask) error {
	if p == nil || p.uploader == nil {
		return nil
	}
	frames, err := listFrames(task.OutputDir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no frames produced in %s", task.OutputDir)
	}
	prefix := sanitizeKey(filepath.Join(task.JobID, string(task.Model), string(task.Material)))

	for i, path := range frames {
		img, err := imaging.Open(path)
		if err != nil {
			return fmt.Errorf("verify frame %s: %w", filepath.Base(path), err)
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		key := filepath.ToSlash(filepath.Join(prefix, filepath.Base(path)))
		if _, err := p.uploader.Upload(ctx, key, body, mimeForExt(path)); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}

		if i == 0 {
			preview := imaging.Resize(img, previewWidth, 0, imaging.Lanczos)
			buf := &bytes.Buffer{}
			if err := imaging.Encode(buf, preview, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
				return fmt.Errorf("encode preview: %w", err)
			}
			key := filepath.ToSlash(filepath.Join(prefix, "preview.jpg"))
			if _, err := p.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
				return fmt.Errorf("upload preview: %w", err)
			}
		}
	}
	return nil
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func mimeForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
