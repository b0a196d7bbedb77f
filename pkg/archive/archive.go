// Package archive uploads the record of finished deployment runs to
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Config locates the archive bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string

	// Prefix is prepended to every object key.
	Prefix string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("archive endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("archive bucket is required")
	}
	return nil
}

// ObjectStore is the subset of *minio.Client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ ObjectStore = (*minio.Client)(nil)

// Object is an uploaded artifact.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	ETag string `json:"etag,omitempty"`
}

// Archiver writes run records to a bucket under
// <prefix>/<environment>/<run id>/.
type Archiver struct {
	store  ObjectStore
	cfg    Config
	logger zerolog.Logger
}

// New connects to the object store described by cfg.
func New(cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewConfigurationError("invalid archive configuration", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, engine.NewConfigurationError("failed to create object store client", err)
	}

	return NewWithStore(client, cfg, logger), nil
}

// NewWithStore builds an archiver over an existing store.
func NewWithStore(store ObjectStore, cfg Config, logger zerolog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "archive").Str("bucket", cfg.Bucket).Logger(),
	}
}

// EnsureBucket creates the bucket when it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to check bucket %s", a.cfg.Bucket), err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to create bucket %s", a.cfg.Bucket), err)
	}
	a.logger.Info().Msg("Created archive bucket")
	return nil
}

// runRecord is the JSON document stored for each run.
type runRecord struct {
	*engine.DeploymentRun
	Summary  engine.RunSummary   `json:"summary"`
	Progress engine.DeployStatus `json:"progress"`
	Archived time.Time           `json:"archived_at"`
}

// ArchiveRun uploads run.json for run and each of files, which are local
// paths stored under their base names. Missing files are skipped.
func (a *Archiver) ArchiveRun(ctx context.Context, run *engine.DeploymentRun, files ...string) ([]Object, error) {
	record, err := json.MarshalIndent(runRecord{
		DeploymentRun: run,
		Summary:       run.Summary(),
		Progress:      run.Progress(),
		Archived:      time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}

	var objects []Object
	obj, err := a.put(ctx, a.Key(run, "run.json"), bytes.NewReader(record), int64(len(record)), "application/json")
	if err != nil {
		return nil, err
	}
	objects = append(objects, obj)

	for _, file := range files {
		obj, err := a.putFile(ctx, run, file)
		if err != nil {
			if os.IsNotExist(err) {
				a.logger.Debug().Str("file", file).Msg("Skipping missing run artifact")
				continue
			}
			return objects, err
		}
		objects = append(objects, obj)
	}

	a.logger.Info().
		Str("run_id", run.ID).
		Int("objects", len(objects)).
		Msg("Run archived")

	return objects, nil
}

func (a *Archiver) putFile(ctx context.Context, run *engine.DeploymentRun, file string) (Object, error) {
	f, err := os.Open(file)
	if err != nil {
		return Object{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Object{}, err
	}

	contentType := "application/octet-stream"
	if filepath.Ext(file) == ".jsonl" {
		contentType = "application/x-ndjson"
	}
	return a.put(ctx, a.Key(run, filepath.Base(file)), f, info.Size(), contentType)
}

func (a *Archiver) put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error) {
	info, err := a.store.PutObject(ctx, a.cfg.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, engine.NewTransientError(fmt.Sprintf("failed to upload %s", key), err)
	}
	return Object{Key: key, Size: size, ETag: info.ETag}, nil
}

// Key returns the object key for name within run's directory.
func (a *Archiver) Key(run *engine.DeploymentRun, name string) string {
	env := run.Request.Environment
	if env == "" {
		env = "default"
	}
	return path.Join(a.cfg.Prefix, env, run.ID, name)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
