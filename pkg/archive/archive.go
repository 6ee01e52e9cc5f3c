// Package archive keeps finished scheduled reports so history entries can
// point at them after the progress entry has expired.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

const contentTypePDF = "application/pdf"

// Archiver stores report documents by key and returns a reference to them
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Name() string
}

// Config selects the archive backend
type Config struct {
	Backend string      `mapstructure:"backend"`
	Minio   MinioConfig `mapstructure:"minio"`
}

// BlobStore is the subset of the document store used by the database archiver
type BlobStore interface {
	PutArtifact(ctx context.Context, ref, contentType string, data []byte) error
	GetArtifact(ctx context.Context, ref string) ([]byte, string, error)
}

// New builds the configured archiver; "" and "sqlite" archive into db
func New(ctx context.Context, cfg Config, db BlobStore, logger *zap.Logger) (Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "sqlite", "database":
		return NewDatabase(db), nil
	case "minio", "s3":
		return NewMinio(ctx, cfg.Minio, logger)
	default:
		return nil, fmt.Errorf("%w: unknown archive backend %q", model.ErrInvalidConfig, cfg.Backend)
	}
}

// Key names the artifact of one schedule run
func Key(scheduleID string, startedAt time.Time) string {
	return fmt.Sprintf("schedules/%s/%s.pdf", scheduleID, startedAt.UTC().Format("20060102T150405Z"))
}

// Database archives into the sqlite artifacts table
type Database struct {
	db BlobStore
}

func NewDatabase(db BlobStore) *Database {
	return &Database{db: db}
}

func (d *Database) Name() string { return "sqlite" }

func (d *Database) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := d.db.PutArtifact(ctx, key, contentTypePDF, data); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return key, nil
}

func (d *Database) Get(ctx context.Context, ref string) ([]byte, error) {
	data, _, err := d.db.GetArtifact(ctx, ref)
	return data, err
}
