package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink is the append-only destination for finished packages. There is
// deliberately no delete: regulated exports are retained, never retired by
// this system. Put is idempotent; an existing object of the same name is
// left untouched.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// ErrObjectNotFound indicates a Get for a name the sink does not hold.
var ErrObjectNotFound = errors.New("export: object not found")

// SinkConfig selects and parameterizes a sink backend.
type SinkConfig struct {
	// Kind is "file", "s3", or "gcs".
	Kind string
	// Dir is the destination directory for the file sink.
	Dir string
	// Bucket, Region, Endpoint, and Prefix parameterize the object store
	// sinks. Endpoint switches the S3 sink to a compatible service such as
	// MinIO.
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// OpenSink constructs the sink named by cfg.Kind.
func OpenSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Kind {
	case "", "file":
		return NewFileSink(cfg.Dir)
	case "s3":
		return NewS3Sink(ctx, cfg)
	case "gcs":
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("export: unknown sink kind %q", cfg.Kind)
	}
}

// FileSink stores packages as files in one directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed and returns a sink over it.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("export: sink directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("export: invalid object name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Put writes data under name. The write lands complete or not at all: the
// bytes go to a temp file first and are renamed into place.
func (s *FileSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit package: %w", err)
	}
	return nil
}

func (s *FileSink) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package: %w", err)
	}
	return data, nil
}

func (s *FileSink) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat package: %w", err)
	}
	return true, nil
}
