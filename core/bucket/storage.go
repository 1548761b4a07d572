package bucket

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Driver is the physical storage behind the folder tree. Keys are the
// relative folder paths from the relational records.
type Driver interface {
	// EnsureDir makes sure the directory for path exists
	EnsureDir(ctx context.Context, path string) error
	// Move relocates a directory subtree from oldPath to newPath
	Move(ctx context.Context, oldPath, newPath string) error
	// RemoveAll removes a directory subtree
	RemoveAll(ctx context.Context, path string) error
	// Write stores the content of r under key
	Write(ctx context.Context, key string, r io.Reader) error
	// Remove removes a single stored object
	Remove(ctx context.Context, key string) error
}

// DriverType represents the different types of storage drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// Configuration selects and configures the storage driver
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem driver
type LocalConfiguration struct {
	BasePath string
}

// NewDriver creates the storage driver for the configuration.
func NewDriver(config Configuration) (Driver, error) {
	switch config.DriverType {
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("local driver requires LocalConfiguration")
		}
		return NewLocalDriver(config.LocalConfiguration.BasePath), nil
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("S3 driver requires S3Configuration")
		}
		return NewS3Driver(*config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown storage driver type %q", config.DriverType)
}

// LocalDriver stores the folder tree below a base directory on the local
// filesystem.
type LocalDriver struct {
	basePath string
}

// NewLocalDriver returns a new LocalDriver rooted at basePath.
func NewLocalDriver(basePath string) *LocalDriver {
	return &LocalDriver{basePath: basePath}
}

func (d *LocalDriver) abs(path string) string {
	return filepath.Join(d.basePath, filepath.FromSlash(path))
}

// EnsureDir creates the directory and any missing parents.
func (d *LocalDriver) EnsureDir(ctx context.Context, path string) error {
	return os.MkdirAll(d.abs(path), 0755)
}

// Move renames a subtree. A source that was never materialized is created
// at the new location instead, a later write must not end up under the
// stale path.
func (d *LocalDriver) Move(ctx context.Context, oldPath, newPath string) error {
	from, to := d.abs(oldPath), d.abs(newPath)
	if _, err := os.Stat(from); os.IsNotExist(err) {
		return os.MkdirAll(to, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	return os.Rename(from, to)
}

// RemoveAll removes the subtree. A missing subtree is not an error.
func (d *LocalDriver) RemoveAll(ctx context.Context, path string) error {
	return os.RemoveAll(d.abs(path))
}

// Write stores content under key, creating parent directories as needed.
func (d *LocalDriver) Write(ctx context.Context, key string, r io.Reader) error {
	target := d.abs(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// Remove removes a single file. A missing file is not an error.
func (d *LocalDriver) Remove(ctx context.Context, key string) error {
	err := os.Remove(d.abs(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
