package eviction

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrEstimateUnsupported is returned where free space cannot be measured.
var ErrEstimateUnsupported = errors.New("storage estimate unsupported on this platform")

// Estimator reports how many bytes of storage the cache may still claim.
type Estimator interface {
	Available() (int64, error)
}

// FixedEstimator always reports the same amount.
type FixedEstimator int64

func (f FixedEstimator) Available() (int64, error) { return int64(f), nil }

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func() (int64, error)

func (f EstimatorFunc) Available() (int64, error) { return f() }

// DiskEstimator reports the free space of the filesystem holding Path.
type DiskEstimator struct {
	Path string
}

// NewDiskEstimator measures the filesystem of path, or of the temp dir when
// path is empty.
func NewDiskEstimator(path string) DiskEstimator {
	if path == "" {
		return DiskEstimator{Path: os.TempDir()}
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return DiskEstimator{Path: path}
	}
	return DiskEstimator{Path: filepath.Dir(path)}
}

func (d DiskEstimator) Available() (int64, error) {
	return freeBytes(d.Path)
}
