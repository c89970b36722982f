//go:build !linux && !darwin

package eviction

func freeBytes(string) (int64, error) {
	return 0, ErrEstimateUnsupported
}
