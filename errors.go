package tiercache

import (
	"goflare.io/tiercache/internal/models"
)

var (
	// ErrNotAvailable cache-only 請求未命中
	ErrNotAvailable = models.ErrNotAvailable
	// ErrCapacity 項目無法放入任何快取層
	ErrCapacity = models.ErrCapacity
	// ErrSerialization 儲存的項目無法解碼
	ErrSerialization = models.ErrSerialization
	// ErrTierUnavailable 快取層暫時無法使用
	ErrTierUnavailable = models.ErrTierUnavailable
	// ErrClosed Cache 已關閉
	ErrClosed = models.ErrClosed
)

// NetworkError 網路請求失敗
type NetworkError = models.NetworkError
