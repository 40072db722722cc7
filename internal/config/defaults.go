package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	concurrencyLimit  = 4
	maxRetries        = 3
	retryBaseDelay    = 500 * time.Millisecond
	connectTimeout    = 30 * time.Second
	readTimeout       = 30 * time.Second
	checksumAlgorithm = "sha256"
)

var (
	cacheRoot = filepath.Join(xdg.CacheHome, appName)
	logPath   = filepath.Join(xdg.StateHome, appName, appName+".log")
)
