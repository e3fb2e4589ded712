// Package logging configures the process-wide structured logger and holds the
// canonical attribute names used across packages.
package logging

import (
	"io"
	"log/slog"
	"time"
)

// Canonical log field names
const (
	KeyStage      = "stage"
	KeyFamily     = "family"
	KeyCacheKey   = "cache_key"
	KeyRunID      = "run_id"
	KeyLinkage    = "linkage"
	KeyImage      = "image"
	KeyPath       = "path"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// New returns a text logger writing to w. Debug output is enabled by verbose.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup installs the logger as the slog default and returns it
func Setup(w io.Writer, verbose bool) *slog.Logger {
	logger := New(w, verbose)
	slog.SetDefault(logger)
	return logger
}

func Stage(name string) slog.Attr { return slog.String(KeyStage, name) }
func Family(name string) slog.Attr { return slog.String(KeyFamily, name) }
func CacheKey(key string) slog.Attr { return slog.String(KeyCacheKey, key) }
func RunID(id string) slog.Attr { return slog.String(KeyRunID, id) }
func Linkage(mode string) slog.Attr { return slog.String(KeyLinkage, mode) }
func Image(ref string) slog.Attr { return slog.String(KeyImage, ref) }
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }
func Duration(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
