// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"reelscribe/internal/log"
)

// CookieSource hands the downloader a cookies file path and hot-reloads
// validity when the file changes on disk. Operators rotate the file in place
// without restarting the daemon.
type CookieSource struct {
	mu     sync.RWMutex
	path   string
	usable bool
	logger zerolog.Logger
}

// NewCookieSource validates the initial file. A missing file is not fatal:
// downloads proceed without cookies until the file appears.
func NewCookieSource(path string) *CookieSource {
	c := &CookieSource{path: path, logger: log.WithComponent("cookies")}
	c.revalidate()
	return c
}

// Path returns the cookies file path, or "" when the file is unusable.
func (c *CookieSource) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.usable {
		return ""
	}
	return c.path
}

func (c *CookieSource) revalidate() {
	info, err := os.Stat(c.path)
	usable := err == nil && info.Size() > 0
	c.mu.Lock()
	changed := usable != c.usable
	c.usable = usable
	c.mu.Unlock()
	if changed {
		c.logger.Info().Str(log.FieldPath, c.path).Bool("usable", usable).Msg("cookies file state changed")
	}
}

// Watch re-validates the file on filesystem events until ctx is cancelled.
// Editors and rotation scripts replace files by rename, so the watch sits on
// the parent directory.
func (c *CookieSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == c.path {
				c.revalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("cookies watcher error")
		}
	}
}
