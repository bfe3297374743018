package connectivity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/postbills/backend/internal/logging"
)

// ParseSignal interprets the content of a connectivity flag file.
func ParseSignal(content string) (online bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "online", "up", "1", "true":
		return true, true
	case "offline", "down", "0", "false":
		return false, true
	}
	return false, false
}

// ReadSignal reads the flag file at path. A missing file means offline.
func ReadSignal(path string) (online bool, ok bool) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, true
	}
	if err != nil {
		logging.Warn("connectivity signal unreadable", map[string]interface{}{"path": path, "reason": err.Error()})
		return false, false
	}
	return ParseSignal(string(data))
}

// WatchFile feeds m from a flag file until ctx is done. The file holds
// "online" or "offline" (also up/down, 1/0). The parent directory is
// watched so the file may be created, replaced or removed at any time.
func WatchFile(ctx context.Context, path string, m *Monitor) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	apply := func() {
		online, ok := ReadSignal(path)
		if !ok {
			return
		}
		m.Set(online)
	}
	apply()

	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			switch {
			case event.Op&fsnotify.Remove == fsnotify.Remove,
				event.Op&fsnotify.Rename == fsnotify.Rename:
				m.Set(false)
			case event.Op&fsnotify.Create == fsnotify.Create,
				event.Op&fsnotify.Write == fsnotify.Write:
				apply()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("connectivity watcher error", map[string]interface{}{"reason": err.Error()})
		}
	}
}
