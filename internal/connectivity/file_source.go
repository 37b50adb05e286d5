package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"offlinequeue/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// FileSource feeds a Monitor from a state file containing "online" or "offline".
// The file's directory is watched so atomic replacements are seen too.
// A missing file means offline.
type FileSource struct {
	path    string
	monitor *Monitor
	logger  zerolog.Logger
}

func NewFileSource(path string, monitor *Monitor, logger *zerolog.Logger) *FileSource {
	l := logging.Component(logger, "connectivity-file").With().Str("path", path).Logger()
	return &FileSource{
		path:    filepath.Clean(path),
		monitor: monitor,
		logger:  l,
	}
}

// Run applies the current file state, then follows changes until ctx is done.
func (s *FileSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.apply()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.apply()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (s *FileSource) apply() {
	online, err := ReadState(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring unreadable connectivity state")
		return
	}
	s.monitor.SetOnline(online)
}

// ReadState parses a state file. A missing file reads as offline.
func ReadState(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ParseState(string(data))
}

// ParseState accepts online/offline as well as true/false and 1/0.
func ParseState(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StateOnline, "true", "1", "up":
		return true, nil
	case StateOffline, "false", "0", "down", "":
		return false, nil
	default:
		return false, fmt.Errorf("unknown connectivity state %q", strings.TrimSpace(raw))
	}
}

// WriteState atomically replaces the state file.
func WriteState(path string, online bool) error {
	state := StateOffline
	if online {
		state = StateOnline
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(state + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
