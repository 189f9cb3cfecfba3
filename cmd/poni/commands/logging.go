package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/poni-dev/poni/internal/config"
)

// logSink keeps the log file open across reconfigurations: the root command
// configures logging before the project is known, then again after load.
type logSink struct {
	mu   sync.Mutex
	file *os.File
}

var sink logSink

// open returns the writer for path, reusing the open file when the path is
// unchanged. An empty path selects stderr.
func (s *logSink) open(path string) (io.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil && s.file.Name() == path {
		return s.file, nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if path == "" {
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s.file = f
	return f, nil
}

// configureLogger installs the default slog logger from the [log] section.
// A relative log file is resolved against root. Stdout is never a log
// destination: serve speaks its protocol there.
func configureLogger(cfg *config.Config, overrideLevel, root string) error {
	level, err := parseLogLevel(cfg.Log.Level, overrideLevel)
	if err != nil {
		return err
	}

	path := strings.TrimSpace(cfg.Log.File)
	if path != "" && !filepath.IsAbs(path) && root != "" {
		path = filepath.Join(root, path)
	}
	w, err := sink.open(path)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

// parseLogLevel picks the override when set. Names are case-insensitive;
// "warning" is accepted for warn.
func parseLogLevel(configLevel, override string) (slog.Level, error) {
	name := strings.TrimSpace(override)
	if name == "" {
		name = strings.TrimSpace(configLevel)
	}
	if name == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", name)
	}
	return level, nil
}
