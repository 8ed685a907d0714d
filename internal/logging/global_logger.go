package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/router-for-me/ReplicateProxyAPI/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileOutput *lumberjack.Logger
)

// SetupBaseLogger installs the shared logrus formatter. It is safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			},
		})
	})
}

// SetLogLevel maps a user-facing level name onto logrus. Unknown names select info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput applies the level and output target from cfg. When file logging is
// enabled the output rotates through lumberjack; otherwise logs go to stdout.
func ConfigureLogOutput(cfg *config.Config) error {
	SetLogLevel(cfg.EffectiveLogLevel())

	outputMu.Lock()
	defer outputMu.Unlock()

	if cfg == nil || !cfg.LoggingToFile {
		if fileOutput != nil {
			_ = fileOutput.Close()
			fileOutput = nil
		}
		log.SetOutput(os.Stdout)
		return nil
	}

	path := cfg.LogFile.GetLogPath()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	next := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogFile.GetMaxSizeMB(),
		MaxBackups: cfg.LogFile.GetMaxBackups(),
		MaxAge:     cfg.LogFile.GetMaxAgeDays(),
		Compress:   true,
	}
	log.SetOutput(io.Writer(next))
	if fileOutput != nil {
		_ = fileOutput.Close()
	}
	fileOutput = next
	return nil
}
