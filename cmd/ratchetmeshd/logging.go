package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

type logWriter struct {
	r *rotator.Rotator
}

func (l *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return l.r.Write(p)
}

// initLog opens (creating if necessary) a rotating log file under
// homeDir/logs and returns a logger at the given level, following
// brseeder/config.go's initLog shape.
func initLog(homeDir, level string) (slog.Logger, func(), error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return slog.Disabled, func() {}, fmt.Errorf("create log dir %s: %w", logDir, err)
	}
	logPath := filepath.Join(logDir, "ratchetmeshd.log")
	logFd, err := rotator.New(logPath, 32*1024, true, 0)
	if err != nil {
		return slog.Disabled, func() {}, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	bknd := slog.NewBackend(&logWriter{logFd}, slog.WithFlags(slog.LUTC))
	logger := bknd.Logger("RMSH")

	lvl, ok := slog.LevelFromString(level)
	if !ok {
		lvl = slog.LevelInfo
	}
	logger.SetLevel(lvl)

	return logger, func() { logFd.Close() }, nil
}
