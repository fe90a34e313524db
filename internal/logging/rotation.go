package logging

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewRotatingWriter returns a size-based rotating log writer backed by
// lumberjack: it rotates once the file exceeds maxSizeMB, keeps at most
// maxBackups compressed backups, and prunes anything older than maxAgeDays
// (0 disables age-based pruning).
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (io.WriteCloser, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}, nil
}

// TeeWriter returns an io.Writer that writes to both w1 and w2, used to
// mirror logs to stdout and the rotating file simultaneously.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}
