// Package pbslog provides TORQUE-compatible dated log files and the zap
// logger that writes into them.
// Log files are named YYYYMMDD and stored in the specified directory.
// The file rotates on the first write after the date changes.
package pbslog

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const dateLayout = "20060102"

// DatedLog writes to YYYYMMDD-named files in a directory, rotating daily.
type DatedLog struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	curDate string
	file    *os.File
}

// New creates a DatedLog that writes into dir using YYYYMMDD filenames.
// The directory is created if it does not exist.
func New(dir string) (*DatedLog, error) {
	return newDatedLog(dir, time.Now)
}

func newDatedLog(dir string, now func() time.Time) (*DatedLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "pbslog: mkdir %s", dir)
	}
	dl := &DatedLog{dir: dir, now: now}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if err := dl.rotateLocked(now().Format(dateLayout)); err != nil {
		return nil, err
	}
	return dl, nil
}

// Write implements io.Writer; it checks the date on each write and
// rotates the file if the day has changed.
func (dl *DatedLog) Write(p []byte) (int, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if today := dl.now().Format(dateLayout); today != dl.curDate {
		if err := dl.rotateLocked(today); err != nil {
			return 0, err
		}
	}
	return dl.file.Write(p)
}

// Sync flushes the current file to disk. It lets a DatedLog act as a
// zapcore.WriteSyncer.
func (dl *DatedLog) Sync() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file == nil {
		return nil
	}
	return dl.file.Sync()
}

// Close closes the current log file.
func (dl *DatedLog) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file == nil {
		return nil
	}
	err := dl.file.Close()
	dl.file = nil
	return err
}

func (dl *DatedLog) rotateLocked(date string) error {
	if dl.file != nil {
		dl.file.Close()
	}
	path := filepath.Join(dl.dir, date)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "pbslog: open %s", path)
	}
	dl.file = f
	dl.curDate = date
	return nil
}

// NewLogger builds a zap logger writing to YYYYMMDD files in logDir.
// If debug is true, output also goes to stderr and the level drops to Debug.
// The DatedLog is returned so the caller can Close() it on shutdown.
func NewLogger(logDir string, debug bool) (*zap.Logger, *DatedLog, error) {
	dl, err := New(logDir)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("01/02/2006 15:04:05.000000")

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	var sink zapcore.WriteSyncer = dl
	if debug {
		sink = zapcore.NewMultiWriteSyncer(dl, zapcore.Lock(os.Stderr))
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	return zap.New(core), dl, nil
}
