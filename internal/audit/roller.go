package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const dateLayout = "2006-01-02"

// RollerConfig configures audit log rotation behavior
type RollerConfig struct {
	MaxDays       int           `yaml:"max_days"` // days of logs to keep, 0 keeps all
	FlushInterval time.Duration `yaml:"-"`        // how often to fsync, 0 disables
}

// DefaultRollerConfig returns the rotation defaults.
func DefaultRollerConfig() RollerConfig {
	return RollerConfig{
		MaxDays:       30,
		FlushInterval: 5 * time.Second,
	}
}

// Roller writes audit-YYYY-MM-DD.log files in baseDir, opening a new file
// when the date changes and pruning files older than MaxDays.
type Roller struct {
	config      RollerConfig
	baseDir     string
	clock       clock.Clock
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
	flushTimer  clock.Timer
	closed      bool
	cleanup     sync.WaitGroup
}

// NewRoller creates baseDir if needed and opens today's file.
func NewRoller(baseDir string, config RollerConfig, clk clock.Clock) (*Roller, error) {
	if baseDir == "" {
		return nil, errors.New("audit directory is empty")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", baseDir, err)
	}

	r := &Roller{
		config:  config,
		baseDir: baseDir,
		clock:   clk,
	}

	r.mu.Lock()
	err := r.rotateIfNeeded()
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("initial log rotation: %w", err)
	}

	if config.FlushInterval > 0 {
		r.flushTimer = clk.AfterFunc(config.FlushInterval, r.scheduleFlush)
	}
	return r, nil
}

// Write writes data to the current log file, rotating if necessary
func (r *Roller) Write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return os.ErrClosed
	}
	if err := r.rotateIfNeeded(); err != nil {
		return fmt.Errorf("log rotation failed: %w", err)
	}
	_, err := r.currentFile.Write(data)
	return err
}

// rotateIfNeeded must be called with r.mu held.
func (r *Roller) rotateIfNeeded() error {
	now := r.clock.Now()
	currentDate := now.Format(dateLayout)
	if currentDate == r.currentDate && r.currentFile != nil {
		return nil
	}

	if r.currentFile != nil {
		r.currentFile.Close()
		r.currentFile = nil
	}

	logPath := r.pathFor(currentDate)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", logPath, err)
	}
	r.currentFile = file
	r.currentDate = currentDate

	if r.config.MaxDays > 0 {
		r.cleanup.Add(1)
		go func() {
			defer r.cleanup.Done()
			r.cleanupOldLogs(now)
		}()
	}
	return nil
}

// cleanupOldLogs removes log files older than MaxDays relative to now.
func (r *Roller) cleanupOldLogs(now time.Time) {
	cutoff := now.AddDate(0, 0, -r.config.MaxDays)
	files, err := r.ListLogFiles()
	if err != nil {
		return
	}
	for _, file := range files {
		fileDate, ok := dateOf(file)
		if !ok {
			continue
		}
		if fileDate.Before(cutoff) {
			os.Remove(file)
		}
	}
}

func (r *Roller) scheduleFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.currentFile != nil {
		r.currentFile.Sync()
	}
	r.flushTimer = r.clock.AfterFunc(r.config.FlushInterval, r.scheduleFlush)
}

// Close closes the current log file and stops the flush timer
func (r *Roller) Close() error {
	r.mu.Lock()
	defer r.cleanup.Wait()
	defer r.mu.Unlock()

	r.closed = true
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	if r.currentFile != nil {
		err := r.currentFile.Close()
		r.currentFile = nil
		return err
	}
	return nil
}

// CurrentLogPath returns the path to the current log file
func (r *Roller) CurrentLogPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentDate == "" {
		return r.pathFor(r.clock.Now().Format(dateLayout))
	}
	return r.pathFor(r.currentDate)
}

// ListLogFiles returns all audit log files in the roller's directory.
func (r *Roller) ListLogFiles() ([]string, error) {
	return ListLogFiles(r.baseDir)
}

// ListLogFiles returns the audit log files in dir, newest first.
func ListLogFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// LogForDate returns the log file path for a specific date
func (r *Roller) LogForDate(date time.Time) string {
	return r.pathFor(date.Format(dateLayout))
}

func (r *Roller) pathFor(date string) string {
	return filepath.Join(r.baseDir, "audit-"+date+".log")
}

func dateOf(file string) (time.Time, bool) {
	base := filepath.Base(file)
	if !strings.HasPrefix(base, "audit-") || !strings.HasSuffix(base, ".log") {
		return time.Time{}, false
	}
	d, err := time.Parse(dateLayout, strings.TrimSuffix(strings.TrimPrefix(base, "audit-"), ".log"))
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
