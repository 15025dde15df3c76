// Package outbox is the durable holding area for events the delivery client
// could not hand to the collector. Each entry is one JSON file under
// pending/; exhausted entries are moved verbatim to failed/.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bridge25/unmanned-manager/internal/fsutil"
	"github.com/bridge25/unmanned-manager/internal/idempotency"
	"github.com/bridge25/unmanned-manager/internal/lock"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/metrics"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

const (
	pendingDir = "pending"
	failedDir  = "failed"
	sweepLock  = ".sweep.lock"

	fileTimeLayout = "20060102_150405.000000"
)

// Entry is the on-disk outbox record.
type Entry struct {
	Event      protocol.Event `json:"event"`
	Error      string         `json:"error"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"_retry_count"`
	LastError  string         `json:"last_error,omitempty"`
	LastRetry  *time.Time     `json:"last_retry,omitempty"`
}

// Sender re-sends an event during a sweep.
type Sender interface {
	Post(ctx context.Context, ev protocol.Event) (protocol.CollectorResponse, error)
}

// Stats counts what one sweep did with each pending entry.
type Stats struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Corrupt int `json:"corrupt"`
}

// Total is the number of entries the sweep touched.
func (s Stats) Total() int { return s.Success + s.Failed + s.Skipped + s.Corrupt }

// Store manages one outbox directory.
type Store struct {
	root       string
	maxRetries int
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu sync.Mutex // serializes sweeps within the process
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics records sweep results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New returns a Store rooted at root. Directories are created on first write.
func New(root string, maxRetries int, opts ...Option) *Store {
	s := &Store{
		root:       root,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     log.WithComponent("outbox"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Root() string       { return s.root }
func (s *Store) PendingDir() string { return filepath.Join(s.root, pendingDir) }
func (s *Store) FailedDir() string  { return filepath.Join(s.root, failedDir) }

func (s *Store) ensureDirs() error {
	for _, dir := range []string{s.PendingDir(), s.FailedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create outbox directory: %w", err)
		}
	}
	return nil
}

// Save persists ev with the error that prevented its delivery and returns the
// entry path. Retry count starts at zero.
func (s *Store) Save(ev protocol.Event, lastErr string) (string, error) {
	if err := s.ensureDirs(); err != nil {
		return "", err
	}
	now := s.now()
	name := fmt.Sprintf("%s_%s.json",
		strings.Replace(now.Format(fileTimeLayout), ".", "", 1),
		idempotency.FileSafe(ev.IdempotencyKey))
	path := filepath.Join(s.PendingDir(), name)

	entry := Entry{
		Event:     ev,
		Error:     lastErr,
		CreatedAt: now.UTC(),
	}
	if err := fsutil.AtomicWriteJSON(path, entry, 0o644); err != nil {
		return "", fmt.Errorf("save outbox entry: %w", err)
	}
	return path, nil
}

// Load reads one entry.
func (s *Store) Load(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("parse outbox entry %s: %w", filepath.Base(path), err)
	}
	return e, nil
}

// Pending lists pending entry paths, oldest first.
func (s *Store) Pending() ([]string, error) {
	return listEntries(s.PendingDir())
}

// Failed lists entries that exhausted their retries.
func (s *Store) Failed() ([]string, error) {
	return listEntries(s.FailedDir())
}

func listEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read outbox directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsutil.IsTemp(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	// File names start with a sortable timestamp.
	sort.Strings(out)
	return out, nil
}

// Sweep re-sends every pending entry once. Entries at or beyond the retry
// budget are moved to failed/ and counted as skipped. Concurrent sweeps, in
// this process or another, do not overlap: the loser returns empty stats.
func (s *Store) Sweep(ctx context.Context, sender Sender) (Stats, error) {
	var stats Stats

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDirs(); err != nil {
		return stats, err
	}
	l, err := lock.TryAcquire(filepath.Join(s.root, sweepLock))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			s.logger.Debug("sweep already running elsewhere")
			return stats, nil
		}
		return stats, fmt.Errorf("acquire sweep lock: %w", err)
	}
	defer l.Release()

	paths, err := s.Pending()
	if err != nil {
		return stats, err
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			s.record(stats)
			return stats, err
		}
		s.sweepOne(ctx, sender, path, &stats)
	}

	s.record(stats)
	if stats != (Stats{}) {
		s.logger.Info("outbox sweep finished",
			"success", stats.Success, "failed", stats.Failed,
			"skipped", stats.Skipped, "corrupt", stats.Corrupt)
	}
	return stats, nil
}

func (s *Store) sweepOne(ctx context.Context, sender Sender, path string, stats *Stats) {
	name := filepath.Base(path)
	entry, err := s.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		s.logger.Warn("moving unreadable outbox entry to failed", "file", name, "error", err)
		if mvErr := s.moveToFailed(path); mvErr != nil {
			s.logger.Error("move corrupt entry failed", "file", name, "error", mvErr)
		}
		stats.Corrupt++
		return
	}

	if entry.RetryCount >= s.maxRetries {
		if err := s.moveToFailed(path); err != nil {
			s.logger.Error("move exhausted entry failed", "file", name, "error", err)
			return
		}
		s.logger.Warn("outbox entry exhausted retries",
			"file", name, "idempotency_key", entry.Event.IdempotencyKey, "retry_count", entry.RetryCount)
		stats.Skipped++
		return
	}

	resp, sendErr := sender.Post(ctx, entry.Event)
	if sendErr == nil && resp.Accepted() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("remove delivered entry failed", "file", name, "error", err)
		}
		stats.Success++
		return
	}
	if sendErr == nil {
		sendErr = fmt.Errorf("unexpected collector response status %q", resp.Status)
	}

	now := s.now().UTC()
	entry.RetryCount++
	entry.LastError = sendErr.Error()
	entry.LastRetry = &now
	if err := fsutil.AtomicWriteJSON(path, entry, 0o644); err != nil {
		s.logger.Error("update outbox entry failed", "file", name, "error", err)
	}
	stats.Failed++
}

func (s *Store) moveToFailed(path string) error {
	return os.Rename(path, filepath.Join(s.FailedDir(), filepath.Base(path)))
}

func (s *Store) record(stats Stats) {
	pending, _ := s.Pending()
	s.metrics.SweepResult(stats.Success, stats.Failed, stats.Skipped, stats.Corrupt, len(pending))
}
