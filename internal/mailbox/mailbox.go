// Package mailbox is the file-based task exchange between producers,
// the dispatcher and workers.
//
// Layout under the mailbox root:
//
//	tasks/task_<id>.json      pending task descriptors
//	results/result_<id>.json  result descriptors, published by rename
//	.current_task.json        marker for the task being processed
//
// A claim is committed by unlinking the task file: whoever removes it owns
// the task. Results are written to a temp file and renamed into place, so
// readers never see a partial file. Neither step needs a lock file.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bridge25/unmanned-manager/internal/fsutil"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/protocol"
	"github.com/bridge25/unmanned-manager/internal/storage"
)

var (
	ErrTaskExists     = errors.New("task already enqueued")
	ErrAlreadyClaimed = errors.New("task already claimed")
	ErrMalformed      = errors.New("malformed mailbox file")
	ErrInvalidTaskID  = errors.New("invalid task id")
)

const (
	tasksDir    = "tasks"
	resultsDir  = "results"
	currentFile = ".current_task.json"

	taskPrefix   = "task_"
	resultPrefix = "result_"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidTaskID reports whether id is safe to embed in a mailbox file name.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id) && id != "." && id != ".."
}

// Mailbox is one mailbox root. Methods are safe for concurrent use by any
// number of processes sharing the directory.
type Mailbox struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// New returns a mailbox rooted at root. Nothing is created until first write.
func New(root string) *Mailbox {
	return &Mailbox{
		root:   root,
		now:    time.Now,
		logger: log.WithComponent("mailbox").With("root", root),
	}
}

func (m *Mailbox) Root() string        { return m.root }
func (m *Mailbox) TasksDir() string    { return filepath.Join(m.root, tasksDir) }
func (m *Mailbox) ResultsDir() string  { return filepath.Join(m.root, resultsDir) }
func (m *Mailbox) CurrentPath() string { return filepath.Join(m.root, currentFile) }

// TaskPath returns the pending file for id.
func (m *Mailbox) TaskPath(id string) string {
	return filepath.Join(m.TasksDir(), taskPrefix+id+".json")
}

// ResultPath returns the result file for id.
func (m *Mailbox) ResultPath(id string) string {
	return filepath.Join(m.ResultsDir(), resultPrefix+id+".json")
}

// EnsureDirs creates the mailbox directories after checking that the root is
// on a filesystem where rename and unlink are atomic.
func (m *Mailbox) EnsureDirs() error {
	if err := storage.ValidateLocalFilesystem(m.root, "mailbox"); err != nil {
		return err
	}
	for _, dir := range []string{m.TasksDir(), m.ResultsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mailbox directory: %w", err)
		}
	}
	return nil
}

// Enqueue writes a pending task. Missing created_at, timeout and priority
// are filled in. An id that is already pending yields ErrTaskExists.
func (m *Mailbox) Enqueue(t protocol.TaskDescriptor) (protocol.TaskDescriptor, error) {
	if !ValidTaskID(t.TaskID) {
		return t, fmt.Errorf("%w: %q", ErrInvalidTaskID, t.TaskID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	if t.Timeout <= 0 {
		t.Timeout = protocol.DefaultTaskTimeout
	}
	if t.Priority == "" {
		t.Priority = protocol.DefaultPriority
	}

	data, err := protocol.EncodeTaskDescriptor(t)
	if err != nil {
		return t, err
	}
	if err := protocol.ValidateTaskJSON(data); err != nil {
		return t, err
	}
	if err := m.EnsureDirs(); err != nil {
		return t, err
	}
	if err := fsutil.CreateExclusive(m.TaskPath(t.TaskID), data, 0o644); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return t, fmt.Errorf("%w: %s", ErrTaskExists, t.TaskID)
		}
		return t, fmt.Errorf("enqueue task %s: %w", t.TaskID, err)
	}
	m.logger.Debug("task enqueued", "task_id", t.TaskID, "project", t.Project)
	return t, nil
}

// PendingTask is one file in the pending directory. Err is set when the file
// could not be parsed; such files stay in place for manual inspection.
type PendingTask struct {
	Path    string
	ModTime time.Time
	Task    protocol.TaskDescriptor
	Err     error
}

// Pending lists pending task files, oldest first.
func (m *Mailbox) Pending() ([]PendingTask, error) {
	entries, err := os.ReadDir(m.TasksDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks directory: %w", err)
	}

	var out []PendingTask
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsutil.IsTemp(name) || !strings.HasPrefix(name, taskPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Claimed between ReadDir and Info.
			continue
		}
		path := filepath.Join(m.TasksDir(), name)
		pt := PendingTask{Path: path, ModTime: info.ModTime()}
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			pt.Err = err
		default:
			pt.Task, pt.Err = protocol.DecodeTaskDescriptor(data)
			if pt.Err == nil && taskPrefix+pt.Task.TaskID+".json" != name {
				pt.Err = fmt.Errorf("task_id %q does not match file name", pt.Task.TaskID)
			}
		}
		if pt.Err != nil {
			pt.Err = fmt.Errorf("%w: %s: %v", ErrMalformed, name, pt.Err)
		}
		out = append(out, pt)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Claim returns the oldest well-formed pending task without removing it, or
// nil when there is none. The caller owns the task only after CommitClaim.
func (m *Mailbox) Claim() (*protocol.TaskDescriptor, error) {
	pending, err := m.Pending()
	if err != nil {
		return nil, err
	}
	for _, pt := range pending {
		if pt.Err != nil {
			m.logger.Warn("skipping malformed task file", "error", pt.Err)
			continue
		}
		task := pt.Task
		return &task, nil
	}
	return nil, nil
}

// CommitClaim removes the task file. Exactly one caller succeeds; the rest
// get ErrAlreadyClaimed. Record responsibility for the task (SaveCurrent)
// before calling this.
func (m *Mailbox) CommitClaim(taskID string) error {
	if !ValidTaskID(taskID) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	if err := os.Remove(m.TaskPath(taskID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyClaimed, taskID)
		}
		return fmt.Errorf("commit claim %s: %w", taskID, err)
	}
	return nil
}

// PublishResult atomically writes the result for r.TaskID, replacing any
// earlier file for the same task.
func (m *Mailbox) PublishResult(r protocol.ResultDescriptor) (string, error) {
	if !ValidTaskID(r.TaskID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, r.TaskID)
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = m.now()
	}
	data, err := protocol.EncodeResultDescriptor(r)
	if err != nil {
		return "", err
	}
	if err := m.EnsureDirs(); err != nil {
		return "", err
	}
	path := m.ResultPath(r.TaskID)
	if err := fsutil.AtomicWrite(path, data, 0o644); err != nil {
		return "", fmt.Errorf("publish result %s: %w", r.TaskID, err)
	}
	m.logger.Debug("result published", "task_id", r.TaskID, "status", r.Status)
	return path, nil
}

// ReadResult returns the result for taskID, or nil if none has been
// published. A file that does not parse returns ErrMalformed; pollers treat
// that as not yet complete.
func (m *Mailbox) ReadResult(taskID string) (*protocol.ResultDescriptor, error) {
	if !ValidTaskID(taskID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	data, err := os.ReadFile(m.ResultPath(taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read result %s: %w", taskID, err)
	}
	r, err := protocol.DecodeResultDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%w: result_%s.json: %v", ErrMalformed, taskID, err)
	}
	if r.TaskID != taskID {
		return nil, fmt.Errorf("%w: result_%s.json carries task_id %q", ErrMalformed, taskID, r.TaskID)
	}
	return &r, nil
}

// Results lists every parseable result, newest first. Unparseable files are
// skipped.
func (m *Mailbox) Results() ([]protocol.ResultDescriptor, error) {
	entries, err := os.ReadDir(m.ResultsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read results directory: %w", err)
	}
	var out []protocol.ResultDescriptor
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, resultPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, resultPrefix), ".json")
		r, err := m.ReadResult(id)
		if err != nil || r == nil {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out, nil
}

// SaveCurrent durably records the task now being processed.
func (m *Mailbox) SaveCurrent(t protocol.TaskDescriptor) (protocol.CurrentTask, error) {
	ct := protocol.CurrentTask{
		TaskID:      t.TaskID,
		Instruction: t.Instruction,
		Project:     t.Project,
		StartedAt:   m.now().UTC(),
		Timeout:     t.Timeout,
		Metadata:    t.Metadata,
	}
	if err := fsutil.AtomicWriteJSON(m.CurrentPath(), ct, 0o644); err != nil {
		return ct, fmt.Errorf("save current task: %w", err)
	}
	return ct, nil
}

// Current returns the current-task marker, or nil when no task is in progress.
func (m *Mailbox) Current() (*protocol.CurrentTask, error) {
	data, err := os.ReadFile(m.CurrentPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read current task: %w", err)
	}
	var ct protocol.CurrentTask
	if err := json.Unmarshal(data, &ct); err != nil || ct.TaskID == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, currentFile)
	}
	return &ct, nil
}

// ClearCurrent removes the marker. A missing marker is not an error.
func (m *Mailbox) ClearCurrent() error {
	if err := os.Remove(m.CurrentPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear current task: %w", err)
	}
	return nil
}
