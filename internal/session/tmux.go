package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// StripANSI removes terminal escape sequences from captured pane text.
func StripANSI(s string) string {
	return ansi.Strip(s)
}

// ErrHostUnavailable is returned when the tmux binary cannot be run.
var ErrHostUnavailable = errors.New("session host unavailable")

// TmuxHost drives tmux through its command line.
type TmuxHost struct {
	bin     string
	timeout time.Duration
}

// NewTmuxHost returns a host that gives every tmux invocation at most timeout.
func NewTmuxHost(timeout time.Duration) *TmuxHost {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TmuxHost{bin: "tmux", timeout: timeout}
}

// Available reports whether the tmux binary is on PATH.
func (t *TmuxHost) Available() error {
	if _, err := exec.LookPath(t.bin); err != nil {
		return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	return nil
}

func (t *TmuxHost) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", ErrHostUnavailable, err)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("tmux %s: %w", args[0], ctx.Err())
		}
		return stdout.String(), fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (t *TmuxHost) ListSessions(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server means no sessions, not a failure.
		msg := err.Error()
		if strings.Contains(msg, "no server running") || strings.Contains(msg, "no sessions") ||
			strings.Contains(msg, "error connecting to") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (t *TmuxHost) NewSession(ctx context.Context, name, dir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	_, err := t.run(ctx, args...)
	return err
}

func (t *TmuxHost) SendText(ctx context.Context, target, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", target, "-l", text)
	return err
}

func (t *TmuxHost) SendKey(ctx context.Context, target, key string) error {
	_, err := t.run(ctx, "send-keys", "-t", target, key)
	return err
}

func (t *TmuxHost) Capture(ctx context.Context, target string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.run(ctx, "capture-pane", "-p", "-t", target, "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(StripANSI(out), "\n "), nil
}
