package dispatch

import (
	"path/filepath"
	"time"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/session"
)

// Options tune the dispatch loop.
type Options struct {
	PollInterval        time.Duration
	PromptCheckInterval time.Duration
	MaxAutoResponds     int
	DefaultTimeout      time.Duration
	CaptureLines        int
	Activation          session.Activation
	// InjectSettle is the pause between typing text and activating it.
	InjectSettle time.Duration
	// AnswerSettle is the pause after answering a prompt before polling resumes.
	AnswerSettle time.Duration
	// ResponseDelay is the pause between a prompt response and activation.
	ResponseDelay time.Duration
	// ParseRetryDelay is the pause after reading an unparseable result.
	ParseRetryDelay time.Duration
	// MailboxSubdir locates the per-project mailbox under the project dir.
	MailboxSubdir string
	// LockDir holds cross-process session lock files. Empty disables them.
	LockDir string
}

// OptionsFromConfig maps the dispatch section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	d := cfg.Dispatch
	o := Options{
		PollInterval:        d.PollInterval,
		PromptCheckInterval: d.PromptCheckInterval,
		MaxAutoResponds:     d.AutoRespondLimit(),
		DefaultTimeout:      d.DefaultTimeout,
		CaptureLines:        d.CaptureLines,
		Activation:          session.Activation{Keys: d.ActivationKeys, Delay: d.ActivationDelay},
		InjectSettle:        d.InjectSettle,
		AnswerSettle:        d.AnswerSettle,
		ResponseDelay:       d.ResponseDelay,
		ParseRetryDelay:     d.ParseRetryDelay,
		MailboxSubdir:       cfg.Mailbox.ProjectSubdir,
	}
	if cfg.State.Path != "" {
		o.LockDir = filepath.Join(filepath.Dir(cfg.State.Path), "locks")
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.PromptCheckInterval <= 0 {
		o.PromptCheckInterval = 15 * time.Second
	}
	if o.MaxAutoResponds < 0 {
		o.MaxAutoResponds = 0
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 300 * time.Second
	}
	if o.CaptureLines <= 0 {
		o.CaptureLines = 50
	}
	if len(o.Activation.Keys) == 0 {
		o.Activation.Keys = []string{"Enter"}
	}
	if o.ParseRetryDelay <= 0 {
		o.ParseRetryDelay = time.Second
	}
	if o.MailboxSubdir == "" {
		o.MailboxSubdir = ".jarvis"
	}
	return o
}

// CallOption adjusts a single dispatch.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	prior   string
}

// WithTimeout overrides the task's own timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callOptions) { c.timeout = d }
}

// WithPriorContext prepends earlier work the worker should build on.
func WithPriorContext(text string) CallOption {
	return func(c *callOptions) { c.prior = text }
}
