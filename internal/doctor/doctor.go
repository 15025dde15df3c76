// Package doctor validates unmanned configuration and the local environment
// it depends on.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/prompt"
	"github.com/bridge25/unmanned-manager/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// HostProbe reports whether the session host binary can be used.
type HostProbe interface {
	Available() error
}

// Backlog reports outbox entries.
type Backlog interface {
	Pending() ([]string, error)
	Failed() ([]string, error)
}

type Option func(*Doctor)

// WithHost enables the session host check.
func WithHost(h HostProbe) Option { return func(d *Doctor) { d.host = h } }

// WithBacklog enables the outbox backlog check.
func WithBacklog(b Backlog) Option { return func(d *Doctor) { d.backlog = b } }

// Doctor validates a loaded config.
type Doctor struct {
	cfg     *config.Config
	host    HostProbe
	backlog Backlog
	fscheck func(path, purpose string) error
}

func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, fscheck: storage.ValidateLocalFilesystem}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateDelivery(r)
	d.validateDispatch(r)
	d.validateProjects(r)
	d.validatePrompts(r)
	d.validateFilesystems(r)
	d.warnUnresolvedEnvVars(r)
	d.checkHost(r)
	d.checkBacklog(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if id := d.cfg.Service.ActorID; id == "" || id == "unknown" {
		d.addWarning(r, "service", "service.actor_id", "actor_id not set; events are attributed to \"unknown\"")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
}

func (d *Doctor) validateDelivery(r *Result) {
	dc := d.cfg.Delivery
	if dc.APIBaseURL == "" {
		d.addError(r, "delivery", "delivery.api_base_url", "api_base_url is required")
	} else if u, err := url.Parse(dc.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		d.addError(r, "delivery", "delivery.api_base_url", fmt.Sprintf("%q is not an absolute URL", dc.APIBaseURL))
	} else if u.Scheme == "http" && !isLoopback(u.Hostname()) && dc.APIKey != "" {
		d.addWarning(r, "delivery", "delivery.api_base_url", "API key would be sent over plain http")
	}

	if dc.APIKey == "" {
		if dc.Strict {
			d.addError(r, "delivery", "delivery.api_key", "api_key is required in strict mode")
		} else {
			d.addWarning(r, "delivery", "delivery.api_key", "no api_key; the collector may reject events")
		}
	}
	if dc.MaxRetries < 1 {
		d.addError(r, "delivery", "delivery.max_retries", "max_retries must be at least 1")
	}
	if dc.BackoffBase <= 0 {
		d.addError(r, "delivery", "delivery.backoff_base", "backoff_base must be positive")
	}
	if dc.Timeout <= 0 {
		d.addError(r, "delivery", "delivery.timeout", "timeout must be positive")
	}
	if dc.OutboxPath == "" {
		d.addError(r, "delivery", "delivery.outbox_path", "outbox_path is required")
	}
	if dc.SweepInterval <= 0 {
		d.addWarning(r, "delivery", "delivery.sweep_interval", "sweep_interval not set; serve will not re-send outboxed events")
	}
}

func (d *Doctor) validateDispatch(r *Result) {
	dc := d.cfg.Dispatch
	if dc.PollInterval <= 0 {
		d.addError(r, "dispatch", "dispatch.poll_interval", "poll_interval must be positive")
	}
	if dc.DefaultTimeout <= 0 {
		d.addError(r, "dispatch", "dispatch.default_timeout", "default_timeout must be positive")
	}
	if len(dc.ActivationKeys) == 0 {
		d.addError(r, "dispatch", "dispatch.activation_keys", "at least one activation key is required")
	}
	switch limit := dc.AutoRespondLimit(); {
	case limit < 0:
		d.addError(r, "dispatch", "dispatch.max_auto_responds", "max_auto_responds cannot be negative")
	case limit == 0:
		d.addWarning(r, "dispatch", "dispatch.max_auto_responds", "prompt auto-answering is disabled")
	}
	if dc.PromptCheckInterval > 0 && dc.PromptCheckInterval < dc.PollInterval {
		d.addWarning(r, "dispatch", "dispatch.prompt_check_interval",
			"prompt_check_interval is shorter than poll_interval and will be checked at most once per poll")
	}
	if dc.DefaultTimeout > 0 && dc.PromptCheckInterval >= dc.DefaultTimeout {
		d.addWarning(r, "dispatch", "dispatch.prompt_check_interval", "prompts will never be checked before the default timeout")
	}
}

func (d *Doctor) validateProjects(r *Result) {
	if len(d.cfg.Projects) == 0 {
		d.addWarning(r, "projects", "projects", "no projects configured; nothing can be dispatched")
		return
	}

	names := make([]string, 0, len(d.cfg.Projects))
	for name := range d.cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)

	owner := make(map[string]string)
	for _, name := range names {
		owner[strings.ToLower(name)] = name
	}
	for _, name := range names {
		p := d.cfg.Projects[name]
		field := "projects." + name
		if p.Session == "" {
			d.addError(r, "projects", field+".session", "session is required")
		}
		if p.Dir == "" {
			d.addWarning(r, "projects", field+".dir", "no dir; results are read relative to the working directory")
		} else if info, err := os.Stat(p.Dir); err != nil || !info.IsDir() {
			d.addWarning(r, "projects", field+".dir", fmt.Sprintf("directory %q does not exist", p.Dir))
		}
		for _, alias := range p.Aliases {
			key := strings.ToLower(strings.TrimSpace(alias))
			if prev, taken := owner[key]; taken && prev != name {
				d.addError(r, "projects", field+".aliases",
					fmt.Sprintf("alias %q is already used by project %q", alias, prev))
				continue
			}
			owner[key] = name
		}
	}
}

func (d *Doctor) validatePrompts(r *Result) {
	for i, pr := range d.cfg.Prompts {
		field := fmt.Sprintf("prompts[%d]", i)
		if pr.Name == "" {
			d.addError(r, "prompts", field+".name", "name is required")
		}
		if len(pr.Patterns) == 0 {
			d.addError(r, "prompts", field+".patterns", "at least one pattern is required")
			continue
		}
		if _, err := prompt.Compile(pr.Name, pr.Response, pr.Description, pr.Patterns...); err != nil {
			d.addError(r, "prompts", field+".patterns", err.Error())
		}
	}
}

// validateFilesystems rejects network filesystems for paths that rely on
// atomic rename and advisory locks.
func (d *Doctor) validateFilesystems(r *Result) {
	paths := []struct{ field, path, purpose string }{
		{"mailbox.dir", d.cfg.Mailbox.Dir, "mailbox"},
		{"delivery.outbox_path", d.cfg.Delivery.OutboxPath, "outbox"},
		{"state.path", d.cfg.State.Path, "state database"},
	}
	for _, p := range paths {
		if p.path == "" {
			continue
		}
		if err := d.fscheck(p.path, p.purpose); err != nil {
			d.addError(r, "filesystem", p.field, err.Error())
		}
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

func (d *Doctor) warnUnresolvedEnvVars(r *Result) {
	fields := map[string]string{
		"delivery.api_key":      d.cfg.Delivery.APIKey,
		"delivery.api_base_url": d.cfg.Delivery.APIBaseURL,
		"collector.api_key":     d.cfg.Collector.APIKey,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, field := range keys {
		for _, m := range envVarRe.FindAllStringSubmatch(fields[field], -1) {
			d.addWarning(r, "env", field, fmt.Sprintf("environment variable %s is not set", m[1]))
		}
	}
}

func (d *Doctor) checkHost(r *Result) {
	if d.host == nil {
		return
	}
	if err := d.host.Available(); err != nil {
		d.addError(r, "host", "", err.Error())
	}
}

func (d *Doctor) checkBacklog(r *Result) {
	if d.backlog == nil {
		return
	}
	failed, err := d.backlog.Failed()
	if err != nil {
		d.addWarning(r, "outbox", "delivery.outbox_path", fmt.Sprintf("cannot read failed entries: %v", err))
	} else if len(failed) > 0 {
		d.addWarning(r, "outbox", "delivery.outbox_path",
			fmt.Sprintf("%d event(s) gave up after max retries; inspect the failed/ directory", len(failed)))
	}
	pending, err := d.backlog.Pending()
	if err == nil && len(pending) > 0 {
		d.addWarning(r, "outbox", "delivery.outbox_path", fmt.Sprintf("%d event(s) waiting for re-delivery", len(pending)))
	}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, is := range issues {
		if is.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
