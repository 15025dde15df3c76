package doctor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bridge25/unmanned-manager/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Service.ActorID = "worker-1"
	cfg.Delivery.APIKey = "k"
	cfg.Projects = map[string]config.ProjectConfig{
		"alpha": {Session: "jarvis-alpha", Dir: t.TempDir(), Aliases: []string{"a"}},
		"beta":  {Session: "jarvis-beta", Dir: t.TempDir()},
	}
	return cfg
}

func newDoctor(cfg *config.Config, opts ...Option) *Doctor {
	d := New(cfg, opts...)
	d.fscheck = func(string, string) error { return nil }
	return d
}

func hasIssue(issues []Issue, field string) bool {
	for _, is := range issues {
		if is.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_DeliveryErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"missing url", func(c *config.Config) { c.Delivery.APIBaseURL = "" }, "delivery.api_base_url"},
		{"relative url", func(c *config.Config) { c.Delivery.APIBaseURL = "collector/api" }, "delivery.api_base_url"},
		{"strict without key", func(c *config.Config) { c.Delivery.Strict = true; c.Delivery.APIKey = "" }, "delivery.api_key"},
		{"no retries", func(c *config.Config) { c.Delivery.MaxRetries = 0 }, "delivery.max_retries"},
		{"no backoff", func(c *config.Config) { c.Delivery.BackoffBase = 0 }, "delivery.backoff_base"},
		{"no outbox", func(c *config.Config) { c.Delivery.OutboxPath = "" }, "delivery.outbox_path"},
		{"no activation", func(c *config.Config) { c.Dispatch.ActivationKeys = nil }, "dispatch.activation_keys"},
		{"empty session", func(c *config.Config) {
			c.Projects["gamma"] = config.ProjectConfig{Dir: t.TempDir()}
		}, "projects.gamma.session"},
		{"alias clash", func(c *config.Config) {
			c.Projects["beta"] = config.ProjectConfig{Session: "jarvis-beta", Dir: t.TempDir(), Aliases: []string{"A"}}
		}, "projects.beta.aliases"},
		{"bad prompt pattern", func(c *config.Config) {
			c.Prompts = []config.PromptRuleConfig{{Name: "x", Patterns: []string{"("}}}
		}, "prompts[0].patterns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			r := newDoctor(cfg).Validate()
			if r.Valid {
				t.Fatalf("expected invalid")
			}
			if !hasIssue(r.Errors, tt.field) {
				t.Fatalf("expected error on %s, got %v", tt.field, r.Errors)
			}
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Service.ActorID = "unknown"
	cfg.Delivery.APIKey = "${JARVIS_TEST_UNSET_KEY}"
	cfg.Dispatch.PromptCheckInterval = time.Second
	noAnswers := 0
	cfg.Dispatch.MaxAutoResponds = &noAnswers
	cfg.Projects["beta"] = config.ProjectConfig{Session: "jarvis-beta", Dir: "/definitely/not/here"}

	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	for _, field := range []string{"service.actor_id", "delivery.api_key", "dispatch.prompt_check_interval", "dispatch.max_auto_responds", "projects.beta.dir"} {
		if !hasIssue(r.Warnings, field) {
			t.Errorf("expected warning on %s, got %v", field, r.Warnings)
		}
	}
}

func TestValidate_NetworkFilesystemRejected(t *testing.T) {
	t.Parallel()
	d := New(validConfig(t))
	d.fscheck = func(path, purpose string) error {
		if purpose == "outbox" {
			return errors.New("outbox path is on nfs")
		}
		return nil
	}
	r := d.Validate()
	if r.Valid || !hasIssue(r.Errors, "delivery.outbox_path") {
		t.Fatalf("expected outbox filesystem error, got %v", r.Errors)
	}
}

type fakeHost struct{ err error }

func (f fakeHost) Available() error { return f.err }

type fakeBacklog struct{ pending, failed []string }

func (f fakeBacklog) Pending() ([]string, error) { return f.pending, nil }
func (f fakeBacklog) Failed() ([]string, error)  { return f.failed, nil }

func TestValidate_RuntimeChecks(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t),
		WithHost(fakeHost{err: errors.New("tmux not found in PATH")}),
		WithBacklog(fakeBacklog{pending: []string{"a"}, failed: []string{"b", "c"}}),
	).Validate()

	if r.Valid {
		t.Fatalf("expected invalid when host is unavailable")
	}
	if len(r.Errors) != 1 || r.Errors[0].Category != "host" {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "2 event(s) gave up") || !strings.Contains(out, "1 event(s) waiting") {
		t.Fatalf("backlog warnings missing from report:\n%s", out)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", got)
	}
	got := FormatHuman(&Result{Valid: false, Errors: []Issue{{Category: "delivery", Field: "delivery.api_key", Message: "required"}}})
	if !strings.Contains(got, "ERROR [delivery] delivery.api_key: required") {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatalf("FormatJSON failed: %v", err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected output: %s", out)
	}
}
