package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfig, EnvAPIURL, EnvAPIKey, EnvTimeout, EnvMaxRetries,
		EnvBackoffBase, EnvOutboxPath, EnvLogPath, EnvWorkerID, EnvStrict} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
service:
  actor_id: haedong
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.ActorID != "haedong" {
					t.Errorf("actor_id not parsed: %q", cfg.Service.ActorID)
				}
				if cfg.Delivery.Timeout != 30*time.Second || cfg.Delivery.MaxRetries != 3 || cfg.Delivery.BackoffBase != time.Second {
					t.Errorf("delivery defaults not applied: %+v", cfg.Delivery)
				}
				if cfg.Delivery.OutboxPath != ".jarvis/outbox" || cfg.Delivery.LogPath != ".jarvis/logs" {
					t.Errorf("path defaults not applied: %+v", cfg.Delivery)
				}
				if cfg.Dispatch.AutoRespondLimit() != 5 || cfg.Dispatch.PollInterval != 3*time.Second {
					t.Errorf("dispatch defaults not applied: %+v", cfg.Dispatch)
				}
				if len(cfg.Dispatch.ActivationKeys) != 2 {
					t.Errorf("activation keys default = %v", cfg.Dispatch.ActivationKeys)
				}
			},
		},
		{
			name: "zero max_auto_responds disables answering",
			yaml: `
dispatch:
  max_auto_responds: 0
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Dispatch.MaxAutoResponds == nil || cfg.Dispatch.AutoRespondLimit() != 0 {
					t.Errorf("explicit zero replaced by default: %v", cfg.Dispatch.MaxAutoResponds)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
delivery:
  api_base_url: ${COLLECTOR_URL}
  api_key: ${COLLECTOR_KEY}
`,
			env: map[string]string{
				"COLLECTOR_URL": "https://collector.example.com/api",
				"COLLECTOR_KEY": "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Delivery.APIBaseURL != "https://collector.example.com/api" {
					t.Errorf("env var not interpolated: %s", cfg.Delivery.APIBaseURL)
				}
				if cfg.Delivery.APIKey != "secret123" {
					t.Errorf("env var not interpolated: %s", cfg.Delivery.APIKey)
				}
			},
		},
		{
			name: "JARVIS overrides win over file",
			yaml: `
service:
  actor_id: from-file
delivery:
  max_retries: 7
  timeout: 5s
`,
			env: map[string]string{
				EnvWorkerID:    "from-env",
				EnvMaxRetries:  "2",
				EnvTimeout:     "12",
				EnvBackoffBase: "0.5",
				EnvOutboxPath:  "/tmp/outbox",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.ActorID != "from-env" {
					t.Errorf("actor override = %q", cfg.Service.ActorID)
				}
				if cfg.Delivery.MaxRetries != 2 || cfg.Delivery.Timeout != 12*time.Second {
					t.Errorf("numeric overrides not applied: %+v", cfg.Delivery)
				}
				if cfg.Delivery.BackoffBase != 500*time.Millisecond {
					t.Errorf("backoff override = %v", cfg.Delivery.BackoffBase)
				}
				if cfg.Delivery.OutboxPath != "/tmp/outbox" {
					t.Errorf("outbox override = %q", cfg.Delivery.OutboxPath)
				}
			},
		},
		{
			name: "strict mode requires api key",
			yaml: `
delivery:
  strict: true
`,
			wantErr: "api_key is required",
		},
		{
			name: "missing env var in api key",
			yaml: `
delivery:
  api_key: ${MISSING_VAR}
`,
			wantErr: "MISSING_VAR",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
`,
			wantErr: "log_level",
		},
		{
			name: "bad max retries override",
			yaml:    `service: {}`,
			env:     map[string]string{EnvMaxRetries: "many"},
			wantErr: EnvMaxRetries,
		},
		{
			name: "project aliases must be unique",
			yaml: `
projects:
  haedong:
    session: haedong
    aliases: [hd]
  other:
    session: other
    aliases: [HD]
`,
			wantErr: "alias",
		},
		{
			name: "invalid prompt pattern",
			yaml: `
prompts:
  - name: broken
    patterns: ["(unclosed"]
`,
			wantErr: "invalid pattern",
		},
		{
			name: "relative project dir anchored at config",
			yaml: `
projects:
  japan:
    session: japan
    dir: ./japan
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if !filepath.IsAbs(cfg.Projects["japan"].Dir) {
					t.Errorf("project dir not resolved: %q", cfg.Projects["japan"].Dir)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			configPath := writeConfig(t, t.TempDir(), "config.yaml", tt.yaml)
			cfg, err := Load(configPath)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAPIURL, "http://collector:9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Delivery.APIBaseURL != "http://collector:9000" {
		t.Errorf("api url = %q", cfg.Delivery.APIBaseURL)
	}
	if cfg.SourcePath != "" {
		t.Errorf("SourcePath = %q, want empty", cfg.SourcePath)
	}
}

func TestLoadIncludes(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "projects/work.yaml", `
projects:
  haedong:
    session: haedong
    dir: /srv/haedong
prompts:
  - name: trust_folder
    patterns: ["Do you trust the files"]
    response: "1"
`)
	root := writeConfig(t, dir, "config.yaml", `
include:
  - projects/work.yaml
projects:
  japan:
    session: japan
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Projects) != 2 {
		t.Fatalf("projects = %v, want 2 entries", cfg.Projects)
	}
	if len(cfg.Prompts) != 1 || cfg.Prompts[0].Name != "trust_folder" {
		t.Errorf("prompts not merged: %+v", cfg.Prompts)
	}

	files, err := DiscoverAllConfigFiles(root)
	if err != nil {
		t.Fatalf("DiscoverAllConfigFiles() error: %v", err)
	}
	if len(files) != 2 || files[0] != root {
		t.Errorf("files = %v, want root first then include", files)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [config.yaml]\n")
	root := writeConfig(t, dir, "config.yaml", "include: [a.yaml]\n")

	if _, err := Load(root); err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("expected circular include error, got %v", err)
	}
}

func TestCurrentIsCached(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), "config.yaml", "service:\n  actor_id: cached\n")
	t.Setenv(EnvConfig, path)

	currentOnce = sync.Once{}
	first, err := Current()
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	second, _ := Current()
	if first != second {
		t.Error("Current() should return the same instance")
	}
	if first.Service.ActorID != "cached" {
		t.Errorf("actor = %q", first.Service.ActorID)
	}
}
