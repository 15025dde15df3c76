package config

import "time"

// Config represents the complete unmanned-manager configuration.
type Config struct {
	Include   []string                 `yaml:"include,omitempty"`
	Service   ServiceConfig            `yaml:"service"`
	Delivery  DeliveryConfig           `yaml:"delivery"`
	Mailbox   MailboxConfig            `yaml:"mailbox"`
	Dispatch  DispatchConfig           `yaml:"dispatch"`
	State     StateConfig              `yaml:"state"`
	Collector CollectorConfig          `yaml:"collector"`
	Metrics   MetricsConfig            `yaml:"metrics"`
	Projects  map[string]ProjectConfig `yaml:"projects"`
	Prompts   []PromptRuleConfig       `yaml:"prompts,omitempty"`

	// SourcePath is the file the config was loaded from ("" for defaults only).
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	ActorID   string `yaml:"actor_id"`
}

// DeliveryConfig defines how lifecycle events reach the remote collector.
type DeliveryConfig struct {
	APIBaseURL      string        `yaml:"api_base_url"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	Strict          bool          `yaml:"strict"`
	OutboxPath      string        `yaml:"outbox_path"`
	LogPath         string        `yaml:"log_path"`
	SchemaVersion   string        `yaml:"schema_version"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	PayloadMaxBytes int           `yaml:"payload_max_bytes"`
}

// MailboxConfig locates the file mailboxes.
type MailboxConfig struct {
	// Dir is the central mailbox consumed by the runner.
	Dir string `yaml:"dir"`
	// ProjectSubdir is the per-project mailbox under each project's working directory.
	ProjectSubdir string `yaml:"project_subdir"`
}

// DispatchConfig tunes the injection and polling loop.
type DispatchConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	PromptCheckInterval time.Duration `yaml:"prompt_check_interval"`
	MaxAutoResponds     *int          `yaml:"max_auto_responds"` // nil means the default; 0 disables answering
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	CaptureLines        int           `yaml:"capture_lines"`
	ActivationKeys      []string      `yaml:"activation_keys"`
	ActivationDelay     time.Duration `yaml:"activation_delay"`
	InjectSettle        time.Duration `yaml:"inject_settle"`
	AnswerSettle        time.Duration `yaml:"answer_settle"`
	ResponseDelay       time.Duration `yaml:"response_delay"`
	ParseRetryDelay     time.Duration `yaml:"parse_retry_delay"`
	RunnerInterval      time.Duration `yaml:"runner_interval"`
	TmuxCommandTimeout  time.Duration `yaml:"tmux_command_timeout"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// CollectorConfig defines the receiving side of event delivery.
type CollectorConfig struct {
	Listen          string `yaml:"listen"`
	APIKey          string `yaml:"api_key"`
	DBPath          string `yaml:"db_path"`
	DedupeCacheSize int    `yaml:"dedupe_cache_size"`
}

// MetricsConfig defines the Prometheus listener used by `serve`.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ProjectConfig maps a logical project to its worker session.
type ProjectConfig struct {
	Session string   `yaml:"session"`
	Dir     string   `yaml:"dir"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// PromptRuleConfig overrides or extends the built-in prompt rules.
type PromptRuleConfig struct {
	Name        string   `yaml:"name"`
	Patterns    []string `yaml:"patterns"`
	Response    string   `yaml:"response"`
	Description string   `yaml:"description"`
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "unmanned-manager",
			LogLevel:  "info",
			LogFormat: "json",
			ActorID:   "unknown",
		},
		Delivery: DeliveryConfig{
			APIBaseURL:      "http://127.0.0.1:8787",
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			BackoffBase:     1 * time.Second,
			OutboxPath:      ".jarvis/outbox",
			LogPath:         ".jarvis/logs",
			SchemaVersion:   "1.0",
			SweepInterval:   5 * time.Minute,
			PayloadMaxBytes: 10 * 1024,
		},
		Mailbox: MailboxConfig{
			Dir:           ".jarvis",
			ProjectSubdir: ".jarvis",
		},
		Dispatch: DispatchConfig{
			PollInterval:        3 * time.Second,
			PromptCheckInterval: 15 * time.Second,
			MaxAutoResponds:     intPtr(5),
			DefaultTimeout:      300 * time.Second,
			CaptureLines:        50,
			ActivationKeys:      []string{"Enter", "Enter"},
			ActivationDelay:     100 * time.Millisecond,
			InjectSettle:        300 * time.Millisecond,
			AnswerSettle:        2 * time.Second,
			ResponseDelay:       200 * time.Millisecond,
			ParseRetryDelay:     1 * time.Second,
			RunnerInterval:      2 * time.Second,
			TmuxCommandTimeout:  10 * time.Second,
		},
		State: StateConfig{
			Path: ".jarvis/state.db",
		},
		Collector: CollectorConfig{
			Listen:          "127.0.0.1:8787",
			DBPath:          ".jarvis/collector.db",
			DedupeCacheSize: 4096,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9187",
		},
		Projects: make(map[string]ProjectConfig),
	}
}

// AutoRespondLimit is the configured prompt-answer budget per task.
func (d DispatchConfig) AutoRespondLimit() int {
	if d.MaxAutoResponds == nil {
		return 0
	}
	return *d.MaxAutoResponds
}

func intPtr(n int) *int { return &n }
