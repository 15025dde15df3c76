package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Environment variables that override file values.
const (
	EnvConfig      = "UNMANNED_CONFIG"
	EnvAPIURL      = "JARVIS_API_URL"
	EnvAPIKey      = "JARVIS_API_KEY"
	EnvTimeout     = "JARVIS_TIMEOUT"
	EnvMaxRetries  = "JARVIS_MAX_RETRIES"
	EnvBackoffBase = "JARVIS_BACKOFF_BASE"
	EnvOutboxPath  = "JARVIS_OUTBOX_PATH"
	EnvLogPath     = "JARVIS_LOG_PATH"
	EnvWorkerID    = "JARVIS_WORKER_ID"
	EnvStrict      = "JARVIS_STRICT"
)

var (
	currentOnce sync.Once
	current     *Config
	currentErr  error
)

// Current returns the process-wide configuration, loading it on first use from
// $UNMANNED_CONFIG or the discovered default location. It is a cache over
// Load; components should still receive their config explicitly.
func Current() (*Config, error) {
	currentOnce.Do(func() {
		path := os.Getenv(EnvConfig)
		if path == "" {
			path, _ = DiscoverConfigPath()
		}
		current, currentErr = Load(path)
	})
	return current, currentErr
}

// Load reads configuration from configPath. An empty path yields defaults
// plus environment overrides.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := Defaults()
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	loaded := []string{absPath}
	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
		for path := range visited {
			if path != absPath {
				loaded = append(loaded, path)
			}
		}
	}

	if err := verifyAllConfigHashes(filepath.Dir(absPath), loaded); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverAllConfigFiles returns the root config path followed by every
// included file, sorted.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	includes := make([]string, 0, len(visited))
	for f := range visited {
		if f != absPath {
			includes = append(includes, f)
		}
	}
	sort.Strings(includes)
	return append([]string{absPath}, includes...), nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// deepMergeConfig merges an included file into dst. Projects are additive and
// prompt rules append; identity and credential fields take src's non-empty values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.ActorID != "" {
		dst.Service.ActorID = src.Service.ActorID
	}

	if src.Delivery.APIBaseURL != "" {
		dst.Delivery.APIBaseURL = src.Delivery.APIBaseURL
	}
	if src.Delivery.APIKey != "" {
		dst.Delivery.APIKey = src.Delivery.APIKey
	}

	if src.Collector.APIKey != "" {
		dst.Collector.APIKey = src.Collector.APIKey
	}

	if src.Projects != nil {
		if dst.Projects == nil {
			dst.Projects = make(map[string]ProjectConfig)
		}
		for name, p := range src.Projects {
			dst.Projects[name] = p
		}
	}

	if len(src.Prompts) > 0 {
		dst.Prompts = append(dst.Prompts, src.Prompts...)
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Service.ActorID == "" {
		cfg.Service.ActorID = d.Service.ActorID
	}

	del := &cfg.Delivery
	if del.APIBaseURL == "" {
		del.APIBaseURL = d.Delivery.APIBaseURL
	}
	if del.Timeout == 0 {
		del.Timeout = d.Delivery.Timeout
	}
	if del.MaxRetries == 0 {
		del.MaxRetries = d.Delivery.MaxRetries
	}
	if del.BackoffBase == 0 {
		del.BackoffBase = d.Delivery.BackoffBase
	}
	if del.OutboxPath == "" {
		del.OutboxPath = d.Delivery.OutboxPath
	}
	if del.LogPath == "" {
		del.LogPath = d.Delivery.LogPath
	}
	if del.SchemaVersion == "" {
		del.SchemaVersion = d.Delivery.SchemaVersion
	}
	if del.SweepInterval == 0 {
		del.SweepInterval = d.Delivery.SweepInterval
	}
	if del.PayloadMaxBytes == 0 {
		del.PayloadMaxBytes = d.Delivery.PayloadMaxBytes
	}

	if cfg.Mailbox.Dir == "" {
		cfg.Mailbox.Dir = d.Mailbox.Dir
	}
	if cfg.Mailbox.ProjectSubdir == "" {
		cfg.Mailbox.ProjectSubdir = d.Mailbox.ProjectSubdir
	}

	dis := &cfg.Dispatch
	setDuration(&dis.PollInterval, d.Dispatch.PollInterval)
	setDuration(&dis.PromptCheckInterval, d.Dispatch.PromptCheckInterval)
	setDuration(&dis.DefaultTimeout, d.Dispatch.DefaultTimeout)
	setDuration(&dis.ActivationDelay, d.Dispatch.ActivationDelay)
	setDuration(&dis.InjectSettle, d.Dispatch.InjectSettle)
	setDuration(&dis.AnswerSettle, d.Dispatch.AnswerSettle)
	setDuration(&dis.ResponseDelay, d.Dispatch.ResponseDelay)
	setDuration(&dis.ParseRetryDelay, d.Dispatch.ParseRetryDelay)
	setDuration(&dis.RunnerInterval, d.Dispatch.RunnerInterval)
	setDuration(&dis.TmuxCommandTimeout, d.Dispatch.TmuxCommandTimeout)
	if dis.MaxAutoResponds == nil {
		dis.MaxAutoResponds = intPtr(d.Dispatch.AutoRespondLimit())
	}
	if dis.CaptureLines == 0 {
		dis.CaptureLines = d.Dispatch.CaptureLines
	}
	if len(dis.ActivationKeys) == 0 {
		dis.ActivationKeys = d.Dispatch.ActivationKeys
	}

	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.Collector.Listen == "" {
		cfg.Collector.Listen = d.Collector.Listen
	}
	if cfg.Collector.DBPath == "" {
		cfg.Collector.DBPath = d.Collector.DBPath
	}
	if cfg.Collector.DedupeCacheSize == 0 {
		cfg.Collector.DedupeCacheSize = d.Collector.DedupeCacheSize
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = d.Metrics.Listen
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]ProjectConfig)
	}

	return cfg
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

// applyEnvOverrides lets the JARVIS_* environment win over file values.
func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvAPIURL); ok && v != "" {
		cfg.Delivery.APIBaseURL = v
	}
	if v, ok := os.LookupEnv(EnvAPIKey); ok && v != "" {
		cfg.Delivery.APIKey = v
	}
	if v, ok := os.LookupEnv(EnvOutboxPath); ok && v != "" {
		cfg.Delivery.OutboxPath = v
	}
	if v, ok := os.LookupEnv(EnvLogPath); ok && v != "" {
		cfg.Delivery.LogPath = v
	}
	if v, ok := os.LookupEnv(EnvWorkerID); ok && v != "" {
		cfg.Service.ActorID = v
	}
	if v, ok := os.LookupEnv(EnvTimeout); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		cfg.Delivery.Timeout = d
	}
	if v, ok := os.LookupEnv(EnvBackoffBase); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBackoffBase, err)
		}
		cfg.Delivery.BackoffBase = d
	}
	if v, ok := os.LookupEnv(EnvMaxRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRetries, err)
		}
		cfg.Delivery.MaxRetries = n
	}
	if v, ok := os.LookupEnv(EnvStrict); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStrict, err)
		}
		cfg.Delivery.Strict = b
	}
	return nil
}

// parseSeconds accepts a Go duration ("1.5s") or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// resolveRelativePaths anchors relative project directories at the config file.
func resolveRelativePaths(cfg *Config, baseDir string) {
	for name, p := range cfg.Projects {
		if p.Dir != "" && !filepath.IsAbs(p.Dir) {
			p.Dir = filepath.Join(baseDir, p.Dir)
			cfg.Projects[name] = p
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	d := cfg.Delivery
	if _, err := url.ParseRequestURI(d.APIBaseURL); err != nil {
		return fmt.Errorf("delivery.api_base_url is not a valid URL: %w", err)
	}
	if d.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1")
	}
	if d.Timeout <= 0 || d.BackoffBase < 0 {
		return fmt.Errorf("delivery.timeout must be positive and delivery.backoff_base non-negative")
	}
	if d.Strict {
		if d.APIKey == "" {
			return fmt.Errorf("delivery.api_key is required in strict mode (set %s)", EnvAPIKey)
		}
	}
	if err := unresolved("delivery.api_key", d.APIKey); err != nil {
		return err
	}
	if err := unresolved("collector.api_key", cfg.Collector.APIKey); err != nil {
		return err
	}

	dis := cfg.Dispatch
	if dis.PollInterval <= 0 || dis.PromptCheckInterval <= 0 {
		return fmt.Errorf("dispatch.poll_interval and dispatch.prompt_check_interval must be positive")
	}
	if dis.AutoRespondLimit() < 0 {
		return fmt.Errorf("dispatch.max_auto_responds must not be negative")
	}

	aliases := make(map[string]string)
	for name, p := range cfg.Projects {
		if p.Session == "" {
			return fmt.Errorf("project %q: session is required", name)
		}
		for _, alias := range append([]string{name}, p.Aliases...) {
			key := strings.ToLower(strings.TrimSpace(alias))
			if owner, ok := aliases[key]; ok && owner != name {
				return fmt.Errorf("project %q: alias %q already used by project %q", name, alias, owner)
			}
			aliases[key] = name
		}
	}

	for i, rule := range cfg.Prompts {
		if rule.Name == "" || len(rule.Patterns) == 0 {
			return fmt.Errorf("prompts[%d]: name and patterns are required", i)
		}
		for _, pat := range rule.Patterns {
			if _, err := regexp.Compile(pat); err != nil {
				return fmt.Errorf("prompts[%d] (%s): invalid pattern %q: %w", i, rule.Name, pat, err)
			}
		}
	}

	return nil
}

// unresolved reports a ${VAR} placeholder that interpolation could not fill.
func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
