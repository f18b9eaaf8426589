package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Claude        ClaudeConfig        `yaml:"claude"`
	Cidx          CidxConfig          `yaml:"cidx"`
	SystemPrompts SystemPromptsConfig `yaml:"system_prompts"`
	LLM           LLMConfig           `yaml:"llm"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	APIKey        string        `yaml:"apiKey"` // optional static API key header (X-API-Key)
	LogLevel      string        `yaml:"logLevel"`
}

// WorkspaceConfig holds filesystem roots for repositories and per-job workspaces.
type WorkspaceConfig struct {
	RepositoriesPath string `yaml:"repositories_path"`
	JobsPath         string `yaml:"jobs_path"`
}

// JobsConfig holds scheduling and retention knobs.
type JobsConfig struct {
	MaxConcurrent        int `yaml:"max_concurrent"`
	TimeoutHours         int `yaml:"timeout_hours"`
	RetentionDays        int `yaml:"retention_days"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
	ExecGraceSeconds     int `yaml:"exec_grace_seconds"`
}

// ClaudeConfig configures the assistant CLI invocation.
type ClaudeConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// CidxConfig configures the semantic-index sidecar control program.
type CidxConfig struct {
	Command       string        `yaml:"command"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeAddrTmpl string        `yaml:"probe_addr_template"` // e.g. "http://127.0.0.1:9000/{{name}}/health"
}

// SystemPromptsConfig locates the two system-prompt templates selected by cidx availability.
type SystemPromptsConfig struct {
	CidxAvailableTemplatePath   string `yaml:"cidx_available_template_path"`
	CidxUnavailableTemplatePath string `yaml:"cidx_unavailable_template_path"`
}

// LLMConfig selects the AssistantClient provider used by the Title Summarizer.
type LLMConfig struct {
	Provider string          `yaml:"provider"` // "mock" | "execcli" | "aiproxy"
	Mock     MockSettings    `yaml:"mock"`
	AIProxy  AIProxySettings `yaml:"aiproxy"`
}

// MockSettings config for the mock AssistantClient.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	Prefix string        `yaml:"prefix"`
}

// AIProxySettings config for the AI Proxy (OpenAI-compatible) AssistantClient.
type AIProxySettings struct {
	BaseURL      string  `yaml:"baseUrl"`
	APIKey       string  `yaml:"apiKey"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"systemPrompt"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables and `~`,
// applies defaults, and validates it. If path is empty, it falls back to the
// JOBSERVER_CONFIG env var, then "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("JOBSERVER_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// applyDefaults cannot tell an explicit max_concurrent of 0 from an absent
	// key, so the explicit value is checked here before defaulting.
	var explicit struct {
		Jobs struct {
			MaxConcurrent *int `yaml:"max_concurrent"`
		} `yaml:"jobs"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &explicit); err == nil &&
		explicit.Jobs.MaxConcurrent != nil && *explicit.Jobs.MaxConcurrent == 0 {
		return nil, errors.New("jobs.max_concurrent must be greater than zero")
	}

	applyDefaults(&cfg)

	if err := expandHomePaths(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Workspace.RepositoriesPath, 0o750); err != nil {
		return nil, fmt.Errorf("ensure repositories_path: %w", err)
	}
	if err := os.MkdirAll(cfg.Workspace.JobsPath, 0o750); err != nil {
		return nil, fmt.Errorf("ensure jobs_path: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024)
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.Workspace.RepositoriesPath == "" {
		cfg.Workspace.RepositoriesPath = "data/repos"
	}
	if cfg.Workspace.JobsPath == "" {
		cfg.Workspace.JobsPath = "data/jobs"
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = 5
	}
	if cfg.Jobs.TimeoutHours == 0 {
		cfg.Jobs.TimeoutHours = 24
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = 30
	}
	if cfg.Jobs.ShutdownGraceSeconds == 0 {
		cfg.Jobs.ShutdownGraceSeconds = 15
	}
	if cfg.Jobs.ExecGraceSeconds == 0 {
		cfg.Jobs.ExecGraceSeconds = 10
	}

	if cfg.Claude.Command == "" {
		cfg.Claude.Command = "claude"
	}

	if cfg.Cidx.Command == "" {
		cfg.Cidx.Command = "cidx"
	}
	if cfg.Cidx.ReadyTimeout == 0 {
		cfg.Cidx.ReadyTimeout = 2 * time.Minute
	}
	if cfg.Cidx.ProbeInterval == 0 {
		cfg.Cidx.ProbeInterval = 2 * time.Second
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "mock"
	}
	if cfg.LLM.Mock.Delay == 0 {
		cfg.LLM.Mock.Delay = 200 * time.Millisecond
	}
	if cfg.LLM.Mock.Prefix == "" {
		cfg.LLM.Mock.Prefix = "Title"
	}
	if strings.EqualFold(cfg.LLM.Provider, "aiproxy") {
		if strings.TrimSpace(cfg.LLM.AIProxy.BaseURL) == "" {
			cfg.LLM.AIProxy.BaseURL = "http://localhost:8900"
		}
		if strings.TrimSpace(cfg.LLM.AIProxy.Model) == "" {
			cfg.LLM.AIProxy.Model = "gpt-5"
		}
	}
}

// expandHomePaths expands a leading "~" in every configured path to the
// current user's home directory.
func expandHomePaths(cfg *Config) error {
	paths := []*string{
		&cfg.Workspace.RepositoriesPath,
		&cfg.Workspace.JobsPath,
		&cfg.SystemPrompts.CidxAvailableTemplatePath,
		&cfg.SystemPrompts.CidxUnavailableTemplatePath,
	}
	var home string
	for _, p := range paths {
		if !strings.HasPrefix(*p, "~") {
			continue
		}
		if home == "" {
			u, err := user.Current()
			if err != nil {
				return fmt.Errorf("resolve home dir: %w", err)
			}
			home = u.HomeDir
		}
		*p = filepath.Join(home, strings.TrimPrefix(*p, "~"))
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Jobs.MaxConcurrent <= 0 {
		return errors.New("jobs.max_concurrent must be greater than zero")
	}
	if strings.TrimSpace(cfg.Claude.Command) == "" {
		return errors.New("claude.command is required")
	}
	return nil
}
