package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// InsecureVerifyToken is the built-in webhook verify secret. It only exists so a
// local checkout works out of the box and must be overridden in production.
const InsecureVerifyToken = "mysecret123"

// Config is the root configuration for warelay.
type Config struct {
	General       GeneralConfig       `json:"general" yaml:"general"`
	Server        ServerConfig        `json:"server" yaml:"server"`
	WhatsApp      WhatsAppConfig      `json:"whatsapp" yaml:"whatsapp"`
	Agent         AgentConfig         `json:"agent" yaml:"agent"`
	Transcription TranscriptionConfig `json:"transcription" yaml:"transcription"`
	Process       ProcessConfig       `json:"process" yaml:"process"`
	Dispatch      DispatchConfig      `json:"dispatch" yaml:"dispatch"`
	Events        EventsConfig        `json:"events" yaml:"events"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	LogLevel    string `json:"logLevel" yaml:"logLevel"`
	LogFile     string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host                     string `json:"host" yaml:"host"`
	Port                     int    `json:"port" yaml:"port"`
	ReadHeaderTimeoutSeconds int    `json:"readHeaderTimeoutSeconds" yaml:"readHeaderTimeoutSeconds"`
	ShutdownTimeoutSeconds   int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// WhatsAppConfig holds the Cloud API credentials and webhook settings.
type WhatsAppConfig struct {
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty"`
	APIURL        string `json:"apiUrl,omitempty" yaml:"apiUrl,omitempty"` // full send URL; derived from phoneNumberId when empty
	GraphBase     string `json:"graphBase" yaml:"graphBase"`
	VerifyToken   string `json:"verifyToken" yaml:"verifyToken"`
	WebhookPath   string `json:"webhookPath" yaml:"webhookPath"`
	LowercaseText bool   `json:"lowercaseText" yaml:"lowercaseText"`
}

// MessagesURL returns the endpoint outbound messages are posted to, or "" when
// the transport is unconfigured.
func (w WhatsAppConfig) MessagesURL() string {
	if w.APIURL != "" {
		return w.APIURL
	}
	if w.PhoneNumberID == "" {
		return ""
	}
	return strings.TrimRight(w.GraphBase, "/") + "/" + w.PhoneNumberID + "/messages"
}

type AgentConfig struct {
	URL            string `json:"url,omitempty" yaml:"url,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type TranscriptionConfig struct {
	APIBase        string `json:"apiBase" yaml:"apiBase"`
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model          string `json:"model" yaml:"model"`
	Language       string `json:"language,omitempty" yaml:"language,omitempty"` // ISO-639-1
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// ProcessConfig selects what answers POST /process.
type ProcessConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "agent" | "groq"
	APIBase string `json:"apiBase" yaml:"apiBase"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model   string `json:"model" yaml:"model"`
}

type DispatchConfig struct {
	Workers             int `json:"workers" yaml:"workers"`
	QueueSize           int `json:"queueSize" yaml:"queueSize"`
	EnqueueTimeoutMs    int `json:"enqueueTimeoutMs" yaml:"enqueueTimeoutMs"`
	DrainTimeoutSeconds int `json:"drainTimeoutSeconds" yaml:"drainTimeoutSeconds"`
}

// EventsConfig configures forwarding of relay events to RabbitMQ.
type EventsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	AMQPURL       string `json:"amqpUrl,omitempty" yaml:"amqpUrl,omitempty"`
	Exchange      string `json:"exchange" yaml:"exchange"`
	RoutingPrefix string `json:"routingPrefix" yaml:"routingPrefix"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.warelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warelay"
	}
	return filepath.Join(home, ".warelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads a JSON or YAML config file on top of Defaults. An empty path
// yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
		return cfg, nil
	}

	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ApplyEnv overlays the process environment onto cfg. It is called once at
// startup, after Load, so environment values win over the file.
func ApplyEnv(cfg *Config) error {
	setString(&cfg.WhatsApp.AccessToken, "ACCESS_TOKEN")
	setString(&cfg.WhatsApp.AccessToken, "META_ACCESS_TOKEN")
	setString(&cfg.WhatsApp.PhoneNumberID, "PHONE_NUMBER_ID")
	setString(&cfg.WhatsApp.APIURL, "WHATSAPP_API_URL")
	setString(&cfg.WhatsApp.VerifyToken, "VERIFY_TOKEN")
	setString(&cfg.Agent.URL, "AGENT_URL")
	setString(&cfg.Transcription.APIKey, "GROQ_API_KEY")
	setString(&cfg.Process.APIKey, "GROQ_API_KEY")
	setString(&cfg.General.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Events.AMQPURL = v
		cfg.Events.Enabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return Validate(cfg)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}
	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}
	if cfg.Transcription.TimeoutSeconds < 1 {
		errs = append(errs, "transcription.timeoutSeconds must be >= 1")
	}
	if !strings.HasPrefix(cfg.WhatsApp.WebhookPath, "/") {
		errs = append(errs, "whatsapp.webhookPath must start with /")
	}
	if cfg.WhatsApp.GraphBase == "" {
		errs = append(errs, "whatsapp.graphBase is required")
	}

	switch cfg.Process.Backend {
	case "agent", "groq":
		// valid
	default:
		errs = append(errs, "process.backend must be one of: agent, groq")
	}

	if cfg.Dispatch.Workers < 1 || cfg.Dispatch.Workers > 64 {
		errs = append(errs, "dispatch.workers must be between 1 and 64")
	}
	if cfg.Dispatch.QueueSize < 1 {
		errs = append(errs, "dispatch.queueSize must be >= 1")
	}
	if cfg.Dispatch.EnqueueTimeoutMs < 0 {
		errs = append(errs, "dispatch.enqueueTimeoutMs must be >= 0")
	}
	if cfg.Dispatch.DrainTimeoutSeconds < 1 {
		errs = append(errs, "dispatch.drainTimeoutSeconds must be >= 1")
	}

	if cfg.Events.Enabled && cfg.Events.AMQPURL == "" {
		errs = append(errs, "events.amqpUrl is required when events are enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	errs = append(errs, routeConflicts(cfg)...)

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// reservedRoutes are served regardless of configuration.
var reservedRoutes = []string{"/health", "/process"}

// routeConflicts reports configured paths that would register the same route
// twice on the server mux.
func routeConflicts(cfg *Config) []string {
	var errs []string
	for _, r := range reservedRoutes {
		if cfg.WhatsApp.WebhookPath == r {
			errs = append(errs, fmt.Sprintf("whatsapp.webhookPath %s is reserved", r))
		}
		if cfg.Metrics.Enabled && cfg.Metrics.Endpoint == r {
			errs = append(errs, fmt.Sprintf("metrics.endpoint %s is reserved", r))
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Endpoint == cfg.WhatsApp.WebhookPath {
		errs = append(errs, "metrics.endpoint must differ from whatsapp.webhookPath")
	}
	return errs
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
