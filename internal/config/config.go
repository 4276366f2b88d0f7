// Package config handles toolloop configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolloop/config.yaml, /etc/toolloop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolloop", "config.yaml"))
	}

	paths = append(paths, "/etc/toolloop/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolloop configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Model      ModelConfig      `yaml:"model"`
	Agent      AgentConfig      `yaml:"agent"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Search     SearchConfig     `yaml:"search"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelConfig selects the model transport.
type ModelConfig struct {
	OllamaURL string `yaml:"ollama_url"`
	Name      string `yaml:"name"`
	// Stream uses the streaming chat endpoint. Only the CLI prints
	// tokens as they arrive; the result is the same either way.
	Stream bool `yaml:"stream"`
}

// AgentConfig tunes the execution engine.
type AgentConfig struct {
	StepLimit        int    `yaml:"step_limit"`
	ParallelTools    bool   `yaml:"parallel_tools"`
	MaxParallelTools int    `yaml:"max_parallel_tools"`
	FinalizeOnLimit  bool   `yaml:"finalize_on_limit"`
	SystemPrompt     string `yaml:"system_prompt"`

	// ExpensiveCategories end a turn when the model asks again for a
	// tool in one of these categories (e.g. "retrieval").
	ExpensiveCategories []string `yaml:"expensive_categories"`
	// ExpensiveScope is "conversation" (default) or "step".
	ExpensiveScope string `yaml:"expensive_scope"`

	// NotesInPrompt lists remembered notes in the system prompt.
	NotesInPrompt bool `yaml:"notes_in_prompt"`
}

// CheckpointConfig selects the checkpoint medium.
type CheckpointConfig struct {
	// Driver is "sqlite" (default) or "memory".
	Driver string `yaml:"driver"`
	// Path is the SQLite file. Relative paths resolve under data_dir.
	Path string `yaml:"path"`
	// RetainDays prunes finished conversations older than this at
	// startup. Zero keeps everything.
	RetainDays int `yaml:"retain_days"`
}

// MQTTConfig enables forwarding engine events to an MQTT broker.
// Forwarding is off when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// SearchConfig backs the search tool with a SearXNG instance. Without
// a URL the tool reports that no provider is configured.
type SearchConfig struct {
	SearXNGURL string `yaml:"searxng_url"`
	Language   string `yaml:"language"`
}

// Configured reports whether a SearXNG URL is set.
func (s SearchConfig) Configured() bool { return s.SearXNGURL != "" }

// Load reads configuration from a YAML file. A .env file next to it
// is loaded into the environment first (existing variables win), then
// ${VAR} references in the YAML are expanded. Defaults fill unset
// fields and the result is validated.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			OllamaURL: "http://localhost:11434",
			Name:      "qwen3:4b",
		},
		Agent: AgentConfig{
			StepLimit:      8,
			ExpensiveScope: "conversation",
		},
		Checkpoint: CheckpointConfig{
			Driver: "sqlite",
			Path:   "toolloop.db",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "toolloop",
			ClientID:    "toolloop",
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// applyDefaults restores defaults for fields an explicit empty value
// in the YAML cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Agent.StepLimit == 0 {
		c.Agent.StepLimit = d.Agent.StepLimit
	}
	if c.Agent.ExpensiveScope == "" {
		c.Agent.ExpensiveScope = d.Agent.ExpensiveScope
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = d.Checkpoint.Driver
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = d.Checkpoint.Path
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = d.MQTT.TopicPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = d.MQTT.ClientID
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.MQTT.TopicPrefix = strings.Trim(c.MQTT.TopicPrefix, "/")
}

// CheckpointPath returns the SQLite path, resolved under DataDir when
// relative.
func (c *Config) CheckpointPath() string {
	if filepath.IsAbs(c.Checkpoint.Path) {
		return c.Checkpoint.Path
	}
	return filepath.Join(c.DataDir, c.Checkpoint.Path)
}

// Validation errors name fields by their YAML keys.
func init() { validation.ErrorTag = "yaml" }

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Listen),
		validation.Field(&c.Model),
		validation.Field(&c.Agent),
		validation.Field(&c.Checkpoint),
		validation.Field(&c.MQTT),
		validation.Field(&c.Search),
		validation.Field(&c.LogLevel, validation.By(func(any) error {
			_, err := ParseLogLevel(c.LogLevel)
			return err
		})),
	)
}

// Validate implements [validation.Validatable].
func (l ListenConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Port, validation.Min(0), validation.Max(65535)),
	)
}

// Validate implements [validation.Validatable].
func (m ModelConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.OllamaURL, validation.Required, validation.By(httpURL)),
		validation.Field(&m.Name, validation.Required),
	)
}

// Validate implements [validation.Validatable].
func (a AgentConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.StepLimit, validation.Min(1), validation.Max(100)),
		validation.Field(&a.MaxParallelTools, validation.Min(0)),
		validation.Field(&a.ExpensiveScope, validation.In("conversation", "step")),
	)
}

// Validate implements [validation.Validatable].
func (c CheckpointConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.In("sqlite", "memory")),
		validation.Field(&c.RetainDays, validation.Min(0)),
	)
}

// Validate implements [validation.Validatable].
func (m MQTTConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Broker, validation.By(brokerURL)),
		validation.Field(&m.TopicPrefix, validation.When(m.Enabled(), validation.Required)),
	)
}

// Validate implements [validation.Validatable].
func (s SearchConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.SearXNGURL, validation.By(httpURL)),
	)
}

func httpURL(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http or https URL")
	}
	return nil
}

func brokerURL(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return errors.New("must be a broker URL such as mqtt://host:1883")
	}
	switch u.Scheme {
	case "mqtt", "mqtts", "tcp", "ssl", "tls", "ws", "wss":
		return nil
	}
	return fmt.Errorf("unsupported broker scheme %q", u.Scheme)
}
