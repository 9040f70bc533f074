// Package config loads Tom's YAML configuration file, with environment
// variable overrides, following the same builder/override idiom the rest of
// the stack uses for its services.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLMProviderConfig describes one configured upstream LLM provider.
type LLMProviderConfig struct {
	API    string   `yaml:"api"`
	EnvVar string   `yaml:"env_var"`
	Models []string `yaml:"models"`
}

// FirebaseConfig is the web-SDK config block surfaced verbatim at
// GET /notificationconfig.
type FirebaseConfig struct {
	APIKey            string `yaml:"apiKey"`
	AuthDomain        string `yaml:"authDomain"`
	ProjectID         string `yaml:"projectId"`
	StorageBucket     string `yaml:"storageBucket"`
	MessagingSenderID string `yaml:"messagingSenderId"`
	AppID             string `yaml:"appId"`
	VAPIDKey          string `yaml:"vapidkey"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LLM          string                       `yaml:"llm"`
	LLMs         map[string]LLMProviderConfig `yaml:"llms"`
	Firebase     FirebaseConfig               `yaml:"firebase"`
	Sessions     string                       `yaml:"sessions"`
	LogLevel     string                       `yaml:"log_level"`
	UserDataDir  string                       `yaml:"user_datadir"`
	AllDataDir   string                       `yaml:"all_datadir"`
	TLSDir       string                       `yaml:"tls_dir"`
	ListenAddr   string                       `yaml:"listen_addr"`
	RateLimitRPS float64                      `yaml:"rate_limit_rps"`
	// MemoryBaseURLTemplate is expanded with fmt.Sprintf(tmpl, username) to
	// find the per-user mem0 reverse-proxy target for /memory[/*], per §4.2.2.
	MemoryBaseURLTemplate string          `yaml:"memory_base_url_template"`
	Telemetry             TelemetryConfig `yaml:"telemetry"`
	// RemoteModules maps a tool-provider name to the base RPC URL of a
	// provider deployed as a separate stateless-HTTP service, per §4.3's
	// MCP remote-provider path. Modules named here are registered as
	// internal/provider/rpc.Client instances instead of in-process factories.
	RemoteModules map[string]string `yaml:"remote_modules"`
}

// TelemetryConfig configures the optional OTel tracing/metrics export.
// Disabled (the default) leaves the global OTel providers as noop, so an
// operator who never sets this block pays no runtime cost.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// UserConfig is one entry of the operator-managed user table.
type UserConfig struct {
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	PersonalContext string `yaml:"personalContext"`
	Timezone        string `yaml:"timezone"`
}

// Config is the root of config.yml.
type Config struct {
	Global GlobalConfig `yaml:"global"`
	Users  []UserConfig `yaml:"users"`
}

// DefaultConfig returns a minimally valid configuration, used as the
// baseline before the file and environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			LLM:          "",
			LLMs:         map[string]LLMProviderConfig{},
			Sessions:     "/data/sessions",
			LogLevel:     "INFO",
			UserDataDir:  "/data",
			AllDataDir:   "/data/all",
			TLSDir:       "/data/tls",
			ListenAddr:            ":443",
			RateLimitRPS:          20,
			MemoryBaseURLTemplate: "http://memory-%s:8080",
			Telemetry: TelemetryConfig{
				Enabled:      false,
				ServiceName:  "tom",
				OTLPEndpoint: "localhost:4317",
				SampleRate:   0.1,
			},
		},
	}
}

// Load reads path, falling back to DefaultConfig's values for anything the
// file doesn't set, then applies TOM_-prefixed environment overrides for a
// handful of deployment knobs that operators commonly need to override
// without editing the file (log level, listen address, data dirs).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOM_LOG_LEVEL"); v != "" {
		cfg.Global.LogLevel = v
	}
	if v := os.Getenv("TOM_LISTEN_ADDR"); v != "" {
		cfg.Global.ListenAddr = v
	}
	if v := os.Getenv("TOM_USER_DATADIR"); v != "" {
		cfg.Global.UserDataDir = v
	}
	if v := os.Getenv("TOM_ALL_DATADIR"); v != "" {
		cfg.Global.AllDataDir = v
	}
	if v := os.Getenv("TOM_TLS_DIR"); v != "" {
		cfg.Global.TLSDir = v
	}
	// Per-provider API keys may also come from the env var named in
	// llms.<provider>.env_var, resolved lazily by the LLM adapter rather
	// than here, since the provider set isn't known until the file is parsed.
}

// ResolveAPIKey returns the provider's configured API key, preferring the
// literal `api` value and falling back to the named environment variable.
func (p LLMProviderConfig) ResolveAPIKey() string {
	if p.API != "" {
		return p.API
	}
	if p.EnvVar != "" {
		return os.Getenv(p.EnvVar)
	}
	return ""
}

// Validate enforces the fatal-at-startup rules from the exit-code contract:
// a configured default LLM provider must exist; problems with any other
// provider entry are not reported.
func (c *Config) Validate() error {
	var problems []string

	if c.Global.UserDataDir == "" {
		problems = append(problems, "global.user_datadir is required")
	}
	if c.Global.AllDataDir == "" {
		problems = append(problems, "global.all_datadir is required")
	}

	if c.Global.LLM != "" {
		if _, ok := c.Global.LLMs[c.Global.LLM]; !ok {
			problems = append(problems, fmt.Sprintf("configured default llm provider %q has no global.llms entry", c.Global.LLM))
		}
	} else if len(c.Global.LLMs) == 0 {
		problems = append(problems, "global.llm is not set and global.llms is empty")
	}

	for name, prov := range c.Global.LLMs {
		if prov.ResolveAPIKey() == "" {
			// Missing provider credentials are not fatal unless this is the
			// configured default.
			if name == c.Global.LLM {
				problems = append(problems, fmt.Sprintf("default llm provider %q has no resolvable api key", name))
			}
		}
		if len(prov.Models) != 3 && name == c.Global.LLM {
			problems = append(problems, fmt.Sprintf("default llm provider %q must declare exactly 3 models (complexity tiers 0/1/2), got %d", name, len(prov.Models)))
		}
	}

	seen := map[string]bool{}
	for _, u := range c.Users {
		if u.Username == "" {
			problems = append(problems, "a user entry is missing username")
			continue
		}
		if seen[u.Username] {
			problems = append(problems, fmt.Sprintf("duplicate username %q", u.Username))
		}
		seen[u.Username] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ModelFor returns the model name for the given provider at the given
// complexity tier (0, 1 or 2).
func (c *Config) ModelFor(provider string, complexity int) (string, error) {
	p, ok := c.Global.LLMs[provider]
	if !ok {
		return "", fmt.Errorf("unknown llm provider %q", provider)
	}
	if complexity < 0 || complexity > 2 || complexity >= len(p.Models) {
		return "", fmt.Errorf("complexity %d out of range for provider %q", complexity, provider)
	}
	return p.Models[complexity], nil
}

// UserByName looks up a configured user, case-sensitive on username.
func (c *Config) UserByName(username string) (UserConfig, bool) {
	for _, u := range c.Users {
		if u.Username == username {
			return u, true
		}
	}
	return UserConfig{}, false
}
