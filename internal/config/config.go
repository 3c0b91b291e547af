package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int `koanf:"port"`
	} `koanf:"server"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	Policy struct {
		// Default per-agency fee threshold, overridable per case.
		AutoApproveFeeCents int64   `koanf:"auto_approve_fee_cents"`
		NegotiateMultiplier float64 `koanf:"negotiate_multiplier"`
		// Classifications that always require a human, regardless of mode.
		AlwaysHumanIntents []string `koanf:"always_human_intents"`
	} `koanf:"policy"`

	Runs struct {
		StalenessSeconds int `koanf:"staleness_seconds"`
		HeartbeatSeconds int `koanf:"heartbeat_seconds"`
		MonitorSeconds   int `koanf:"monitor_seconds"`
	} `koanf:"runs"`

	Capability struct {
		Provider      string  `koanf:"provider"`
		Model         string  `koanf:"model"`
		APIKey        string  `koanf:"api_key"`
		TimeoutSecs   int     `koanf:"timeout_seconds"`
		MaxRetries    int     `koanf:"max_retries"`
		RatePerMinute float64 `koanf:"rate_per_minute"`
	} `koanf:"capability"`

	Email struct {
		SMTPHost string `koanf:"smtp_host"`
		SMTPPort int    `koanf:"smtp_port"`
		Username string `koanf:"username"`
		Password string `koanf:"password"`
		From     string `koanf:"from"`
	} `koanf:"email"`

	Inbox struct {
		PollTimeoutSeconds  int    `koanf:"poll_timeout_seconds"`
		PollIntervalSeconds int    `koanf:"poll_interval_seconds"`
		CodePattern         string `koanf:"code_pattern"`
		FromFilter          string `koanf:"from_filter"`
	} `koanf:"inbox"`

	Executor struct {
		DispatchTimeoutSeconds int `koanf:"dispatch_timeout_seconds"`
	} `koanf:"executor"`

	ResumeTokenSecret string `koanf:"resume_token_secret"`
}

// RunStalenessWindow is how long a running run may go without a heartbeat
// before the monitor flags it stuck.
func (c *Config) RunStalenessWindow() time.Duration {
	return time.Duration(c.Runs.StalenessSeconds) * time.Second
}

// HeartbeatInterval between progress updates while a run is working.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Runs.HeartbeatSeconds) * time.Second
}

// MonitorInterval between stuck-run sweeps.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Runs.MonitorSeconds) * time.Second
}

// CapabilityTimeout is the per-call deadline for model requests.
func (c *Config) CapabilityTimeout() time.Duration {
	return time.Duration(c.Capability.TimeoutSecs) * time.Second
}

// InboxPollTimeout bounds the wait for a portal verification code.
func (c *Config) InboxPollTimeout() time.Duration {
	return time.Duration(c.Inbox.PollTimeoutSeconds) * time.Second
}

// InboxPollInterval between inbox checks while waiting for a code.
func (c *Config) InboxPollInterval() time.Duration {
	return time.Duration(c.Inbox.PollIntervalSeconds) * time.Second
}

// DispatchTimeout is the hard timeout on a single execute attempt.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Executor.DispatchTimeoutSeconds) * time.Second
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.port":                       8090,
		"policy.auto_approve_fee_cents":     5000,
		"policy.negotiate_multiplier":       3.0,
		"policy.always_human_intents":       []string{"denial", "scope_change", "sensitive"},
		"runs.staleness_seconds":            120,
		"runs.heartbeat_seconds":            15,
		"runs.monitor_seconds":              30,
		"capability.provider":               "googleai",
		"capability.model":                  "gemini-2.5-flash",
		"capability.timeout_seconds":        90,
		"capability.max_retries":            3,
		"capability.rate_per_minute":        30.0,
		"email.smtp_port":                   587,
		"inbox.poll_timeout_seconds":        120,
		"inbox.poll_interval_seconds":       5,
		"inbox.code_pattern":                `\b(\d{6})\b`,
		"executor.dispatch_timeout_seconds": 300,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Try default locations
		defaultPaths := []string{"./foiaflow.toml", "$HOME/.foiaflow.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix FOIAFLOW_
	k.Load(env.Provider("FOIAFLOW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "FOIAFLOW_")), "_", ".", -1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# FOIAFlow Configuration

[server]
port = 8090

[database]
url = "postgres://localhost:5432/foiaflow?sslmode=disable"

[policy]
auto_approve_fee_cents = 5000
negotiate_multiplier = 3.0
always_human_intents = ["denial", "scope_change", "sensitive"]

[runs]
staleness_seconds = 120
heartbeat_seconds = 15

[capability]
provider = "googleai"
model = "gemini-2.5-flash"
api_key = "your-api-key"

[email]
smtp_host = "smtp.example.com"
smtp_port = 587
from = "requests@example.com"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if config.Policy.NegotiateMultiplier < 1 {
		return fmt.Errorf("negotiate multiplier must be >= 1")
	}
	if config.Runs.StalenessSeconds <= 0 {
		return fmt.Errorf("run staleness window must be positive")
	}
	if config.ResumeTokenSecret == "" {
		return fmt.Errorf("resume token secret is required")
	}
	return nil
}
