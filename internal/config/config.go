// Package config loads the process configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	AWS    AWSConfig    `yaml:"aws"`
	Bridge BridgeConfig `yaml:"bridge"`
	Athena AthenaConfig `yaml:"athena"`
	Agent  AgentConfig  `yaml:"agent"`
	MCP    MCPConfig    `yaml:"mcp"`
	Stream StreamConfig `yaml:"stream"`
}

// AWSConfig holds region and static credentials. Credentials may be left
// empty to use the default provider chain; the signing primitive requires
// them explicitly. Env: AWS_REGION, AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	Bucket          string `yaml:"bucket"` // STORAGE_BUCKET_NAME
}

// BridgeConfig configures the signed proxy listener.
type BridgeConfig struct {
	Port    int           `yaml:"port"`    // BRIDGE_PORT, default 3010
	Service string        `yaml:"service"` // signing service name, default execute-api
	Timeout time.Duration `yaml:"timeout"` // outbound timeout, default 15s
}

// AthenaConfig configures the query execution engine.
type AthenaConfig struct {
	Workgroup      string `yaml:"workgroup"` // ATHENA_WORKGROUP_NAME
	Database       string `yaml:"database"`  // ATHENA_DATABASE_NAME
	OutputLocation string `yaml:"output_location"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // default 300
}

// AgentConfig configures the orchestrator and model provider.
type AgentConfig struct {
	Provider     string `yaml:"provider"` // "bedrock" or "anthropic"
	Model        string `yaml:"model"`    // AGENT_MODEL_ID
	AnthropicKey string `yaml:"anthropic_api_key"`
	MaxSteps     int    `yaml:"max_steps"`  // default 10
	MaxTokens    int    `yaml:"max_tokens"` // default 4096
	SystemPrompt string `yaml:"system_prompt"`
}

// MCPConfig points tool discovery at a remote MCP endpoint reached through
// the bridge. Env: MCP_REST_API_URL, MCP_REST_API_KEY.
type MCPConfig struct {
	TargetURL string `yaml:"target_url"`
	APIKey    string `yaml:"api_key"`
}

// StreamConfig configures the chunk publisher. Env: PUBLISH_ENDPOINT.
type StreamConfig struct {
	Endpoint string `yaml:"endpoint"`
	// SignRequests routes publish calls through the SigV4 signer.
	SignRequests bool `yaml:"sign_requests"`
}

// defaultSystemPrompt is used when no prompt is configured. Deployments
// normally override it with domain-specific guidance.
const defaultSystemPrompt = `You are an analytics assistant. Answer questions
by querying the data lake when needed. Prefer running SQL over guessing,
summarize query results for the user, and reference saved result files by
name. If a query fails, explain the failure and suggest a corrected query.`

// ConfigError reports a missing or invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads a YAML config file, expands ${VAR} references, applies
// environment overrides, and fills defaults. An empty path skips the file
// and builds the config from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.AWS.Region, "AWS_REGION")
	setStr(&c.AWS.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setStr(&c.AWS.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setStr(&c.AWS.SessionToken, "AWS_SESSION_TOKEN")
	setStr(&c.AWS.Bucket, "STORAGE_BUCKET_NAME")
	setStr(&c.Athena.Workgroup, "ATHENA_WORKGROUP_NAME")
	setStr(&c.Athena.Database, "ATHENA_DATABASE_NAME")
	setStr(&c.Agent.Model, "AGENT_MODEL_ID")
	setStr(&c.Agent.AnthropicKey, "ANTHROPIC_API_KEY")
	setStr(&c.MCP.TargetURL, "MCP_REST_API_URL")
	setStr(&c.MCP.APIKey, "MCP_REST_API_KEY")
	setStr(&c.Stream.Endpoint, "PUBLISH_ENDPOINT")
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bridge.Port = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 3010
	}
	if c.Bridge.Service == "" {
		c.Bridge.Service = "execute-api"
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = 15 * time.Second
	}
	if c.Athena.TimeoutSeconds == 0 {
		c.Athena.TimeoutSeconds = 300
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "bedrock"
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 10
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = defaultSystemPrompt
	}
}

// Validate checks the fields every deployment needs.
func (c *Config) Validate() error {
	if c.AWS.Region == "" {
		return &ConfigError{Field: "aws.region", Reason: "required"}
	}
	if c.Agent.Model == "" {
		return &ConfigError{Field: "agent.model", Reason: "required"}
	}
	if c.Agent.Provider == "anthropic" && c.Agent.AnthropicKey == "" {
		return &ConfigError{Field: "agent.anthropic_api_key", Reason: "required for anthropic provider"}
	}
	return nil
}
