package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/chatswarm/internal/command"
	"github.com/nextlevelbuilder/chatswarm/internal/coord"
	"github.com/nextlevelbuilder/chatswarm/internal/dispatch"
	"github.com/nextlevelbuilder/chatswarm/internal/providers"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

// DefaultPath is used when neither --config nor CHATSWARM_CONFIG is set.
const DefaultPath = "config.json"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: []AgentConfig{{ID: "agent-1"}},
		Coordination: CoordinationConfig{
			Mode:           string(coord.ModeRoundRobin),
			TimeWindow:     coord.DefaultTimeWindow.Seconds(),
			LockTimeout:    coord.DefaultLockTimeout.Seconds(),
			MaxLockHistory: coord.DefaultMaxLockHistory,
			EchoTTL:        coord.DefaultEchoTTL.Seconds(),
			EchoMaxRecords: coord.DefaultMaxEchoRecords,
			EchoMinMatch:   coord.DefaultEchoMinMatch,
		},
		Rules: RulesConfig{
			AutoReply:      true,
			ExactEnabled:   true,
			PatternEnabled: true,
			KeywordEnabled: true,
		},
		Fallback: FallbackConfig{
			APIBase:    providers.DefaultAPIBase,
			Model:      providers.DefaultModel,
			MaxHistory: providers.DefaultMaxHistory,
			Timeout:    providers.DefaultTimeout.Seconds(),
			Filter:     rules.DefaultFilterConfig(),
		},
		Dispatch: DispatchConfig{
			Interval:       dispatch.DefaultInterval.Seconds(),
			Jitter:         dispatch.DefaultJitter.Seconds(),
			RequireSendBox: true,
			TickMillis:     1000,
		},
		Commands: CommandsConfig{
			ConfirmTimeout: command.DefaultConfirmTimeout.Seconds(),
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18800,
		},
	}
}

// ResolvePath picks the config path: flag, then CHATSWARM_CONFIG, then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("CHATSWARM_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CHATSWARM_FALLBACK_API_KEY", &c.Fallback.APIKey)
	envStr("CHATSWARM_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CHATSWARM_HOST", &c.Gateway.Host)
	if v := os.Getenv("CHATSWARM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("CHATSWARM_LOCK_MODE", &c.Coordination.Mode)
	envStr("CHATSWARM_STORE_PATH", &c.Store.Path)

	// Command senders from env (comma-separated)
	if v := os.Getenv("CHATSWARM_COMMAND_SENDERS"); v != "" {
		var senders []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				senders = append(senders, s)
			}
		}
		c.Commands.Senders = senders
	}

	if c.Fallback.APIKey != "" && os.Getenv("CHATSWARM_FALLBACK_DISABLED") == "" {
		c.Fallback.Enabled = true
	}
}

// Validate checks structural problems that would stop the swarm from
// starting. Invalid pattern rules are not errors; the engine skips them.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("config: agent %d has no id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Channel {
		case "", "console", "bridge":
		default:
			return fmt.Errorf("config: agent %q: unknown channel %q", a.ID, a.Channel)
		}
	}
	if _, err := c.Coordination.ToLockConfig(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.ToEngineOptions(nil); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Warmup.ToRules(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Dispatch.Interval < 0 || c.Dispatch.Jitter < 0 {
		return fmt.Errorf("config: dispatch interval and jitter must be non-negative")
	}
	return nil
}

// NeedsBridge reports whether any agent uses the WebSocket bridge channel.
func (c *Config) NeedsBridge() bool {
	for _, a := range c.Agents {
		if a.Channel == "bridge" {
			return true
		}
	}
	return false
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Nicknames returns every configured agent nickname (and ID), used to drop
// lines the swarm itself posted.
func (c *Config) Nicknames() []string {
	var out []string
	for _, a := range c.Agents {
		out = append(out, a.ID)
		if a.Nickname != "" {
			out = append(out, a.Nickname)
		}
	}
	return out
}
