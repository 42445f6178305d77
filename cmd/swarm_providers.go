package cmd

import (
	"log/slog"

	"github.com/nextlevelbuilder/chatswarm/internal/config"
	"github.com/nextlevelbuilder/chatswarm/internal/providers"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

// buildFallback wires the generative fallback when it is enabled and a key
// is available. A nil result leaves the fallback tier inert.
func buildFallback(cfg *config.FallbackConfig) rules.FallbackResponder {
	if !cfg.Enabled {
		return nil
	}
	if cfg.APIKey == "" {
		slog.Warn("fallback enabled but CHATSWARM_FALLBACK_API_KEY is not set; fallback disabled")
		return nil
	}
	rc := cfg.ToResponderConfig()
	p := providers.NewOpenAIProvider("fallback", cfg.APIKey, cfg.APIBase, cfg.Model).
		WithTimeout(rc.Timeout)
	slog.Info("registered provider", "name", p.Name(), "api_base", p.APIBase(), "model", p.DefaultModel())
	return providers.NewResponder(p, rc)
}
