package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatswarm/internal/config"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
	"github.com/nextlevelbuilder/chatswarm/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("chatswarm doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Agents:")
	for _, a := range cfg.Agents {
		ch := a.Channel
		if ch == "" {
			ch = "console"
		}
		fmt.Printf("    %-12s nickname=%q priority=%d channel=%s\n", a.ID, a.Nickname, a.Priority, ch)
	}
	fmt.Printf("    %-12s %s (window %.1fs, timeout %.1fs)\n", "Lock mode:", cfg.Coordination.Mode,
		cfg.Coordination.TimeWindow, cfg.Coordination.LockTimeout)

	fmt.Println()
	fmt.Println("  Rules:")
	if opts, err := cfg.ToEngineOptions(nil); err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "Status:", err)
	} else {
		e := rules.NewEngine(opts)
		counts := e.Counts()
		fmt.Printf("    %-12s %d\n", "Exact:", counts[rules.TierExact])
		fmt.Printf("    %-12s %d\n", "Pattern:", counts[rules.TierPattern])
		fmt.Printf("    %-12s %d\n", "Keyword:", counts[rules.TierKeyword])
		for _, w := range e.Warnings() {
			fmt.Printf("    %-12s %s\n", "Warning:", w)
		}
	}
	if wr, err := cfg.Warmup.ToRules(); err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "Warmup:", err)
	} else {
		fmt.Printf("    %-12s %d (enabled=%v)\n", "Warmup:", len(wr), cfg.Warmup.Enabled)
	}

	fmt.Println()
	fmt.Println("  Fallback:")
	switch {
	case !cfg.Fallback.Enabled:
		fmt.Printf("    %-12s disabled\n", "Status:")
	case cfg.Fallback.APIKey == "":
		fmt.Printf("    %-12s NO API KEY (set CHATSWARM_FALLBACK_API_KEY)\n", "Status:")
	default:
		fmt.Printf("    %-12s %s @ %s\n", "Status:", cfg.Fallback.Model, cfg.Fallback.APIBase)
	}

	if cfg.Store.Path != "" {
		fmt.Println()
		fmt.Println("  History store:")
		st, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		} else {
			defer st.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := st.Counts(ctx)
			if err != nil {
				fmt.Printf("    %-12s QUERY FAILED (%s)\n", "Status:", err)
			} else {
				fmt.Printf("    %-12s %d replies, %d sends (%d failed)\n", "Status:", c.Replies, c.Sends, c.FailedSends)
			}
		}
	}

	fmt.Println()
	fmt.Printf("  Gateway:  %s (enabled=%v, bridge=%v, token=%v)\n", cfg.Gateway.Addr(), cfg.Gateway.Enabled,
		cfg.NeedsBridge(), cfg.Gateway.Token != "")
}
