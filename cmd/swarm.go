package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatswarm/internal/agent"
	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/internal/channels"
	"github.com/nextlevelbuilder/chatswarm/internal/channels/console"
	"github.com/nextlevelbuilder/chatswarm/internal/channels/wsbridge"
	"github.com/nextlevelbuilder/chatswarm/internal/config"
	"github.com/nextlevelbuilder/chatswarm/internal/gateway"
	"github.com/nextlevelbuilder/chatswarm/internal/stats"
	"github.com/nextlevelbuilder/chatswarm/internal/store"
	"github.com/nextlevelbuilder/chatswarm/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

func runSwarm(parent context.Context) error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgBus := bus.New()

	var sink store.HistoryStore
	if cfg.Store.Path != "" {
		st, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer st.Close()
		sink = st
		slog.Info("history store opened", "path", cfg.Store.Path)
	}
	collector := stats.New(sink)

	channelMgr := channels.NewManager()
	bridge := registerChannels(cfg, msgBus, channelMgr)

	pool, err := agent.NewPool(cfg, agent.PoolDeps{
		Router:   msgBus,
		Events:   msgBus,
		Sender:   channelMgr,
		Stats:    collector,
		Fallback: buildFallback(&cfg.Fallback),
		Persist: func(c *config.Config) error {
			return config.Save(cfgPath, c)
		},
	})
	if err != nil {
		return fmt.Errorf("build agent pool: %w", err)
	}

	var server *gateway.Server
	if cfg.Gateway.Enabled || bridge != nil {
		server = gateway.NewServer(cfg.Gateway, pool, channelMgr, msgBus)
		if bridge != nil {
			server.SetBridge(bridge)
		}
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	slog.Info("chatswarm starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agents", len(cfg.Agents),
		"mode", cfg.Coordination.Mode,
		"config", cfgPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			if err := pool.Reload(next); err != nil {
				slog.Warn("config reload rejected", "error", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watcher unavailable", "error", err)
		}
		return nil
	})
	if server != nil {
		g.Go(func() error { return server.Start(gctx) })
	}

	err = g.Wait()
	slog.Info("graceful shutdown initiated")
	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})
	if stopErr := channelMgr.StopAll(context.Background()); stopErr != nil {
		slog.Warn("channel shutdown", "error", stopErr)
	}
	return err
}

// registerChannels binds one channel per agent: agents marked "bridge" are
// served by the WebSocket bridge, the rest share the console. The returned
// bridge is nil when no agent uses it.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager) *wsbridge.Bridge {
	var consoleAgents, bridgeAgents []string
	for _, a := range cfg.Agents {
		if a.Channel == "bridge" {
			bridgeAgents = append(bridgeAgents, a.ID)
		} else {
			consoleAgents = append(consoleAgents, a.ID)
		}
	}

	if len(consoleAgents) > 0 {
		var outMu sync.Mutex
		mgr.RegisterSource(console.NewSource(os.Stdin, msgBus, consoleAgents))
		for _, a := range cfg.Agents {
			if a.Channel == "bridge" {
				continue
			}
			label := a.Nickname
			if label == "" {
				label = a.ID
			}
			mgr.RegisterChannel(console.NewChannel(a.ID, label, os.Stdout, &outMu, msgBus))
		}
	}

	if len(bridgeAgents) == 0 {
		return nil
	}
	bridge := wsbridge.New(msgBus, cfg.Gateway.Token, bridgeAgents)
	for _, id := range bridgeAgents {
		mgr.RegisterChannel(bridge.Channel(id))
	}
	slog.Info("bridge channels registered", "agents", bridgeAgents, "addr", cfg.Gateway.Addr())
	return bridge
}
