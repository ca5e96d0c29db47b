package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaycore/quicrelay/internal/archive"
	"github.com/relaycore/quicrelay/internal/hooks"
	"github.com/relaycore/quicrelay/internal/logger"
	"github.com/relaycore/quicrelay/internal/metrics"
	"github.com/relaycore/quicrelay/internal/node"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage for parse errors; every error,
		// including parseFlags's own validation errors, is reported here.
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "relay-node:", err)
		}
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	tlsConf, err := loadTLSConfig(cfg)
	if err != nil {
		log.Error("failed to load tls config", "error", err)
		os.Exit(1)
	}

	cacheDurationMax, _ := time.ParseDuration(cfg.cacheDurationMax)
	cacheGraceDelay, _ := time.ParseDuration(cfg.cacheGraceDelay)
	purgeInterval, _ := time.ParseDuration(cfg.purgeInterval)

	var metricsCfg *metrics.Config
	if cfg.metricsAddr != "" {
		metricsCfg = &metrics.Config{ListenAddr: cfg.metricsAddr}
	}

	var archiveCfg *archive.Config
	if cfg.archiveServiceURL != "" {
		archiveCfg = &archive.Config{ServiceURL: cfg.archiveServiceURL, Container: cfg.archiveContainer}
	}

	n, err := node.New(node.Config{
		ListenAddr:       cfg.listenAddr,
		TLSConfig:        tlsConf,
		Upstream:         cfg.upstream,
		CacheDurationMax: cacheDurationMax,
		CacheGraceDelay:  cacheGraceDelay,
		PurgeInterval:    purgeInterval,
		Hooks:            buildHookConfig(cfg),
		Metrics:          metricsCfg,
		Archive:          archiveCfg,
		Logger:           log,
	})
	if err != nil {
		log.Error("failed to build node", "error", err)
		os.Exit(1)
	}

	if err := registerHooks(n, cfg, log); err != nil {
		log.Error("failed to register hooks", "error", err)
		os.Exit(1)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(context.Background()) }()

	log.Info("relay-node started", "addr", cfg.listenAddr, "relay", cfg.upstream != "", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			log.Error("node stopped unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := n.Close(); err != nil {
			log.Error("node close error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("node stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// buildHookConfig maps cli flags to the hook manager's own config shape.
func buildHookConfig(cfg *cliConfig) hooks.HookConfig {
	hc := hooks.DefaultHookConfig()
	hc.Timeout = cfg.hookTimeout
	hc.Concurrency = cfg.hookConcurrency
	hc.StdioFormat = cfg.hookStdioFormat
	return hc
}

// registerHooks wires -hook-script and -hook-webhook assignments into the
// node's hook manager, already validated by parseFlags.
func registerHooks(n *node.Node, cfg *cliConfig, log *slog.Logger) error {
	manager := n.Hooks()
	hookTimeout := 30 * time.Second
	if d, err := time.ParseDuration(cfg.hookTimeout); err == nil {
		hookTimeout = d
	}

	for i, script := range cfg.hookScripts {
		parts := strings.SplitN(script, "=", 2)
		eventType, scriptPath := hooks.EventType(parts[0]), parts[1]
		hook := hooks.NewShellHook(fmt.Sprintf("shell_%d", i), scriptPath, hookTimeout)
		if err := manager.RegisterHook(eventType, hook); err != nil {
			return fmt.Errorf("register shell hook %s: %w", script, err)
		}
		log.Info("registered shell hook", "event_type", eventType, "script_path", scriptPath)
	}

	for i, webhook := range cfg.hookWebhooks {
		parts := strings.SplitN(webhook, "=", 2)
		eventType, webhookURL := hooks.EventType(parts[0]), parts[1]
		hook := hooks.NewWebhookHook(fmt.Sprintf("webhook_%d", i), webhookURL, hookTimeout)
		if err := manager.RegisterHook(eventType, hook); err != nil {
			return fmt.Errorf("register webhook hook %s: %w", webhook, err)
		}
		log.Info("registered webhook hook", "event_type", eventType, "webhook_url", webhookURL)
	}

	return nil
}
