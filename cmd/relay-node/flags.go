package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into
// node.Config, so main.go can validate and map.
type cliConfig struct {
	listenAddr  string
	logLevel    string
	upstream    string
	tlsCertFile string
	tlsKeyFile  string
	insecureTLS bool
	showVersion bool

	cacheDurationMax string
	cacheGraceDelay  string
	purgeInterval    string

	metricsAddr string

	archiveServiceURL string
	archiveContainer  string

	// Hook configuration (all optional).
	hookScripts     []string // event_type=script_path pairs
	hookWebhooks    []string // event_type=webhook_url pairs
	hookStdioFormat string   // "json", "env", or "" (disabled)
	hookTimeout     string   // timeout duration (e.g. "30s")
	hookConcurrency int      // max concurrent hook executions
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("relay-node", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var hookScripts stringSliceFlag
	var hookWebhooks stringSliceFlag

	fs.StringVar(&cfg.listenAddr, "listen", ":4433", "QUIC listen address (e.g. :4433 or 0.0.0.0:4433)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.upstream, "upstream", "", "Upstream relay/origin address; empty runs this node as an origin")
	fs.StringVar(&cfg.tlsCertFile, "tls-cert", "", "TLS certificate file (required unless -insecure-tls)")
	fs.StringVar(&cfg.tlsKeyFile, "tls-key", "", "TLS private key file (required unless -insecure-tls)")
	fs.BoolVar(&cfg.insecureTLS, "insecure-tls", false, "Generate an ephemeral self-signed certificate instead of loading -tls-cert/-tls-key")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.StringVar(&cfg.cacheDurationMax, "cache-duration-max", "10s", "How long a fully received object is kept before the purge sweep may drop it")
	fs.StringVar(&cfg.cacheGraceDelay, "cache-grace-delay", "30s", "How long a closed, idle source is kept so a reconnecting peer can resume")
	fs.StringVar(&cfg.purgeInterval, "purge-interval", "1s", "How often the cache purge sweep runs")

	fs.StringVar(&cfg.metricsAddr, "metrics-listen", "", "Address to serve Prometheus /metrics on (empty disables it)")

	fs.StringVar(&cfg.archiveServiceURL, "archive-service-url", "", "Azure blob service URL to archive completed objects to (empty disables archiving)")
	fs.StringVar(&cfg.archiveContainer, "archive-container", "", "Azure blob container to archive completed objects into")

	fs.Var(&hookScripts, "hook-script", "Hook script in format event_type=script_path (can be specified multiple times)")
	fs.Var(&hookWebhooks, "hook-webhook", "Hook webhook in format event_type=webhook_url (can be specified multiple times)")
	fs.StringVar(&cfg.hookStdioFormat, "hook-stdio-format", "", "Enable structured stdio output: json|env (empty=disabled)")
	fs.StringVar(&cfg.hookTimeout, "hook-timeout", "30s", "Timeout for hook execution")
	fs.IntVar(&cfg.hookConcurrency, "hook-concurrency", 10, "Maximum concurrent hook executions")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.hookScripts = hookScripts
	cfg.hookWebhooks = hookWebhooks

	if cfg.showVersion {
		return cfg, nil
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	if !cfg.insecureTLS && (cfg.tlsCertFile == "" || cfg.tlsKeyFile == "") {
		return nil, errors.New("either -insecure-tls or both -tls-cert and -tls-key must be set")
	}

	if cfg.archiveServiceURL != "" && cfg.archiveContainer == "" {
		return nil, errors.New("-archive-container is required when -archive-service-url is set")
	}

	for _, dur := range []string{cfg.cacheDurationMax, cfg.cacheGraceDelay, cfg.purgeInterval} {
		if _, err := parseTimeDuration(dur); err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", dur, err)
		}
	}

	if err := validateHookConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// stringSliceFlag implements flag.Value for multiple string values.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// validateHookConfig validates hook configuration settings.
func validateHookConfig(cfg *cliConfig) error {
	if cfg.hookStdioFormat != "" && cfg.hookStdioFormat != "json" && cfg.hookStdioFormat != "env" {
		return fmt.Errorf("invalid hook-stdio-format %q, must be 'json' or 'env'", cfg.hookStdioFormat)
	}

	if cfg.hookTimeout != "" {
		if _, err := parseTimeDuration(cfg.hookTimeout); err != nil {
			return fmt.Errorf("invalid hook-timeout %q: %w", cfg.hookTimeout, err)
		}
	}

	if cfg.hookConcurrency < 1 || cfg.hookConcurrency > 100 {
		return fmt.Errorf("hook-concurrency must be between 1 and 100, got %d", cfg.hookConcurrency)
	}

	for _, script := range cfg.hookScripts {
		if err := validateHookAssignment("hook-script", script); err != nil {
			return err
		}
	}
	for _, webhook := range cfg.hookWebhooks {
		if err := validateHookAssignment("hook-webhook", webhook); err != nil {
			return err
		}
	}

	return nil
}

// parseTimeDuration checks that s parses as a time.ParseDuration string
// and returns it unchanged.
func parseTimeDuration(s string) (string, error) {
	if _, err := time.ParseDuration(s); err != nil {
		return "", err
	}
	return s, nil
}

// validateHookAssignment validates event_type=value format.
func validateHookAssignment(flagName, assignment string) error {
	parts := strings.SplitN(assignment, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid %s format %q, expected event_type=value", flagName, assignment)
	}

	eventType, value := parts[0], parts[1]
	if eventType == "" {
		return fmt.Errorf("invalid %s: event type cannot be empty", flagName)
	}
	if value == "" {
		return fmt.Errorf("invalid %s: value cannot be empty", flagName)
	}

	validEventTypes := map[string]bool{
		"connection_accept":  true,
		"connection_close":   true,
		"source_created":     true,
		"source_closed":      true,
		"source_purged":      true,
		"publish_start":      true,
		"publish_stop":       true,
		"subscribe_start":    true,
		"subscribe_stop":     true,
		"upstream_connected": true,
		"upstream_lost":      true,
	}

	if !validEventTypes[eventType] {
		return fmt.Errorf("invalid %s: unknown event type %q", flagName, eventType)
	}

	return nil
}

// loadTLSConfig builds the server tls.Config, either from a cert/key pair
// or an ephemeral self-signed certificate for local testing.
func loadTLSConfig(cfg *cliConfig) (*tls.Config, error) {
	if cfg.insecureTLS {
		cert, err := generateEphemeralCert()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.tlsCertFile, cfg.tlsKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
