package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the merged command configuration. Flags override the
// config file; the file fills whatever flags leave unset.
type config struct {
	Relay       string `yaml:"relay"`
	Target      string `yaml:"target"`
	ClientID    string `yaml:"clientId"`
	Token       string `yaml:"token"`
	TokenFile   string `yaml:"tokenFile"`
	Metrics     string `yaml:"metrics"`
	LogLevel    string `yaml:"logLevel"`
	TLSInsecure bool   `yaml:"tlsInsecure"`
}

func loadConfig(args []string) (*config, error) {
	fs := flag.NewFlagSet("warp-expose", flag.ContinueOnError)
	var (
		relay       = fs.String("relay", "", "relay URL (ws:// or wss://)")
		target      = fs.String("target", "", "local service to forward to")
		clientID    = fs.String("client-id", "", "stable client identity")
		token       = fs.String("token", "", "static auth token")
		tokenFile   = fs.String("token-file", "", "file re-read for a fresh token on every handshake")
		configPath  = fs.String("config", "", "YAML configuration file path")
		metricsAddr = fs.String("metrics", "", "address to serve Prometheus metrics on")
		logLevel    = fs.String("log-level", "", "log level: debug, info, warn, error")
		tlsInsecure = fs.Bool("tls-insecure", false, "skip TLS certificate verification (testing only)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &config{Target: "127.0.0.1:8080", LogLevel: "info"}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Flags win over the file.
	if *relay != "" {
		cfg.Relay = *relay
	}
	if *target != "" {
		cfg.Target = *target
	}
	if *clientID != "" {
		cfg.ClientID = *clientID
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *tokenFile != "" {
		cfg.TokenFile = *tokenFile
	}
	if *metricsAddr != "" {
		cfg.Metrics = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *tlsInsecure {
		cfg.TLSInsecure = true
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
