package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/relayctl/internal/session"
)

type fileConfig struct {
	Gateway           string `toml:"gateway"`
	APIKey            string `toml:"api_key"`
	Transport         string `toml:"transport"`
	Target            string `toml:"target"`
	Payload           string `toml:"payload"`
	Count             int    `toml:"count"`
	Delay             string `toml:"delay"`
	DelayMS           int64  `toml:"delay_ms"`
	PushPolicy        string `toml:"push_policy"`
	RequireTranscript bool   `toml:"require_transcript"`
	Timeout           string `toml:"timeout"`
}

type cliConfig struct {
	Gateway           string
	APIKey            string
	Transport         string
	Target            string
	Payload           string
	Count             int
	Delay             time.Duration
	PushPolicy        string
	RequireTranscript bool
	Timeout           time.Duration
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Gateway:    "http://127.0.0.1:8080",
		Transport:  "socket-streaming",
		Target:     "relay-1",
		Payload:    `{"op":"ping"}`,
		Count:      5,
		Delay:      time.Second,
		PushPolicy: string(session.PushPolicyAuto),
	}
}

// applyFileConfig folds a TOML config file into cfg. Only keys present in the
// file override; flag parsing happens afterwards and wins over both.
func applyFileConfig(path string, cfg *cliConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("gateway") {
		if v := strings.TrimSpace(raw.Gateway); v != "" {
			cfg.Gateway = v
		}
	}
	if meta.IsDefined("api_key") {
		cfg.APIKey = strings.TrimSpace(raw.APIKey)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("target") {
		cfg.Target = strings.TrimSpace(raw.Target)
	}
	if meta.IsDefined("payload") {
		cfg.Payload = raw.Payload
	}
	if meta.IsDefined("count") {
		cfg.Count = raw.Count
	}
	if meta.IsDefined("delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Delay))
		if err != nil {
			return fmt.Errorf("parse delay: %w", err)
		}
		cfg.Delay = d
	}
	if meta.IsDefined("delay_ms") {
		cfg.Delay = time.Duration(raw.DelayMS) * time.Millisecond
	}
	if meta.IsDefined("push_policy") {
		cfg.PushPolicy = strings.TrimSpace(raw.PushPolicy)
	}
	if meta.IsDefined("require_transcript") {
		cfg.RequireTranscript = raw.RequireTranscript
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	return nil
}
