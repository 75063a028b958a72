package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// runtimeConfig holds daemon settings that sit outside the node topology.
type runtimeConfig struct {
	NodeConfig   string
	AdminAddr    string
	LogLevel     string
	TracePath    string
	Services     *bool
	QueryTimeout time.Duration
}

type fileConfig struct {
	NodeConfig     string `toml:"node_config"`
	AdminAddr      string `toml:"admin_addr"`
	LogLevel       string `toml:"log_level"`
	TracePath      string `toml:"trace_path"`
	Services       bool   `toml:"services"`
	QueryTimeout   string `toml:"query_timeout"`
	QueryTimeoutMS int64  `toml:"query_timeout_ms"`
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		NodeConfig:   "cmd/cspd/node.toml",
		QueryTimeout: time.Second,
	}
}

func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load cspd config: %w", err)
	}

	if meta.IsDefined("node_config") {
		if v := strings.TrimSpace(raw.NodeConfig); v != "" {
			cfg.NodeConfig = v
		}
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("trace_path") {
		cfg.TracePath = strings.TrimSpace(raw.TracePath)
	}

	if meta.IsDefined("services") {
		enabled := raw.Services
		cfg.Services = &enabled
	}

	if meta.IsDefined("query_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.QueryTimeout))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("parse query_timeout: %w", err)
		}
		cfg.QueryTimeout = d
	}

	if meta.IsDefined("query_timeout_ms") {
		cfg.QueryTimeout = time.Duration(raw.QueryTimeoutMS) * time.Millisecond
	}

	return cfg, nil
}
