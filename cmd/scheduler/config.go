package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maxd13/user-scheduler/pkg/exec"
	"github.com/maxd13/user-scheduler/pkg/table"
)

const (
	envSocketPath      = "SCHEDULER_SOCKET"
	envLockPath        = "SCHEDULER_LOCK"
	envHTTPBind        = "SCHEDULER_STATUS_ADDR"
	envQuantum         = "SCHEDULER_QUANTUM_MS"
	envBreakerFailures = "SCHEDULER_BREAKER_FAILURES"
	envBreakerCooldown = "SCHEDULER_BREAKER_COOLDOWN"
)

type runtimeConfig struct {
	Socket  socketConfig
	HTTP    httpConfig
	Engine  engineConfig
	Breaker breakerConfig
}

type socketConfig struct {
	Path     string
	LockPath string
}

type httpConfig struct {
	Bind string
}

type engineConfig struct {
	QuantumMS uint16
}

type breakerConfig struct {
	MaxFailures uint32
	Cooldown    time.Duration
}

type fileConfig struct {
	Socket  socketFileConfig  `yaml:"socket"`
	HTTP    httpFileConfig    `yaml:"http"`
	Engine  engineFileConfig  `yaml:"engine"`
	Breaker breakerFileConfig `yaml:"breaker"`
}

type socketFileConfig struct {
	Path     *string `yaml:"path"`
	LockPath *string `yaml:"lockPath"`
}

type httpFileConfig struct {
	Bind *string `yaml:"bind"`
}

type engineFileConfig struct {
	QuantumMS *uint16 `yaml:"quantumMs"`
}

type breakerFileConfig struct {
	MaxFailures *uint32        `yaml:"maxFailures"`
	Cooldown    *time.Duration `yaml:"cooldown"`
}

func defaultRuntimeConfig() runtimeConfig {
	var cfg runtimeConfig

	cfg.Socket.Path = "/run/user-scheduler/scheduler.sock"
	cfg.Socket.LockPath = "/run/user-scheduler/scheduler.lock"
	cfg.HTTP.Bind = ":9109"
	cfg.Engine.QuantumMS = table.DefaultQuantum

	breaker := exec.DefaultBreakerConfig()
	cfg.Breaker.MaxFailures = breaker.MaxFailures
	cfg.Breaker.Cooldown = breaker.Cooldown

	return cfg
}

func loadConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		applyEnvOverrides(&cfg)

		return cfg, nil
	}

	data, err := os.ReadFile(trimmed)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return runtimeConfig{}, fmt.Errorf("read config file %q: %w", trimmed, err)
		}
	} else {
		var fileCfg fileConfig

		err := yaml.Unmarshal(data, &fileCfg)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("decode config file %q: %w", trimmed, err)
		}

		mergeSocketConfig(&cfg.Socket, fileCfg.Socket)
		mergeHTTPConfig(&cfg.HTTP, fileCfg.HTTP)
		mergeEngineConfig(&cfg.Engine, fileCfg.Engine)
		mergeBreakerConfig(&cfg.Breaker, fileCfg.Breaker)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func mergeSocketConfig(dst *socketConfig, src socketFileConfig) {
	assignString(&dst.Path, src.Path)
	assignString(&dst.LockPath, src.LockPath)
}

func mergeHTTPConfig(dst *httpConfig, src httpFileConfig) {
	assignString(&dst.Bind, src.Bind)
}

func mergeEngineConfig(dst *engineConfig, src engineFileConfig) {
	if src.QuantumMS != nil {
		dst.QuantumMS = *src.QuantumMS
	}
}

func mergeBreakerConfig(dst *breakerConfig, src breakerFileConfig) {
	if src.MaxFailures != nil {
		dst.MaxFailures = *src.MaxFailures
	}

	assignDuration(&dst.Cooldown, src.Cooldown)
}

func applyEnvOverrides(cfg *runtimeConfig) {
	cfg.Socket.Path = envString(envSocketPath, cfg.Socket.Path)
	cfg.Socket.LockPath = envString(envLockPath, cfg.Socket.LockPath)
	cfg.HTTP.Bind = envString(envHTTPBind, cfg.HTTP.Bind)

	if value, ok := envUint(envQuantum, 16); ok {
		cfg.Engine.QuantumMS = uint16(value)
	}

	if value, ok := envUint(envBreakerFailures, 32); ok {
		cfg.Breaker.MaxFailures = uint32(value)
	}

	cfg.Breaker.Cooldown = envDuration(envBreakerCooldown, cfg.Breaker.Cooldown)
}

func assignString(dst *string, src *string) {
	if src != nil && strings.TrimSpace(*src) != "" {
		*dst = strings.TrimSpace(*src)
	}
}

func assignDuration(dst *time.Duration, src *time.Duration) {
	if src != nil && *src > 0 {
		*dst = *src
	}
}

func envString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	return value
}

func envUint(key string, bits int) (uint64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}

	value, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return 0, false
	}

	return value, true
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}

	return value
}
