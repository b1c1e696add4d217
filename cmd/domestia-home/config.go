package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"domestia-go-home/internal/coordinator"
	"domestia-go-home/internal/domestia"
)

type buttonRange struct {
	First int `yaml:"first"`
	Last  int `yaml:"last"`
}

type Config struct {
	Controller struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		Timeout      time.Duration `yaml:"timeout"`
		ScanInterval time.Duration `yaml:"scan_interval"`
		Hold         time.Duration `yaml:"hold"`
	} `yaml:"controller"`
	// Types maps hardware type codes to switch, light or cover.
	Types          map[int]string `yaml:"types"`
	VirtualButtons *buttonRange   `yaml:"virtual_buttons"`
	Store          struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		MDNS           bool     `yaml:"mdns"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	History struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval int    `yaml:"flush_interval"`
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Controller.Host == "" {
		return fmt.Errorf("controller.host is required")
	}
	if c.Controller.Port < 1 || c.Controller.Port > 65535 {
		return fmt.Errorf("controller.port must be 1-65535, got %d", c.Controller.Port)
	}
	for name, d := range map[string]time.Duration{
		"timeout":       c.Controller.Timeout,
		"scan_interval": c.Controller.ScanInterval,
		"hold":          c.Controller.Hold,
	} {
		if d <= 0 {
			return fmt.Errorf("controller.%s must be positive, got %s", name, d)
		}
	}
	if _, err := c.policy(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Bucket == "") {
		return fmt.Errorf("history.url and history.bucket are required when history is enabled")
	}
	return nil
}

// policy builds the output policy from the types and virtual_buttons keys.
func (c *Config) policy() (*coordinator.Policy, error) {
	p, err := coordinator.NewPolicy(c.Types, c.VirtualButtons.First, c.VirtualButtons.Last)
	if err != nil {
		return nil, fmt.Errorf("invalid output policy: %w", err)
	}
	return p, nil
}

func defaultTypes() map[int]string {
	return map[int]string{
		domestia.TypeRelay:    string(coordinator.KindSwitch),
		domestia.TypeShutter1: string(coordinator.KindCover),
		domestia.TypeShutter2: string(coordinator.KindCover),
		domestia.TypeDimmer:   string(coordinator.KindLight),
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Controller.Port == 0 {
		cfg.Controller.Port = 52000
	}
	if cfg.Controller.Timeout == 0 {
		cfg.Controller.Timeout = domestia.DefaultTimeout
	}
	if cfg.Controller.ScanInterval == 0 {
		cfg.Controller.ScanInterval = 5 * time.Second
	}
	if cfg.Controller.Hold == 0 {
		cfg.Controller.Hold = 6 * time.Second
	}
	if len(cfg.Types) == 0 {
		cfg.Types = defaultTypes()
	}
	if cfg.VirtualButtons == nil {
		cfg.VirtualButtons = &buttonRange{First: 57, Last: 104}
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "domestia-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "domestia"
	}
	if cfg.History.BatchSize == 0 {
		cfg.History.BatchSize = 100
	}
	if cfg.History.FlushInterval == 0 {
		cfg.History.FlushInterval = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
