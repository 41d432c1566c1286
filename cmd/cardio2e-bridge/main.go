package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"cardio2e-bridge/internal/cardio"
	"cardio2e-bridge/internal/panel"
	"cardio2e-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`

		RequestTimeout string `yaml:"request_timeout"`
		BackoffBase    string `yaml:"backoff_base"`
		BackoffMax     string `yaml:"backoff_max"`
	} `yaml:"serial"`
	Panel struct {
		Password         string `yaml:"password"`
		Lights           int    `yaml:"lights"`
		Switches         int    `yaml:"switches"`
		Covers           int    `yaml:"covers"`
		HVACZones        int    `yaml:"hvac_zones"`
		Zones            int    `yaml:"zones"`
		FetchLightNames  bool   `yaml:"fetch_light_names"`
		FetchSwitchNames bool   `yaml:"fetch_switch_names"`
		FetchCoverNames  bool   `yaml:"fetch_cover_names"`
		FetchZoneNames   bool   `yaml:"fetch_zone_names"`
		FetchHVACNames   bool   `yaml:"fetch_hvac_names"`

		SkipInitLightState  bool `yaml:"skip_init_light_state"`
		SkipInitSwitchState bool `yaml:"skip_init_switch_state"`
		SkipInitCoverState  bool `yaml:"skip_init_cover_state"`

		ForceIncludeLights []int `yaml:"force_include_lights"`
		DimmerLights       []int `yaml:"dimmer_lights"`
		ZonesNormalAsOff   []int `yaml:"zones_normal_as_off"`

		AlarmCode        string `yaml:"alarm_code"`
		DateSyncInterval string `yaml:"date_sync_interval"`
	} `yaml:"panel"`
	MQTT struct {
		Enabled           bool   `yaml:"enabled"`
		Broker            string `yaml:"broker"`
		Username          string `yaml:"username"`
		Password          string `yaml:"password"`
		TopicPrefix       string `yaml:"topic_prefix"`
		Discovery         bool   `yaml:"discovery"`
		DiscoveryPrefix   string `yaml:"discovery_prefix"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Panel.Password == "" {
		return fmt.Errorf("panel.password is required")
	}
	for _, n := range []struct {
		name  string
		value int
	}{
		{"panel.lights", c.Panel.Lights},
		{"panel.switches", c.Panel.Switches},
		{"panel.covers", c.Panel.Covers},
		{"panel.hvac_zones", c.Panel.HVACZones},
		{"panel.zones", c.Panel.Zones},
	} {
		if n.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", n.name, n.value)
		}
	}
	for _, id := range c.Panel.ZonesNormalAsOff {
		if id < 1 || id > c.Panel.Zones {
			return fmt.Errorf("panel.zones_normal_as_off: zone %d out of range 1-%d", id, c.Panel.Zones)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("cardio2e-bridge starting", "version", version)

	port := cardio.NewSerialPort(cfg.Serial.Port, cfg.Serial.Baud)
	session := cardio.NewSession(port, cardio.Config{
		Password:       cfg.Panel.Password,
		RequestTimeout: durationOr(logger, "serial.request_timeout", cfg.Serial.RequestTimeout, 0),
		BackoffBase:    durationOr(logger, "serial.backoff_base", cfg.Serial.BackoffBase, 0),
		BackoffMax:     durationOr(logger, "serial.backoff_max", cfg.Serial.BackoffMax, 0),
	}, logger)

	dateSync := durationOr(logger, "panel.date_sync_interval", cfg.Panel.DateSyncInterval, 6*time.Hour)

	events := panel.NewEventBus(logger)
	ctrl := panel.NewController(session, events, panel.Config{
		Lights:    cfg.Panel.Lights,
		Switches:  cfg.Panel.Switches,
		Covers:    cfg.Panel.Covers,
		HVACZones: cfg.Panel.HVACZones,
		Zones:     cfg.Panel.Zones,

		FetchLightNames:  cfg.Panel.FetchLightNames,
		FetchSwitchNames: cfg.Panel.FetchSwitchNames,
		FetchCoverNames:  cfg.Panel.FetchCoverNames,
		FetchZoneNames:   cfg.Panel.FetchZoneNames,
		FetchHVACNames:   cfg.Panel.FetchHVACNames,

		SkipInitLightState:  cfg.Panel.SkipInitLightState,
		SkipInitSwitchState: cfg.Panel.SkipInitSwitchState,
		SkipInitCoverState:  cfg.Panel.SkipInitCoverState,

		ForceIncludeLights: cfg.Panel.ForceIncludeLights,
		DimmerLights:       cfg.Panel.DimmerLights,
		ZonesNormalAsOff:   cfg.Panel.ZonesNormalAsOff,

		AlarmCode:        cfg.Panel.AlarmCode,
		DateSyncInterval: dateSync,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)

	// Automation engine (no-op when built with no_automation tag).
	auto := initAutomation(ctrl, cfg, logger)

	// Web server
	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(ctrl, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	if err := ctrl.Close(); err != nil {
		logger.Error("close panel session", "err", err)
	}

	logger.Info("goodbye")
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
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 9600
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "cardio2e"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// durationOr parses a duration string from config, falling back to def
// when the key is unset or malformed. A zero def means "let the consumer
// pick its own default".
func durationOr(logger *slog.Logger, key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
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
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
