//go:build !no_mqtt

package main

import (
	"log/slog"
	"time"

	mqttbridge "cardio2e-bridge/internal/mqtt"
	"cardio2e-bridge/internal/panel"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(ctrl *panel.Controller, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}

	var heartbeat time.Duration
	if cfg.MQTT.HeartbeatInterval != "" {
		if d, err := time.ParseDuration(cfg.MQTT.HeartbeatInterval); err == nil {
			heartbeat = d
		} else {
			logger.Warn("invalid mqtt.heartbeat_interval, using default", "value", cfg.MQTT.HeartbeatInterval)
		}
	}

	bridge, err := mqttbridge.NewBridge(ctrl, mqttbridge.Config{
		Broker:            cfg.MQTT.Broker,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		TopicPrefix:       cfg.MQTT.TopicPrefix,
		Discovery:         cfg.MQTT.Discovery,
		DiscoveryPrefix:   cfg.MQTT.DiscoveryPrefix,
		HeartbeatInterval: heartbeat,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
