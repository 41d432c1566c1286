//go:build no_mqtt

package main

import (
	"log/slog"

	"cardio2e-bridge/internal/panel"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *panel.Controller, _ *Config, logger *slog.Logger) *mqttStopper {
	logger.Info("mqtt support disabled at build time")
	return &mqttStopper{}
}
