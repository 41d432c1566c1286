//go:build no_automation

package main

import (
	"log/slog"

	"cardio2e-bridge/internal/panel"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *panel.Controller, _ *Config, logger *slog.Logger) *autoStopper {
	logger.Info("automation support disabled at build time")
	return &autoStopper{}
}
