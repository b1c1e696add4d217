//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "domestia-go-home/internal/mqtt"

	"domestia-go-home/internal/coordinator"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		logger.Debug("mqtt bridge disabled")
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(coord, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    "domestia-go-home-" + cfg.Controller.Host,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	logger.Info("mqtt bridge started", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	return &mqttStopper{bridge: bridge}
}
