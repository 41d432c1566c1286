package mqtt

import (
	"encoding/json"
	"fmt"

	"cardio2e-bridge/internal/panel"
)

// discoveryMessage is one retained Home Assistant discovery publish.
type discoveryMessage struct {
	Topic   string
	Payload []byte
}

// availability block shared by every discovery payload.
func availability(prefix string) map[string]any {
	return map[string]any{
		"availability_topic":    prefix + "/status",
		"payload_available":     "online",
		"payload_not_available": "offline",
	}
}

func displayName(e panel.Entity, fallback string) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%s %d", fallback, e.ID)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func lightDiscovery(e panel.Entity, dimmer bool, prefix, discPrefix string) discoveryMessage {
	cfg := availability(prefix)
	cfg["name"] = displayName(e, "Light")
	cfg["unique_id"] = fmt.Sprintf("cardio2e_light_%d", e.ID)
	cfg["state_topic"] = fmt.Sprintf("%s/light/state/%d", prefix, e.ID)
	cfg["command_topic"] = fmt.Sprintf("%s/light/set/%d", prefix, e.ID)
	cfg["payload_on"] = "ON"
	cfg["payload_off"] = "OFF"
	if dimmer {
		cfg["brightness_state_topic"] = fmt.Sprintf("%s/light/brightness/%d", prefix, e.ID)
		cfg["brightness_command_topic"] = fmt.Sprintf("%s/light/set/%d", prefix, e.ID)
		cfg["brightness_scale"] = 100
		cfg["on_command_type"] = "brightness"
	}
	return discoveryMessage{
		Topic:   fmt.Sprintf("%s/light/cardio2e_light_%d/config", discPrefix, e.ID),
		Payload: mustJSON(cfg),
	}
}

func switchDiscovery(e panel.Entity, prefix, discPrefix string) discoveryMessage {
	cfg := availability(prefix)
	cfg["name"] = displayName(e, "Switch")
	cfg["unique_id"] = fmt.Sprintf("cardio2e_switch_%d", e.ID)
	cfg["state_topic"] = fmt.Sprintf("%s/switch/state/%d", prefix, e.ID)
	cfg["command_topic"] = fmt.Sprintf("%s/switch/set/%d", prefix, e.ID)
	cfg["payload_on"] = "ON"
	cfg["payload_off"] = "OFF"
	return discoveryMessage{
		Topic:   fmt.Sprintf("%s/switch/cardio2e_switch_%d/config", discPrefix, e.ID),
		Payload: mustJSON(cfg),
	}
}

func coverDiscovery(e panel.Entity, prefix, discPrefix string) discoveryMessage {
	cfg := availability(prefix)
	cfg["name"] = displayName(e, "Cover")
	cfg["unique_id"] = fmt.Sprintf("cardio2e_cover_%d", e.ID)
	cfg["position_topic"] = fmt.Sprintf("%s/cover/state/%d", prefix, e.ID)
	cfg["set_position_topic"] = fmt.Sprintf("%s/cover/set/%d", prefix, e.ID)
	cfg["command_topic"] = fmt.Sprintf("%s/cover/command/%d", prefix, e.ID)
	cfg["payload_open"] = "OPEN"
	cfg["payload_close"] = "CLOSE"
	cfg["payload_stop"] = "STOP"
	cfg["position_open"] = 100
	cfg["position_closed"] = 0
	return discoveryMessage{
		Topic:   fmt.Sprintf("%s/cover/cardio2e_cover_%d/config", discPrefix, e.ID),
		Payload: mustJSON(cfg),
	}
}

func hvacDiscovery(e panel.Entity, prefix, discPrefix string) discoveryMessage {
	state := fmt.Sprintf("%s/hvac/%d/state", prefix, e.ID)
	command := fmt.Sprintf("%s/hvac/%d/set", prefix, e.ID)
	cfg := availability(prefix)
	cfg["name"] = displayName(e, "HVAC")
	cfg["unique_id"] = fmt.Sprintf("cardio2e_hvac_%d", e.ID)
	cfg["current_temperature_topic"] = state + "/current_temperature"
	cfg["temperature_state_topic"] = state + "/cooling_setpoint"
	cfg["temperature_command_topic"] = command + "/cooling_setpoint"
	cfg["mode_state_topic"] = state + "/mode"
	cfg["mode_command_topic"] = command + "/mode"
	cfg["modes"] = []string{"auto", "heat", "cool", "off"}
	cfg["fan_mode_state_topic"] = state + "/fan"
	cfg["fan_mode_command_topic"] = command + "/fan"
	cfg["fan_modes"] = []string{"on", "off"}
	return discoveryMessage{
		Topic:   fmt.Sprintf("%s/climate/cardio2e_hvac_%d/config", discPrefix, e.ID),
		Payload: mustJSON(cfg),
	}
}

func alarmDiscovery(e panel.Entity, prefix, discPrefix string) discoveryMessage {
	cfg := availability(prefix)
	cfg["name"] = displayName(e, "Alarm")
	cfg["unique_id"] = fmt.Sprintf("cardio2e_alarm_%d", e.ID)
	cfg["state_topic"] = fmt.Sprintf("%s/alarm/state/%d", prefix, e.ID)
	cfg["command_topic"] = fmt.Sprintf("%s/alarm/set/%d", prefix, e.ID)
	cfg["payload_arm_away"] = "ARMED_AWAY"
	cfg["payload_disarm"] = "DISARMED"
	cfg["code_arm_required"] = false
	cfg["code_disarm_required"] = false
	return discoveryMessage{
		Topic:   fmt.Sprintf("%s/alarm_control_panel/cardio2e_alarm_%d/config", discPrefix, e.ID),
		Payload: mustJSON(cfg),
	}
}

func zoneDiscovery(e panel.Entity, prefix, discPrefix string) []discoveryMessage {
	sensor := availability(prefix)
	sensor["name"] = displayName(e, "Zone")
	sensor["unique_id"] = fmt.Sprintf("cardio2e_zone_%d", e.ID)
	sensor["state_topic"] = fmt.Sprintf("%s/zone/state/%d", prefix, e.ID)
	sensor["payload_on"] = "ON"
	sensor["payload_off"] = "OFF"

	bypass := availability(prefix)
	bypass["name"] = displayName(e, "Zone") + " Bypass"
	bypass["unique_id"] = fmt.Sprintf("cardio2e_zone_bypass_%d", e.ID)
	bypass["state_topic"] = fmt.Sprintf("%s/zone/bypass/state/%d", prefix, e.ID)
	bypass["command_topic"] = fmt.Sprintf("%s/zone/bypass/set/%d", prefix, e.ID)
	bypass["payload_on"] = "ON"
	bypass["payload_off"] = "OFF"
	bypass["entity_category"] = "config"

	return []discoveryMessage{
		{
			Topic:   fmt.Sprintf("%s/binary_sensor/cardio2e_zone_%d/config", discPrefix, e.ID),
			Payload: mustJSON(sensor),
		},
		{
			Topic:   fmt.Sprintf("%s/switch/cardio2e_zone_bypass_%d/config", discPrefix, e.ID),
			Payload: mustJSON(bypass),
		},
	}
}

func diagnosticsDiscovery(prefix, discPrefix string) discoveryMessage {
	cfg := availability(prefix)
	cfg["name"] = "Cardio2e Diagnostics"
	cfg["unique_id"] = "cardio2e_diagnostics"
	cfg["state_topic"] = prefix + "/diagnostics/state"
	cfg["value_template"] = "{{ value_json.session_state }}"
	cfg["json_attributes_topic"] = prefix + "/diagnostics/state"
	cfg["entity_category"] = "diagnostic"
	return discoveryMessage{
		Topic:   fmt.Sprintf("%s/sensor/cardio2e_diagnostics/config", discPrefix),
		Payload: mustJSON(cfg),
	}
}
