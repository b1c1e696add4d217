//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"domestia-go-home/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/domestia_192_168_1_50_6/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	PayloadPress        string   `json:"payload_press,omitempty"`
	PayloadOpen         string   `json:"payload_open,omitempty"`
	PayloadClose        string   `json:"payload_close,omitempty"`
	PayloadStop         string   `json:"payload_stop,omitempty"`
	PositionTopic       string   `json:"position_topic,omitempty"`
	PositionTemplate    string   `json:"position_template,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// hostToken turns a controller host into a topic-safe token.
func hostToken(host string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return '_'
	}, host)
}

// outputIdentifier returns the unique identifier of one output entity.
func outputIdentifier(host string, id int) string {
	return fmt.Sprintf("domestia_%s_%d", hostToken(host), id)
}

// controllerIdentifier returns the HA device id of the controller itself.
func controllerIdentifier(host string) string {
	return "domestia_" + hostToken(host)
}

func outputTopic(prefix string, id int) string {
	return prefix + "/output_" + strconv.Itoa(id)
}

// commandTopicID extracts the output id from "<prefix>/output_<id>/set".
func commandTopicID(prefix, topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/output_")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// componentFor maps an output kind to its HA component and object id.
func componentFor(kind coordinator.Kind) (string, bool) {
	switch kind {
	case coordinator.KindSwitch, coordinator.KindLight, coordinator.KindCover, coordinator.KindButton:
		return string(kind), true
	}
	return "", false
}

// buildDiscovery generates the HA discovery message for one output.
func buildDiscovery(e coordinator.Entity, host, prefix string) (discoveryMsg, bool) {
	kind := coordinator.Kind(e.Kind)
	comp, ok := componentFor(kind)
	if !ok {
		return discoveryMsg{}, false
	}

	nodeID := outputIdentifier(host, e.ID)
	stateTopic := outputTopic(prefix, e.ID)
	payload := haDiscovery{
		Name:              "Domestia " + e.DisplayName(),
		UniqueID:          nodeID,
		CommandTopic:      stateTopic + "/set",
		AvailabilityTopic: prefix + "/bridge/state",
		Device: haDevice{
			Identifiers:  []string{controllerIdentifier(host)},
			Manufacturer: "Domestia",
			Model:        "Domestia controller",
			Name:         "Domestia " + host,
		},
	}

	switch kind {
	case coordinator.KindSwitch:
		payload.StateTopic = stateTopic
		payload.ValueTemplate = "{{ value_json.state }}"
		payload.PayloadOn = "ON"
		payload.PayloadOff = "OFF"
	case coordinator.KindLight:
		payload.StateTopic = stateTopic
		payload.Schema = "json"
		payload.Brightness = true
		payload.BrightnessScale = 255
		payload.SupportedColorModes = []string{"brightness"}
	case coordinator.KindCover:
		payload.StateTopic = stateTopic
		payload.ValueTemplate = "{{ value_json.state }}"
		payload.PositionTopic = stateTopic
		payload.PositionTemplate = "{{ value_json.position }}"
		payload.PayloadOpen = "OPEN"
		payload.PayloadClose = "CLOSE"
		payload.PayloadStop = "STOP"
	case coordinator.KindButton:
		payload.PayloadPress = "PRESS"
	}

	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, nodeID, comp)
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}, true
}

// buildRemoveDiscovery generates empty retained messages that remove an
// output from HA under every component it could have been published as,
// except keep.
func buildRemoveDiscovery(host string, id int, keep string) []discoveryMsg {
	nodeID := outputIdentifier(host, id)
	var msgs []discoveryMsg
	for _, comp := range []string{"switch", "light", "cover", "button"} {
		if comp == keep {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, nodeID, comp),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// coverPercent scales a controller position (0..127) to 0..100.
func coverPercent(position int) int {
	position = max(0, min(127, position))
	return (position*100 + 63) / 127
}

// statePayload renders the retained state message of one output.
func statePayload(kind coordinator.Kind, s coordinator.State) map[string]any {
	state := map[string]any{"raw": s.Raw}
	switch kind {
	case coordinator.KindSwitch:
		state["state"] = onOff(s.On)
	case coordinator.KindLight:
		state["state"] = onOff(s.On)
		state["brightness"] = s.Brightness
	case coordinator.KindCover:
		switch {
		case s.Moving:
			state["state"] = "opening"
		case s.Position == 0:
			state["state"] = "closed"
		default:
			state["state"] = "open"
		}
		state["position"] = coverPercent(s.Position)
		state["moving"] = s.Moving
	default:
		return nil
	}
	return state
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
