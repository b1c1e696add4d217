//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"domestia-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge connects the Domestia coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	host   string
	prefix string
	logger *slog.Logger
	unsub  func()

	// Output ids with a live discovery entry.
	mu        sync.Mutex
	announced map[int]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:     coord,
		host:      coord.Host(),
		prefix:    cfg.TopicPrefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[int]string),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "domestia-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishAvailability(b.coord.Available())
			b.syncDiscovery()
			b.subscribeCommands()
			b.publishAllStates()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The on-connect handler runs on a paho goroutine that may start before
	// Connect returns, so b.client must be set first.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishAvailability(false)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventOutputUpdate:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		if id, ok := data["id"].(int); ok {
			b.publishState(id)
		}
	case coordinator.EventCatalog:
		b.syncDiscovery()
	case coordinator.EventAvailability:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		state, _ := data["state"].(string)
		b.publishAvailability(state == "online")
	}
}

func (b *Bridge) publishAvailability(online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// syncDiscovery publishes discovery for every output and removes entries
// for outputs that left the catalog or changed kind.
func (b *Bridge) syncDiscovery() {
	entities := b.coord.Outputs()
	current := make(map[int]string, len(entities))

	for _, e := range entities {
		msg, ok := buildDiscovery(e, b.host, b.prefix)
		if !ok {
			continue
		}
		current[e.ID] = e.Kind
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.mu.Lock()
	var stale []int
	for id, kind := range b.announced {
		if k, ok := current[id]; !ok || k != kind {
			stale = append(stale, id)
		}
	}
	b.announced = current
	b.mu.Unlock()

	for _, id := range stale {
		for _, msg := range buildRemoveDiscovery(b.host, id, current[id]) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.logger.Info("published HA discovery", "outputs", len(current), "removed", len(stale))
}

func (b *Bridge) publishAllStates() {
	for _, e := range b.coord.Outputs() {
		if e.Kind != string(coordinator.KindButton) {
			b.publishState(e.ID)
		}
	}
}

func (b *Bridge) publishState(id int) {
	s, kind, err := b.coord.State(id)
	if err != nil {
		return
	}
	payload := statePayload(kind, s)
	if payload == nil {
		return
	}
	b.publish(outputTopic(b.prefix, id), mustJSON(payload), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		id, ok := commandTopicID(b.prefix, msg.Topic())
		if !ok {
			return
		}
		// Press blocks for the pulse; keep the paho router free.
		go b.handleCommand(id, msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) handleCommand(id int, payload []byte) {
	e, err := b.coord.Output(id)
	if err != nil {
		b.logger.Warn("command for unknown output", "output", id)
		return
	}
	cmd, err := parseCommand(coordinator.Kind(e.Kind), payload)
	if err != nil {
		b.logger.Warn("invalid command", "output", id, "payload", string(payload), "err", err)
		return
	}
	if err := b.coord.Execute(id, cmd); err != nil {
		b.logger.Warn("command rejected", "output", id, "action", cmd.Action, "err", err)
	}
}

var errEmptyCommand = errors.New("empty command")

// parseCommand accepts the plain payloads HA sends for switches, covers and
// buttons as well as the JSON schema used by lights.
func parseCommand(kind coordinator.Kind, payload []byte) (coordinator.Command, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return coordinator.Command{}, errEmptyCommand
	}

	if strings.HasPrefix(text, "{") {
		var msg map[string]interface{}
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return coordinator.Command{}, fmt.Errorf("parse command json: %w", err)
		}
		return jsonCommand(kind, msg)
	}

	switch strings.ToUpper(text) {
	case "ON":
		return coordinator.Command{Action: coordinator.ActionOn}, nil
	case "OFF":
		return coordinator.Command{Action: coordinator.ActionOff}, nil
	case "TOGGLE":
		return coordinator.Command{Action: coordinator.ActionToggle}, nil
	case "OPEN":
		return coordinator.Command{Action: coordinator.ActionOpen}, nil
	case "CLOSE":
		return coordinator.Command{Action: coordinator.ActionClose}, nil
	case "STOP":
		return coordinator.Command{Action: coordinator.ActionStop}, nil
	case "PRESS":
		return coordinator.Command{Action: coordinator.ActionPress}, nil
	}
	if n, err := strconv.Atoi(text); err == nil && kind == coordinator.KindLight {
		return coordinator.Command{Action: coordinator.ActionBrightness, Brightness: &n}, nil
	}
	return coordinator.Command{}, fmt.Errorf("unknown command %q", text)
}

func jsonCommand(kind coordinator.Kind, msg map[string]interface{}) (coordinator.Command, error) {
	if pos, ok := toFloat64(msg["position"]); ok {
		if pos <= 0 {
			return coordinator.Command{Action: coordinator.ActionClose}, nil
		}
		return coordinator.Command{Action: coordinator.ActionOpen}, nil
	}

	var cmd coordinator.Command
	if brightness, ok := toFloat64(msg["brightness"]); ok {
		n := int(brightness)
		cmd.Brightness = &n
		cmd.Action = coordinator.ActionBrightness
	}
	if state, ok := msg["state"].(string); ok {
		switch strings.ToUpper(state) {
		case "ON":
			cmd.Action = coordinator.ActionOn
		case "OFF":
			return coordinator.Command{Action: coordinator.ActionOff}, nil
		case "TOGGLE":
			return coordinator.Command{Action: coordinator.ActionToggle}, nil
		default:
			return coordinator.Command{}, fmt.Errorf("unknown state %q", state)
		}
	}
	if cmd.Action == "" {
		return coordinator.Command{}, errEmptyCommand
	}
	return cmd, nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
