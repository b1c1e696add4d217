//go:build !no_mqtt

package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"domestia-go-home/internal/coordinator"
	"domestia-go-home/internal/domestia"
	"domestia-go-home/internal/store"
)

// fakeBroker speaks just enough MQTT 3.1.1 for one client: CONNECT,
// PUBLISH (QoS 0/1), SUBSCRIBE, PINGREQ and DISCONNECT.
type fakeBroker struct {
	ln net.Listener

	mu         sync.Mutex
	conn       net.Conn
	published  []publishedMsg
	subscribed []string
	willTopic  string
	willMsg    string
}

type publishedMsg struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b := &fakeBroker{ln: ln}
	go b.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
		}
		b.mu.Unlock()
	})
	return b
}

func (b *fakeBroker) url() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *fakeBroker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func readPacket(r *bufio.Reader) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var length, shift int
	for {
		c, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		length |= int(c&0x7F) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header, body, nil
}

func encodePacket(header byte, body []byte) []byte {
	out := []byte{header}
	n := len(body)
	for {
		c := byte(n & 0x7F)
		n >>= 7
		if n > 0 {
			c |= 0x80
		}
		out = append(out, c)
		if n == 0 {
			break
		}
	}
	return append(out, body...)
}

func readString(body []byte) (string, []byte) {
	n := int(binary.BigEndian.Uint16(body))
	return string(body[2 : 2+n]), body[2+n:]
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func (b *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		header, body, err := readPacket(r)
		if err != nil {
			return
		}
		switch header >> 4 {
		case 1: // CONNECT
			b.recordWill(body)
			conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
		case 3: // PUBLISH
			qos := (header >> 1) & 0x03
			topic, rest := readString(body)
			if qos > 0 {
				id := rest[:2]
				rest = rest[2:]
				conn.Write([]byte{0x40, 0x02, id[0], id[1]})
			}
			b.mu.Lock()
			b.published = append(b.published, publishedMsg{
				topic:    topic,
				payload:  append([]byte(nil), rest...),
				retained: header&0x01 != 0,
			})
			b.mu.Unlock()
		case 8: // SUBSCRIBE
			id, rest := body[:2], body[2:]
			var granted []byte
			for len(rest) > 0 {
				var filter string
				filter, rest = readString(rest)
				granted = append(granted, rest[0])
				rest = rest[1:]
				b.mu.Lock()
				b.subscribed = append(b.subscribed, filter)
				b.mu.Unlock()
			}
			conn.Write(encodePacket(0x90, append(append([]byte(nil), id...), granted...)))
		case 12: // PINGREQ
			conn.Write([]byte{0xD0, 0x00})
		case 14: // DISCONNECT
			return
		}
	}
}

// recordWill extracts the last will from a CONNECT body.
func (b *fakeBroker) recordWill(body []byte) {
	_, rest := readString(body) // protocol name
	flags := rest[1]
	rest = rest[4:] // level, flags, keepalive
	_, rest = readString(rest)
	if flags&0x04 == 0 {
		return
	}
	topic, rest := readString(rest)
	msg, _ := readString(rest)
	b.mu.Lock()
	b.willTopic, b.willMsg = topic, msg
	b.mu.Unlock()
}

// send delivers a QoS 0 publish to the connected client.
func (b *fakeBroker) send(topic string, payload []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	_, err := conn.Write(encodePacket(0x30, append(appendString(nil, topic), payload...)))
	return err
}

func (b *fakeBroker) find(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBroker) hasSubscription(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.subscribed {
		if f == filter {
			return true
		}
	}
	return false
}

// controllerClient is a coordinator.Client serving a fixed frame.
type controllerClient struct {
	mu    sync.Mutex
	frame domestia.Frame
	sent  [][]byte
}

func (c *controllerClient) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *controllerClient) ReadStates() (domestia.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame, nil
}

func (c *controllerClient) Stats() domestia.Stats { return domestia.Stats{} }

func (c *controllerClient) sentPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCoordinator(t *testing.T) (*coordinator.Coordinator, *controllerClient) {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	frame := make(domestia.Frame, 3+domestia.MaxOutputs)
	frame[0], frame[1] = 0xFF, 0x00
	client := &controllerClient{frame: frame}
	discover := func(context.Context) (domestia.Catalog, error) {
		return domestia.Catalog{1: {ID: 1, Type: domestia.TypeRelay, Name: "Hall"}}, nil
	}
	policy, err := coordinator.NewPolicy(map[int]string{domestia.TypeRelay: "switch"}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	coord := coordinator.New(client, discover, db, policy, coordinator.NewEventBus(testLogger()),
		coordinator.Config{Host: "ctrl"}, testLogger())
	t.Cleanup(coord.Stop)
	if _, err := coord.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	return coord, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBridgeConnectPublishesAndRoutesCommands(t *testing.T) {
	broker := newFakeBroker(t)
	coord, client := newTestCoordinator(t)

	bridge, err := NewBridge(coord, Config{Broker: broker.url(), TopicPrefix: "domestia"}, testLogger())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	bridge.Start()

	waitFor(t, "command subscription", func() bool { return broker.hasSubscription("domestia/+/set") })
	waitFor(t, "availability", func() bool { return len(broker.find("domestia/bridge/state")) > 0 })
	if m := broker.find("domestia/bridge/state")[0]; string(m.payload) != "online" || !m.retained {
		t.Errorf("availability = %q retained=%v", m.payload, m.retained)
	}

	broker.mu.Lock()
	will, willMsg := broker.willTopic, broker.willMsg
	broker.mu.Unlock()
	if will != "domestia/bridge/state" || willMsg != "offline" {
		t.Errorf("will = %q %q", will, willMsg)
	}

	waitFor(t, "discovery", func() bool {
		return len(broker.find("homeassistant/switch/domestia_ctrl_1/switch/config")) > 0
	})
	waitFor(t, "retained state", func() bool { return len(broker.find("domestia/output_1")) > 0 })
	state := broker.find("domestia/output_1")[0]
	var payload map[string]any
	if err := json.Unmarshal(state.payload, &payload); err != nil {
		t.Fatal(err)
	}
	if !state.retained || payload["state"] != "OFF" {
		t.Errorf("state = %s retained=%v", state.payload, state.retained)
	}

	if err := broker.send("domestia/output_1/set", []byte("ON")); err != nil {
		t.Fatal(err)
	}
	want := domestia.BuildRelayPayload(1, true)
	waitFor(t, "relay payload", func() bool {
		for _, p := range client.sentPayloads() {
			if bytes.Equal(p, want) {
				return true
			}
		}
		return false
	})

	// The optimistic update is republished.
	waitFor(t, "updated state", func() bool {
		for _, m := range broker.find("domestia/output_1") {
			var p map[string]any
			if json.Unmarshal(m.payload, &p) == nil && p["state"] == "ON" {
				return true
			}
		}
		return false
	})

	bridge.Stop()
	waitFor(t, "offline", func() bool {
		msgs := broker.find("domestia/bridge/state")
		return string(msgs[len(msgs)-1].payload) == "offline"
	})
}

func TestNewBridgeRepeatedConnects(t *testing.T) {
	broker := newFakeBroker(t)
	coord, _ := newTestCoordinator(t)

	for i := 0; i < 20; i++ {
		bridge, err := NewBridge(coord, Config{Broker: broker.url(), TopicPrefix: "domestia"}, testLogger())
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		bridge.Stop()
	}
}
