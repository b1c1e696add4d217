package history

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"domestia-go-home/internal/coordinator"
)

// Measurement is the InfluxDB measurement output states are written to.
const Measurement = "domestia_output"

const connectTimeout = 10 * time.Second

// Config holds InfluxDB connection settings.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int // seconds
}

// pointWriter is the part of api.WriteAPI the sink needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes output updates to InfluxDB.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger

	mu     sync.Mutex
	unsub  func()
	closed bool
}

// Connect creates the client, pings the server and prepares a batched
// write API.
func Connect(cfg Config, logger *slog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := newSink(writeAPI, logger)
	s.client = client
	go func() {
		for err := range writeAPI.Errors() {
			s.logger.Warn("history write failed", "err", err)
		}
	}()
	s.logger.Info("history connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

func newSink(w pointWriter, logger *slog.Logger) *Sink {
	return &Sink{writer: w, logger: logger.With("component", "history")}
}

// Attach subscribes the sink to output updates on events.
func (s *Sink) Attach(events *coordinator.EventBus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
	}
	s.unsub = events.On(coordinator.EventOutputUpdate, s.handleEvent)
}

// handleEvent writes under s.mu so Close cannot flush and close the client
// while a write is in flight.
func (s *Sink) handleEvent(event coordinator.Event) {
	point, ok := OutputPoint(event)
	if !ok {
		s.logger.Debug("skipping malformed output event")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.writer.WritePoint(point)
}

// Close unsubscribes, flushes pending points and closes the client.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
}

// OutputPoint converts an output_update event into a point. The event time
// becomes the point timestamp.
func OutputPoint(event coordinator.Event) (*write.Point, bool) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return nil, false
	}
	id, ok := data["id"].(int)
	if !ok {
		return nil, false
	}
	state, ok := data["state"].(map[string]interface{})
	if !ok {
		return nil, false
	}

	tags := map[string]string{"output_id": strconv.Itoa(id)}
	if kind, ok := data["kind"].(string); ok {
		tags["kind"] = kind
	}
	if name, ok := data["name"].(string); ok && name != "" {
		tags["name"] = name
	}

	fields := make(map[string]interface{}, len(state))
	for _, key := range []string{"raw", "on", "brightness", "position", "moving"} {
		if v, ok := state[key]; ok {
			fields[key] = v
		}
	}
	if len(fields) == 0 {
		return nil, false
	}

	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(Measurement, tags, fields, ts), true
}
