package domestia

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	drainTimeout    = 10 * time.Millisecond
	drainMaxPackets = 10
	freshFor        = 2 * time.Second
)

// Stats counts traffic through a Client.
type Stats struct {
	CommandsSent uint64    `json:"commands_sent"`
	SendErrors   uint64    `json:"send_errors"`
	Polls        uint64    `json:"polls"`
	PollReplies  uint64    `json:"poll_replies"`
	Pushes       uint64    `json:"pushes"`
	CacheHits    uint64    `json:"cache_hits"`
	LastFrameAt  time.Time `json:"last_frame_at"`
}

// Client serializes all socket use for one controller and caches the last
// state frame it saw. It is shared by every consumer addressing the same
// controller; obtain it from a Registry.
type Client struct {
	mu        sync.Mutex
	transport Transport
	cache     stateCache
	timeout   time.Duration
	logger    *slog.Logger
	closed    bool

	commandsSent atomic.Uint64
	sendErrors   atomic.Uint64
	polls        atomic.Uint64
	pollReplies  atomic.Uint64
	pushes       atomic.Uint64
	cacheHits    atomic.Uint64
	lastFrameAt  atomic.Int64
}

// NewClient opens a UDP socket to host:port.
func NewClient(host string, port int, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	t, err := NewUDPTransport(host, port, timeout, logger)
	if err != nil {
		return nil, err
	}
	return NewClientWithTransport(t, timeout, logger), nil
}

// NewClientWithTransport wraps an existing transport.
func NewClientWithTransport(t Transport, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: t,
		cache:     newStateCache(),
		timeout:   timeout,
		logger:    logger,
	}
}

// Send transmits a command payload. The error is informational: commands are
// fire-and-forget and nothing is retried.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.transport.Send(payload); err != nil {
		c.sendErrors.Add(1)
		c.logger.Error("udp command send failed", "payload", fmt.Sprintf("%X", payload), "err", err)
		return err
	}
	c.commandsSent.Add(1)
	return nil
}

// ReadStates returns the current state frame.
//
// Pending pushes are drained first. A frame younger than two seconds is
// returned without touching the network; otherwise the controller is polled.
// When the poll yields nothing the last cached frame is returned, even if
// stale. ErrNoData means no frame has ever been observed; ErrClosed means
// the client was closed.
func (c *Client) ReadStates() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	c.drainPushes()

	if c.cache.fresh(freshFor) {
		c.cacheHits.Add(1)
		return c.cached()
	}

	if err := c.transport.Send(ReadStatesCommand()); err != nil {
		c.sendErrors.Add(1)
		c.logger.Warn("state poll send failed, serving cache", "err", err)
		return c.cached()
	}
	c.polls.Add(1)

	data, err := c.transport.Receive(c.timeout)
	if err == nil && c.record(data) {
		c.pollReplies.Add(1)
		return c.cached()
	}

	// The reply may have raced an unsolicited push.
	c.drainPushes()
	frame, err := c.cached()
	if err == nil {
		c.logger.Debug("state poll unanswered, serving cached frame")
	}
	return frame, err
}

// Stats returns a snapshot of the traffic counters without taking the lock.
func (c *Client) Stats() Stats {
	s := Stats{
		CommandsSent: c.commandsSent.Load(),
		SendErrors:   c.sendErrors.Load(),
		Polls:        c.polls.Load(),
		PollReplies:  c.pollReplies.Load(),
		Pushes:       c.pushes.Load(),
		CacheHits:    c.cacheHits.Load(),
	}
	if ns := c.lastFrameAt.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}

// Close releases the socket. Send and ReadStates return ErrClosed afterwards.
// Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.Close()
}

// drainPushes consumes up to drainMaxPackets queued datagrams, stopping at the
// first empty read. Must be called with c.mu held.
func (c *Client) drainPushes() {
	for range drainMaxPackets {
		data, err := c.transport.Receive(drainTimeout)
		if err != nil || len(data) == 0 {
			return
		}
		if c.record(data) {
			c.pushes.Add(1)
		}
	}
}

// record caches data if it is a valid state frame. Must be called with c.mu held.
func (c *Client) record(data []byte) bool {
	if !c.cache.observe(data) {
		c.logger.Debug("non-state datagram ignored", "len", len(data))
		return false
	}
	_, at := c.cache.snapshot()
	c.lastFrameAt.Store(at.UnixNano())
	return true
}

func (c *Client) cached() (Frame, error) {
	frame, _ := c.cache.snapshot()
	if frame == nil {
		return nil, ErrNoData
	}
	return frame, nil
}
