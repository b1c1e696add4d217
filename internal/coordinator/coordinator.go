package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"domestia-go-home/internal/domestia"
	"domestia-go-home/internal/store"
)

var (
	// ErrUpdateFailed is returned by Refresh when no frame has ever been read.
	ErrUpdateFailed = errors.New("no data received from controller")
	// ErrUnknownOutput is returned for ids outside the catalog.
	ErrUnknownOutput = errors.New("unknown output")
	// ErrUnsupported is returned when a command does not apply to an output's kind.
	ErrUnsupported = errors.New("command not supported by output")
)

// Config holds coordinator configuration.
type Config struct {
	Host         string
	Port         int
	ScanInterval time.Duration
	Hold         time.Duration

	RefreshDelay      time.Duration
	CoverRefreshDelay time.Duration
	PressDuration     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.Hold <= 0 {
		c.Hold = 6 * time.Second
	}
	if c.RefreshDelay <= 0 {
		c.RefreshDelay = 350 * time.Millisecond
	}
	if c.CoverRefreshDelay <= 0 {
		c.CoverRefreshDelay = 500 * time.Millisecond
	}
	if c.PressDuration <= 0 {
		c.PressDuration = 200 * time.Millisecond
	}
	return c
}

// Client is the controller link the coordinator drives.
type Client interface {
	Send(payload []byte) error
	ReadStates() (domestia.Frame, error)
	Stats() domestia.Stats
}

// DiscoverFunc runs one discovery pass against the controller.
type DiscoverFunc func(ctx context.Context) (domestia.Catalog, error)

// Entity is an output together with its current state.
type Entity struct {
	*store.Output
	Virtual bool                   `json:"virtual,omitempty"`
	State   map[string]interface{} `json:"state,omitempty"`
}

// Coordinator keeps the output catalog and the latest controller frame,
// derives per-output state, and translates commands into protocol payloads.
type Coordinator struct {
	client   Client
	discover DiscoverFunc
	store    store.Store
	policy   *Policy
	events   *EventBus
	logger   *slog.Logger
	config   Config
	holds    *holdTable
	now      func() time.Time

	mu          sync.RWMutex
	outputs     map[int]*store.Output
	virtual     map[int]bool
	lastFrame   domestia.Frame
	lastRefresh time.Time
	published   map[int]State
	available   bool

	refreshReq chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Coordinator. The stored catalog is loaded immediately so the
// outputs are known even before the first discovery.
func New(client Client, discover DiscoverFunc, st store.Store, policy *Policy, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		client:     client,
		discover:   discover,
		store:      st,
		policy:     policy,
		events:     events,
		logger:     logger,
		config:     cfg.withDefaults(),
		now:        time.Now,
		outputs:    make(map[int]*store.Output),
		virtual:    make(map[int]bool),
		published:  make(map[int]State),
		refreshReq: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.holds = newHoldTable(c.config.Hold, func() time.Time { return c.now() })
	c.loadCatalog()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start runs discovery, performs the first refresh and starts the poll loop.
// A failed discovery falls back to the stored catalog.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("starting Domestia hardware discovery", "host", c.config.Host, "port", c.config.Port)
	if _, err := c.Discover(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.mu.RLock()
		n := len(c.outputs) - len(c.virtual)
		c.mu.RUnlock()
		c.logger.Warn("discovery failed, using stored catalog", "err", err, "outputs", n)
	}

	if err := c.Refresh(); err != nil {
		c.logger.Warn("first refresh failed", "err", err)
	}

	c.wg.Add(1)
	go c.pollLoop()
	return nil
}

// Stop cancels the coordinator context and waits for the poll loop.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Discover runs a discovery pass, persists the catalog and reloads it.
func (c *Coordinator) Discover(ctx context.Context) (domestia.Catalog, error) {
	if c.discover == nil {
		return nil, domestia.ErrDiscoveryFailed
	}
	catalog, err := c.discover(ctx)
	if err != nil {
		return catalog, err
	}

	now := c.now()
	outs := make([]*store.Output, 0, len(catalog))
	for _, id := range catalog.IDs() {
		rec := catalog[id]
		kind, ok := c.policy.KindOf(rec.Type)
		if !ok {
			continue
		}
		outs = append(outs, &store.Output{
			ID:           rec.ID,
			Type:         rec.Type,
			Kind:         string(kind),
			Name:         rec.Name,
			DiscoveredAt: now,
		})
	}

	if err := c.store.ReplaceCatalog(outs); err != nil {
		return catalog, fmt.Errorf("persist catalog: %w", err)
	}
	if err := c.store.SaveControllerState(&store.ControllerState{
		Host:          c.config.Host,
		Port:          c.config.Port,
		LastDiscovery: now,
		Outputs:       len(outs),
	}); err != nil {
		c.logger.Error("save controller state", "err", err)
	}

	c.loadCatalog()
	c.logger.Info("Domestia outputs discovered", "count", len(outs))
	c.events.Emit(Event{Type: EventCatalog, Data: map[string]interface{}{
		"outputs": len(outs),
		"source":  "discovery",
	}})
	return catalog, nil
}

// loadCatalog rebuilds the in-memory catalog from the store plus the
// virtual button range. Stored outputs win over virtual ids.
func (c *Coordinator) loadCatalog() {
	stored, err := c.store.ListOutputs()
	if err != nil {
		c.logger.Error("load catalog", "err", err)
	}

	outputs := make(map[int]*store.Output, len(stored))
	for _, out := range stored {
		outputs[out.ID] = out
	}
	virtual := make(map[int]bool)
	for _, id := range c.policy.VirtualButtons() {
		if _, ok := outputs[id]; ok {
			continue
		}
		outputs[id] = &store.Output{
			ID:   id,
			Type: -1,
			Kind: string(KindButton),
			Name: domestia.DefaultOutputName(id),
		}
		virtual[id] = true
	}

	c.mu.Lock()
	c.outputs = outputs
	c.virtual = virtual
	for id := range c.published {
		if _, ok := outputs[id]; !ok {
			delete(c.published, id)
			c.holds.forget(id)
		}
	}
	c.mu.Unlock()
}

// Refresh reads the state frame and publishes every output whose state
// changed. Without a fresh frame the previous one is reused; if there has
// never been one, ErrUpdateFailed is returned and the controller is marked
// unavailable.
func (c *Coordinator) Refresh() error {
	frame, err := c.client.ReadStates()
	// A stale cached frame keeps the time it was received.
	receivedAt := c.client.Stats().LastFrameAt
	if receivedAt.IsZero() {
		receivedAt = c.now()
	}

	var events []Event
	c.mu.Lock()
	if err == nil {
		c.lastFrame = frame
		c.lastRefresh = receivedAt
	} else if c.lastFrame != nil {
		frame = c.lastFrame
	} else {
		if c.available {
			events = append(events, availabilityEvent(false))
		}
		c.available = false
		c.mu.Unlock()
		c.emitAll(events)
		return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	if !c.available {
		c.available = true
		events = append(events, availabilityEvent(true))
	}

	for _, id := range c.sortedIDsLocked() {
		out := c.outputs[id]
		kind := Kind(out.Kind)
		if kind == KindButton {
			continue
		}
		state := c.effectiveStateLocked(out, frame)
		prev, seen := c.published[id]
		if seen && prev == state {
			continue
		}
		c.published[id] = state
		changed := changedProperties(kind, prev, state)
		if !seen {
			changed = nil
		}
		events = append(events, outputEvent(out, state, changed))
	}
	c.mu.Unlock()

	c.emitAll(events)
	return nil
}

func (c *Coordinator) effectiveStateLocked(out *store.Output, frame domestia.Frame) State {
	if held, ok := c.holds.get(out.ID); ok {
		return held
	}
	return DeriveState(Kind(out.Kind), frame.Value(out.ID))
}

func (c *Coordinator) sortedIDsLocked() []int {
	ids := make([]int, 0, len(c.outputs))
	for id := range c.outputs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) emitAll(events []Event) {
	for _, e := range events {
		c.events.Emit(e)
	}
}

func availabilityEvent(online bool) Event {
	state := "offline"
	if online {
		state = "online"
	}
	return Event{Type: EventAvailability, Data: map[string]interface{}{"state": state}}
}

func outputEvent(out *store.Output, s State, changed []string) Event {
	data := map[string]interface{}{
		"id":    out.ID,
		"kind":  out.Kind,
		"name":  out.DisplayName(),
		"state": s.Properties(Kind(out.Kind)),
	}
	if changed != nil {
		data["changed"] = changed
	}
	return Event{Type: EventOutputUpdate, Data: data}
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.refreshReq:
		}
		if err := c.Refresh(); err != nil {
			c.logger.Warn("refresh failed", "err", err)
		}
	}
}

// requestRefresh asks the poll loop for an early refresh after delay.
func (c *Coordinator) requestRefresh(delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case c.refreshReq <- struct{}{}:
		default:
		}
	})
}

// Outputs returns every known output with its current state, ordered by id.
func (c *Coordinator) Outputs() []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.sortedIDsLocked()
	list := make([]Entity, 0, len(ids))
	for _, id := range ids {
		list = append(list, c.entityLocked(id))
	}
	return list
}

// Output returns one output with its current state.
func (c *Coordinator) Output(id int) (Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.outputs[id]; !ok {
		return Entity{}, fmt.Errorf("output %d: %w", id, ErrUnknownOutput)
	}
	return c.entityLocked(id), nil
}

func (c *Coordinator) entityLocked(id int) Entity {
	out := *c.outputs[id]
	e := Entity{Output: &out, Virtual: c.virtual[id]}
	if Kind(out.Kind) != KindButton && c.lastFrame != nil {
		e.State = c.effectiveStateLocked(&out, c.lastFrame).Properties(Kind(out.Kind))
	}
	return e
}

// State returns the current state of output id as the coordinator sees it:
// the optimistic value during a hold window, otherwise the last frame.
func (c *Coordinator) State(id int) (State, Kind, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[id]
	if !ok {
		return State{}, "", fmt.Errorf("output %d: %w", id, ErrUnknownOutput)
	}
	return c.effectiveStateLocked(out, c.lastFrame), Kind(out.Kind), nil
}

// Rename sets the friendly name of a discovered output.
func (c *Coordinator) Rename(id int, name string) error {
	c.mu.RLock()
	_, known := c.outputs[id]
	virtual := c.virtual[id]
	c.mu.RUnlock()
	if !known {
		return fmt.Errorf("output %d: %w", id, ErrUnknownOutput)
	}
	if virtual {
		return fmt.Errorf("output %d is virtual: %w", id, ErrUnsupported)
	}
	err := c.store.UpdateOutput(id, func(out *store.Output) error {
		out.FriendlyName = name
		return nil
	})
	if err != nil {
		return err
	}
	c.loadCatalog()
	c.events.Emit(Event{Type: EventCatalog, Data: map[string]interface{}{
		"id":     id,
		"name":   name,
		"source": "rename",
	}})
	return nil
}

// LastFrame returns a copy of the last state frame and when the controller
// sent it.
func (c *Coordinator) LastFrame() (domestia.Frame, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFrame == nil {
		return nil, time.Time{}
	}
	return slices.Clone(c.lastFrame), c.lastRefresh
}

// Available reports whether the last refresh produced data.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// ControllerInfo summarizes the controller link.
func (c *Coordinator) ControllerInfo() map[string]interface{} {
	c.mu.RLock()
	discovered := len(c.outputs) - len(c.virtual)
	virtual := len(c.virtual)
	available := c.available
	lastRefresh := c.lastRefresh
	c.mu.RUnlock()

	info := map[string]interface{}{
		"host":            c.config.Host,
		"port":            c.config.Port,
		"scan_interval":   c.config.ScanInterval.String(),
		"available":       available,
		"outputs":         discovered,
		"virtual_buttons": virtual,
		"stats":           c.client.Stats(),
	}
	if !lastRefresh.IsZero() {
		info["last_refresh"] = lastRefresh
	}
	if st, err := c.store.GetControllerState(); err == nil {
		info["last_discovery"] = st.LastDiscovery
	}
	return info
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Policy returns the type policy.
func (c *Coordinator) Policy() *Policy {
	return c.policy
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Host returns the controller host, used to build stable entity ids.
func (c *Coordinator) Host() string {
	return c.config.Host
}
