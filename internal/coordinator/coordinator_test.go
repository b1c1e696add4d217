package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"domestia-go-home/internal/domestia"
	"domestia-go-home/internal/store"
)

// fakeClient serves a settable frame and records sent payloads.
type fakeClient struct {
	mu    sync.Mutex
	frame domestia.Frame
	err   error
	sent  [][]byte
	reads int

	// frameAt is reported as Stats.LastFrameAt when set.
	frameAt time.Time
}

func (f *fakeClient) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeClient) ReadStates() (domestia.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	if f.frame == nil {
		return nil, domestia.ErrNoData
	}
	return f.frame, nil
}

func (f *fakeClient) Stats() domestia.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domestia.Stats{LastFrameAt: f.frameAt}
}

func (f *fakeClient) setValues(values map[int]byte) {
	frame := make(domestia.Frame, 3+domestia.MaxOutputs)
	frame[0] = 0xFF
	for id, v := range values {
		frame[2+id] = v
	}
	f.mu.Lock()
	f.frame = frame
	f.mu.Unlock()
}

func (f *fakeClient) sentPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

func staticDiscovery(records ...domestia.Record) DiscoverFunc {
	return func(context.Context) (domestia.Catalog, error) {
		c := make(domestia.Catalog)
		for _, r := range records {
			c[r.ID] = r
		}
		return c, nil
	}
}

type testEnv struct {
	coord  *Coordinator
	client *fakeClient
	store  *store.BoltStore
	events *eventLog
	now    time.Time
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func newTestEnv(t *testing.T, discover DiscoverFunc) *testEnv {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		client: &fakeClient{},
		store:  st,
		events: &eventLog{},
		now:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	bus := NewEventBus(newTestLogger())
	bus.OnAll(env.events.record)

	cfg := Config{
		Host:              "192.0.2.10",
		Port:              52000,
		ScanInterval:      time.Hour,
		RefreshDelay:      time.Millisecond,
		CoverRefreshDelay: time.Millisecond,
		PressDuration:     time.Millisecond,
	}
	env.coord = New(env.client, discover, st, DefaultPolicy(), bus, cfg, newTestLogger())
	env.coord.now = func() time.Time { return env.now }
	t.Cleanup(env.coord.Stop)
	return env
}

var testCatalog = []domestia.Record{
	{ID: 1, Type: domestia.TypeRelay, Name: "Garage"},
	{ID: 2, Type: domestia.TypeShutter1, Name: "Kitchen blind"},
	{ID: 6, Type: domestia.TypeDimmer, Name: "Living"},
	{ID: 7, Type: 3, Name: "Unknown"},
}

func TestStartPersistsCatalog(t *testing.T) {
	env := newTestEnv(t, staticDiscovery(testCatalog...))
	env.client.setValues(map[int]byte{1: 1, 6: 32})

	if err := env.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	stored, err := env.store.ListOutputs()
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored outputs = %d, want 3 (type 3 ignored)", len(stored))
	}
	if stored[2].ID != 6 || stored[2].Kind != string(KindLight) {
		t.Errorf("stored[2] = %+v", stored[2])
	}

	cs, err := env.store.GetControllerState()
	if err != nil {
		t.Fatal(err)
	}
	if cs.Host != "192.0.2.10" || cs.Outputs != 3 {
		t.Errorf("controller state = %+v", cs)
	}

	// 3 discovered + 48 virtual buttons
	if n := len(env.coord.Outputs()); n != 51 {
		t.Errorf("outputs = %d, want 51", n)
	}
	if len(env.events.ofType(EventCatalog)) != 1 {
		t.Error("catalog event not emitted")
	}
	if !env.coord.Available() {
		t.Error("coordinator should be available after a frame")
	}
}

func TestStartFallsBackToStoredCatalog(t *testing.T) {
	failing := func(context.Context) (domestia.Catalog, error) {
		return domestia.Catalog{}, domestia.ErrDiscoveryFailed
	}
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.SaveOutput(&store.Output{ID: 12, Type: 0, Kind: "switch", Name: "Porch"}); err != nil {
		t.Fatal(err)
	}

	bus := NewEventBus(newTestLogger())
	c := New(&fakeClient{}, failing, st, DefaultPolicy(), bus, Config{ScanInterval: time.Hour}, newTestLogger())
	defer c.Stop()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e, err := c.Output(12)
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "Porch" {
		t.Errorf("name = %q", e.Name)
	}
	if c.Available() {
		t.Error("no frame yet, should be unavailable")
	}
}

func TestRefreshEmitsOnlyChanges(t *testing.T) {
	env := newTestEnv(t, staticDiscovery(testCatalog...))
	env.client.setValues(map[int]byte{1: 1})
	if _, err := env.coord.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := env.coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	if got := len(env.events.ofType(EventOutputUpdate)); got != 3 {
		t.Fatalf("first refresh updates = %d, want 3", got)
	}

	env.events.reset()
	if err := env.coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	if got := len(env.events.ofType(EventOutputUpdate)); got != 0 {
		t.Errorf("unchanged refresh emitted %d updates", got)
	}

	env.client.setValues(map[int]byte{1: 1, 6: 64})
	if err := env.coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	updates := env.events.ofType(EventOutputUpdate)
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	data := updates[0].Data.(map[string]interface{})
	if data["id"] != 6 {
		t.Errorf("updated id = %v, want 6", data["id"])
	}
	state := data["state"].(map[string]interface{})
	if state["brightness"] != 255 {
		t.Errorf("brightness = %v, want 255", state["brightness"])
	}
	changed := data["changed"].([]string)
	if len(changed) == 0 || changed[0] != "on" {
		t.Errorf("changed = %v", changed)
	}
}

func TestRefreshReusesLastFrame(t *testing.T) {
	env := newTestEnv(t, staticDiscovery(testCatalog...))
	if _, err := env.coord.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := env.coord.Refresh()
	if !errors.Is(err, ErrUpdateFailed) {
		t.Fatalf("err = %v, want ErrUpdateFailed", err)
	}
	if env.coord.Available() {
		t.Error("available without data")
	}

	env.client.setValues(map[int]byte{1: 1})
	if err := env.coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	avail := env.events.ofType(EventAvailability)
	if len(avail) != 1 || avail[0].Data.(map[string]interface{})["state"] != "online" {
		t.Errorf("availability events = %+v", avail)
	}

	env.client.mu.Lock()
	env.client.frame = nil
	env.client.mu.Unlock()

	if err := env.coord.Refresh(); err != nil {
		t.Fatalf("refresh with previous frame: %v", err)
	}
	s, _, _ := env.coord.State(1)
	if !s.On {
		t.Error("state should come from the previous frame")
	}
	frame, at := env.coord.LastFrame()
	if frame.Value(1) != 1 || at.IsZero() {
		t.Errorf("LastFrame() = %v at %v", frame.Value(1), at)
	}
}

func TestRefreshKeepsFrameReceiveTime(t *testing.T) {
	env := newTestEnv(t, staticDiscovery(testCatalog...))
	if _, err := env.coord.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	received := env.now.Add(-time.Second)
	env.client.setValues(map[int]byte{1: 1})
	env.client.mu.Lock()
	env.client.frameAt = received
	env.client.mu.Unlock()

	if err := env.coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	if _, at := env.coord.LastFrame(); !at.Equal(received) {
		t.Errorf("LastFrame time = %v, want %v", at, received)
	}

	// Unanswered poll: the client serves its cached frame again.
	env.advance(30 * time.Second)
	if err := env.coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	if _, at := env.coord.LastFrame(); !at.Equal(received) {
		t.Errorf("stale frame time = %v, want %v", at, received)
	}
	if got := env.coord.ControllerInfo()["last_refresh"]; got != received {
		t.Errorf("last_refresh = %v, want %v", got, received)
	}

	// Clients that do not report a receive time fall back to the clock.
	env.client.mu.Lock()
	env.client.frameAt = time.Time{}
	env.client.mu.Unlock()
	if err := env.coord.Refresh(); err != nil {
		t.Fatal(err)
	}
	if _, at := env.coord.LastFrame(); !at.Equal(env.now) {
		t.Errorf("fallback time = %v, want %v", at, env.now)
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t, staticDiscovery(testCatalog...))
	if _, err := env.coord.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := env.coord.Rename(1, "Garage door"); err != nil {
		t.Fatal(err)
	}
	e, _ := env.coord.Output(1)
	if e.DisplayName() != "Garage door" {
		t.Errorf("display name = %q", e.DisplayName())
	}

	// survives rediscovery
	if _, err := env.coord.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	e, _ = env.coord.Output(1)
	if e.FriendlyName != "Garage door" {
		t.Errorf("friendly name lost after rediscovery: %q", e.FriendlyName)
	}

	if err := env.coord.Rename(60, "x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("rename virtual: err = %v", err)
	}
	if err := env.coord.Rename(150, "x"); !errors.Is(err, ErrUnknownOutput) {
		t.Errorf("rename unknown: err = %v", err)
	}
}

func TestVirtualButtons(t *testing.T) {
	env := newTestEnv(t, staticDiscovery(domestia.Record{ID: 57, Type: domestia.TypeRelay, Name: "Real"}))
	if _, err := env.coord.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	e, err := env.coord.Output(57)
	if err != nil {
		t.Fatal(err)
	}
	if e.Virtual || e.Kind != string(KindSwitch) {
		t.Errorf("discovered output should win over virtual id: %+v", e)
	}
	e, err = env.coord.Output(58)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Virtual || e.Kind != string(KindButton) || e.Name != "Output 58" {
		t.Errorf("virtual button = %+v", e)
	}
	if _, err := env.coord.Output(105); !errors.Is(err, ErrUnknownOutput) {
		t.Errorf("err = %v, want ErrUnknownOutput", err)
	}
}

func TestPollLoopRefreshes(t *testing.T) {
	env := newTestEnv(t, staticDiscovery(testCatalog...))
	env.coord.config.ScanInterval = 5 * time.Millisecond
	env.client.setValues(map[int]byte{1: 1})

	if err := env.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env.client.mu.Lock()
		reads := env.client.reads
		env.client.mu.Unlock()
		if reads >= 3 {
			env.coord.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poll loop did not refresh")
}
