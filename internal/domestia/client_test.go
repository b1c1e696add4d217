package domestia

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClient(ft *fakeTransport) (*Client, *testClock) {
	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := NewClientWithTransport(ft, time.Second, quietLogger())
	c.cache.now = clock.Now
	return c, clock
}

func TestReadStatesPollsWhenEmpty(t *testing.T) {
	frame := stateFrame(map[int]byte{3: 1})
	ft := &fakeTransport{reply: pollReplier(frame)}
	c, _ := newTestClient(ft)

	got, err := c.ReadStates()
	if err != nil {
		t.Fatalf("ReadStates: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("frame mismatch")
	}
	if ft.sentCount() != 1 || !bytes.Equal(ft.sent[0], ReadStatesCommand()) {
		t.Errorf("sent = % X, want one read command", ft.sent)
	}
	if s := c.Stats(); s.Polls != 1 || s.PollReplies != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReadStatesFreshCacheSkipsPoll(t *testing.T) {
	ft := &fakeTransport{reply: pollReplier(stateFrame(nil))}
	c, clock := newTestClient(ft)

	if _, err := c.ReadStates(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(1999 * time.Millisecond)
	if _, err := c.ReadStates(); err != nil {
		t.Fatal(err)
	}
	if n := ft.sentCount(); n != 1 {
		t.Errorf("sends = %d, want 1 (second read served from cache)", n)
	}
	if s := c.Stats(); s.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", s.CacheHits)
	}

	clock.Advance(time.Millisecond)
	if _, err := c.ReadStates(); err != nil {
		t.Fatal(err)
	}
	if n := ft.sentCount(); n != 2 {
		t.Errorf("sends = %d, want 2 once the frame is 2s old", n)
	}
}

func TestReadStatesUsesPushWithoutPolling(t *testing.T) {
	push := stateFrame(map[int]byte{10: 64})
	ft := &fakeTransport{}
	ft.push(push)
	c, _ := newTestClient(ft)

	got, err := c.ReadStates()
	if err != nil {
		t.Fatal(err)
	}
	if got.Value(10) != 64 {
		t.Errorf("value = %d, want 64", got.Value(10))
	}
	if n := ft.sentCount(); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
	if s := c.Stats(); s.Pushes != 1 {
		t.Errorf("pushes = %d, want 1", s.Pushes)
	}
}

func TestReadStatesLatestPushWins(t *testing.T) {
	ft := &fakeTransport{}
	ft.push(stateFrame(map[int]byte{1: 0}))
	ft.push([]byte{0x01, 0x02})
	ft.push(stateFrame(map[int]byte{1: 1}))
	c, _ := newTestClient(ft)

	got, err := c.ReadStates()
	if err != nil {
		t.Fatal(err)
	}
	if got.Value(1) != 1 {
		t.Errorf("value = %d, want 1 from the last push", got.Value(1))
	}
}

func TestReadStatesDrainIsBounded(t *testing.T) {
	ft := &fakeTransport{}
	for i := 0; i < 15; i++ {
		ft.push(stateFrame(nil))
	}
	c, _ := newTestClient(ft)

	if _, err := c.ReadStates(); err != nil {
		t.Fatal(err)
	}
	if ft.receives != drainMaxPackets {
		t.Errorf("receives = %d, want %d", ft.receives, drainMaxPackets)
	}
}

func TestReadStatesPollSendFailure(t *testing.T) {
	t.Run("with cache", func(t *testing.T) {
		cached := stateFrame(map[int]byte{2: 7})
		ft := &fakeTransport{reply: pollReplier(cached)}
		c, clock := newTestClient(ft)
		if _, err := c.ReadStates(); err != nil {
			t.Fatal(err)
		}

		clock.Advance(10 * time.Second)
		ft.sendErr = errors.New("network unreachable")

		got, err := c.ReadStates()
		if err != nil {
			t.Fatalf("ReadStates: %v", err)
		}
		if !bytes.Equal(got, cached) {
			t.Errorf("expected previously cached frame unchanged")
		}
	})

	t.Run("without cache", func(t *testing.T) {
		ft := &fakeTransport{sendErr: errors.New("network unreachable")}
		c, _ := newTestClient(ft)

		got, err := c.ReadStates()
		if !errors.Is(err, ErrNoData) {
			t.Fatalf("err = %v, want ErrNoData", err)
		}
		if got != nil {
			t.Errorf("frame = % X, want nil", got)
		}
	})
}

func TestReadStatesUnansweredPoll(t *testing.T) {
	ft := &fakeTransport{}
	c, _ := newTestClient(ft)

	if _, err := c.ReadStates(); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
	if n := ft.sentCount(); n != 1 {
		t.Errorf("sends = %d, want 1", n)
	}
}

func TestReadStatesFallbackDrainCatchesRacingPush(t *testing.T) {
	push := stateFrame(map[int]byte{4: 1})
	ft := &fakeTransport{
		reply: func(p []byte) [][]byte {
			// Something else answers first, the real frame arrives right after.
			return [][]byte{{0xFF, 0x00, 0x00, 0x02}, push}
		},
	}
	c, _ := newTestClient(ft)

	got, err := c.ReadStates()
	if err != nil {
		t.Fatal(err)
	}
	if got.Value(4) != 1 {
		t.Errorf("value = %d, want 1", got.Value(4))
	}
}

func TestInvalidFrameNeverReplacesCache(t *testing.T) {
	good := stateFrame(map[int]byte{1: 1})
	ft := &fakeTransport{reply: pollReplier(good)}
	c, clock := newTestClient(ft)
	if _, err := c.ReadStates(); err != nil {
		t.Fatal(err)
	}

	clock.Advance(5 * time.Second)
	ft.reply = func([]byte) [][]byte {
		short := make([]byte, 40)
		short[0] = 0xFF
		return [][]byte{short}
	}
	ft.push(stateFrame(nil)[:62])

	got, err := c.ReadStates()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, good) {
		t.Errorf("cache was overwritten by an invalid frame")
	}
}

func TestSendReportsTransportError(t *testing.T) {
	ft := &fakeTransport{}
	c, _ := newTestClient(ft)

	if err := c.Send(BuildRelayPayload(1, true)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ft.sendErr = errors.New("boom")
	if err := c.Send(BuildRelayPayload(1, false)); err == nil {
		t.Fatal("expected error")
	}

	s := c.Stats()
	if s.CommandsSent != 1 || s.SendErrors != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCloseClosesTransport(t *testing.T) {
	ft := &fakeTransport{}
	c, _ := newTestClient(ft)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
	if err := c.Send(BuildRelayPayload(1, true)); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close = %v, want ErrClosed", err)
	}
	if _, err := c.ReadStates(); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close = %v", err)
	}
	if s := c.Stats(); s.SendErrors != 0 || s.Polls != 0 {
		t.Errorf("closed client touched the transport: %+v", s)
	}
}
