package domestia

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport queues datagrams in memory. Receive never blocks.
type fakeTransport struct {
	mu       sync.Mutex
	inbox    [][]byte
	reply    func(payload []byte) [][]byte
	sendErr  error
	sent     [][]byte
	receives int
	closed   bool
}

func (f *fakeTransport) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("use of closed connection")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	if f.reply != nil {
		f.inbox = append(f.inbox, f.reply(p)...)
	}
	return nil
}

func (f *fakeTransport) Receive(time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if len(f.inbox) == 0 {
		return nil, ErrNoDatagram
	}
	d := f.inbox[0]
	f.inbox = f.inbox[1:]
	return d, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) push(d []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, d)
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// stateFrame builds a full 195-byte state report with the given output values.
func stateFrame(values map[int]byte) []byte {
	f := make([]byte, stateValuesOffset+MaxOutputs)
	f[0], f[1] = 0xFF, 0x00
	for id, v := range values {
		f[stateValuesOffset+id-1] = v
	}
	return f
}

// pollReplier answers every read command with frame.
func pollReplier(frame []byte) func([]byte) [][]byte {
	return func(p []byte) [][]byte {
		if len(p) > 4 && p[4] == cmdReadStates {
			return [][]byte{frame}
		}
		return nil
	}
}
