package domestia

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultTimeout is the receive timeout used when none is configured.
	DefaultTimeout = 2500 * time.Millisecond

	readBufferSize = 4096
)

// Transport is a datagram link to one controller.
type Transport interface {
	// Send transmits one datagram to the controller.
	Send(payload []byte) error
	// Receive waits up to timeout for one datagram from the controller.
	// A timeout <= 0 selects the transport's default timeout. Any failure,
	// including a timeout, yields ErrNoDatagram.
	Receive(timeout time.Duration) ([]byte, error)
	// Close releases the socket. It is safe to call more than once.
	Close() error
}

// Dialer opens a Transport to host:port.
type Dialer func(host string, port int, timeout time.Duration, logger *slog.Logger) (Transport, error)

// UDPTransport owns one UDP socket bound to an ephemeral local port.
type UDPTransport struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
}

var _ Transport = (*UDPTransport)(nil)

// DialUDP resolves host:port and binds a local socket on an OS-assigned port.
func DialUDP(host string, port int, timeout time.Duration, logger *slog.Logger) (Transport, error) {
	return NewUDPTransport(host, port, timeout, logger)
}

// NewUDPTransport is DialUDP returning the concrete type.
func NewUDPTransport(host string, port int, timeout time.Duration, logger *slog.Logger) (*UDPTransport, error) {
	remote, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve controller %s:%d: %w", host, port, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPTransport{
		conn:    conn,
		remote:  remote,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes payload to the controller address.
func (t *UDPTransport) Send(payload []byte) error {
	if _, err := t.conn.WriteToUDP(payload, t.remote); err != nil {
		return fmt.Errorf("udp send to %s: %w", t.remote, err)
	}
	t.logger.Debug("udp TX", "remote", t.remote.String(), "payload", fmt.Sprintf("%X", payload))
	return nil
}

// Receive reads one datagram. The read deadline only applies to this call.
// Datagrams whose source IP differs from the controller are discarded.
func (t *UDPTransport) Receive(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, ErrNoDatagram
	}
	defer t.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, readBufferSize)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.logger.Debug("udp receive", "err", err)
		}
		return nil, ErrNoDatagram
	}
	if !addr.IP.Equal(t.remote.IP) {
		t.logger.Debug("udp datagram from foreign source dropped", "from", addr.String(), "len", n)
		return nil, ErrNoDatagram
	}
	return buf[:n:n], nil
}

// Close closes the socket; close errors are ignored.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
	})
	return nil
}
