package domestia

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Address identifies a controller.
type Address struct {
	Host string
	Port int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTimeout sets the receive timeout of clients created by the registry.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithDialer replaces the UDP dialer, mainly for tests.
func WithDialer(d Dialer) RegistryOption {
	return func(r *Registry) {
		r.dial = d
	}
}

// Registry hands out one shared Client per controller address.
// Create one per process at startup and Close it at shutdown.
type Registry struct {
	mu      sync.Mutex
	clients map[Address]*Client
	timeout time.Duration
	dial    Dialer
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		clients: make(map[Address]*Client),
		timeout: DefaultTimeout,
		dial:    DialUDP,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the client for host:port, creating it on first use.
func (r *Registry) Get(host string, port int) (*Client, error) {
	key := Address{Host: host, Port: port}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	logger := r.logger.With("controller", host, "port", port)
	t, err := r.dial(host, port, r.timeout, logger)
	if err != nil {
		return nil, err
	}
	c := NewClientWithTransport(t, r.timeout, logger)
	r.clients[key] = c
	logger.Info("controller client created")
	return c, nil
}

// SendCommand sends payload through the shared client for host:port.
func (r *Registry) SendCommand(host string, port int, payload []byte) error {
	c, err := r.Get(host, port)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// ReadStates reads the state frame through the shared client for host:port.
func (r *Registry) ReadStates(host string, port int) (Frame, error) {
	c, err := r.Get(host, port)
	if err != nil {
		return nil, err
	}
	return c.ReadStates()
}

// Release closes and forgets the client for host:port, if any.
func (r *Registry) Release(host string, port int) error {
	key := Address{Host: host, Port: port}
	r.mu.Lock()
	c, ok := r.clients[key]
	delete(r.clients, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Close closes every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[Address]*Client)
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
