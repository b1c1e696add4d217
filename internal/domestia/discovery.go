package domestia

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

const (
	hwTypeTimeout = 2 * time.Second
	nameTimeout   = 300 * time.Millisecond
)

// Hardware type codes reported by the controller.
const (
	TypeRelay    = 0
	TypeShutter1 = 1
	TypeShutter2 = 2
	TypeDimmer   = 6
)

// DefaultDiscoverableTypes are the hardware types queried for names when the
// caller supplies no policy. Shutter codes 1 and 2 are unconfirmed.
var DefaultDiscoverableTypes = []int{TypeRelay, TypeShutter1, TypeShutter2, TypeDimmer}

// Record describes one discovered output.
type Record struct {
	ID   int    `json:"id"`
	Type int    `json:"type"`
	Name string `json:"name"`
}

// Catalog maps output id to its record.
type Catalog map[int]Record

// IDs returns the output ids in ascending order.
func (c Catalog) IDs() []int {
	ids := make([]int, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DefaultOutputName is the name given to outputs whose name query failed.
func DefaultOutputName(id int) string {
	return fmt.Sprintf("Output %d", id)
}

// Discoverer runs the one-shot discovery handshake on its own socket.
type Discoverer struct {
	Host string
	Port int

	// Types lists the hardware type codes worth a name query.
	// Nil selects DefaultDiscoverableTypes.
	Types []int

	TypeTimeout time.Duration
	NameTimeout time.Duration

	Dial   Dialer
	Logger *slog.Logger
}

// NewDiscoverer returns a Discoverer with the standard timeouts.
func NewDiscoverer(host string, port int, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		Host:        host,
		Port:        port,
		TypeTimeout: hwTypeTimeout,
		NameTimeout: nameTimeout,
		Dial:        DialUDP,
		Logger:      logger,
	}
}

// Discover queries the hardware type table, then the name of every output of
// a discoverable type. Queries are sequential over one socket that is closed
// on return. A failed type query yields an empty catalog and ErrDiscoveryFailed;
// there is no retry. Cancelling ctx stops the name scan early and returns the
// outputs found so far with ctx's error.
func (d *Discoverer) Discover(ctx context.Context) (Catalog, error) {
	catalog := make(Catalog)

	dial := d.Dial
	if dial == nil {
		dial = DialUDP
	}
	t, err := dial(d.Host, d.Port, d.TypeTimeout, d.Logger)
	if err != nil {
		d.Logger.Error("cannot open Domestia discovery socket", "host", d.Host, "err", err)
		return catalog, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	defer t.Close()

	types, err := d.queryTypes(t)
	if err != nil {
		d.Logger.Error("cannot read Domestia hardware types", "host", d.Host, "err", err)
		return catalog, err
	}

	accept := d.Types
	if accept == nil {
		accept = DefaultDiscoverableTypes
	}

	for id := 1; id <= MaxOutputs; id++ {
		hw := int(types[id-1])
		if !slices.Contains(accept, hw) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return catalog, err
		}
		catalog[id] = Record{ID: id, Type: hw, Name: d.queryName(t, id)}
	}

	d.Logger.Info("discovery complete", "host", d.Host, "outputs", len(catalog))
	return catalog, nil
}

func (d *Discoverer) queryTypes(t Transport) ([]byte, error) {
	if err := t.Send(HardwareTypeQuery()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	data, err := t.Receive(d.TypeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: no reply", ErrDiscoveryFailed)
	}
	types, ok := parseHardwareTypes(data)
	if !ok {
		return nil, fmt.Errorf("%w: malformed reply (%d bytes)", ErrDiscoveryFailed, len(data))
	}
	return types, nil
}

func (d *Discoverer) queryName(t Transport, id int) string {
	if err := t.Send(NameQuery(id)); err != nil {
		d.Logger.Debug("name query send failed", "output", id, "err", err)
		return DefaultOutputName(id)
	}
	data, err := t.Receive(d.NameTimeout)
	if err != nil {
		return DefaultOutputName(id)
	}
	name, ok := parseNameReply(data)
	if !ok {
		return DefaultOutputName(id)
	}
	if strings.EqualFold(name, "empty") {
		return fmt.Sprintf("Spare %d", id)
	}
	return name
}
