package coordinator

import (
	"fmt"
	"slices"

	"domestia-go-home/internal/domestia"
)

// Kind is the entity category an output is exposed as.
type Kind string

const (
	KindSwitch Kind = "switch"
	KindLight  Kind = "light"
	KindCover  Kind = "cover"
	KindButton Kind = "button"
)

// ParseKind validates a category name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSwitch, KindLight, KindCover:
		return k, nil
	case KindButton:
		return "", fmt.Errorf("kind %q is reserved for virtual outputs", s)
	}
	return "", fmt.Errorf("unknown output kind %q", s)
}

// Policy maps controller hardware type codes to entity kinds and names the
// virtual output range exposed as buttons.
type Policy struct {
	kinds       map[int]Kind
	buttonFirst int
	buttonLast  int
}

// DefaultPolicy exposes relays as switches, both shutter codes as covers,
// dimmers as lights, and outputs 57..104 as virtual buttons.
func DefaultPolicy() *Policy {
	return &Policy{
		kinds: map[int]Kind{
			domestia.TypeRelay:    KindSwitch,
			domestia.TypeShutter1: KindCover,
			domestia.TypeShutter2: KindCover,
			domestia.TypeDimmer:   KindLight,
		},
		buttonFirst: 57,
		buttonLast:  104,
	}
}

// NewPolicy builds a policy from a type code to kind name map.
// A zero button range disables virtual buttons.
func NewPolicy(types map[int]string, buttonFirst, buttonLast int) (*Policy, error) {
	p := &Policy{kinds: make(map[int]Kind, len(types))}
	for code, name := range types {
		if code < 0 || code > 0xFF {
			return nil, fmt.Errorf("type code %d out of range", code)
		}
		kind, err := ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("type %d: %w", code, err)
		}
		p.kinds[code] = kind
	}
	if buttonFirst != 0 || buttonLast != 0 {
		if buttonFirst < 1 || buttonLast > domestia.MaxOutputs || buttonFirst > buttonLast {
			return nil, fmt.Errorf("virtual button range %d..%d invalid", buttonFirst, buttonLast)
		}
		p.buttonFirst, p.buttonLast = buttonFirst, buttonLast
	}
	return p, nil
}

// KindOf returns the kind for a hardware type code. Unknown codes are ignored.
func (p *Policy) KindOf(typeCode int) (Kind, bool) {
	k, ok := p.kinds[typeCode]
	return k, ok
}

// Discoverable lists the type codes worth a name query, ascending.
func (p *Policy) Discoverable() []int {
	codes := make([]int, 0, len(p.kinds))
	for code := range p.kinds {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// VirtualButtons lists the output ids exposed as buttons.
func (p *Policy) VirtualButtons() []int {
	if p.buttonFirst == 0 {
		return nil
	}
	ids := make([]int, 0, p.buttonLast-p.buttonFirst+1)
	for id := p.buttonFirst; id <= p.buttonLast; id++ {
		ids = append(ids, id)
	}
	return ids
}
