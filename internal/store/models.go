package store

import "time"

// Output is a persisted controller output.
type Output struct {
	ID           int       `json:"id"`
	Type         int       `json:"type"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DisplayName prefers the user-assigned name.
func (o *Output) DisplayName() string {
	if o.FriendlyName != "" {
		return o.FriendlyName
	}
	return o.Name
}

// ControllerState records the last successful discovery.
type ControllerState struct {
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	LastDiscovery time.Time `json:"last_discovery"`
	Outputs       int       `json:"outputs"`
}
