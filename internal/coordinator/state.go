package coordinator

import "domestia-go-home/internal/domestia"

// State is the derived state of one output.
type State struct {
	Raw        int
	On         bool
	Brightness int
	Position   int
	Moving     bool
}

// DeriveState interprets a raw value byte for the given kind.
func DeriveState(kind Kind, value int) State {
	s := State{Raw: value}
	switch kind {
	case KindSwitch:
		s.On = value > 0
	case KindLight:
		s.On = value > 0
		s.Brightness = BrightnessFromLevel(value)
	case KindCover:
		s.Position, s.Moving = domestia.DecodeCover(value)
		s.On = s.Position > 0
	}
	return s
}

// BrightnessFromLevel converts a dimmer level (0..64) to 0..255.
func BrightnessFromLevel(level int) int {
	if level <= 0 {
		return 0
	}
	return min(level, domestia.MaxDimmerLevel) * 255 / domestia.MaxDimmerLevel
}

// LevelFromBrightness converts 0..255 to a dimmer level, never below 1.
func LevelFromBrightness(brightness int) int {
	brightness = max(0, min(255, brightness))
	return max(1, brightness*domestia.MaxDimmerLevel/255)
}

// Properties renders the state the way it is published for kind.
func (s State) Properties(kind Kind) map[string]interface{} {
	props := map[string]interface{}{"raw": s.Raw}
	switch kind {
	case KindSwitch:
		props["on"] = s.On
	case KindLight:
		props["on"] = s.On
		props["brightness"] = s.Brightness
	case KindCover:
		props["position"] = s.Position
		props["moving"] = s.Moving
		props["closed"] = s.Position == 0
	}
	return props
}

// changedProperties lists the published properties that differ between a and b.
func changedProperties(kind Kind, a, b State) []string {
	pa, pb := a.Properties(kind), b.Properties(kind)
	var changed []string
	for _, name := range []string{"on", "brightness", "position", "moving", "closed", "raw"} {
		va, ok := pb[name]
		if !ok {
			continue
		}
		if pa[name] != va {
			changed = append(changed, name)
		}
	}
	return changed
}
