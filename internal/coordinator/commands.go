package coordinator

import (
	"fmt"
	"strings"
	"time"

	"domestia-go-home/internal/domestia"
	"domestia-go-home/internal/store"
)

// Command actions accepted by Execute.
const (
	ActionOn         = "on"
	ActionOff        = "off"
	ActionToggle     = "toggle"
	ActionBrightness = "brightness"
	ActionOpen       = "open"
	ActionClose      = "close"
	ActionStop       = "stop"
	ActionPress      = "press"
)

// Command is a transport-neutral request from MQTT, the web API or scripts.
type Command struct {
	Action     string `json:"action"`
	Brightness *int   `json:"brightness,omitempty"`
}

// Execute dispatches cmd to output id.
func (c *Coordinator) Execute(id int, cmd Command) error {
	switch strings.ToLower(cmd.Action) {
	case ActionOn:
		if cmd.Brightness != nil {
			return c.SetBrightness(id, *cmd.Brightness)
		}
		return c.TurnOn(id)
	case ActionOff:
		return c.TurnOff(id)
	case ActionToggle:
		return c.Toggle(id)
	case ActionBrightness:
		if cmd.Brightness == nil {
			return fmt.Errorf("brightness action needs a value: %w", ErrUnsupported)
		}
		return c.SetBrightness(id, *cmd.Brightness)
	case ActionOpen:
		return c.OpenCover(id)
	case ActionClose:
		return c.CloseCover(id)
	case ActionStop:
		return c.StopCover(id)
	case ActionPress:
		return c.Press(id)
	}
	return fmt.Errorf("action %q: %w", cmd.Action, ErrUnsupported)
}

func (c *Coordinator) lookup(id int, kinds ...Kind) (*store.Output, error) {
	c.mu.RLock()
	out, ok := c.outputs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("output %d: %w", id, ErrUnknownOutput)
	}
	if len(kinds) == 0 {
		return out, nil
	}
	for _, k := range kinds {
		if Kind(out.Kind) == k {
			return out, nil
		}
	}
	return nil, fmt.Errorf("output %d is a %s: %w", id, out.Kind, ErrUnsupported)
}

// send transmits payload. Failures are logged and not returned: the next
// refresh shows whether the controller acted on it.
func (c *Coordinator) send(out *store.Output, action string, payload []byte) {
	if err := c.client.Send(payload); err != nil {
		c.logger.Error("send command", "output", out.ID, "action", action, "err", err)
	} else {
		c.logger.Debug("command sent", "output", out.ID, "action", action)
	}
	c.events.Emit(Event{Type: EventCommand, Data: map[string]interface{}{
		"id":     out.ID,
		"kind":   out.Kind,
		"name":   out.DisplayName(),
		"action": action,
	}})
}

// hold records the optimistic state and publishes it right away.
func (c *Coordinator) hold(out *store.Output, s State) {
	c.holds.hold(out.ID, s)

	c.mu.Lock()
	prev, seen := c.published[out.ID]
	c.published[out.ID] = s
	c.mu.Unlock()

	if seen && prev == s {
		return
	}
	var changed []string
	if seen {
		changed = changedProperties(Kind(out.Kind), prev, s)
	}
	c.events.Emit(outputEvent(out, s, changed))
}

// TurnOn switches a relay on, a dimmer to full brightness, or opens a cover.
func (c *Coordinator) TurnOn(id int) error {
	out, err := c.lookup(id)
	if err != nil {
		return err
	}
	switch Kind(out.Kind) {
	case KindSwitch:
		c.send(out, ActionOn, domestia.BuildRelayPayload(id, true))
		c.hold(out, State{Raw: 1, On: true})
		c.requestRefresh(c.config.RefreshDelay)
		return nil
	case KindLight:
		return c.SetBrightness(id, 255)
	case KindCover:
		return c.OpenCover(id)
	}
	return c.Press(id)
}

// TurnOff switches a relay or dimmer off, or closes a cover.
func (c *Coordinator) TurnOff(id int) error {
	out, err := c.lookup(id)
	if err != nil {
		return err
	}
	switch Kind(out.Kind) {
	case KindSwitch:
		c.send(out, ActionOff, domestia.BuildRelayPayload(id, false))
		c.hold(out, State{})
	case KindLight:
		c.send(out, ActionOff, domestia.BuildDimmerPayload(id, 0))
		c.hold(out, State{})
	case KindCover:
		return c.CloseCover(id)
	default:
		return fmt.Errorf("output %d is a %s: %w", id, out.Kind, ErrUnsupported)
	}
	c.requestRefresh(c.config.RefreshDelay)
	return nil
}

// Toggle inverts the current on state of a switch or light.
func (c *Coordinator) Toggle(id int) error {
	s, _, err := c.State(id)
	if err != nil {
		return err
	}
	if _, err := c.lookup(id, KindSwitch, KindLight); err != nil {
		return err
	}
	if s.On {
		return c.TurnOff(id)
	}
	return c.TurnOn(id)
}

// SetBrightness turns a dimmer on at brightness 0..255. The level sent is
// never below 1, so this never switches the dimmer off.
func (c *Coordinator) SetBrightness(id, brightness int) error {
	out, err := c.lookup(id, KindLight)
	if err != nil {
		return err
	}
	brightness = max(0, min(255, brightness))
	level := LevelFromBrightness(brightness)

	c.send(out, ActionBrightness, domestia.BuildDimmerPayload(id, level))
	c.hold(out, State{Raw: level, On: true, Brightness: brightness})
	c.requestRefresh(c.config.RefreshDelay)
	return nil
}

// OpenCover starts a cover opening.
func (c *Coordinator) OpenCover(id int) error {
	return c.coverCommand(id, ActionOpen, true)
}

// CloseCover starts a cover closing.
func (c *Coordinator) CloseCover(id int) error {
	return c.coverCommand(id, ActionClose, false)
}

// StopCover stops a moving cover. The controller treats a second relay-on as stop.
func (c *Coordinator) StopCover(id int) error {
	return c.coverCommand(id, ActionStop, true)
}

func (c *Coordinator) coverCommand(id int, action string, on bool) error {
	out, err := c.lookup(id, KindCover)
	if err != nil {
		return err
	}
	c.send(out, action, domestia.BuildRelayPayload(id, on))
	c.requestRefresh(c.config.CoverRefreshDelay)
	return nil
}

// Press pulses an output: relay on, a short pause, relay off.
// It blocks for the pulse duration.
func (c *Coordinator) Press(id int) error {
	out, err := c.lookup(id, KindButton, KindSwitch)
	if err != nil {
		return err
	}
	c.send(out, ActionPress, domestia.BuildRelayPayload(id, true))

	timer := time.NewTimer(c.config.PressDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
	}

	if err := c.client.Send(domestia.BuildRelayPayload(id, false)); err != nil {
		c.logger.Error("send command", "output", id, "action", "release", "err", err)
	}
	if Kind(out.Kind) == KindSwitch {
		c.requestRefresh(c.config.RefreshDelay)
	}
	return nil
}
