package domestia

import "strings"

const (
	// MaxOutputs is the number of addressable outputs on a controller (ids 1..192).
	MaxOutputs = 192

	// MaxDimmerLevel is the highest dimmer level the controller accepts.
	MaxDimmerLevel = 64

	stateValuesOffset = 3
	minStateFrameLen  = stateValuesOffset + 60

	hwTypesOffset    = 4
	minHWTypesLen    = hwTypesOffset + MaxOutputs
	hwTypesReplyCode = 0xC0

	nameOffset = 4
)

// Command codes.
const (
	cmdRelayOn       = 0x0E
	cmdRelayOff      = 0x0F
	cmdDimmerSet     = 0x10
	cmdNameQuery     = 0x3E
	cmdHardwareTypes = 0x42
	cmdReadStates    = 0x9C
)

var stateFramePrefix = [2]byte{0xFF, 0x00}

// Frame is a raw state report: one value byte per output starting at offset 3.
type Frame []byte

// Value returns the raw value byte for output id, or 0 when the id is out of
// range or the frame is too short to carry it.
func (f Frame) Value(id int) int {
	return OutputValue(f, id)
}

// Checksum returns the low 8 bits of the sum of payload bytes from index 4 on.
func Checksum(payload []byte) byte {
	var sum byte
	for i := 4; i < len(payload); i++ {
		sum += payload[i]
	}
	return sum
}

func withChecksum(payload ...byte) []byte {
	return append(payload, Checksum(payload))
}

// BuildRelayPayload encodes a relay on/off command for output id.
// The id is truncated to its low 8 bits; callers supply ids in 1..192.
func BuildRelayPayload(id int, on bool) []byte {
	cmd := byte(cmdRelayOff)
	if on {
		cmd = cmdRelayOn
	}
	return withChecksum(0xFF, 0x00, 0x00, 0x02, cmd, byte(id))
}

// BuildDimmerPayload encodes a dimmer level command. Level is clamped to [0,64].
func BuildDimmerPayload(id int, level int) []byte {
	level = max(0, min(MaxDimmerLevel, level))
	return withChecksum(0xFF, 0x00, 0x00, 0x03, cmdDimmerSet, byte(id), byte(level))
}

// ReadStatesCommand returns the poll request asking for a full state frame.
func ReadStatesCommand() []byte {
	return withChecksum(0xFF, 0x00, 0x00, 0x01, cmdReadStates)
}

// HardwareTypeQuery returns the request for the 192-entry hardware type table.
func HardwareTypeQuery() []byte {
	return withChecksum(0xFF, 0x00, 0x00, 0x01, cmdHardwareTypes)
}

// NameQuery returns the request for the configured name of output id.
func NameQuery(id int) []byte {
	return withChecksum(0xFF, 0x00, 0x00, 0x02, cmdNameQuery, byte(id))
}

// IsStateFrame reports whether data is structurally a state report: at least
// 63 bytes starting with FF 00. The trailing checksum is not verified.
func IsStateFrame(data []byte) bool {
	if len(data) < minStateFrameLen {
		return false
	}
	return data[0] == stateFramePrefix[0] && data[1] == stateFramePrefix[1]
}

// OutputValue returns the raw value byte of output id in frame.
func OutputValue(frame []byte, id int) int {
	if len(frame) == 0 || id < 1 || id > MaxOutputs {
		return 0
	}
	idx := stateValuesOffset + id - 1
	if idx >= len(frame) {
		return 0
	}
	return int(frame[idx])
}

// DecodeCover splits a cover value into its position (0 = closed, 127 = fully
// open) and the moving flag carried in the high bit.
func DecodeCover(value int) (position int, moving bool) {
	return value % 128, value >= 128
}

// parseHardwareTypes extracts the type table from a hardware type reply.
func parseHardwareTypes(data []byte) ([]byte, bool) {
	if len(data) < minHWTypesLen || data[0] != 0xFF || data[3] != hwTypesReplyCode {
		return nil, false
	}
	types := make([]byte, MaxOutputs)
	copy(types, data[hwTypesOffset:hwTypesOffset+MaxOutputs])
	return types, true
}

// parseNameReply decodes the length-prefixed Latin-1 name in a name reply.
func parseNameReply(data []byte) (string, bool) {
	if len(data) < nameOffset+1 || data[0] != 0xFF {
		return "", false
	}
	n := int(data[3])
	if n == 0 || len(data) < nameOffset+n {
		return "", false
	}
	var b strings.Builder
	for _, c := range data[nameOffset : nameOffset+n] {
		if c == 0 {
			continue
		}
		b.WriteRune(rune(c))
	}
	name := strings.TrimSpace(b.String())
	return name, name != ""
}
