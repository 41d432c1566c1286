package cardio

// Wire value vocabulary. The codec owns every single-character encoding the
// panel uses inside state fields; higher layers only see the decoded names.

// Relay state codes.
const (
	RelayCodeOn  = "O"
	RelayCodeOff = "C"
)

// RelayOn reports whether a relay state field means energized.
func RelayOn(code string) (on, ok bool) {
	switch code {
	case RelayCodeOn:
		return true, true
	case RelayCodeOff:
		return false, true
	}
	return false, false
}

// Security partition state codes.
const (
	SecurityCodeArmed    = "A"
	SecurityCodeDisarmed = "D"
)

// SecurityArmed reports whether a partition state field means armed.
func SecurityArmed(code string) (armed, ok bool) {
	switch code {
	case SecurityCodeArmed:
		return true, true
	case SecurityCodeDisarmed:
		return false, true
	}
	return false, false
}

// Fan state codes (R = running, S = stopped).
const (
	FanCodeOn  = "R"
	FanCodeOff = "S"
)

// FanOn reports whether an HVAC fan field means running.
func FanOn(code string) (on, ok bool) {
	switch code {
	case FanCodeOn:
		return true, true
	case FanCodeOff:
		return false, true
	}
	return false, false
}

// ZoneStatus is the decoded state of one security zone sensor.
type ZoneStatus string

const (
	ZoneNormal    ZoneStatus = "normal"
	ZoneClosed    ZoneStatus = "closed"
	ZoneTriggered ZoneStatus = "triggered"
	ZoneError     ZoneStatus = "error"
)

// ZoneStatusFromChar decodes one character of a bulk zone-state string.
// 'N' and 'E' are legal state values here; only the name grammar treats
// letters as free text.
func ZoneStatusFromChar(c byte) (ZoneStatus, bool) {
	switch c {
	case 'N':
		return ZoneNormal, true
	case 'C':
		return ZoneClosed, true
	case 'O':
		return ZoneTriggered, true
	case 'E':
		return ZoneError, true
	}
	return "", false
}

// BypassFromChar decodes one character of a bulk bypass string.
func BypassFromChar(c byte) (bypassed, ok bool) {
	switch c {
	case 'Y':
		return true, true
	case 'N':
		return false, true
	}
	return false, false
}

// BypassChar is the inverse, used to build bulk bypass commands.
func BypassChar(bypassed bool) byte {
	if bypassed {
		return 'Y'
	}
	return 'N'
}

// HVAC mode translation. The wire uses single letters; everything above the
// codec speaks the external vocabulary.
var hvacModeFromCode = map[string]string{
	"A": "auto",
	"H": "heat",
	"C": "cool",
	"O": "off",
	"E": "economy",
	"N": "normal",
}

var hvacModeToCode = map[string]string{}

func init() {
	for code, mode := range hvacModeFromCode {
		hvacModeToCode[mode] = code
	}
}

// HVACModeFromCode translates a wire mode letter to its external name.
func HVACModeFromCode(code string) (string, bool) {
	m, ok := hvacModeFromCode[code]
	return m, ok
}

// HVACModeCode translates an external mode name to its wire letter.
func HVACModeCode(mode string) (string, bool) {
	c, ok := hvacModeToCode[mode]
	return c, ok
}
