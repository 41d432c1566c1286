package cardio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// terminator ends every outbound frame. Inbound frames may end with \r, \n,
// or simply run into the '@' of the next frame on the same line.
const terminator = "\r"

// Object identifies a Cardio2e object class on the wire.
type Object byte

const (
	ObjectLight    Object = 'L'
	ObjectRelay    Object = 'R'
	ObjectCover    Object = 'C'
	ObjectHVAC     Object = 'H'
	ObjectTemp     Object = 'T'
	ObjectSecurity Object = 'S'
	ObjectZones    Object = 'Z'
	ObjectBypass   Object = 'B'
	ObjectDate     Object = 'D'
	ObjectLogin    Object = 'P'
)

func (o Object) String() string { return string(byte(o)) }

// FrameType is the transaction letter of a decoded frame.
type FrameType byte

const (
	FrameAck  FrameType = 'A'
	FrameNack FrameType = 'N'
	FrameInfo FrameType = 'I'
)

func (t FrameType) String() string {
	switch t {
	case FrameAck:
		return "ack"
	case FrameNack:
		return "nack"
	case FrameInfo:
		return "info"
	}
	return fmt.Sprintf("0x%02X", byte(t))
}

// Frame is one decoded protocol message: a command acknowledgement, a
// rejection, or an information record (solicited reply or asynchronous push;
// the session's correlation table decides which).
type Frame struct {
	Type   FrameType
	Object Object
	ID     int // 0 when the frame carries no object number (@A P, @A D)

	// Fields holds the value tokens after the id for state records.
	Fields []string

	// IsName marks an "@I N <obj> <id> <name>" record. Name fields have
	// their own grammar: they run to the next '@' or line end and may
	// contain spaces and any letter, so a zone state of 'N' or 'E' can
	// never be confused with a name terminator.
	IsName bool
	Name   string

	// NackCode is the device reason code on FrameNack frames.
	NackCode int
}

// Field returns the i-th value field or "" when absent.
func (f *Frame) Field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

// DecodeError reports a complete but malformed frame. The offending bytes
// have already been discarded; parsing resumes at the next frame.
type DecodeError struct {
	Line string
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cardio: bad frame %q: %s", e.Line, e.Msg)
}

// Decoder turns the raw serial byte stream into frames. It is resumable:
// Write appends whatever a partial read produced, Next drains completed
// frames without touching bytes that belong to the following frame.
type Decoder struct {
	buf []byte
}

// Write appends raw bytes from the serial port.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame. It returns (nil, nil) when the
// buffer does not yet hold a complete frame, and a *DecodeError when a
// complete frame was malformed (the bad frame is dropped, later bytes kept).
func (d *Decoder) Next() (*Frame, error) {
	// Discard noise before the frame marker.
	start := -1
	for i, b := range d.buf {
		if b == '@' {
			start = i
			break
		}
	}
	if start < 0 {
		d.buf = d.buf[:0]
		return nil, nil
	}
	if start > 0 {
		d.buf = d.buf[start:]
	}

	// A frame ends at \r or \n, or at the '@' of the next frame when the
	// panel packs several messages on one line.
	end := -1
	terminated := false
	for i := 1; i < len(d.buf); i++ {
		switch d.buf[i] {
		case '\r', '\n':
			end = i
			terminated = true
		case '@':
			end = i
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil, nil // need more data
	}

	line := string(d.buf[1:end])
	rest := d.buf[end:]
	if terminated {
		rest = rest[1:]
	}
	d.buf = append(d.buf[:0], rest...)

	line = strings.TrimSpace(line)
	if line == "" {
		return d.Next()
	}
	return parseFrame(line)
}

// parseFrame parses one frame body (without the leading '@').
func parseFrame(line string) (*Frame, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, &DecodeError{Line: line, Msg: "empty frame"}
	}
	if len(tokens[0]) != 1 {
		return nil, &DecodeError{Line: line, Msg: "unknown transaction"}
	}

	switch FrameType(tokens[0][0]) {
	case FrameAck:
		return parseAck(line, tokens)
	case FrameNack:
		return parseNack(line, tokens)
	case FrameInfo:
		return parseInfo(line, tokens)
	}
	return nil, &DecodeError{Line: line, Msg: "unknown transaction"}
}

func parseAck(line string, tokens []string) (*Frame, error) {
	if len(tokens) < 2 || len(tokens[1]) != 1 {
		return nil, &DecodeError{Line: line, Msg: "ack without object"}
	}
	f := &Frame{Type: FrameAck, Object: Object(tokens[1][0])}
	// "@A P" and "@A D" carry no object number.
	if len(tokens) >= 3 {
		id, err := strconv.Atoi(tokens[2])
		if err != nil {
			return nil, &DecodeError{Line: line, Msg: "ack id not numeric"}
		}
		f.ID = id
	}
	return f, nil
}

func parseNack(line string, tokens []string) (*Frame, error) {
	if len(tokens) < 2 || len(tokens[1]) != 1 {
		return nil, &DecodeError{Line: line, Msg: "nack without object"}
	}
	f := &Frame{Type: FrameNack, Object: Object(tokens[1][0])}
	rest := tokens[2:]
	// Object number is optional ("@N P 4" on a failed login has none).
	if len(rest) >= 2 {
		id, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, &DecodeError{Line: line, Msg: "nack id not numeric"}
		}
		f.ID = id
		rest = rest[1:]
	}
	if len(rest) >= 1 {
		code, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, &DecodeError{Line: line, Msg: "nack code not numeric"}
		}
		f.NackCode = code
	}
	return f, nil
}

func parseInfo(line string, tokens []string) (*Frame, error) {
	if len(tokens) < 2 || len(tokens[1]) != 1 {
		return nil, &DecodeError{Line: line, Msg: "info without object"}
	}

	// Name record: "@I N <obj> <id> <name...>". The name is everything
	// after the id, whitespace preserved inside, and is parsed with its
	// own grammar, never token-split like state fields.
	if tokens[1] == "N" {
		if len(tokens) < 4 || len(tokens[2]) != 1 {
			return nil, &DecodeError{Line: line, Msg: "name record too short"}
		}
		id, err := strconv.Atoi(tokens[3])
		if err != nil {
			return nil, &DecodeError{Line: line, Msg: "name record id not numeric"}
		}
		idx := strings.Index(line, tokens[3])
		name := strings.TrimSpace(line[idx+len(tokens[3]):])
		return &Frame{
			Type:   FrameInfo,
			Object: Object(tokens[2][0]),
			ID:     id,
			IsName: true,
			Name:   name,
		}, nil
	}

	if len(tokens) < 3 {
		return nil, &DecodeError{Line: line, Msg: "info record too short"}
	}
	id, err := strconv.Atoi(tokens[2])
	if err != nil {
		return nil, &DecodeError{Line: line, Msg: "info id not numeric"}
	}
	return &Frame{
		Type:   FrameInfo,
		Object: Object(tokens[1][0]),
		ID:     id,
		Fields: tokens[3:],
	}, nil
}

// --- Encoding ---

// ErrInvalidCommand is wrapped by encoders rejecting out-of-range fields.
var ErrInvalidCommand = fmt.Errorf("cardio: invalid command")

// EncodeGet builds a state query for one object.
func EncodeGet(obj Object, id int) ([]byte, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w: object number %d", ErrInvalidCommand, id)
	}
	return []byte(fmt.Sprintf("@G %c %d%s", obj, id, terminator)), nil
}

// EncodeGetName builds a name query for one object.
func EncodeGetName(obj Object, id int) ([]byte, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w: object number %d", ErrInvalidCommand, id)
	}
	return []byte(fmt.Sprintf("@G N %c %d%s", obj, id, terminator)), nil
}

// EncodeSet builds a set command with the given value fields.
func EncodeSet(obj Object, id int, args ...string) ([]byte, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w: object number %d", ErrInvalidCommand, id)
	}
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, "@\r\n") {
			return nil, fmt.Errorf("%w: field %q", ErrInvalidCommand, a)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "@S %c %d", obj, id)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteString(terminator)
	return []byte(b.String()), nil
}

// EncodeLightSet builds a light level command (0 = off, 1-100 = on/level).
func EncodeLightSet(id, level int) ([]byte, error) {
	if level < 0 || level > 100 {
		return nil, fmt.Errorf("%w: light level %d", ErrInvalidCommand, level)
	}
	return EncodeSet(ObjectLight, id, strconv.Itoa(level))
}

// EncodeRelaySet builds a relay open/close command.
func EncodeRelaySet(id int, on bool) ([]byte, error) {
	code := RelayCodeOff
	if on {
		code = RelayCodeOn
	}
	return EncodeSet(ObjectRelay, id, code)
}

// EncodeCoverSet builds a cover position command (0 = closed, 100 = open).
func EncodeCoverSet(id, position int) ([]byte, error) {
	if position < 0 || position > 100 {
		return nil, fmt.Errorf("%w: cover position %d", ErrInvalidCommand, position)
	}
	return EncodeSet(ObjectCover, id, strconv.Itoa(position))
}

// EncodeCoverStop builds a cover stop command. The panel acknowledges the
// stop but does not report the resting position; callers query it afterwards.
func EncodeCoverStop(id int) ([]byte, error) {
	return EncodeSet(ObjectCover, id, "S")
}

// EncodeHVACSet builds a full HVAC zone command. The panel requires the
// complete tuple on every set; partial updates are composed by the caller.
func EncodeHVACSet(id int, heatSetpoint, coolSetpoint float64, fanOn bool, modeCode string) ([]byte, error) {
	if _, ok := hvacModeFromCode[modeCode]; !ok {
		return nil, fmt.Errorf("%w: hvac mode code %q", ErrInvalidCommand, modeCode)
	}
	fan := FanCodeOff
	if fanOn {
		fan = FanCodeOn
	}
	return EncodeSet(ObjectHVAC, id,
		strconv.FormatFloat(heatSetpoint, 'f', -1, 64),
		strconv.FormatFloat(coolSetpoint, 'f', -1, 64),
		fan, modeCode)
}

// EncodeSecuritySet builds an arm/disarm command. The code travels as an
// opaque digit string so leading zeros survive.
func EncodeSecuritySet(id int, arm bool, code string) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty security code", ErrInvalidCommand)
	}
	action := SecurityCodeDisarmed
	if arm {
		action = SecurityCodeArmed
	}
	return EncodeSet(ObjectSecurity, id, action, code)
}

// EncodeBypassSet builds a bulk zone bypass command: one Y/N character per
// zone, one transaction for any number of zones.
func EncodeBypassSet(mask string) ([]byte, error) {
	if mask == "" {
		return nil, fmt.Errorf("%w: empty bypass mask", ErrInvalidCommand)
	}
	for _, r := range mask {
		if r != 'Y' && r != 'N' {
			return nil, fmt.Errorf("%w: bypass mask char %q", ErrInvalidCommand, r)
		}
	}
	return EncodeSet(ObjectBypass, 1, mask)
}

// EncodeLogin builds the session login command.
func EncodeLogin(password string) ([]byte, error) {
	if password == "" || strings.ContainsAny(password, " @\r\n") {
		return nil, fmt.Errorf("%w: password", ErrInvalidCommand)
	}
	return []byte(fmt.Sprintf("@S P I %s%s", password, terminator)), nil
}

// EncodeLogout builds the session logout command. No reply is expected.
func EncodeLogout() []byte {
	return []byte("@S P O" + terminator)
}

// EncodeDateSync builds the clock synchronization command.
func EncodeDateSync(t time.Time) []byte {
	return []byte(fmt.Sprintf("@S D %s%s", t.Format("20060102150405"), terminator))
}
