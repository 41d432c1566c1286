package cardio

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecoderPartialFrames(t *testing.T) {
	d := &Decoder{}

	d.Write([]byte("@I L 1"))
	if f, err := d.Next(); err != nil || f != nil {
		t.Fatalf("incomplete frame: got frame=%v err=%v, want nil, nil", f, err)
	}

	d.Write([]byte(" 50\r"))
	f, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f == nil {
		t.Fatal("expected a frame after terminator")
	}
	if f.Type != FrameInfo || f.Object != ObjectLight || f.ID != 1 || f.Field(0) != "50" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f, err := d.Next(); err != nil || f != nil {
		t.Fatalf("buffer should be empty, got frame=%v err=%v", f, err)
	}
}

func TestDecoderPackedLine(t *testing.T) {
	d := &Decoder{}
	d.Write([]byte("@I L 1 100@I R 2 O@I S 1 A\r"))

	want := []struct {
		obj   Object
		id    int
		field string
	}{
		{ObjectLight, 1, "100"},
		{ObjectRelay, 2, "O"},
		{ObjectSecurity, 1, "A"},
	}
	for i, w := range want {
		f, err := d.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f == nil {
			t.Fatalf("frame %d: missing", i)
		}
		if f.Object != w.obj || f.ID != w.id || f.Field(0) != w.field {
			t.Fatalf("frame %d: got %+v, want %v %d %s", i, f, w.obj, w.id, w.field)
		}
	}
}

func TestDecoderNameGrammar(t *testing.T) {
	// Names may contain spaces and the letters N and E, which are state
	// values in the state grammar.
	tests := []struct {
		line string
		obj  Object
		id   int
		name string
	}{
		{"@I N L 4 Living Room North\r", ObjectLight, 4, "Living Room North"},
		{"@I N Z 2 Entrance E\r", ObjectZones, 2, "Entrance E"},
		{"@I N R 10 N\r", ObjectRelay, 10, "N"},
	}
	for _, tt := range tests {
		d := &Decoder{}
		d.Write([]byte(tt.line))
		f, err := d.Next()
		if err != nil {
			t.Fatalf("%q: %v", tt.line, err)
		}
		if f == nil || !f.IsName {
			t.Fatalf("%q: expected name frame, got %+v", tt.line, f)
		}
		if f.Object != tt.obj || f.ID != tt.id || f.Name != tt.name {
			t.Fatalf("%q: got obj=%c id=%d name=%q", tt.line, f.Object, f.ID, f.Name)
		}
	}
}

func TestDecoderNameRunsToNextFrame(t *testing.T) {
	d := &Decoder{}
	d.Write([]byte("@I N L 1 Kitchen@A L 1\r"))

	f, err := d.Next()
	if err != nil || f == nil || !f.IsName || f.Name != "Kitchen" {
		t.Fatalf("name frame: got %+v err=%v", f, err)
	}
	f, err = d.Next()
	if err != nil || f == nil || f.Type != FrameAck || f.ID != 1 {
		t.Fatalf("ack frame: got %+v err=%v", f, err)
	}
}

func TestDecoderMalformedFrameResync(t *testing.T) {
	d := &Decoder{}
	d.Write([]byte("noise@I L xx 50\r@A L 3\r"))

	_, err := d.Next()
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	f, err := d.Next()
	if err != nil || f == nil || f.Type != FrameAck || f.Object != ObjectLight || f.ID != 3 {
		t.Fatalf("parsing did not resume: got %+v err=%v", f, err)
	}
}

func TestParseFrames(t *testing.T) {
	tests := []struct {
		line string
		want Frame
	}{
		{"A P", Frame{Type: FrameAck, Object: ObjectLogin}},
		{"A D", Frame{Type: FrameAck, Object: ObjectDate}},
		{"A C 7", Frame{Type: FrameAck, Object: ObjectCover, ID: 7}},
		{"N P 4", Frame{Type: FrameNack, Object: ObjectLogin, NackCode: 4}},
		{"N S 1 16", Frame{Type: FrameNack, Object: ObjectSecurity, ID: 1, NackCode: 16}},
		{"I Z 1 NNOCE", Frame{Type: FrameInfo, Object: ObjectZones, ID: 1, Fields: []string{"NNOCE"}}},
		{"I T 3 21.5", Frame{Type: FrameInfo, Object: ObjectTemp, ID: 3, Fields: []string{"21.5"}}},
		{"I H 1 20.5 25 R A", Frame{Type: FrameInfo, Object: ObjectHVAC, ID: 1, Fields: []string{"20.5", "25", "R", "A"}}},
	}
	for _, tt := range tests {
		f, err := parseFrame(tt.line)
		if err != nil {
			t.Fatalf("%q: %v", tt.line, err)
		}
		if f.Type != tt.want.Type || f.Object != tt.want.Object || f.ID != tt.want.ID || f.NackCode != tt.want.NackCode {
			t.Fatalf("%q: got %+v, want %+v", tt.line, f, tt.want)
		}
		if len(tt.want.Fields) != len(f.Fields) {
			t.Fatalf("%q: fields %v, want %v", tt.line, f.Fields, tt.want.Fields)
		}
		for i := range tt.want.Fields {
			if f.Fields[i] != tt.want.Fields[i] {
				t.Fatalf("%q: field %d = %q, want %q", tt.line, i, f.Fields[i], tt.want.Fields[i])
			}
		}
	}
}

func TestEncodeCommands(t *testing.T) {
	tests := []struct {
		name string
		got  func() ([]byte, error)
		want string
	}{
		{"light on", func() ([]byte, error) { return EncodeLightSet(3, 100) }, "@S L 3 100\r"},
		{"light dim", func() ([]byte, error) { return EncodeLightSet(3, 42) }, "@S L 3 42\r"},
		{"relay off", func() ([]byte, error) { return EncodeRelaySet(2, false) }, "@S R 2 C\r"},
		{"cover position", func() ([]byte, error) { return EncodeCoverSet(1, 75) }, "@S C 1 75\r"},
		{"cover stop", func() ([]byte, error) { return EncodeCoverStop(1) }, "@S C 1 S\r"},
		{"get", func() ([]byte, error) { return EncodeGet(ObjectHVAC, 2) }, "@G H 2\r"},
		{"get name", func() ([]byte, error) { return EncodeGetName(ObjectLight, 9) }, "@G N L 9\r"},
		{"login", func() ([]byte, error) { return EncodeLogin("000000") }, "@S P I 000000\r"},
		{"bypass", func() ([]byte, error) { return EncodeBypassSet("YNNY") }, "@S B 1 YNNY\r"},
		{"hvac", func() ([]byte, error) { return EncodeHVACSet(1, 20.5, 25, true, "A") }, "@S H 1 20.5 25 R A\r"},
	}
	for _, tt := range tests {
		raw, err := tt.got()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if string(raw) != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, raw, tt.want)
		}
	}
}

func TestEncodeSecurityCodeKeepsLeadingZeros(t *testing.T) {
	raw, err := EncodeSecuritySet(1, true, "012345")
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "@S S 1 A 012345\r" {
		t.Fatalf("got %q", raw)
	}
	raw, err = EncodeSecuritySet(1, false, "012345")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), " D 012345") {
		t.Fatalf("got %q", raw)
	}
}

func TestEncodeRejectsBadFields(t *testing.T) {
	cases := []func() ([]byte, error){
		func() ([]byte, error) { return EncodeLightSet(0, 50) },
		func() ([]byte, error) { return EncodeLightSet(1, 101) },
		func() ([]byte, error) { return EncodeCoverSet(1, -1) },
		func() ([]byte, error) { return EncodeBypassSet("YNX") },
		func() ([]byte, error) { return EncodeBypassSet("") },
		func() ([]byte, error) { return EncodeSecuritySet(1, true, "") },
		func() ([]byte, error) { return EncodeHVACSet(1, 20, 25, false, "Q") },
		func() ([]byte, error) { return EncodeLogin("has space") },
	}
	for i, fn := range cases {
		if _, err := fn(); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("case %d: got %v, want ErrInvalidCommand", i, err)
		}
	}
}

func TestEncodeDateSync(t *testing.T) {
	at := time.Date(2024, 3, 7, 15, 4, 9, 0, time.UTC)
	if got := string(EncodeDateSync(at)); got != "@S D 20240307150409\r" {
		t.Fatalf("got %q", got)
	}
}

func TestZoneStatusFromChar(t *testing.T) {
	tests := []struct {
		c    byte
		want ZoneStatus
		ok   bool
	}{
		{'N', ZoneNormal, true},
		{'C', ZoneClosed, true},
		{'O', ZoneTriggered, true},
		{'E', ZoneError, true},
		{'X', "", false},
	}
	for _, tt := range tests {
		got, ok := ZoneStatusFromChar(tt.c)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("char %c: got %q %v", tt.c, got, ok)
		}
	}
}

func TestHVACModeTranslation(t *testing.T) {
	for code, mode := range map[string]string{
		"A": "auto", "H": "heat", "C": "cool", "O": "off", "E": "economy", "N": "normal",
	} {
		got, ok := HVACModeFromCode(code)
		if !ok || got != mode {
			t.Fatalf("code %s: got %q %v", code, got, ok)
		}
		back, ok := HVACModeCode(mode)
		if !ok || back != code {
			t.Fatalf("mode %s: got %q %v", mode, back, ok)
		}
	}
	if _, ok := HVACModeFromCode("Z"); ok {
		t.Fatal("unknown code accepted")
	}
}

func TestNackText(t *testing.T) {
	if NackText(NackBadSecurityCode) != "bad security code" {
		t.Fatalf("got %q", NackText(NackBadSecurityCode))
	}
	if NackText(99) != "reason code 99" {
		t.Fatalf("got %q", NackText(99))
	}
}
