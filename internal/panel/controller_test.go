package panel

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"cardio2e-bridge/internal/cardio"
)

// scriptedPanel answers like a live panel: names, states and acks.
func scriptedPanel(req cardio.Request) (*cardio.Frame, error) {
	m := req.Match
	if m.Name {
		return &cardio.Frame{Type: cardio.FrameInfo, Object: m.Object, ID: m.ID,
			IsName: true, Name: fmt.Sprintf("%c name %d", m.Object, m.ID)}, nil
	}
	if m.Info {
		var fields []string
		switch m.Object {
		case cardio.ObjectLight:
			fields = []string{"25"}
		case cardio.ObjectRelay:
			fields = []string{"O"}
		case cardio.ObjectCover:
			fields = []string{"50"}
		case cardio.ObjectHVAC:
			fields = []string{"20", "25", "S", "H"}
		case cardio.ObjectTemp:
			fields = []string{"22.5"}
		case cardio.ObjectZones:
			fields = []string{"NO"}
		case cardio.ObjectBypass:
			fields = []string{"NY"}
		case cardio.ObjectSecurity:
			fields = []string{"D"}
		}
		return &cardio.Frame{Type: cardio.FrameInfo, Object: m.Object, ID: m.ID, Fields: fields}, nil
	}
	return &cardio.Frame{Type: cardio.FrameAck, Object: m.Object, ID: m.ID}, nil
}

func newTestController(link SessionLink) *Controller {
	cfg := Config{
		Lights: 2, Switches: 1, Covers: 1, HVACZones: 1, Zones: 2,
		FetchLightNames: true, FetchZoneNames: true,
		AlarmCode: "012345",
	}
	return NewController(link, NewEventBus(testLogger()), cfg, testLogger())
}

func TestControllerPrefetchPopulatesCache(t *testing.T) {
	link := newFakeLink(scriptedPanel)
	c := newTestController(link)

	if err := link.initFn(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	e, ok := c.Cache().Get(ClassLight, 1)
	if !ok || e.Name != "L name 1" || e.State.(LightState).Level != 25 {
		t.Fatalf("light 1 = %+v", e)
	}
	e, _ = c.Cache().Get(ClassHVAC, 1)
	st := e.State.(HVACState)
	if st.Mode != "heat" || st.CurrentTemp != 22.5 {
		t.Fatalf("hvac 1 = %+v", st)
	}
	e, _ = c.Cache().Get(ClassZone, 2)
	zs := e.State.(ZoneState)
	if zs.Status != cardio.ZoneTriggered || !zs.Bypassed {
		t.Fatalf("zone 2 = %+v", zs)
	}
	e, _ = c.Cache().Get(ClassAlarm, 1)
	if e.State.(AlarmState).Armed {
		t.Fatal("alarm should start disarmed")
	}

	// The prefetch ends with a clock sync.
	sent := link.sent()
	if !strings.HasPrefix(sent[len(sent)-1], "@S D ") {
		t.Fatalf("last frame = %q", sent[len(sent)-1])
	}
}

func TestControllerPrefetchSkipsRejectedObjects(t *testing.T) {
	link := newFakeLink(func(req cardio.Request) (*cardio.Frame, error) {
		if req.Match.Object == cardio.ObjectLight && req.Match.ID == 1 {
			return nackFor(req, cardio.NackGetUnsupported)
		}
		return scriptedPanel(req)
	})
	c := newTestController(link)

	if err := link.initFn(context.Background()); err != nil {
		t.Fatalf("a rejection must not abort the prefetch: %v", err)
	}
	if e, _ := c.Cache().Get(ClassLight, 2); e.State.(LightState).Level != 25 {
		t.Fatal("prefetch stopped after the rejected object")
	}
}

func TestControllerReadyGating(t *testing.T) {
	link := newFakeLink(scriptedPanel)
	c := newTestController(link)

	select {
	case <-c.Ready():
		t.Fatal("ready before the session ever connected")
	default:
	}

	var sessionEvents []Event
	c.Events().On(EventSessionState, func(e Event) { sessionEvents = append(sessionEvents, e) })

	link.onState(cardio.StateReady)
	select {
	case <-c.Ready():
	default:
		t.Fatal("ready channel not closed")
	}

	// Later transitions must not panic the once-gate.
	link.onState(cardio.StateReconnecting)
	link.onState(cardio.StateReady)

	if len(sessionEvents) != 3 {
		t.Fatalf("got %d session events", len(sessionEvents))
	}
	ss := sessionEvents[1].Data.(SessionState)
	if ss.State != "reconnecting" {
		t.Fatalf("event state = %q", ss.State)
	}
}

func TestControllerNotificationPath(t *testing.T) {
	link := newFakeLink(scriptedPanel)
	c := newTestController(link)

	link.onNotify(cardio.Frame{Type: cardio.FrameInfo, Object: cardio.ObjectLight,
		ID: 1, Fields: []string{"80"}})
	e, _ := c.Cache().Get(ClassLight, 1)
	if e.State.(LightState).Level != 80 {
		t.Fatalf("light = %+v", e.State)
	}

	link.onNotify(cardio.Frame{Type: cardio.FrameNack, Object: cardio.ObjectSecurity,
		ID: 1, NackCode: cardio.NackPowerProblem})
	if d := c.Diagnostics(); d.DeviceErrors != 1 {
		t.Fatalf("device errors = %d", d.DeviceErrors)
	}
}

func TestControllerDiagnostics(t *testing.T) {
	link := newFakeLink(scriptedPanel)
	c := newTestController(link)

	c.NoteCommand("light/2 =60")
	d := c.Diagnostics()
	if d.CommandsServed != 1 || d.LastCommand != "light/2 =60" {
		t.Fatalf("diagnostics = %+v", d)
	}
	if d.SessionState != "ready" {
		t.Fatalf("session state = %q", d.SessionState)
	}
}
