package panel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cardio2e-bridge/internal/cardio"
)

// fakeLink scripts the session seam. The handler maps outbound raw frames to
// replies; every request is recorded.
type fakeLink struct {
	mu       sync.Mutex
	requests []string
	handler  func(req cardio.Request) (*cardio.Frame, error)
	state    cardio.ConnState

	onNotify func(cardio.Frame)
	onState  func(cardio.ConnState)
	initFn   func(context.Context) error
}

func newFakeLink(handler func(req cardio.Request) (*cardio.Frame, error)) *fakeLink {
	return &fakeLink{handler: handler, state: cardio.StateReady}
}

func (l *fakeLink) Request(ctx context.Context, req cardio.Request) (*cardio.Frame, error) {
	l.mu.Lock()
	l.requests = append(l.requests, string(req.Raw))
	l.mu.Unlock()
	return l.handler(req)
}

func (l *fakeLink) Send(raw []byte) error       { return nil }
func (l *fakeLink) State() cardio.ConnState     { return l.state }
func (l *fakeLink) Stats() cardio.Stats         { return cardio.Stats{} }
func (l *fakeLink) Start(ctx context.Context)   {}
func (l *fakeLink) Close() error                { return nil }
func (l *fakeLink) OnNotification(fn func(cardio.Frame)) { l.onNotify = fn }
func (l *fakeLink) OnStateChange(fn func(cardio.ConnState)) { l.onState = fn }
func (l *fakeLink) SetInitializer(fn func(context.Context) error) { l.initFn = fn }

func (l *fakeLink) sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.requests...)
}

func ackFor(req cardio.Request) (*cardio.Frame, error) {
	return &cardio.Frame{Type: cardio.FrameAck, Object: req.Match.Object, ID: req.Match.ID}, nil
}

func nackFor(req cardio.Request, code int) (*cardio.Frame, error) {
	return &cardio.Frame{Type: cardio.FrameNack, Object: req.Match.Object, ID: req.Match.ID, NackCode: code}, nil
}

func newTestDispatcher(link Link, limits Limits) (*Dispatcher, *Cache, *EventBus) {
	events := NewEventBus(testLogger())
	cache := NewCache(events, nil, testLogger())
	return NewDispatcher(link, cache, events, limits, testLogger()), cache, events
}

func TestDispatcherValidatesBeforeWire(t *testing.T) {
	link := newFakeLink(ackFor)
	d, _, _ := newTestDispatcher(link, Limits{Lights: 4, Covers: 2})

	out := d.SetLight(context.Background(), 5, 100)
	if out.Status != StatusRejected || out.Reason != ReasonNotFound {
		t.Fatalf("got %+v", out)
	}
	out = d.SetLight(context.Background(), 1, 150)
	if out.Status != StatusFailed || out.Reason != ReasonBadParameter {
		t.Fatalf("got %+v", out)
	}
	if n := len(link.sent()); n != 0 {
		t.Fatalf("%d frames reached the wire, want 0", n)
	}
}

func TestDispatcherAckUpdatesCache(t *testing.T) {
	link := newFakeLink(ackFor)
	d, cache, _ := newTestDispatcher(link, Limits{Lights: 4, Switches: 2})

	if out := d.SetLight(context.Background(), 2, 60); !out.OK() {
		t.Fatalf("got %+v", out)
	}
	e, _ := cache.Get(ClassLight, 2)
	if e.State.(LightState).Level != 60 {
		t.Fatalf("cache state = %+v", e.State)
	}

	sent := link.sent()
	if len(sent) != 1 || sent[0] != "@S L 2 60\r" {
		t.Fatalf("sent = %q", sent)
	}
}

func TestDispatcherNackMapping(t *testing.T) {
	tests := []struct {
		code int
		want Reason
	}{
		{cardio.NackOutOfRange, ReasonNotFound},
		{cardio.NackInvalidParams, ReasonBadParameter},
		{cardio.NackBadSecurityCode, ReasonPermissionDenied},
		{cardio.NackRefusedArmed, ReasonPermissionDenied},
		{cardio.NackSetUnsupported, ReasonUnsupported},
		{cardio.NackZonesOpen, ReasonDeviceBusy},
		{99, ReasonUnknown},
	}
	for _, tt := range tests {
		link := newFakeLink(func(req cardio.Request) (*cardio.Frame, error) {
			return nackFor(req, tt.code)
		})
		d, cache, events := newTestDispatcher(link, Limits{Switches: 2})
		errs := collect(events, EventDeviceError)

		out := d.SetSwitch(context.Background(), 1, true)
		if out.Status != StatusRejected || out.Reason != tt.want || out.Code != tt.code {
			t.Fatalf("code %d: got %+v, want reason %v", tt.code, out, tt.want)
		}
		if len(*errs) != 1 {
			t.Fatalf("code %d: %d device error events", tt.code, len(*errs))
		}
		// Rejected commands never touch the cache.
		if _, ok := cache.Get(ClassSwitch, 1); ok {
			t.Fatalf("code %d: cache updated on nack", tt.code)
		}
	}
}

func TestStopCoverQueriesFinalPosition(t *testing.T) {
	link := newFakeLink(func(req cardio.Request) (*cardio.Frame, error) {
		if req.Match.Info {
			return &cardio.Frame{Type: cardio.FrameInfo, Object: cardio.ObjectCover,
				ID: req.Match.ID, Fields: []string{"37"}}, nil
		}
		return ackFor(req)
	})
	d, cache, _ := newTestDispatcher(link, Limits{Covers: 2})

	out := d.StopCover(context.Background(), 1)
	if !out.OK() {
		t.Fatalf("got %+v", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e, ok := cache.Get(ClassCover, 1); ok {
			if cs, ok := e.State.(CoverState); ok && cs.Position == 37 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("final cover position never resolved")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sent := link.sent()
	if sent[0] != "@S C 1 S\r" {
		t.Fatalf("stop frame = %q", sent[0])
	}
	if sent[len(sent)-1] != "@G C 1\r" {
		t.Fatalf("follow-up frame = %q", sent[len(sent)-1])
	}
}

func TestBypassZonesIsOneTransaction(t *testing.T) {
	link := newFakeLink(ackFor)
	d, cache, _ := newTestDispatcher(link, Limits{Zones: 4})
	cache.ApplyStateUpdate(ClassZone, 2, ZoneState{Status: cardio.ZoneNormal, Bypassed: true})

	out := d.BypassZones(context.Background(), map[int]bool{3: true, 4: true})
	if !out.OK() {
		t.Fatalf("got %+v", out)
	}

	sent := link.sent()
	if len(sent) != 1 {
		t.Fatalf("%d transactions, want 1: %q", len(sent), sent)
	}
	if sent[0] != "@S B 1 NYYY\r" {
		t.Fatalf("sent = %q", sent[0])
	}

	e, _ := cache.Get(ClassZone, 3)
	zs := e.State.(ZoneState)
	if !zs.Bypassed {
		t.Fatal("bypass not folded into cache")
	}
}

func TestBypassZonesRejectsUnknownZone(t *testing.T) {
	link := newFakeLink(ackFor)
	d, _, _ := newTestDispatcher(link, Limits{Zones: 4})
	out := d.BypassZones(context.Background(), map[int]bool{9: true})
	if out.Status != StatusRejected || out.Reason != ReasonNotFound {
		t.Fatalf("got %+v", out)
	}
	if len(link.sent()) != 0 {
		t.Fatal("reached the wire")
	}
}

func TestSetHVACModeMergesCachedState(t *testing.T) {
	link := newFakeLink(ackFor)
	d, cache, _ := newTestDispatcher(link, Limits{HVACZones: 2})
	cache.ApplyStateUpdate(ClassHVAC, 1, HVACState{
		HeatSetpoint: 19, CoolSetpoint: 26, FanOn: true, Mode: "heat", CurrentTemp: 21,
	})

	out := d.SetHVACMode(context.Background(), 1, "cool")
	if !out.OK() {
		t.Fatalf("got %+v", out)
	}
	sent := link.sent()
	if sent[0] != "@S H 1 19 26 R C\r" {
		t.Fatalf("sent = %q", sent[0])
	}

	e, _ := cache.Get(ClassHVAC, 1)
	st := e.State.(HVACState)
	if st.Mode != "cool" || st.CurrentTemp != 21 {
		t.Fatalf("cache = %+v", st)
	}
}

func TestSecurityCodePassedVerbatim(t *testing.T) {
	link := newFakeLink(ackFor)
	d, cache, _ := newTestDispatcher(link, Limits{AlarmCode: "012345"})

	if out := d.Arm(context.Background(), ""); !out.OK() {
		t.Fatalf("got %+v", out)
	}
	sent := link.sent()
	if !strings.Contains(sent[0], "A 012345") {
		t.Fatalf("leading zeros lost: %q", sent[0])
	}
	e, _ := cache.Get(ClassAlarm, 1)
	if !e.State.(AlarmState).Armed {
		t.Fatal("armed state not cached")
	}

	if out := d.Disarm(context.Background(), "999"); !out.OK() {
		t.Fatalf("got %+v", out)
	}
	sent = link.sent()
	if !strings.Contains(sent[1], "D 999") {
		t.Fatalf("explicit code ignored: %q", sent[1])
	}
}
