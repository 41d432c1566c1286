package panel

import (
	"context"
	"log/slog"
	"time"

	"cardio2e-bridge/internal/cardio"
)

// Link is the session surface the panel layer depends on. *cardio.Session
// satisfies it; tests inject fakes.
type Link interface {
	Request(ctx context.Context, req cardio.Request) (*cardio.Frame, error)
	Send(raw []byte) error
	State() cardio.ConnState
	Stats() cardio.Stats
}

// Status classifies the result of a command.
type Status int

const (
	StatusOK       Status = iota // panel acknowledged
	StatusRejected               // panel nacked
	StatusFailed                 // transport failure, timeout, bad input
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	}
	return "failed"
}

// Reason categorizes rejections for callers that react differently to, say,
// a bad alarm code versus open zones.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBadParameter
	ReasonNotFound
	ReasonDeviceBusy
	ReasonPermissionDenied
	ReasonUnsupported
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonBadParameter:
		return "bad_parameter"
	case ReasonNotFound:
		return "not_found"
	case ReasonDeviceBusy:
		return "device_busy"
	case ReasonPermissionDenied:
		return "permission_denied"
	case ReasonUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// reasonFromNack maps the panel's numeric reason codes to categories.
func reasonFromNack(code int) Reason {
	switch code {
	case cardio.NackUnknownObject, cardio.NackOutOfRange:
		return ReasonNotFound
	case cardio.NackInvalidParams, cardio.NackZoneIgnorable:
		return ReasonBadParameter
	case cardio.NackBadSecurityCode, cardio.NackRefusedArmed:
		return ReasonPermissionDenied
	case cardio.NackSetUnsupported, cardio.NackGetUnsupported:
		return ReasonUnsupported
	case cardio.NackZonesOpen, cardio.NackPowerProblem:
		return ReasonDeviceBusy
	}
	return ReasonUnknown
}

// Outcome is the result of one dispatched command.
type Outcome struct {
	Status Status `json:"status"`
	Reason Reason `json:"reason,omitempty"`
	Code   int    `json:"code,omitempty"` // raw device reason code
	Err    error  `json:"-"`
}

// OK reports whether the command was acknowledged.
func (o Outcome) OK() bool { return o.Status == StatusOK }

func accepted() Outcome { return Outcome{Status: StatusOK} }

func rejected(reason Reason, code int) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, Code: code}
}

func failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Reason: ReasonUnknown, Err: err}
}

// DeviceError is the payload of EventDeviceError events.
type DeviceError struct {
	Object string `json:"object"`
	ID     int    `json:"id"`
	Code   int    `json:"code"`
	Text   string `json:"text"`
}

// Limits is the configured entity population; commands outside it never
// touch the wire.
type Limits struct {
	Lights    int
	Switches  int
	Covers    int
	HVACZones int
	Zones     int
	AlarmCode string
}

// HVACCommand is a full HVAC zone setting. The panel rejects partial sets,
// so convenience methods merge with cached state before calling SetHVAC.
type HVACCommand struct {
	HeatSetpoint float64
	CoolSetpoint float64
	FanOn        bool
	Mode         string
}

// Dispatcher validates commands, runs them as wire transactions and folds
// acknowledged results back into the cache.
type Dispatcher struct {
	link   Link
	cache  *Cache
	events *EventBus
	limits Limits
	logger *slog.Logger

	// coverSettle bounds the follow-up position query after a stop.
	coverSettle time.Duration
}

// NewDispatcher creates a dispatcher over the given link and cache.
func NewDispatcher(link Link, cache *Cache, events *EventBus, limits Limits, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		link:        link,
		cache:       cache,
		events:      events,
		limits:      limits,
		logger:      logger.With("component", "dispatcher"),
		coverSettle: 3 * time.Second,
	}
}

// transact runs one request and maps nacks to outcomes. The reply frame is
// returned for callers that need its fields.
func (d *Dispatcher) transact(ctx context.Context, req cardio.Request) (*cardio.Frame, Outcome) {
	f, err := d.link.Request(ctx, req)
	if err != nil {
		return nil, failed(err)
	}
	if f.Type == cardio.FrameNack {
		d.events.Emit(Event{Type: EventDeviceError, Data: DeviceError{
			Object: f.Object.String(),
			ID:     f.ID,
			Code:   f.NackCode,
			Text:   cardio.NackText(f.NackCode),
		}})
		d.logger.Warn("command rejected", "object", f.Object.String(), "id", f.ID,
			"code", f.NackCode, "text", cardio.NackText(f.NackCode))
		return f, rejected(reasonFromNack(f.NackCode), f.NackCode)
	}
	return f, accepted()
}

// SetLight sets a light level (0 off, 1-100 on).
func (d *Dispatcher) SetLight(ctx context.Context, id, level int) Outcome {
	if id < 1 || id > d.limits.Lights {
		return rejected(ReasonNotFound, 0)
	}
	raw, err := cardio.EncodeLightSet(id, level)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	_, out := d.transact(ctx, cardio.SetRequest(raw, cardio.ObjectLight, id))
	if out.OK() {
		d.cache.ApplyStateUpdate(ClassLight, id, LightState{Level: level})
	}
	return out
}

// SetSwitch turns a relay output on or off.
func (d *Dispatcher) SetSwitch(ctx context.Context, id int, on bool) Outcome {
	if id < 1 || id > d.limits.Switches {
		return rejected(ReasonNotFound, 0)
	}
	raw, err := cardio.EncodeRelaySet(id, on)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	_, out := d.transact(ctx, cardio.SetRequest(raw, cardio.ObjectRelay, id))
	if out.OK() {
		d.cache.ApplyStateUpdate(ClassSwitch, id, SwitchState{On: on})
	}
	return out
}

// SetCoverPosition drives a cover to a position (0 closed, 100 open).
func (d *Dispatcher) SetCoverPosition(ctx context.Context, id, position int) Outcome {
	if id < 1 || id > d.limits.Covers {
		return rejected(ReasonNotFound, 0)
	}
	raw, err := cardio.EncodeCoverSet(id, position)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	_, out := d.transact(ctx, cardio.SetRequest(raw, cardio.ObjectCover, id))
	if out.OK() {
		d.cache.ApplyStateUpdate(ClassCover, id, CoverState{Position: position})
	}
	return out
}

// StopCover halts a moving cover. The panel acknowledges the stop without
// reporting where the cover came to rest, so the final position is resolved
// by a follow-up query that never blocks the caller.
func (d *Dispatcher) StopCover(ctx context.Context, id int) Outcome {
	if id < 1 || id > d.limits.Covers {
		return rejected(ReasonNotFound, 0)
	}
	raw, err := cardio.EncodeCoverStop(id)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	_, out := d.transact(ctx, cardio.SetRequest(raw, cardio.ObjectCover, id))
	if !out.OK() {
		return out
	}

	go func() {
		qctx, cancel := context.WithTimeout(context.Background(), d.coverSettle)
		defer cancel()
		req, err := cardio.GetRequest(cardio.ObjectCover, id)
		if err != nil {
			return
		}
		f, err := d.link.Request(qctx, req)
		if err != nil {
			d.logger.Warn("cover position query after stop failed", "id", id, "err", err)
			return
		}
		applyInfoFrame(d.cache, *f, d.limits.Zones, d.logger)
	}()
	return out
}

// SetHVAC applies a full HVAC tuple to one zone.
func (d *Dispatcher) SetHVAC(ctx context.Context, id int, cmd HVACCommand) Outcome {
	if id < 1 || id > d.limits.HVACZones {
		return rejected(ReasonNotFound, 0)
	}
	code, ok := cardio.HVACModeCode(cmd.Mode)
	if !ok {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter}
	}
	raw, err := cardio.EncodeHVACSet(id, cmd.HeatSetpoint, cmd.CoolSetpoint, cmd.FanOn, code)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	_, out := d.transact(ctx, cardio.SetRequest(raw, cardio.ObjectHVAC, id))
	if out.OK() {
		st := HVACState{
			HeatSetpoint: cmd.HeatSetpoint,
			CoolSetpoint: cmd.CoolSetpoint,
			FanOn:        cmd.FanOn,
			Mode:         cmd.Mode,
		}
		if prev, ok := d.cache.Get(ClassHVAC, id); ok {
			if ps, ok := prev.State.(HVACState); ok {
				st.CurrentTemp = ps.CurrentTemp
			}
		}
		d.cache.ApplyStateUpdate(ClassHVAC, id, st)
	}
	return out
}

// hvacCommand builds the full tuple from cached state, with conservative
// defaults when the zone was never seen.
func (d *Dispatcher) hvacCommand(id int) HVACCommand {
	cmd := HVACCommand{HeatSetpoint: 20, CoolSetpoint: 25, Mode: "auto"}
	if e, ok := d.cache.Get(ClassHVAC, id); ok {
		if st, ok := e.State.(HVACState); ok {
			cmd = HVACCommand{
				HeatSetpoint: st.HeatSetpoint,
				CoolSetpoint: st.CoolSetpoint,
				FanOn:        st.FanOn,
				Mode:         st.Mode,
			}
			if cmd.Mode == "" {
				cmd.Mode = "auto"
			}
		}
	}
	return cmd
}

// SetHVACMode changes only the mode, keeping cached setpoints and fan.
func (d *Dispatcher) SetHVACMode(ctx context.Context, id int, mode string) Outcome {
	cmd := d.hvacCommand(id)
	cmd.Mode = mode
	return d.SetHVAC(ctx, id, cmd)
}

// SetHVACFan changes only the fan, keeping cached setpoints and mode.
func (d *Dispatcher) SetHVACFan(ctx context.Context, id int, on bool) Outcome {
	cmd := d.hvacCommand(id)
	cmd.FanOn = on
	return d.SetHVAC(ctx, id, cmd)
}

// SetHVACSetpoints changes the setpoints, keeping cached mode and fan.
func (d *Dispatcher) SetHVACSetpoints(ctx context.Context, id int, heat, cool float64) Outcome {
	cmd := d.hvacCommand(id)
	cmd.HeatSetpoint = heat
	cmd.CoolSetpoint = cool
	return d.SetHVAC(ctx, id, cmd)
}

// Arm arms the partition. An empty code falls back to the configured one;
// the code is an opaque digit string end to end.
func (d *Dispatcher) Arm(ctx context.Context, code string) Outcome {
	return d.setSecurity(ctx, true, code)
}

// Disarm disarms the partition.
func (d *Dispatcher) Disarm(ctx context.Context, code string) Outcome {
	return d.setSecurity(ctx, false, code)
}

func (d *Dispatcher) setSecurity(ctx context.Context, arm bool, code string) Outcome {
	if code == "" {
		code = d.limits.AlarmCode
	}
	raw, err := cardio.EncodeSecuritySet(1, arm, code)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	_, out := d.transact(ctx, cardio.SetRequest(raw, cardio.ObjectSecurity, 1))
	if out.OK() {
		d.cache.ApplyStateUpdate(ClassAlarm, 1, AlarmState{Armed: arm})
	}
	return out
}

// BypassZones sets bypass flags for any number of zones in one transaction:
// the full Y/N mask is built from cached state plus the requested overrides.
func (d *Dispatcher) BypassZones(ctx context.Context, override map[int]bool) Outcome {
	for id := range override {
		if id < 1 || id > d.limits.Zones {
			return rejected(ReasonNotFound, 0)
		}
	}
	mask := d.cache.BypassMask(d.limits.Zones, override)
	raw, err := cardio.EncodeBypassSet(mask)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	_, out := d.transact(ctx, cardio.SetRequest(raw, cardio.ObjectBypass, 1))
	if out.OK() {
		for i := 0; i < len(mask); i++ {
			bypassed := mask[i] == 'Y'
			id := i + 1
			st := ZoneState{Bypassed: bypassed}
			if prev, ok := d.cache.Get(ClassZone, id); ok {
				if ps, ok := prev.State.(ZoneState); ok {
					st.Status = ps.Status
				}
			}
			d.cache.ApplyStateUpdate(ClassZone, id, st)
		}
	}
	return out
}

// Query fetches one object's state and folds the reply into the cache.
func (d *Dispatcher) Query(ctx context.Context, obj cardio.Object, id int) Outcome {
	req, err := cardio.GetRequest(obj, id)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	f, out := d.transact(ctx, req)
	if out.OK() {
		applyInfoFrame(d.cache, *f, d.limits.Zones, d.logger)
	}
	return out
}

// QueryName fetches one object's name and folds it into the cache.
func (d *Dispatcher) QueryName(ctx context.Context, obj cardio.Object, id int) Outcome {
	req, err := cardio.GetNameRequest(obj, id)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: ReasonBadParameter, Err: err}
	}
	f, out := d.transact(ctx, req)
	if out.OK() {
		applyInfoFrame(d.cache, *f, d.limits.Zones, d.logger)
	}
	return out
}

// SyncDate pushes the host clock to the panel.
func (d *Dispatcher) SyncDate(ctx context.Context) Outcome {
	raw := cardio.EncodeDateSync(time.Now())
	_, out := d.transact(ctx, cardio.Request{
		Raw:   raw,
		Match: cardio.Match{Object: cardio.ObjectDate},
	})
	return out
}
