package panel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cardio2e-bridge/internal/cardio"
)

// SessionLink is the full session surface the controller wires up.
// *cardio.Session satisfies it.
type SessionLink interface {
	Link
	OnNotification(func(cardio.Frame))
	OnStateChange(func(cardio.ConnState))
	SetInitializer(func(context.Context) error)
	Start(ctx context.Context)
	Close() error
}

// Config is the panel-side configuration: entity population and the
// per-class prefetch toggles.
type Config struct {
	Lights    int
	Switches  int
	Covers    int
	HVACZones int
	Zones     int

	FetchLightNames  bool
	FetchSwitchNames bool
	FetchCoverNames  bool
	FetchZoneNames   bool
	FetchHVACNames   bool

	SkipInitLightState  bool
	SkipInitSwitchState bool
	SkipInitCoverState  bool

	ForceIncludeLights []int
	DimmerLights       []int
	ZonesNormalAsOff   []int

	AlarmCode        string
	DateSyncInterval time.Duration
}

// SessionState is the payload of EventSessionState events.
type SessionState struct {
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
}

// Diagnostics is a health snapshot for the diagnostics topic and status API.
type Diagnostics struct {
	UptimeSeconds  int64  `json:"uptime_seconds"`
	SessionState   string `json:"session_state"`
	RetryCount     int    `json:"retry_count"`
	FramesIn       uint64 `json:"frames_in"`
	DecodeErrors   uint64 `json:"decode_errors"`
	DeviceErrors   uint64 `json:"device_errors"`
	CommandsServed uint64 `json:"commands_served"`
	LastCommand    string `json:"last_command,omitempty"`
}

// Controller glues the session to the cache and dispatcher: it feeds
// notifications into the cache, runs the post-login prefetch, republishes
// lifecycle transitions on the event bus and keeps the panel clock synced.
type Controller struct {
	link       SessionLink
	cache      *Cache
	events     *EventBus
	dispatcher *Dispatcher
	cfg        Config
	logger     *slog.Logger

	startTime    time.Time
	deviceErrors atomic.Uint64
	commands     atomic.Uint64
	lastCommand  atomic.Value // string

	readyOnce sync.Once
	readyCh   chan struct{}

	dimmer map[int]bool
}

// NewController builds the panel layer on top of a session link.
func NewController(link SessionLink, events *EventBus, cfg Config, logger *slog.Logger) *Controller {
	cache := NewCache(events, cfg.ZonesNormalAsOff, logger)
	limits := Limits{
		Lights:    cfg.Lights,
		Switches:  cfg.Switches,
		Covers:    cfg.Covers,
		HVACZones: cfg.HVACZones,
		Zones:     cfg.Zones,
		AlarmCode: cfg.AlarmCode,
	}
	dimmer := make(map[int]bool, len(cfg.DimmerLights))
	for _, id := range cfg.DimmerLights {
		dimmer[id] = true
	}
	c := &Controller{
		link:       link,
		cache:      cache,
		events:     events,
		dispatcher: NewDispatcher(link, cache, events, limits, logger),
		cfg:        cfg,
		logger:     logger.With("component", "panel"),
		startTime:  time.Now(),
		readyCh:    make(chan struct{}),
		dimmer:     dimmer,
	}
	c.lastCommand.Store("")
	cache.ForceInclude(ClassLight, cfg.ForceIncludeLights...)

	events.On(EventDeviceError, func(Event) { c.deviceErrors.Add(1) })

	link.OnNotification(c.handleNotification)
	link.OnStateChange(c.handleSessionState)
	link.SetInitializer(c.initialize)
	return c
}

// Cache exposes the entity cache (read paths: MQTT, web, automations).
func (c *Controller) Cache() *Cache { return c.cache }

// Dispatch exposes the command dispatcher.
func (c *Controller) Dispatch() *Dispatcher { return c.dispatcher }

// Events exposes the panel event bus.
func (c *Controller) Events() *EventBus { return c.events }

// DimmerLight reports whether a light id is configured as dimmable.
func (c *Controller) DimmerLight(id int) bool { return c.dimmer[id] }

// Ready is closed the first time the session reaches the ready state.
// Outward-facing surfaces gate their command handling on it.
func (c *Controller) Ready() <-chan struct{} { return c.readyCh }

// SessionState returns the current link state name.
func (c *Controller) SessionState() string { return c.link.State().String() }

// Start launches the session lifecycle and the clock sync loop.
func (c *Controller) Start(ctx context.Context) {
	c.link.Start(ctx)
	go c.runDateSync(ctx)
}

// Close shuts the session down.
func (c *Controller) Close() error { return c.link.Close() }

// NoteCommand records the last externally issued command for diagnostics.
func (c *Controller) NoteCommand(desc string) {
	c.commands.Add(1)
	c.lastCommand.Store(desc)
}

// Diagnostics returns a health snapshot.
func (c *Controller) Diagnostics() Diagnostics {
	stats := c.link.Stats()
	last, _ := c.lastCommand.Load().(string)
	return Diagnostics{
		UptimeSeconds:  int64(time.Since(c.startTime).Seconds()),
		SessionState:   c.link.State().String(),
		RetryCount:     stats.RetryCount,
		FramesIn:       stats.FramesIn,
		DecodeErrors:   stats.DecodeErrors,
		DeviceErrors:   c.deviceErrors.Load(),
		CommandsServed: c.commands.Load(),
		LastCommand:    last,
	}
}

// handleNotification folds unsolicited frames into the cache. The login
// burst arrives here too, so the cache warms up before the prefetch runs.
func (c *Controller) handleNotification(f cardio.Frame) {
	switch f.Type {
	case cardio.FrameInfo:
		applyInfoFrame(c.cache, f, c.cfg.Zones, c.logger)
	case cardio.FrameNack:
		c.events.Emit(Event{Type: EventDeviceError, Data: DeviceError{
			Object: f.Object.String(),
			ID:     f.ID,
			Code:   f.NackCode,
			Text:   cardio.NackText(f.NackCode),
		}})
	case cardio.FrameAck:
		c.logger.Debug("unsolicited ack", "object", f.Object.String(), "id", f.ID)
	}
}

func (c *Controller) handleSessionState(st cardio.ConnState) {
	if st == cardio.StateReady {
		c.readyOnce.Do(func() { close(c.readyCh) })
	}
	c.events.Emit(Event{Type: EventSessionState, Data: SessionState{
		State:      st.String(),
		RetryCount: c.link.Stats().RetryCount,
	}})
}

// initialize is the post-login prefetch: names where configured, then
// current state per class. Rejections are skipped, transport failures abort
// so the session can tear down and retry.
func (c *Controller) initialize(ctx context.Context) error {
	type classPlan struct {
		obj        cardio.Object
		count      int
		fetchNames bool
		fetchState bool
	}
	plans := []classPlan{
		{cardio.ObjectLight, c.cfg.Lights, c.cfg.FetchLightNames, !c.cfg.SkipInitLightState},
		{cardio.ObjectRelay, c.cfg.Switches, c.cfg.FetchSwitchNames, !c.cfg.SkipInitSwitchState},
		{cardio.ObjectCover, c.cfg.Covers, c.cfg.FetchCoverNames, !c.cfg.SkipInitCoverState},
		{cardio.ObjectHVAC, c.cfg.HVACZones, c.cfg.FetchHVACNames, true},
		{cardio.ObjectZones, c.cfg.Zones, c.cfg.FetchZoneNames, false},
	}
	for _, p := range plans {
		for id := 1; id <= p.count; id++ {
			if p.fetchNames {
				if out := c.dispatcher.QueryName(ctx, p.obj, id); out.Status == StatusFailed {
					return out.Err
				}
			}
			if p.fetchState {
				if out := c.dispatcher.Query(ctx, p.obj, id); out.Status == StatusFailed {
					return out.Err
				}
			}
		}
	}

	// HVAC current temperatures ride on their own object letter.
	for id := 1; id <= c.cfg.HVACZones; id++ {
		if out := c.dispatcher.Query(ctx, cardio.ObjectTemp, id); out.Status == StatusFailed {
			return out.Err
		}
	}

	// Bulk zone and bypass states, and the partition, arrive in one
	// transaction each.
	if c.cfg.Zones > 0 {
		if out := c.dispatcher.Query(ctx, cardio.ObjectZones, 1); out.Status == StatusFailed {
			return out.Err
		}
		if out := c.dispatcher.Query(ctx, cardio.ObjectBypass, 1); out.Status == StatusFailed {
			return out.Err
		}
	}
	if out := c.dispatcher.Query(ctx, cardio.ObjectSecurity, 1); out.Status == StatusFailed {
		return out.Err
	}

	if out := c.dispatcher.SyncDate(ctx); out.Status == StatusFailed {
		c.logger.Warn("initial clock sync failed", "err", out.Err)
	}
	c.logger.Info("panel state prefetch complete")
	return nil
}

// runDateSync keeps the panel clock aligned while the session is ready.
func (c *Controller) runDateSync(ctx context.Context) {
	if c.cfg.DateSyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.DateSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.link.State() != cardio.StateReady {
				continue
			}
			if out := c.dispatcher.SyncDate(ctx); !out.OK() {
				c.logger.Warn("clock sync failed", "reason", out.Reason.String(), "err", out.Err)
			}
		}
	}
}
