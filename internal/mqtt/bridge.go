package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"cardio2e-bridge/internal/panel"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker            string
	Username          string
	Password          string
	TopicPrefix       string
	Discovery         bool
	DiscoveryPrefix   string
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "cardio2e"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// message is one MQTT publish.
type message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Bridge translates panel events to MQTT topics and MQTT commands to
// dispatcher calls. Command subscriptions are gated until the panel session
// first reaches ready.
type Bridge struct {
	client pahomqtt.Client
	panel  *panel.Controller
	cfg    Config
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready atomic.Bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl *panel.Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		panel:  ctrl,
		cfg:    cfg,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("cardio2e-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/status", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.prefix+"/status", []byte("online"), true)
			if b.ready.Load() {
				b.onPanelReady()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to panel events and begins publishing. Command topics
// open up once the session is ready.
func (b *Bridge) Start() {
	b.unsub = b.panel.Events().OnAll(b.handleEvent)

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.panel.Ready():
			b.ready.Store(true)
			b.onPanelReady()
		case <-b.ctx.Done():
		}
	}()
	go b.heartbeatLoop()

	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publish(b.prefix+"/status", []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onPanelReady publishes discovery, the full state snapshot, and opens the
// command subscriptions.
func (b *Bridge) onPanelReady() {
	if b.cfg.Discovery {
		b.publishAllDiscovery()
	}
	b.publishSnapshot()
	b.publish(b.prefix+"/errors/state", []byte("No errors."), true)
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event panel.Event) {
	switch event.Type {
	case panel.EventStateChange:
		sc, ok := event.Data.(panel.StateChange)
		if !ok {
			return
		}
		for _, m := range entityStateMessages(b.prefix, b.panel.Cache(), sc, b.panel.DimmerLight) {
			b.publish(m.Topic, m.Payload, m.Retain)
		}
	case panel.EventNameUpdate:
		nc, ok := event.Data.(panel.NameChange)
		if !ok || !b.cfg.Discovery || !b.ready.Load() {
			return
		}
		if e, found := b.panel.Cache().Get(nc.Class, nc.ID); found {
			b.publishEntityDiscovery(e)
		}
	case panel.EventDeviceError:
		de, ok := event.Data.(panel.DeviceError)
		if !ok {
			return
		}
		text := fmt.Sprintf("%s %d: %s", de.Object, de.ID, de.Text)
		b.publish(b.prefix+"/errors/state", []byte(text), true)
	case panel.EventSessionState:
		b.publishDiagnostics()
	}
}

// entityStateMessages maps one cache state change to its topic publishes.
func entityStateMessages(prefix string, cache *panel.Cache, sc panel.StateChange, dimmer func(int) bool) []message {
	switch st := sc.State.(type) {
	case panel.LightState:
		onOff := "OFF"
		if st.On() {
			onOff = "ON"
		}
		msgs := []message{{
			Topic: fmt.Sprintf("%s/light/state/%d", prefix, sc.ID), Payload: []byte(onOff), Retain: true,
		}}
		if dimmer != nil && dimmer(sc.ID) {
			msgs = append(msgs, message{
				Topic:   fmt.Sprintf("%s/light/brightness/%d", prefix, sc.ID),
				Payload: []byte(strconv.Itoa(st.Level)),
				Retain:  true,
			})
		}
		return msgs

	case panel.SwitchState:
		onOff := "OFF"
		if st.On {
			onOff = "ON"
		}
		return []message{{
			Topic: fmt.Sprintf("%s/switch/state/%d", prefix, sc.ID), Payload: []byte(onOff), Retain: true,
		}}

	case panel.CoverState:
		return []message{{
			Topic:   fmt.Sprintf("%s/cover/state/%d", prefix, sc.ID),
			Payload: []byte(strconv.Itoa(st.Position)),
			Retain:  true,
		}}

	case panel.HVACState:
		base := fmt.Sprintf("%s/hvac/%d/state", prefix, sc.ID)
		fan := "off"
		if st.FanOn {
			fan = "on"
		}
		return []message{
			{Topic: base + "/heating_setpoint", Payload: []byte(formatTemp(st.HeatSetpoint)), Retain: true},
			{Topic: base + "/cooling_setpoint", Payload: []byte(formatTemp(st.CoolSetpoint)), Retain: true},
			{Topic: base + "/fan", Payload: []byte(fan), Retain: true},
			{Topic: base + "/mode", Payload: []byte(st.Mode), Retain: true},
			{Topic: base + "/current_temperature", Payload: []byte(formatTemp(st.CurrentTemp)), Retain: true},
		}

	case panel.ZoneState:
		bypass := "OFF"
		if st.Bypassed {
			bypass = "ON"
		}
		return []message{
			{
				Topic:   fmt.Sprintf("%s/zone/state/%d", prefix, sc.ID),
				Payload: []byte(cache.PresentZone(sc.ID, st.Status)),
				Retain:  true,
			},
			{
				Topic:   fmt.Sprintf("%s/zone/bypass/state/%d", prefix, sc.ID),
				Payload: []byte(bypass),
				Retain:  true,
			},
		}

	case panel.AlarmState:
		state := "disarmed"
		if st.Armed {
			state = "armed_away"
		}
		return []message{{
			Topic: fmt.Sprintf("%s/alarm/state/%d", prefix, sc.ID), Payload: []byte(state), Retain: true,
		}}
	}
	return nil
}

func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// publishSnapshot republishes every cached entity, so retained topics are
// complete after a broker restart.
func (b *Bridge) publishSnapshot() {
	cache := b.panel.Cache()
	for _, class := range cache.Classes() {
		for _, e := range cache.List(class) {
			if e.State == nil {
				continue
			}
			sc := panel.StateChange{Class: e.Class, ID: e.ID, Name: e.Name, State: e.State}
			for _, m := range entityStateMessages(b.prefix, cache, sc, b.panel.DimmerLight) {
				b.publish(m.Topic, m.Payload, m.Retain)
			}
		}
	}
}

func (b *Bridge) publishAllDiscovery() {
	cache := b.panel.Cache()
	for _, class := range cache.Classes() {
		for _, e := range cache.List(class) {
			b.publishEntityDiscovery(e)
		}
	}
	m := diagnosticsDiscovery(b.prefix, b.cfg.DiscoveryPrefix)
	b.publish(m.Topic, m.Payload, true)
}

func (b *Bridge) publishEntityDiscovery(e panel.Entity) {
	var msgs []discoveryMessage
	switch e.Class {
	case panel.ClassLight:
		msgs = []discoveryMessage{lightDiscovery(e, b.panel.DimmerLight(e.ID), b.prefix, b.cfg.DiscoveryPrefix)}
	case panel.ClassSwitch:
		msgs = []discoveryMessage{switchDiscovery(e, b.prefix, b.cfg.DiscoveryPrefix)}
	case panel.ClassCover:
		msgs = []discoveryMessage{coverDiscovery(e, b.prefix, b.cfg.DiscoveryPrefix)}
	case panel.ClassHVAC:
		msgs = []discoveryMessage{hvacDiscovery(e, b.prefix, b.cfg.DiscoveryPrefix)}
	case panel.ClassAlarm:
		msgs = []discoveryMessage{alarmDiscovery(e, b.prefix, b.cfg.DiscoveryPrefix)}
	case panel.ClassZone:
		msgs = zoneDiscovery(e, b.prefix, b.cfg.DiscoveryPrefix)
	}
	for _, m := range msgs {
		b.publish(m.Topic, m.Payload, true)
	}
}

func (b *Bridge) subscribeCommands() {
	topics := []string{
		b.prefix + "/light/set/+",
		b.prefix + "/switch/set/+",
		b.prefix + "/cover/set/+",
		b.prefix + "/cover/command/+",
		b.prefix + "/hvac/+/set/+",
		b.prefix + "/alarm/set/+",
		b.prefix + "/zone/bypass/set/+",
	}
	for _, topic := range topics {
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.dispatchCommand(msg.Topic(), string(msg.Payload()))
		})
	}
	b.logger.Info("command topics subscribed")
}

// dispatchCommand parses one inbound command topic and runs it.
func (b *Bridge) dispatchCommand(topic, payload string) {
	b.panel.NoteCommand(topic + " " + payload)
	payload = strings.TrimSpace(payload)
	upper := strings.ToUpper(payload)

	rel := strings.TrimPrefix(topic, b.prefix+"/")
	parts := strings.Split(rel, "/")
	ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
	defer cancel()

	d := b.panel.Dispatch()
	var out panel.Outcome
	switch {
	case len(parts) == 3 && parts[0] == "light" && parts[1] == "set":
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			b.logger.Warn("bad light id", "topic", topic)
			return
		}
		level := -1
		switch upper {
		case "ON":
			level = 100
		case "OFF":
			level = 0
		default:
			if v, err := strconv.Atoi(payload); err == nil {
				level = v
			}
		}
		if level < 0 {
			b.logger.Warn("bad light payload", "topic", topic, "payload", payload)
			return
		}
		out = d.SetLight(ctx, id, level)

	case len(parts) == 3 && parts[0] == "switch" && parts[1] == "set":
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			return
		}
		out = d.SetSwitch(ctx, id, upper == "ON")

	case len(parts) == 3 && parts[0] == "cover" && parts[1] == "set":
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			return
		}
		pos, err := strconv.Atoi(payload)
		if err != nil {
			b.logger.Warn("bad cover position", "topic", topic, "payload", payload)
			return
		}
		out = d.SetCoverPosition(ctx, id, pos)

	case len(parts) == 3 && parts[0] == "cover" && parts[1] == "command":
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			return
		}
		switch upper {
		case "OPEN":
			out = d.SetCoverPosition(ctx, id, 100)
		case "CLOSE":
			out = d.SetCoverPosition(ctx, id, 0)
		case "STOP":
			out = d.StopCover(ctx, id)
		default:
			b.logger.Warn("bad cover command", "topic", topic, "payload", payload)
			return
		}

	case len(parts) == 4 && parts[0] == "hvac" && parts[2] == "set":
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		out = b.hvacCommand(ctx, id, parts[3], payload)

	case len(parts) == 3 && parts[0] == "alarm" && parts[1] == "set":
		switch upper {
		case "ARMED_AWAY", "ARM_AWAY":
			out = d.Arm(ctx, "")
		case "DISARMED", "DISARM":
			out = d.Disarm(ctx, "")
		default:
			b.logger.Warn("bad alarm payload", "topic", topic, "payload", payload)
			return
		}

	case len(parts) == 4 && parts[0] == "zone" && parts[1] == "bypass" && parts[2] == "set":
		id, err := strconv.Atoi(parts[3])
		if err != nil {
			return
		}
		out = d.BypassZones(ctx, map[int]bool{id: upper == "ON"})

	default:
		b.logger.Warn("unhandled command topic", "topic", topic)
		return
	}

	if !out.OK() {
		b.logger.Warn("command not accepted", "topic", topic, "payload", payload,
			"reason", out.Reason.String(), "err", out.Err)
	}
}

func (b *Bridge) hvacCommand(ctx context.Context, id int, key, payload string) panel.Outcome {
	d := b.panel.Dispatch()
	switch key {
	case "mode":
		return d.SetHVACMode(ctx, id, strings.ToLower(payload))
	case "fan":
		return d.SetHVACFan(ctx, id, strings.EqualFold(payload, "on"))
	case "heating_setpoint", "cooling_setpoint", "temperature":
		v, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			b.logger.Warn("bad setpoint", "id", id, "key", key, "payload", payload)
			return panel.Outcome{Status: panel.StatusFailed, Reason: panel.ReasonBadParameter}
		}
		heat, cool := currentSetpoints(b.panel.Cache(), id)
		if key == "heating_setpoint" {
			heat = v
		} else {
			cool = v
		}
		return d.SetHVACSetpoints(ctx, id, heat, cool)
	}
	b.logger.Warn("unknown hvac key", "id", id, "key", key)
	return panel.Outcome{Status: panel.StatusFailed, Reason: panel.ReasonBadParameter}
}

func currentSetpoints(cache *panel.Cache, id int) (heat, cool float64) {
	heat, cool = 20, 25
	if e, ok := cache.Get(panel.ClassHVAC, id); ok {
		if st, ok := e.State.(panel.HVACState); ok {
			heat, cool = st.HeatSetpoint, st.CoolSetpoint
		}
	}
	return heat, cool
}

func (b *Bridge) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.publish(b.prefix+"/heartbeat", []byte(time.Now().Format(time.RFC3339)), false)
			b.publishDiagnostics()
		}
	}
}

func (b *Bridge) publishDiagnostics() {
	b.publish(b.prefix+"/diagnostics/state", mustJSON(b.panel.Diagnostics()), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
