package panel

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"cardio2e-bridge/internal/cardio"
)

// Class is the external entity class of a panel object.
type Class string

const (
	ClassLight  Class = "light"
	ClassSwitch Class = "switch"
	ClassCover  Class = "cover"
	ClassHVAC   Class = "hvac"
	ClassZone   Class = "zone"
	ClassAlarm  Class = "alarm"
)

// Entity state values. These are small comparable structs so the cache can
// detect no-op updates with a plain comparison.

type LightState struct {
	Level int `json:"level"` // 0-100
}

func (s LightState) On() bool { return s.Level > 0 }

type SwitchState struct {
	On bool `json:"on"`
}

type CoverState struct {
	Position int `json:"position"` // 0 closed, 100 open
}

type ZoneState struct {
	Status   cardio.ZoneStatus `json:"status"`
	Bypassed bool              `json:"bypassed"`
}

type HVACState struct {
	HeatSetpoint float64 `json:"heat_setpoint"`
	CoolSetpoint float64 `json:"cool_setpoint"`
	FanOn        bool    `json:"fan_on"`
	Mode         string  `json:"mode"` // external vocabulary, never wire codes
	CurrentTemp  float64 `json:"current_temp"`
}

type AlarmState struct {
	Armed bool `json:"armed"`
}

// Entity is one cached panel object. State is nil until the first update.
type Entity struct {
	Class      Class     `json:"class"`
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	State      any       `json:"state"`
	LastUpdate time.Time `json:"last_update"`
}

// StateChange is the payload of EventStateChange events.
type StateChange struct {
	Class Class  `json:"class"`
	ID    int    `json:"id"`
	Name  string `json:"name"`
	State any    `json:"state"`
}

// NameChange is the payload of EventNameUpdate events.
type NameChange struct {
	Class Class  `json:"class"`
	ID    int    `json:"id"`
	Name  string `json:"name"`
}

// AlarmChange is the payload of EventAlarm events, emitted when a
// partition's armed state flips.
type AlarmChange struct {
	ID    int  `json:"id"`
	Armed bool `json:"armed"`
}

// Cache holds the last known state of every panel object. It is rebuilt from
// scratch on each startup; nothing is persisted.
type Cache struct {
	mu          sync.RWMutex
	entities    map[Class]map[int]*Entity
	normalAsOff map[int]bool
	events      *EventBus
	logger      *slog.Logger
}

// NewCache creates an empty cache. zonesNormalAsOff lists the zone ids whose
// Normal status presents as Off externally.
func NewCache(events *EventBus, zonesNormalAsOff []int, logger *slog.Logger) *Cache {
	nao := make(map[int]bool, len(zonesNormalAsOff))
	for _, id := range zonesNormalAsOff {
		nao[id] = true
	}
	return &Cache{
		entities:    make(map[Class]map[int]*Entity),
		normalAsOff: nao,
		events:      events,
		logger:      logger.With("component", "cache"),
	}
}

// ensureLocked returns the entity, creating a placeholder if needed.
func (c *Cache) ensureLocked(class Class, id int) *Entity {
	byID := c.entities[class]
	if byID == nil {
		byID = make(map[int]*Entity)
		c.entities[class] = byID
	}
	e := byID[id]
	if e == nil {
		e = &Entity{Class: class, ID: id}
		byID[id] = e
	}
	return e
}

// ForceInclude registers entities that must exist and be published even if
// the panel never mentioned them.
func (c *Cache) ForceInclude(class Class, ids ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.ensureLocked(class, id)
	}
}

// ApplyNameResult merges a name into the cache. A blank name never
// overwrites a non-blank one.
func (c *Cache) ApplyNameResult(class Class, id int, name string) {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	e := c.ensureLocked(class, id)
	if name == "" && e.Name != "" {
		c.mu.Unlock()
		return
	}
	changed := e.Name != name
	e.Name = name
	c.mu.Unlock()

	if changed && name != "" {
		c.events.Emit(Event{Type: EventNameUpdate, Data: NameChange{Class: class, ID: id, Name: name}})
	}
}

// ApplyStateUpdate replaces an entity's state. The new value always wins;
// a change event is emitted only when the value actually differs.
func (c *Cache) ApplyStateUpdate(class Class, id int, state any) {
	c.mu.Lock()
	e := c.ensureLocked(class, id)
	changed := e.State != state
	e.State = state
	e.LastUpdate = time.Now()
	name := e.Name
	c.mu.Unlock()

	if !changed {
		return
	}
	c.events.Emit(Event{Type: EventStateChange, Data: StateChange{
		Class: class, ID: id, Name: name, State: state,
	}})
	if as, ok := state.(AlarmState); ok && class == ClassAlarm {
		c.events.Emit(Event{Type: EventAlarm, Data: AlarmChange{ID: id, Armed: as.Armed}})
	}
}

// Get returns a copy of one entity.
func (c *Cache) Get(class Class, id int) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entities[class][id]
	if e == nil {
		return Entity{}, false
	}
	return *e, true
}

// List returns copies of all entities of one class, ordered by id.
func (c *Cache) List(class Class) []Entity {
	c.mu.RLock()
	out := make([]Entity, 0, len(c.entities[class]))
	for _, e := range c.entities[class] {
		out = append(out, *e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Classes returns every class with at least one entity.
func (c *Cache) Classes() []Class {
	c.mu.RLock()
	out := make([]Class, 0, len(c.entities))
	for class := range c.entities {
		out = append(out, class)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ZoneNormalAsOff reports whether a zone presents Normal as Off.
func (c *Cache) ZoneNormalAsOff(id int) bool {
	return c.normalAsOff[id]
}

// PresentZone maps a raw zone status to its external presentation.
// Normal counts as Off for zones in the Normal-as-Off set and passes
// through as NORMAL otherwise; it never presents as On. The raw status
// stays queryable through Get.
func (c *Cache) PresentZone(id int, status cardio.ZoneStatus) string {
	switch status {
	case cardio.ZoneTriggered:
		return "ON"
	case cardio.ZoneClosed:
		return "OFF"
	case cardio.ZoneNormal:
		if c.normalAsOff[id] {
			return "OFF"
		}
		return "NORMAL"
	case cardio.ZoneError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// BypassMask builds the bulk Y/N bypass string for zones 1..n, overriding
// the listed zone ids with the desired flag.
func (c *Cache) BypassMask(n int, override map[int]bool) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mask := make([]byte, n)
	for i := 1; i <= n; i++ {
		bypassed := false
		if e := c.entities[ClassZone][i]; e != nil {
			if zs, ok := e.State.(ZoneState); ok {
				bypassed = zs.Bypassed
			}
		}
		if v, ok := override[i]; ok {
			bypassed = v
		}
		mask[i-1] = cardio.BypassChar(bypassed)
	}
	return string(mask)
}
