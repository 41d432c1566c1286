package panel

import (
	"log/slog"
	"strconv"

	"cardio2e-bridge/internal/cardio"
)

// classForObject maps wire object letters to external entity classes.
func classForObject(obj cardio.Object) (Class, bool) {
	switch obj {
	case cardio.ObjectLight:
		return ClassLight, true
	case cardio.ObjectRelay:
		return ClassSwitch, true
	case cardio.ObjectCover:
		return ClassCover, true
	case cardio.ObjectHVAC, cardio.ObjectTemp:
		return ClassHVAC, true
	case cardio.ObjectSecurity:
		return ClassAlarm, true
	case cardio.ObjectZones, cardio.ObjectBypass:
		return ClassZone, true
	}
	return "", false
}

// applyInfoFrame folds one Info frame into the cache. It is shared by the
// unsolicited notification path and by solicited query replies, so the login
// burst and prefetch results land in the same place. Returns false when the
// frame carried nothing the cache understands.
func applyInfoFrame(cache *Cache, f cardio.Frame, nZones int, logger *slog.Logger) bool {
	if f.Type != cardio.FrameInfo {
		return false
	}

	if f.IsName {
		class, ok := classForObject(f.Object)
		if !ok {
			return false
		}
		cache.ApplyNameResult(class, f.ID, f.Name)
		return true
	}

	switch f.Object {
	case cardio.ObjectLight:
		level, err := strconv.Atoi(f.Field(0))
		if err != nil || level < 0 || level > 100 {
			logger.Warn("bad light level", "id", f.ID, "value", f.Field(0))
			return false
		}
		cache.ApplyStateUpdate(ClassLight, f.ID, LightState{Level: level})

	case cardio.ObjectRelay:
		on, ok := cardio.RelayOn(f.Field(0))
		if !ok {
			logger.Warn("bad relay state", "id", f.ID, "value", f.Field(0))
			return false
		}
		cache.ApplyStateUpdate(ClassSwitch, f.ID, SwitchState{On: on})

	case cardio.ObjectCover:
		pos, err := strconv.Atoi(f.Field(0))
		if err != nil || pos < 0 || pos > 100 {
			logger.Warn("bad cover position", "id", f.ID, "value", f.Field(0))
			return false
		}
		cache.ApplyStateUpdate(ClassCover, f.ID, CoverState{Position: pos})

	case cardio.ObjectHVAC:
		heat, err1 := strconv.ParseFloat(f.Field(0), 64)
		cool, err2 := strconv.ParseFloat(f.Field(1), 64)
		fanOn, fanOK := cardio.FanOn(f.Field(2))
		mode, modeOK := cardio.HVACModeFromCode(f.Field(3))
		if err1 != nil || err2 != nil || !fanOK || !modeOK {
			logger.Warn("bad hvac record", "id", f.ID, "fields", f.Fields)
			return false
		}
		st := HVACState{HeatSetpoint: heat, CoolSetpoint: cool, FanOn: fanOn, Mode: mode}
		if prev, ok := cache.Get(ClassHVAC, f.ID); ok {
			if ps, ok := prev.State.(HVACState); ok {
				st.CurrentTemp = ps.CurrentTemp
			}
		}
		cache.ApplyStateUpdate(ClassHVAC, f.ID, st)

	case cardio.ObjectTemp:
		temp, err := strconv.ParseFloat(f.Field(0), 64)
		if err != nil {
			logger.Warn("bad temperature", "id", f.ID, "value", f.Field(0))
			return false
		}
		st := HVACState{}
		if prev, ok := cache.Get(ClassHVAC, f.ID); ok {
			if ps, ok := prev.State.(HVACState); ok {
				st = ps
			}
		}
		st.CurrentTemp = temp
		cache.ApplyStateUpdate(ClassHVAC, f.ID, st)

	case cardio.ObjectSecurity:
		armed, ok := cardio.SecurityArmed(f.Field(0))
		if !ok {
			logger.Warn("bad security state", "id", f.ID, "value", f.Field(0))
			return false
		}
		cache.ApplyStateUpdate(ClassAlarm, f.ID, AlarmState{Armed: armed})

	case cardio.ObjectZones:
		bulk := f.Field(0)
		for i := 0; i < len(bulk) && i < nZones; i++ {
			status, ok := cardio.ZoneStatusFromChar(bulk[i])
			if !ok {
				logger.Warn("bad zone state char", "zone", i+1, "char", string(bulk[i]))
				continue
			}
			id := i + 1
			st := ZoneState{Status: status}
			if prev, ok := cache.Get(ClassZone, id); ok {
				if ps, ok := prev.State.(ZoneState); ok {
					st.Bypassed = ps.Bypassed
				}
			}
			cache.ApplyStateUpdate(ClassZone, id, st)
		}

	case cardio.ObjectBypass:
		bulk := f.Field(0)
		for i := 0; i < len(bulk) && i < nZones; i++ {
			bypassed, ok := cardio.BypassFromChar(bulk[i])
			if !ok {
				logger.Warn("bad bypass char", "zone", i+1, "char", string(bulk[i]))
				continue
			}
			id := i + 1
			st := ZoneState{Bypassed: bypassed}
			if prev, ok := cache.Get(ClassZone, id); ok {
				if ps, ok := prev.State.(ZoneState); ok {
					st.Status = ps.Status
				}
			}
			cache.ApplyStateUpdate(ClassZone, id, st)
		}

	default:
		return false
	}
	return true
}
