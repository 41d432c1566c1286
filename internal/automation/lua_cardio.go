//go:build !no_automation

package automation

import (
	"context"
	"time"

	"cardio2e-bridge/internal/panel"

	lua "github.com/yuin/gopher-lua"
)

const commandTimeout = 10 * time.Second

// registerCardioModule registers the `cardio` global table in a Lua state.
func registerCardioModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return cardioOn(L, vm)
	}))

	mod.RawSetString("set_light", L.NewFunction(func(L *lua.LState) int {
		return cardioSetLight(L, e)
	}))

	mod.RawSetString("set_switch", L.NewFunction(func(L *lua.LState) int {
		return cardioSetSwitch(L, e)
	}))

	mod.RawSetString("set_cover", L.NewFunction(func(L *lua.LState) int {
		return cardioSetCover(L, e)
	}))

	mod.RawSetString("stop_cover", L.NewFunction(func(L *lua.LState) int {
		return cardioStopCover(L, e)
	}))

	mod.RawSetString("set_hvac_mode", L.NewFunction(func(L *lua.LState) int {
		return cardioSetHVACMode(L, e)
	}))

	mod.RawSetString("set_hvac_setpoints", L.NewFunction(func(L *lua.LState) int {
		return cardioSetHVACSetpoints(L, e)
	}))

	mod.RawSetString("arm", L.NewFunction(func(L *lua.LState) int {
		return cardioSetSecurity(L, e, true)
	}))

	mod.RawSetString("disarm", L.NewFunction(func(L *lua.LState) int {
		return cardioSetSecurity(L, e, false)
	}))

	mod.RawSetString("bypass_zone", L.NewFunction(func(L *lua.LState) int {
		return cardioBypassZone(L, e)
	}))

	mod.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		return cardioGetState(L, e)
	}))

	mod.RawSetString("entities", L.NewFunction(func(L *lua.LState) int {
		return cardioEntities(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return cardioAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return cardioLog(L, e)
	}))

	L.SetGlobal("cardio", mod)
}

const maxHandlersPerScript = 100

// cardio.on(type, filter, callback)
func cardioOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("class"); v != lua.LNil {
		h.class = v.String()
	}
	if v := filterTable.RawGetString("id"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.id = int(n)
		}
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

func (e *Engine) runCommand(what string, fn func(ctx context.Context) panel.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	e.panel.NoteCommand("script " + what)
	if out := fn(ctx); !out.OK() {
		e.logger.Warn("script command failed", "command", what,
			"reason", out.Reason.String(), "err", out.Err)
	}
}

// cardio.set_light(id, level)
func cardioSetLight(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	level := L.CheckInt(2)
	e.runCommand("set_light", func(ctx context.Context) panel.Outcome {
		return e.panel.Dispatch().SetLight(ctx, id, level)
	})
	return 0
}

// cardio.set_switch(id, on)
func cardioSetSwitch(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	on := L.CheckBool(2)
	e.runCommand("set_switch", func(ctx context.Context) panel.Outcome {
		return e.panel.Dispatch().SetSwitch(ctx, id, on)
	})
	return 0
}

// cardio.set_cover(id, position)
func cardioSetCover(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	position := L.CheckInt(2)
	e.runCommand("set_cover", func(ctx context.Context) panel.Outcome {
		return e.panel.Dispatch().SetCoverPosition(ctx, id, position)
	})
	return 0
}

// cardio.stop_cover(id)
func cardioStopCover(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	e.runCommand("stop_cover", func(ctx context.Context) panel.Outcome {
		return e.panel.Dispatch().StopCover(ctx, id)
	})
	return 0
}

// cardio.set_hvac_mode(id, mode)
func cardioSetHVACMode(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	mode := L.CheckString(2)
	e.runCommand("set_hvac_mode", func(ctx context.Context) panel.Outcome {
		return e.panel.Dispatch().SetHVACMode(ctx, id, mode)
	})
	return 0
}

// cardio.set_hvac_setpoints(id, heat, cool)
func cardioSetHVACSetpoints(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	heat := float64(L.CheckNumber(2))
	cool := float64(L.CheckNumber(3))
	e.runCommand("set_hvac_setpoints", func(ctx context.Context) panel.Outcome {
		return e.panel.Dispatch().SetHVACSetpoints(ctx, id, heat, cool)
	})
	return 0
}

// cardio.arm([code]) / cardio.disarm([code])
func cardioSetSecurity(L *lua.LState, e *Engine, arm bool) int {
	code := L.OptString(1, "")
	what := "disarm"
	if arm {
		what = "arm"
	}
	e.runCommand(what, func(ctx context.Context) panel.Outcome {
		if arm {
			return e.panel.Dispatch().Arm(ctx, code)
		}
		return e.panel.Dispatch().Disarm(ctx, code)
	})
	return 0
}

// cardio.bypass_zone(id, bypassed)
func cardioBypassZone(L *lua.LState, e *Engine) int {
	id := L.CheckInt(1)
	bypassed := L.CheckBool(2)
	e.runCommand("bypass_zone", func(ctx context.Context) panel.Outcome {
		return e.panel.Dispatch().BypassZones(ctx, map[int]bool{id: bypassed})
	})
	return 0
}

// cardio.get_state(class, id) returns the cached state table, or nil
func cardioGetState(L *lua.LState, e *Engine) int {
	class := panel.Class(L.CheckString(1))
	id := L.CheckInt(2)

	entity, ok := e.panel.Cache().Get(class, id)
	if !ok || entity.State == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, map[string]any{
		"class": string(entity.Class),
		"id":    entity.ID,
		"name":  entity.Name,
		"state": stateFields(entity.State),
	}))
	return 1
}

// cardio.entities(class) returns a table of all entities of one class
func cardioEntities(L *lua.LState, e *Engine) int {
	class := panel.Class(L.CheckString(1))

	tbl := L.NewTable()
	for i, entity := range e.panel.Cache().List(class) {
		t := L.NewTable()
		t.RawSetString("id", lua.LNumber(entity.ID))
		t.RawSetString("name", lua.LString(entity.Name))
		if entity.State != nil {
			t.RawSetString("state", goToLua(L, stateFields(entity.State)))
		}
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// cardio.after(seconds, callback) runs the callback after a delay
func cardioAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// cardio.log(msg)
func cardioLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
