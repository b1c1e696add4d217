//go:build !no_automation

package automation

import (
	"strconv"
	"strings"
	"time"

	"domestia-go-home/internal/coordinator"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerDomestiaModule installs the `domestia` global table.
func registerDomestiaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return domestiaOn(L, vm)
	}))

	actions := map[string]string{
		"turn_on":  coordinator.ActionOn,
		"turn_off": coordinator.ActionOff,
		"toggle":   coordinator.ActionToggle,
		"open":     coordinator.ActionOpen,
		"close":    coordinator.ActionClose,
		"stop":     coordinator.ActionStop,
		"press":    coordinator.ActionPress,
	}
	for name, action := range actions {
		mod.RawSetString(name, L.NewFunction(func(L *lua.LState) int {
			return domestiaExecute(L, e, coordinator.Command{Action: action})
		}))
	}

	mod.RawSetString("set_brightness", L.NewFunction(func(L *lua.LState) int {
		b := L.CheckInt(2)
		return domestiaExecute(L, e, coordinator.Command{Action: coordinator.ActionBrightness, Brightness: &b})
	}))

	mod.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		return domestiaGetState(L, e)
	}))

	mod.RawSetString("outputs", L.NewFunction(func(L *lua.LState) int {
		return domestiaOutputs(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return domestiaAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if vm.logf != nil {
			vm.logf(msg)
		}
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	L.SetGlobal("domestia", mod)
}

// domestia.on(event, [filter], callback)
func domestiaOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("output"); v != lua.LNil {
			n, ok := v.(lua.LNumber)
			if !ok || int(n) < 1 {
				L.ArgError(2, "filter.output must be an output id")
				return 0
			}
			h.output = int(n)
		}
		if v := filter.RawGetString("property"); v != lua.LNil {
			h.property = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// domestiaExecute runs cmd against the output named by argument 1 and returns
// true, or false plus an error message.
func domestiaExecute(L *lua.LState, e *Engine, cmd coordinator.Command) int {
	id, ok := resolveOutput(e, L.CheckAny(1))
	if !ok {
		e.logger.Warn("output not found", "target", L.Get(1).String(), "action", cmd.Action)
		L.Push(lua.LFalse)
		L.Push(lua.LString("output not found"))
		return 2
	}
	if err := e.ctrl.Execute(id, cmd); err != nil {
		e.logger.Warn("script command failed", "output", id, "action", cmd.Action, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// domestia.get_state(output) returns the state table, or nil.
func domestiaGetState(L *lua.LState, e *Engine) int {
	id, ok := resolveOutput(e, L.CheckAny(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	s, kind, err := e.ctrl.State(id)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	t := goToLua(L, s.Properties(kind)).(*lua.LTable)
	t.RawSetString("kind", lua.LString(kind))
	L.Push(t)
	return 1
}

// domestia.outputs() lists every known output.
func domestiaOutputs(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for _, out := range e.ctrl.Outputs() {
		t := L.NewTable()
		t.RawSetString("id", lua.LNumber(out.ID))
		t.RawSetString("name", lua.LString(out.DisplayName()))
		t.RawSetString("kind", lua.LString(out.Kind))
		t.RawSetString("virtual", lua.LBool(out.Virtual))
		tbl.Append(t)
	}
	L.Push(tbl)
	return 1
}

// domestia.after(seconds, callback) runs callback on the script's VM later.
func domestiaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// resolveOutput accepts an output id or a case-insensitive output name.
func resolveOutput(e *Engine, v lua.LValue) (int, bool) {
	var target string
	switch val := v.(type) {
	case lua.LNumber:
		return checkOutput(e, int(val))
	case lua.LString:
		target = strings.TrimSpace(string(val))
	default:
		return 0, false
	}

	if id, err := strconv.Atoi(target); err == nil {
		return checkOutput(e, id)
	}
	for _, out := range e.ctrl.Outputs() {
		if strings.EqualFold(out.DisplayName(), target) || strings.EqualFold(out.Name, target) {
			return out.ID, true
		}
	}
	return 0, false
}

func checkOutput(e *Engine, id int) (int, bool) {
	if _, _, err := e.ctrl.State(id); err != nil {
		return 0, false
	}
	return id, true
}
