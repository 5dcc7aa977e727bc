package sandbox

import (
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/rs/zerolog"
)

// removedGlobals would let a script reach the filesystem or compile new chunks.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require"}

func openSandbox(state *lua.State) {
	libs := []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "math", Function: lua.MathOpen},
	}
	for _, lib := range libs {
		lua.Require(state, lib.Name, lib.Function, true)
		state.Pop(1)
	}
	for _, name := range removedGlobals {
		state.PushNil()
		state.SetGlobal(name)
	}
	// Nondeterministic.
	state.Global("math")
	state.PushNil()
	state.SetField(-2, "random")
	state.PushNil()
	state.SetField(-2, "randomseed")
	state.Pop(1)
}

type bindings struct {
	caps   *Capabilities
	tasks  *taskQueue
	logger zerolog.Logger
}

func (b *bindings) install(state *lua.State) {
	state.NewTable()
	lua.SetFunctions(state, []lua.RegistryFunction{
		{Name: "set", Function: b.storeSet},
		{Name: "get", Function: b.storeGet},
	}, 0)
	state.SetGlobal("store")

	state.NewTable()
	lua.SetFunctions(state, []lua.RegistryFunction{
		{Name: "emit", Function: b.contextEmit},
		{Name: "respond", Function: b.contextRespond},
		{Name: "getSender", Function: b.contextSender},
		{Name: "getRequest", Function: b.contextRequest},
	}, 0)
	state.SetGlobal("context")

	state.NewTable()
	lua.SetFunctions(state, []lua.RegistryFunction{
		{Name: "defer", Function: b.taskDefer},
	}, 0)
	state.SetGlobal("task")

	state.NewTable()
	lua.SetFunctions(state, []lua.RegistryFunction{
		{Name: "log", Function: b.consoleAt(zerolog.InfoLevel)},
		{Name: "info", Function: b.consoleAt(zerolog.InfoLevel)},
		{Name: "warn", Function: b.consoleAt(zerolog.WarnLevel)},
		{Name: "error", Function: b.consoleAt(zerolog.ErrorLevel)},
		{Name: "debug", Function: b.consoleAt(zerolog.DebugLevel)},
	}, 0)
	state.SetGlobal("console")

	state.PushGoFunction(b.consoleAt(zerolog.InfoLevel))
	state.SetGlobal("print")
}

// raise converts a capability error into a Lua error. It does not return.
// The positioned message is recorded so evaluationError can tell this fault
// apart from a script error that merely repeats its text.
func (b *bindings) raise(state *lua.State, err error) int {
	lua.Where(state, 1)
	where, _ := state.ToString(-1)
	state.Pop(1)
	msg := where + err.Error()
	b.caps.ec.recordFault(err, msg, where != "")
	state.PushString(msg)
	state.Error()
	return 0
}

func (b *bindings) storeSet(state *lua.State) int {
	key := lua.CheckString(state, 1)
	value := lua.CheckString(state, 2)
	result, err := b.caps.KVSet(key, value)
	if err != nil {
		return b.raise(state, err)
	}
	state.PushString(result)
	return 1
}

func (b *bindings) storeGet(state *lua.State) int {
	key := lua.CheckString(state, 1)
	value, err := b.caps.KVGet(key)
	if err != nil {
		return b.raise(state, err)
	}
	state.PushString(value)
	return 1
}

func (b *bindings) contextEmit(state *lua.State) int {
	lua.CheckType(state, 1, lua.TypeTable)
	value, err := luaToGo(state, 1)
	if err == nil {
		var evt Event
		if evt, err = eventFromValue(value); err == nil {
			err = b.caps.Emit(evt)
		}
	}
	if err != nil {
		return b.raise(state, err)
	}
	return 0
}

func (b *bindings) contextRespond(state *lua.State) int {
	var value any
	if state.Top() >= 1 {
		v, err := luaToGo(state, 1)
		if err != nil {
			return b.raise(state, err)
		}
		value = v
	}
	if err := b.caps.Respond(value); err != nil {
		return b.raise(state, err)
	}
	return 0
}

func (b *bindings) contextSender(state *lua.State) int {
	state.PushString(b.caps.Sender())
	return 1
}

func (b *bindings) contextRequest(state *lua.State) int {
	if err := pushValue(state, b.caps.Request()); err != nil {
		return b.raise(state, err)
	}
	return 1
}

func (b *bindings) taskDefer(state *lua.State) int {
	lua.CheckType(state, 1, lua.TypeFunction)
	if err := b.tasks.push(1); err != nil {
		return b.raise(state, err)
	}
	return 0
}

func (b *bindings) consoleAt(level zerolog.Level) lua.Function {
	return func(state *lua.State) int {
		n := state.Top()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			s, _ := lua.ToStringMeta(state, i)
			state.Pop(1)
			parts = append(parts, s)
		}
		b.logger.WithLevel(level).
			Str("sender", b.caps.Sender()).
			Msg(strings.Join(parts, " "))
		return 0
	}
}
