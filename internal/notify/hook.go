package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Hook hands each transition to a user Lua script. The script runs in
// a sandboxed state and must define notify(event); event is a table
// with run_id, worker, from, to, reason, and at fields.
type Hook struct {
	path string
	log  *zap.Logger
}

func (h *Hook) Notify(_ context.Context, ev Event) error {
	script, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("reading hook script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(h.luaLog))

	if err := L.DoString(string(script)); err != nil {
		return fmt.Errorf("loading hook %s: %w", h.path, err)
	}

	fn := L.GetGlobal("notify")
	if fn == lua.LNil {
		return fmt.Errorf("hook %s must define a 'notify' function", h.path)
	}

	L.Push(fn)
	L.Push(eventToTable(L, ev))
	if err := L.PCall(1, 0, nil); err != nil {
		return fmt.Errorf("hook %s: %w", h.path, err)
	}
	return nil
}

// openSafeLibs loads only the libraries a notification script has any
// business using. No io, no os, and the loaders are removed from base.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (h *Hook) luaLog(L *lua.LState) int {
	h.log.Info("notify hook", zap.String("message", L.CheckString(1)))
	return 0
}

func eventToTable(L *lua.LState, ev Event) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "run_id", lua.LNumber(ev.RunID))
	L.SetField(tbl, "worker", lua.LString(ev.Worker))
	L.SetField(tbl, "from", lua.LString(ev.From))
	L.SetField(tbl, "to", lua.LString(ev.To))
	L.SetField(tbl, "reason", lua.LString(ev.Reason))
	L.SetField(tbl, "at", lua.LString(ev.At.Format(time.RFC3339)))
	return tbl
}
