//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig tunes the `system` Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may execute
	ExecTimeout   time.Duration // per-command deadline, 10s when zero
}

// TelegramConfig tunes the `telegram` Lua module. Leaving BotToken empty
// turns telegram.send into a logged no-op.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

const (
	execOutputCap      = 64 << 10
	defaultExecTimeout = 10 * time.Second
	telegramAPI        = "https://api.telegram.org/bot%s/sendMessage"
)

var telegramClient = &http.Client{Timeout: 10 * time.Second}

// installModule builds a global table from a function map.
func installModule(L *lua.LState, name string, fns map[string]lua.LGFunction) {
	mod := L.NewTable()
	for fname, fn := range fns {
		mod.RawSetString(fname, L.NewFunction(fn))
	}
	L.SetGlobal(name, mod)
}

func registerSystemModule(L *lua.LState, e *Engine) {
	installModule(L, "system", map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"log":          e.luaSystemLog,
		"exec":         e.luaSystemExec,
	})
}

func registerTelegramModule(L *lua.LState, e *Engine) {
	installModule(L, "telegram", map[string]lua.LGFunction{
		"send": e.luaTelegramSend,
	})
}

// dateComponents maps system.datetime() selectors to their values.
var dateComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	fn, ok := dateComponents[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(fn(time.Now()))
	return 1
}

// system.time_between(from_hour, to_hour) supports midnight wrap: 22,6
// matches late evening through early morning.
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourInRange(time.Now().Hour(), from, to)))
	return 1
}

func hourInRange(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func (e *Engine) luaSystemLog(L *lua.LState) int {
	lvl := slog.LevelInfo
	switch L.CheckString(1) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	e.logger.Log(context.Background(), lvl, "script log", "msg", L.CheckString(2))
	return 0
}

// system.exec(cmd) runs an allowlisted command and returns its stdout,
// or an empty string when the command is blocked or fails.
func (e *Engine) luaSystemExec(L *lua.LState) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}

	out, ok := e.runAllowlisted(parts[0], parts[1:])
	if !ok {
		L.Push(lua.LString(""))
		return 1
	}
	L.Push(lua.LString(out))
	return 1
}

func (e *Engine) execAllowed(binary string) bool {
	if !filepath.IsAbs(binary) {
		return false
	}
	for _, a := range e.systemCfg.ExecAllowlist {
		if a == binary {
			return true
		}
	}
	return false
}

func (e *Engine) runAllowlisted(binary string, args []string) (string, bool) {
	if !e.execAllowed(binary) {
		e.logger.Warn("exec blocked", "cmd", binary)
		return "", false
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, args...).Output()
	if err != nil {
		e.logger.Warn("exec failed", "cmd", binary, "err", err)
		return "", false
	}
	if len(stdout) > execOutputCap {
		stdout = stdout[:execOutputCap]
	}
	return string(stdout), true
}

// telegram.send(msg) pushes one message to every configured chat,
// fire-and-forget.
func (e *Engine) luaTelegramSend(L *lua.LState) int {
	msg := L.CheckString(1)

	if e.telegramCfg.BotToken == "" || len(e.telegramCfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot not configured")
		return 0
	}

	for _, chatID := range e.telegramCfg.ChatIDs {
		go e.postTelegram(chatID, msg)
	}
	return 0
}

func (e *Engine) postTelegram(chatID, msg string) {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": msg})
	if err != nil {
		e.logger.Error("telegram marshal", "err", err)
		return
	}

	url := fmt.Sprintf(telegramAPI, e.telegramCfg.BotToken)
	resp, err := telegramClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		e.logger.Error("telegram send", "err", err, "chat_id", chatID)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("telegram send non-200", "status", resp.StatusCode, "chat_id", chatID)
	}
}
