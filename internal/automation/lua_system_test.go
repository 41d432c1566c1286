//go:build !no_automation

package automation

import (
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func newSystemState(t *testing.T, cfg SystemConfig) (*lua.LState, *Engine) {
	t.Helper()
	e, _, _ := newTestEngine(t)
	e.systemCfg = cfg
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, e)
	registerTelegramModule(L, e)
	return L, e
}

func TestSystemDatetime(t *testing.T) {
	L, _ := newSystemState(t, SystemConfig{})

	if err := L.DoString(`h = system.datetime("hour")`); err != nil {
		t.Fatal(err)
	}
	h, ok := L.GetGlobal("h").(lua.LNumber)
	if !ok {
		t.Fatal("hour is not a number")
	}
	if int(h) != time.Now().Hour() {
		t.Errorf("hour = %d, want %d", int(h), time.Now().Hour())
	}

	if err := L.DoString(`d = system.datetime("date_str")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("d").String(); got != time.Now().Format("2006-01-02") {
		t.Errorf("date_str = %q", got)
	}

	if err := L.DoString(`system.datetime("bogus")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	L, _ := newSystemState(t, SystemConfig{})

	// The full day always matches regardless of the current hour.
	if err := L.DoString(`ok = system.time_between(0, 24)`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("ok") != lua.LTrue {
		t.Error("time_between(0, 24) = false, want true")
	}

	// An empty range never matches.
	hour := time.Now().Hour()
	if err := L.DoString(`ok = system.time_between(` +
		lua.LNumber(hour).String() + `, ` + lua.LNumber(hour).String() + `)`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("ok") != lua.LFalse {
		t.Error("empty range matched")
	}
}

func TestHourInRange(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{7, 8, 22, false},
		{22, 8, 22, false}, // end is exclusive
		{23, 22, 6, true},  // midnight wrap
		{3, 22, 6, true},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourInRange(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourInRange(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemExecBlocked(t *testing.T) {
	L, _ := newSystemState(t, SystemConfig{})

	// Not allowlisted: returns empty string, no error.
	if err := L.DoString(`out = system.exec("/bin/echo hi")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("out").String(); got != "" {
		t.Errorf("blocked exec output = %q, want empty", got)
	}

	// Relative paths are always blocked.
	if err := L.DoString(`out = system.exec("echo hi")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("out").String(); got != "" {
		t.Errorf("relative exec output = %q, want empty", got)
	}
}

func TestSystemExecAllowlisted(t *testing.T) {
	L, _ := newSystemState(t, SystemConfig{ExecAllowlist: []string{"/bin/echo"}})

	if err := L.DoString(`out = system.exec("/bin/echo hi")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("out").String(); got != "hi\n" {
		t.Errorf("exec output = %q, want %q", got, "hi\n")
	}
}

func TestTelegramSendUnconfigured(t *testing.T) {
	L, _ := newSystemState(t, SystemConfig{})

	// Without a bot token this is a no-op, not an error.
	if err := L.DoString(`telegram.send("alarm triggered")`); err != nil {
		t.Fatal(err)
	}
}
