package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"zclaw/internal/clock"
	"zclaw/internal/cron"
	"zclaw/internal/memory"
	"zclaw/internal/netprobe"
	"zclaw/internal/ratelimit"
	logx "zclaw/pkg/logx"
)

func TestUserToolLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	got := f.reg.Execute(ctx, "create_tool",
		`{"name":"morning_report","description":"Morning summary","action":"Summarize weather and schedules"}`)
	if got != "Created tool 'morning_report': Morning summary" {
		t.Fatalf("create = %q", got)
	}

	if got := f.reg.Execute(ctx, "morning_report", "{}"); got != "Execute this action now: Summarize weather and schedules" {
		t.Fatalf("invoke = %q", got)
	}

	if got := f.reg.Execute(ctx, "list_user_tools", "{}"); got != "User tools (1):\n  morning_report - Morning summary" {
		t.Fatalf("list = %q", got)
	}

	specs := f.reg.Specs()
	last := specs[len(specs)-1]
	if last.Name != "morning_report" || last.Description != "Morning summary" {
		t.Fatalf("last spec = %+v", last)
	}
	if snap := f.reg.Snapshot(); snap.UserTools != 1 {
		t.Fatalf("UserTools = %d, want 1", snap.UserTools)
	}

	if got := f.reg.Execute(ctx, "delete_user_tool", `{"name":"morning_report"}`); got != "Deleted tool 'morning_report'" {
		t.Fatalf("delete = %q", got)
	}
	if got := f.reg.Execute(ctx, "delete_user_tool", `{"name":"morning_report"}`); got != "Tool 'morning_report' not found" {
		t.Fatalf("second delete = %q", got)
	}
	if got := f.reg.Execute(ctx, "list_user_tools", "{}"); got != "No user tools defined" {
		t.Fatalf("list after delete = %q", got)
	}
}

func TestCreateToolValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args string
		want string
	}{
		{"missing name", `{"description":"d","action":"a"}`,
			"Error: 'name' required (string, no spaces)"},
		{"missing description", `{"name":"x","action":"a"}`,
			"Error: 'description' required (short description)"},
		{"missing action", `{"name":"x","description":"d"}`,
			"Error: 'action' required (what to do when called)"},
		{"name with space", `{"name":"my tool","description":"d","action":"a"}`,
			"Error: name must be alphanumeric/underscore, no spaces"},
		{"name with dash", `{"name":"my-tool","description":"d","action":"a"}`,
			"Error: name must be alphanumeric/underscore, no spaces"},
		{"empty name", `{"name":"","description":"d","action":"a"}`,
			"Error: failed to create tool (duplicate or limit reached)"},
		{"name too long", `{"name":"` + strings.Repeat("a", 24) + `","description":"d","action":"a"}`,
			"Error: failed to create tool (duplicate or limit reached)"},
		{"builtin collision", `{"name":"get_time","description":"d","action":"a"}`,
			"Error: failed to create tool (duplicate or limit reached)"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := f.reg.Execute(ctx, "create_tool", tt.args); got != tt.want {
				t.Errorf("create_tool = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCreateToolDuplicateAndCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	mk := func(name string) string {
		return f.reg.Execute(ctx, "create_tool",
			fmt.Sprintf(`{"name":"%s","description":"d","action":"a"}`, name))
	}

	if got := mk("tool_0"); !strings.HasPrefix(got, "Created tool") {
		t.Fatalf("first create = %q", got)
	}
	if got := mk("tool_0"); got != "Error: failed to create tool (duplicate or limit reached)" {
		t.Fatalf("duplicate create = %q", got)
	}

	for i := 1; i < maxUserTools; i++ {
		if got := mk(fmt.Sprintf("tool_%d", i)); !strings.HasPrefix(got, "Created tool") {
			t.Fatalf("create %d = %q", i, got)
		}
	}
	if got := mk("tool_overflow"); got != "Error: failed to create tool (duplicate or limit reached)" {
		t.Fatalf("create past cap = %q", got)
	}
	if snap := f.reg.Snapshot(); snap.UserTools != maxUserTools {
		t.Fatalf("UserTools = %d, want %d", snap.UserTools, maxUserTools)
	}
}

func TestCreateToolTruncatesLongText(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	longDesc := strings.Repeat("d", maxToolDescLen+40)
	longAction := strings.Repeat("x", cron.MaxActionLen+40)
	got := f.reg.Execute(ctx, "create_tool",
		fmt.Sprintf(`{"name":"verbose","description":"%s","action":"%s"}`, longDesc, longAction))
	if !strings.HasPrefix(got, "Created tool 'verbose': ") {
		t.Fatalf("create = %q", got)
	}

	tool, ok := f.reg.user.find("verbose")
	if !ok {
		t.Fatal("tool missing after create")
	}
	if len(tool.Description) != maxToolDescLen {
		t.Errorf("description length = %d, want %d", len(tool.Description), maxToolDescLen)
	}
	if len(tool.Action) != cron.MaxActionLen {
		t.Errorf("action length = %d, want %d", len(tool.Action), cron.MaxActionLen)
	}
}

func TestUserToolsPersistAcrossRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.reg.Execute(ctx, "create_tool", `{"name":"night_mode","description":"Evening ritual","action":"Dim everything"}`)
	if !f.store.has("tools/night_mode") {
		t.Fatal("tool not persisted under tools/ prefix")
	}

	// Same store, fresh registry: simulates a reboot.
	clk := clock.New(clock.Config{Disabled: true}, logx.Nop())
	clk.Start(ctx)
	cronSvc := cron.New(cron.Config{}, f.store, clk, nopSink{}, nil, logx.Nop())
	reg2 := New(Deps{
		Cron:      cronSvc,
		Memory:    memory.New(f.store, logx.Nop()),
		Limits:    ratelimit.New(ratelimit.Config{Enabled: true}, f.store, cronSvc, nil, logx.Nop()),
		Clock:     clk,
		Probe:     netprobe.New(netprobe.Config{}, logx.Nop()),
		Version:   "2.4.1",
		StartedAt: time.Now(),
	}, f.store, logx.Nop())
	reg2.Load(ctx)

	if got := reg2.Execute(ctx, "night_mode", "{}"); got != "Execute this action now: Dim everything" {
		t.Fatalf("invoke after reload = %q", got)
	}
	if got := reg2.Execute(ctx, "list_user_tools", "{}"); got != "User tools (1):\n  night_mode - Evening ritual" {
		t.Fatalf("list after reload = %q", got)
	}
}

func TestCreateToolRollsBackOnPersistFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.store.failNextWrites(1)
	got := f.reg.Execute(ctx, "create_tool", `{"name":"doomed","description":"d","action":"a"}`)
	if got != "Error: failed to create tool (duplicate or limit reached)" {
		t.Fatalf("create = %q", got)
	}
	if got := f.reg.Execute(ctx, "list_user_tools", "{}"); got != "No user tools defined" {
		t.Fatalf("list after failed create = %q", got)
	}
	if f.store.has("tools/doomed") {
		t.Fatal("failed create left a persisted blob")
	}
}

func TestDeleteToolRollsBackOnPersistFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.reg.Execute(ctx, "create_tool", `{"name":"sticky","description":"d","action":"a"}`)

	f.store.failNextWrites(1)
	if got := f.reg.Execute(ctx, "delete_user_tool", `{"name":"sticky"}`); got != "Error: failed to delete tool" {
		t.Fatalf("delete = %q", got)
	}
	// Rolled back: still callable and still persisted.
	if got := f.reg.Execute(ctx, "sticky", "{}"); got != "Execute this action now: a" {
		t.Fatalf("invoke after failed delete = %q", got)
	}
	if !f.store.has("tools/sticky") {
		t.Fatal("failed delete removed the persisted blob")
	}
}

func TestLoadSkipsCorruptAndCollidingTools(t *testing.T) {
	t.Parallel()
	store := newMapStore()
	ctx := context.Background()

	store.Set(ctx, "tools/broken", []byte("{not json"))
	store.Set(ctx, "tools/get_time", []byte(`{"name":"get_time","description":"shadow","action":"a"}`))
	store.Set(ctx, "tools/ok", []byte(`{"name":"ok","description":"fine","action":"do it"}`))

	clk := clock.New(clock.Config{Disabled: true}, logx.Nop())
	clk.Start(ctx)
	cronSvc := cron.New(cron.Config{}, store, clk, nopSink{}, nil, logx.Nop())
	reg := New(Deps{Cron: cronSvc, Clock: clk}, store, logx.Nop())
	reg.Load(ctx)

	if snap := reg.Snapshot(); snap.UserTools != 1 {
		t.Fatalf("UserTools = %d, want 1", snap.UserTools)
	}
	if got := reg.Execute(ctx, "ok", "{}"); got != "Execute this action now: do it" {
		t.Fatalf("invoke = %q", got)
	}
	// The built-in keeps its real handler.
	if got := reg.Execute(ctx, "get_time", "{}"); strings.Contains(got, "shadow") {
		t.Fatalf("builtin shadowed: %q", got)
	}
}
