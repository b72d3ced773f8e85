package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"zclaw/internal/clock"
	"zclaw/internal/cron"
	logx "zclaw/pkg/logx"
)

func TestCronSetCreatesEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args string
		want string
	}{
		{
			name: "periodic",
			args: `{"type":"periodic","interval_minutes":30,"action":"water the plants"}`,
			want: "Created schedule #1: every 30 min → water the plants",
		},
		{
			name: "daily with minute",
			args: `{"type":"daily","hour":7,"minute":5,"action":"coffee reminder"}`,
			want: "Created schedule #2: daily at 07:05 → coffee reminder",
		},
		{
			name: "daily minute defaults to zero",
			args: `{"type":"daily","hour":9,"action":"standup"}`,
			want: "Created schedule #3: daily at 09:00 → standup",
		},
		{
			name: "once",
			args: `{"type":"once","delay_minutes":10,"action":"check the oven"}`,
			want: "Created schedule #4: once in 10 min → check the oven",
		},
	}
	for _, tt := range tests {
		if got := f.reg.Execute(ctx, "cron_set", tt.args); got != tt.want {
			t.Errorf("%s: Execute() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCronSetValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	longAction := strings.Repeat("a", cron.MaxActionLen+1)

	tests := []struct {
		name string
		args string
		want string
	}{
		{"missing type", `{"action":"x"}`, "Error: 'type' required (periodic/daily/once)"},
		{"missing action", `{"type":"periodic"}`, "Error: 'action' required (what to do)"},
		{"action too long",
			fmt.Sprintf(`{"type":"periodic","interval_minutes":5,"action":"%s"}`, longAction),
			"Error: string too long (max 256 chars)"},
		{"action control char",
			`{"type":"periodic","interval_minutes":5,"action":"bad\u0001"}`,
			"Error: invalid character in input"},
		{"periodic missing interval", `{"type":"periodic","action":"x"}`,
			"Error: 'interval_minutes' required for periodic"},
		{"periodic interval zero", `{"type":"periodic","interval_minutes":0,"action":"x"}`,
			"Error: interval_minutes must be 1-1440"},
		{"periodic interval too large", `{"type":"periodic","interval_minutes":1441,"action":"x"}`,
			"Error: interval_minutes must be 1-1440"},
		{"daily missing hour", `{"type":"daily","action":"x"}`,
			"Error: 'hour' required for daily (0-23)"},
		{"daily minute not a number", `{"type":"daily","hour":7,"minute":"five","action":"x"}`,
			"Error: 'minute' must be a number (0-59)"},
		{"daily hour out of range", `{"type":"daily","hour":24,"action":"x"}`,
			"Error: daily time must be hour 0-23 and minute 0-59"},
		{"daily minute out of range", `{"type":"daily","hour":7,"minute":60,"action":"x"}`,
			"Error: daily time must be hour 0-23 and minute 0-59"},
		{"once missing delay", `{"type":"once","action":"x"}`,
			"Error: 'delay_minutes' required for once"},
		{"once delay zero", `{"type":"once","delay_minutes":0,"action":"x"}`,
			"Error: delay_minutes must be 1-1440"},
		{"unknown type", `{"type":"weekly","action":"x"}`,
			"Error: type must be 'periodic', 'daily' or 'once'"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := f.reg.Execute(ctx, "cron_set", tt.args); got != tt.want {
				t.Errorf("Execute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCronSetTableFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < cron.MaxEntries; i++ {
		out := f.reg.Execute(ctx, "cron_set", `{"type":"periodic","interval_minutes":60,"action":"tick"}`)
		if !strings.HasPrefix(out, "Created schedule #") {
			t.Fatalf("create %d: %q", i+1, out)
		}
	}
	if got := f.reg.Execute(ctx, "cron_set", `{"type":"periodic","interval_minutes":60,"action":"tick"}`); got != "Error: no free schedule slots" {
		t.Fatalf("Execute() past capacity = %q", got)
	}
}

func TestCronListReflectsTable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if got := f.reg.Execute(ctx, "cron_list", "{}"); got != "[]" {
		t.Fatalf("empty list = %q", got)
	}

	f.reg.Execute(ctx, "cron_set", `{"type":"periodic","interval_minutes":15,"action":"rotate logs"}`)
	got := f.reg.Execute(ctx, "cron_list", "{}")
	for _, want := range []string{`"id":1`, `"type":"periodic"`, `"action":"rotate logs"`} {
		if !strings.Contains(got, want) {
			t.Errorf("list %q missing %q", got, want)
		}
	}
}

func TestCronDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.reg.Execute(ctx, "cron_set", `{"type":"periodic","interval_minutes":5,"action":"ping"}`)

	if got := f.reg.Execute(ctx, "cron_delete", `{"id":1}`); got != "Deleted schedule #1" {
		t.Fatalf("delete = %q", got)
	}
	if got := f.reg.Execute(ctx, "cron_delete", `{"id":1}`); got != "Schedule #1 not found" {
		t.Fatalf("second delete = %q", got)
	}
	if got := f.reg.Execute(ctx, "cron_delete", "{}"); got != "Error: 'id' required (number)" {
		t.Fatalf("missing id = %q", got)
	}
	// IDs outside uint8 range can never exist; same soft reply, no wraparound.
	if got := f.reg.Execute(ctx, "cron_delete", `{"id":300}`); got != "Schedule #300 not found" {
		t.Fatalf("oversized id = %q", got)
	}
	if got := f.reg.Execute(ctx, "cron_delete", `{"id":0}`); got != "Schedule #0 not found" {
		t.Fatalf("zero id = %q", got)
	}
}

func TestGetTimeSynced(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	got := f.reg.Execute(context.Background(), "get_time", "{}")
	if _, err := time.Parse("2006-01-02 15:04:05", got); err != nil {
		t.Fatalf("get_time = %q, not a timestamp: %v", got, err)
	}
}

func TestGetTimeUnsynced(t *testing.T) {
	t.Parallel()
	store := newMapStore()
	clk := clock.New(clock.Config{}, logx.Nop()) // never started: reports unsynced
	cronSvc := cron.New(cron.Config{}, store, clk, nopSink{}, nil, logx.Nop())
	reg := New(Deps{Cron: cronSvc, Clock: clk}, store, logx.Nop())
	reg.Load(context.Background())

	if got := reg.Execute(context.Background(), "get_time", "{}"); got != "Time not synced (no NTP)" {
		t.Fatalf("get_time = %q", got)
	}
}

func TestSetTimezone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if got := f.reg.Execute(ctx, "set_timezone", `{"timezone":"UTC"}`); got != "Timezone set: UTC (UTC)" {
		t.Fatalf("set = %q", got)
	}
	if got := f.reg.Execute(ctx, "set_timezone", "{}"); got != "Error: 'timezone' required (string)" {
		t.Fatalf("missing arg = %q", got)
	}
	if got := f.reg.Execute(ctx, "set_timezone", `{"timezone":"Not/A_Zone"}`); got != "Error: invalid timezone 'Not/A_Zone'" {
		t.Fatalf("invalid = %q", got)
	}
}

func TestGetTimezoneDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if got := f.reg.Execute(context.Background(), "get_timezone", "{}"); got != "UTC0 (UTC)" {
		t.Fatalf("get_timezone = %q", got)
	}
}
