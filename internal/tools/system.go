package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"zclaw/internal/netprobe"
)

const maxDelayMS = 60000

// BootCountKey is where the app records the persisted boot counter the
// diagnostics report reads back.
const BootCountKey = "sys/boot_count"

func (r *Registry) delayTool() Tool {
	return Tool{
		Name:        "delay",
		Description: "Wait for specified milliseconds (max 60000).",
		Schema: objSchema(map[string]any{
			"milliseconds": prop("integer", "Time to wait in ms (max 60000)"),
		}, "milliseconds"),
		run: r.delay,
	}
}

func (r *Registry) systemTools() []Tool {
	return []Tool{
		{
			Name:        "get_version",
			Description: "Get current firmware version.",
			Schema:      objSchema(map[string]any{}),
			run:         r.getVersion,
		},
		{
			Name:        "get_health",
			Description: "Get device health status: heap memory, rate limits, time sync, version.",
			Schema:      objSchema(map[string]any{}),
			run:         r.getHealth,
		},
		{
			Name:        "get_diagnostics",
			Description: "Get device diagnostics for a chosen scope: uptime, heap, request rates, time sync, timezone, version.",
			Schema: objSchema(map[string]any{
				"scope":   enumProp("Diagnostics scope (default quick)", "quick", "runtime", "memory", "rates", "time", "all"),
				"verbose": prop("boolean", "Include extended details"),
			}),
			run: r.getDiagnostics,
		},
		{
			Name:        "net_check",
			Description: "Check internet link quality: ping the nearest speedtest server and report RTT.",
			Schema:      objSchema(map[string]any{}),
			run:         r.netCheck,
		},
	}
}

func (r *Registry) delay(ctx context.Context, args map[string]any) (string, error) {
	ms, ok := numberArg(args, "milliseconds")
	if !ok {
		return "", errors.New("'milliseconds' required (number)")
	}
	if ms <= 0 {
		return "", errors.New("milliseconds must be positive")
	}
	if ms > maxDelayMS {
		return "", fmt.Errorf("max delay is %d ms (got %d)", maxDelayMS, ms)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return fmt.Sprintf("Waited %d ms", ms), nil
}

func (r *Registry) getVersion(ctx context.Context, args map[string]any) (string, error) {
	return fmt.Sprintf("zclaw v%s", r.deps.Version), nil
}

func (r *Registry) getHealth(ctx context.Context, args map[string]any) (string, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rl := r.deps.Limits.Snapshot()

	return fmt.Sprintf(
		"Health: OK | Heap: %d KiB in use, %d goroutines | Requests: %d/hr, %d/day | Time: %s | TZ: %s (%s) | Version: %s",
		ms.HeapAlloc/1024,
		runtime.NumGoroutine(),
		rl.Hour,
		rl.Day,
		syncedWord(r.deps.Clock.Synced()),
		r.deps.Cron.Timezone(),
		r.deps.Cron.TimezoneAbbreviation(),
		r.deps.Version), nil
}

func (r *Registry) netCheck(ctx context.Context, args map[string]any) (string, error) {
	res, err := r.deps.Probe.Check(ctx)
	if err != nil {
		if errors.Is(err, netprobe.ErrDisabled) {
			return "", err
		}
		return "", fmt.Errorf("link check failed: %v", err)
	}
	return fmt.Sprintf("Link: %s RTT %.0f ms (%s)",
		res.Server, float64(res.Latency)/float64(time.Millisecond), res.Country), nil
}

func (r *Registry) getDiagnostics(ctx context.Context, args map[string]any) (string, error) {
	scope := "quick"
	if v, ok := args["scope"]; ok {
		s, isStr := v.(string)
		if !isStr || s == "" {
			return "", errors.New("scope must be one of quick|runtime|memory|rates|time|all")
		}
		switch s {
		case "quick", "runtime", "memory", "rates", "time", "all":
			scope = s
		default:
			return "", fmt.Errorf("unknown scope '%s' (use quick|runtime|memory|rates|time|all)", s)
		}
	}
	verbose := false
	if v, ok := args["verbose"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return "", errors.New("verbose must be boolean")
		}
		verbose = b
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	allocKiB := ms.HeapAlloc / 1024
	sysKiB := ms.Sys / 1024
	goroutines := runtime.NumGoroutine()

	rl := r.deps.Limits.Snapshot()
	synced := syncedWord(r.deps.Clock.Synced())
	tz := r.deps.Cron.Timezone()
	abbrev := r.deps.Cron.TimezoneAbbreviation()
	boot := r.bootCount(ctx)
	uptime := time.Since(r.deps.StartedAt)
	up := formatUptime(uptime)

	switch scope {
	case "runtime":
		if verbose {
			return fmt.Sprintf(
				"Runtime diagnostics:\n- Uptime: %s (%ds)\n- Boot count: %s\n- Version: %s",
				up, int64(uptime.Seconds()), boot, r.deps.Version), nil
		}
		return fmt.Sprintf("Runtime: uptime=%s | boot_count=%s | version=%s", up, boot, r.deps.Version), nil

	case "memory":
		if verbose {
			return fmt.Sprintf(
				"Memory diagnostics:\n- Heap alloc: %d KiB\n- Heap sys: %d KiB\n- GC cycles: %d\n- Goroutines: %d",
				allocKiB, sysKiB, ms.NumGC, goroutines), nil
		}
		return fmt.Sprintf("Memory: alloc=%d KiB | sys=%d KiB | gc=%d | goroutines=%d",
			allocKiB, sysKiB, ms.NumGC, goroutines), nil

	case "rates":
		return fmt.Sprintf("Rates: requests=%d/hr, %d/day", rl.Hour, rl.Day), nil

	case "time":
		if verbose {
			return fmt.Sprintf(
				"Time diagnostics:\n- Sync: %s\n- Timezone (POSIX): %s\n- Timezone (abbr): %s",
				synced, tz, abbrev), nil
		}
		return fmt.Sprintf("Time: %s | tz=%s (%s)", synced, tz, abbrev), nil

	case "all":
		var b strings.Builder
		fmt.Fprintf(&b, "Diagnostics:\n- Uptime: %s", up)
		if verbose {
			fmt.Fprintf(&b, " (%ds)", int64(uptime.Seconds()))
		}
		fmt.Fprintf(&b, "\n- Heap: alloc=%d KiB sys=%d KiB gc=%d goroutines=%d", allocKiB, sysKiB, ms.NumGC, goroutines)
		fmt.Fprintf(&b, "\n- Requests: %d/hr, %d/day", rl.Hour, rl.Day)
		fmt.Fprintf(&b, "\n- Time sync: %s", synced)
		fmt.Fprintf(&b, "\n- Timezone: %s (%s)", tz, abbrev)
		fmt.Fprintf(&b, "\n- Boot count: %s", boot)
		fmt.Fprintf(&b, "\n- Version: %s", r.deps.Version)
		if verbose && r.deps.Events != nil {
			events := r.deps.Events.Tail(8)
			b.WriteString("\n- Recent events:")
			if len(events) == 0 {
				b.WriteString(" none")
			}
			for _, e := range events {
				fmt.Fprintf(&b, "\n    %s %s", e.Time.Format("15:04:05"), e.Type)
			}
		}
		return b.String(), nil

	default: // quick
		return fmt.Sprintf(
			"Diag: uptime=%s | heap=%dKiB/%dKiB | req=%d/hr,%d/day | time=%s | tz=%s (%s) | boot=%s | v=%s",
			up, allocKiB, sysKiB, rl.Hour, rl.Day, synced, tz, abbrev, boot, r.deps.Version), nil
	}
}

func (r *Registry) bootCount(ctx context.Context) string {
	if r.store == nil {
		return "unknown"
	}
	v, ok, err := r.store.Get(ctx, BootCountKey)
	if err != nil || !ok {
		return "unknown"
	}
	return string(v)
}

func syncedWord(synced bool) string {
	if synced {
		return "synced"
	}
	return "not synced"
}

// formatUptime renders a duration in the cascading day/hour/minute form
// the diagnostics report uses.
func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	total := int64(d.Seconds())
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	minutes := total / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %02dh %02dm %02ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %02dm %02ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
