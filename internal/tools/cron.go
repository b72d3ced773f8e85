package tools

import (
	"context"
	"errors"
	"fmt"

	"zclaw/internal/cron"
)

func (r *Registry) cronTools() []Tool {
	return []Tool{
		{
			Name: "cron_set",
			Description: "Create a scheduled task. Type 'periodic' runs every N minutes. " +
				"Type 'daily' runs at a specific local time in the device timezone " +
				"(see set_timezone/get_timezone). Type 'once' runs one time after N minutes.",
			Schema: objSchema(map[string]any{
				"type":             enumProp("", "periodic", "daily", "once"),
				"interval_minutes": prop("integer", "For periodic: minutes between runs"),
				"delay_minutes":    prop("integer", "For once: minutes from now before one-time run"),
				"hour":             prop("integer", "For daily: hour 0-23"),
				"minute":           prop("integer", "For daily: minute 0-59"),
				"action":           prop("string", "What to do when triggered"),
			}, "type", "action"),
			run: r.cronSet,
		},
		{
			Name:        "cron_list",
			Description: "List all scheduled tasks.",
			Schema:      objSchema(map[string]any{}),
			run:         r.cronList,
		},
		{
			Name:        "cron_delete",
			Description: "Delete a scheduled task by ID.",
			Schema: objSchema(map[string]any{
				"id": prop("integer", "Schedule ID to delete"),
			}, "id"),
			run: r.cronDelete,
		},
		{
			Name:        "get_time",
			Description: "Get current date and time in the configured device timezone.",
			Schema:      objSchema(map[string]any{}),
			run:         r.getTime,
		},
		{
			Name: "set_timezone",
			Description: "Set device timezone used by get_time and daily cron schedules. " +
				"Accepts common aliases (UTC, America/Los_Angeles, America/Denver, " +
				"America/Chicago, America/New_York) or a POSIX TZ string.",
			Schema: objSchema(map[string]any{
				"timezone": prop("string", "Timezone alias or POSIX TZ string"),
			}, "timezone"),
			run: r.setTimezone,
		},
		{
			Name:        "get_timezone",
			Description: "Get current device timezone (POSIX string and abbreviation).",
			Schema:      objSchema(map[string]any{}),
			run:         r.getTimezone,
		},
	}
}

func (r *Registry) cronSet(ctx context.Context, args map[string]any) (string, error) {
	typ, ok := stringArg(args, "type")
	if !ok {
		return "", errors.New("'type' required (periodic/daily/once)")
	}
	action, ok := stringArg(args, "action")
	if !ok {
		return "", errors.New("'action' required (what to do)")
	}
	if err := validateText(action, cron.MaxActionLen); err != nil {
		return "", err
	}

	switch typ {
	case "periodic":
		interval, ok := numberArg(args, "interval_minutes")
		if !ok {
			return "", errors.New("'interval_minutes' required for periodic")
		}
		if interval < 1 || interval > 1440 {
			return "", errors.New("interval_minutes must be 1-1440")
		}
		id, err := r.deps.Cron.Create(ctx, cron.KindPeriodic, interval, 0, action)
		if err != nil {
			return "", cronMutationError(err)
		}
		return fmt.Sprintf("Created schedule #%d: every %d min → %s", id, interval, action), nil

	case "daily":
		hour, ok := numberArg(args, "hour")
		if !ok {
			return "", errors.New("'hour' required for daily (0-23)")
		}
		minute := 0
		if v, present := args["minute"]; present {
			f, isNum := v.(float64)
			if !isNum {
				return "", errors.New("'minute' must be a number (0-59)")
			}
			minute = int(f)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return "", errors.New("daily time must be hour 0-23 and minute 0-59")
		}
		id, err := r.deps.Cron.Create(ctx, cron.KindDaily, hour, minute, action)
		if err != nil {
			return "", cronMutationError(err)
		}
		return fmt.Sprintf("Created schedule #%d: daily at %02d:%02d → %s", id, hour, minute, action), nil

	case "once":
		delay, ok := numberArg(args, "delay_minutes")
		if !ok {
			return "", errors.New("'delay_minutes' required for once")
		}
		if delay < 1 || delay > 1440 {
			return "", errors.New("delay_minutes must be 1-1440")
		}
		id, err := r.deps.Cron.Create(ctx, cron.KindOnce, delay, 0, action)
		if err != nil {
			return "", cronMutationError(err)
		}
		return fmt.Sprintf("Created schedule #%d: once in %d min → %s", id, delay, action), nil

	default:
		return "", errors.New("type must be 'periodic', 'daily' or 'once'")
	}
}

// cronMutationError rewrites scheduler errors into the terse reasons the
// model is expected to echo back to the user.
func cronMutationError(err error) error {
	switch {
	case errors.Is(err, cron.ErrTableFull), errors.Is(err, cron.ErrIDsExhausted):
		return errors.New("no free schedule slots")
	case errors.Is(err, cron.ErrLockTimeout):
		return errors.New("scheduler busy, try again")
	case errors.Is(err, cron.ErrPersistFailed):
		return errors.New("failed to persist schedule")
	default:
		return err
	}
}

func (r *Registry) cronList(ctx context.Context, args map[string]any) (string, error) {
	return r.deps.Cron.List(), nil
}

func (r *Registry) cronDelete(ctx context.Context, args map[string]any) (string, error) {
	id, ok := numberArg(args, "id")
	if !ok {
		return "", errors.New("'id' required (number)")
	}
	if id < 1 || id > 255 {
		return fmt.Sprintf("Schedule #%d not found", id), nil
	}
	if err := r.deps.Cron.Delete(ctx, uint8(id)); err != nil {
		if errors.Is(err, cron.ErrNotFound) {
			return fmt.Sprintf("Schedule #%d not found", id), nil
		}
		return "", cronMutationError(err)
	}
	return fmt.Sprintf("Deleted schedule #%d", id), nil
}

func (r *Registry) getTime(ctx context.Context, args map[string]any) (string, error) {
	if !r.deps.Clock.Synced() {
		return "Time not synced (no NTP)", nil
	}
	return r.deps.Cron.LocalNow().Format("2006-01-02 15:04:05"), nil
}

func (r *Registry) setTimezone(ctx context.Context, args map[string]any) (string, error) {
	tz, ok := stringArg(args, "timezone")
	if !ok {
		return "", errors.New("'timezone' required (string)")
	}
	if err := r.deps.Cron.SetTimezone(ctx, tz); err != nil {
		switch {
		case errors.Is(err, cron.ErrInvalidTimezone):
			return "", fmt.Errorf("invalid timezone '%s'", tz)
		case errors.Is(err, cron.ErrPersistFailed):
			return "", errors.New("failed to persist timezone")
		default:
			return "", err
		}
	}
	return fmt.Sprintf("Timezone set: %s (%s)",
		r.deps.Cron.Timezone(), r.deps.Cron.TimezoneAbbreviation()), nil
}

func (r *Registry) getTimezone(ctx context.Context, args map[string]any) (string, error) {
	return fmt.Sprintf("%s (%s)", r.deps.Cron.Timezone(), r.deps.Cron.TimezoneAbbreviation()), nil
}
