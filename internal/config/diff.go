package config

import (
	"reflect"
	"sort"
	"strings"

	logx "zclaw/pkg/logx"
)

// SummarizeChange returns the changed sections, safe structured attrs for
// logging (never secrets like tokens or API keys), and the subset of
// sections that only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed = make([]string, 0, 4)
	attrs = make([]logx.Field, 0, 12)

	tokenChanged := strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token)
	if tokenChanged ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedChatIDs, newCfg.Telegram.AllowedChatIDs) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.allowed_chats", len(newCfg.Telegram.AllowedChatIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
		if tokenChanged {
			restart = append(restart, "telegram")
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Clock != newCfg.Clock {
		changed = append(changed, "clock")
		restart = append(restart, "clock")
		attrs = append(attrs,
			logx.Bool("clock.disabled", newCfg.Clock.Disabled),
			logx.String("clock.server", strings.TrimSpace(newCfg.Clock.Server)),
		)
	}

	if oldCfg.LLM != newCfg.LLM {
		changed = append(changed, "llm")
		restart = append(restart, "llm")
		attrs = append(attrs,
			logx.String("llm.backend", strings.TrimSpace(newCfg.LLM.Backend)),
			logx.String("llm.model", strings.TrimSpace(newCfg.LLM.Model)),
			logx.Bool("llm.api_key_set", strings.TrimSpace(newCfg.LLM.APIKey) != ""),
			logx.Bool("llm.base_url_set", strings.TrimSpace(newCfg.LLM.BaseURL) != ""),
		)
	}

	if oldCfg.Agent != newCfg.Agent {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.Int("agent.history_pairs", newCfg.Agent.HistoryPairs),
			logx.Int("agent.max_tool_rounds", newCfg.Agent.MaxToolRounds),
		)
	}

	if oldCfg.Cron != newCfg.Cron {
		changed = append(changed, "cron")
		restart = append(restart, "cron")
		attrs = append(attrs,
			logx.String("cron.check_interval", strings.TrimSpace(newCfg.Cron.CheckInterval)),
			logx.String("cron.default_timezone", strings.TrimSpace(newCfg.Cron.DefaultTimezone)),
		)
	}

	if oldCfg.Ratelimit.IsEnabled() != newCfg.Ratelimit.IsEnabled() ||
		oldCfg.Ratelimit.PerHour != newCfg.Ratelimit.PerHour ||
		oldCfg.Ratelimit.PerDay != newCfg.Ratelimit.PerDay {
		changed = append(changed, "ratelimit")
		attrs = append(attrs,
			logx.Bool("ratelimit.enabled", newCfg.Ratelimit.IsEnabled()),
			logx.Int("ratelimit.per_hour", newCfg.Ratelimit.PerHour),
			logx.Int("ratelimit.per_day", newCfg.Ratelimit.PerDay),
		)
	}

	if oldCfg.Netprobe != newCfg.Netprobe {
		changed = append(changed, "netprobe")
		attrs = append(attrs,
			logx.Bool("netprobe.enabled", newCfg.Netprobe.Enabled),
			logx.Int("netprobe.servers", newCfg.Netprobe.Servers),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
