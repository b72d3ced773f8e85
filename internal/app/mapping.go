package app

import (
	"fmt"
	"strings"
	"time"

	"zclaw/internal/agent"
	"zclaw/internal/bridge"
	"zclaw/internal/clock"
	"zclaw/internal/config"
	"zclaw/internal/cron"
	"zclaw/internal/llm"
	"zclaw/internal/netprobe"
	"zclaw/internal/observability/diag"
	"zclaw/internal/ratelimit"
	"zclaw/internal/storage"
	logx "zclaw/pkg/logx"
)

// The map* helpers translate the file schema into per-service configs and
// double as the validation surface: every one of them is called from
// validateConfig before a reload is committed, so a bad duration or enum
// value rejects the whole file instead of half-applying.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "none", "file", "badger", "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if driver != "" && driver != "none" && strings.TrimSpace(cfg.Storage.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required for the %s driver", driver)
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapClockConfig(cfg *config.Config) (clock.Config, error) {
	timeout, err := config.ParseDurationField("clock.timeout", cfg.Clock.Timeout)
	if err != nil {
		return clock.Config{}, err
	}
	retry, err := config.ParseDurationField("clock.retry_interval", cfg.Clock.RetryInterval)
	if err != nil {
		return clock.Config{}, err
	}
	return clock.Config{
		Disabled:      cfg.Clock.Disabled,
		Server:        cfg.Clock.Server,
		Timeout:       timeout,
		RetryInterval: retry,
	}, nil
}

func mapLLMConfig(cfg *config.Config) (llm.Config, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.LLM.Backend))
	switch backend {
	case "", llm.BackendOpenAI, llm.BackendOpenRouter, llm.BackendOllama:
	default:
		return llm.Config{}, fmt.Errorf("llm.backend: unknown backend %q", cfg.LLM.Backend)
	}
	timeout, err := config.ParseDurationField("llm.timeout", cfg.LLM.Timeout)
	if err != nil {
		return llm.Config{}, err
	}
	if cfg.LLM.MaxTokens < 0 {
		return llm.Config{}, fmt.Errorf("llm.max_tokens must be >= 0")
	}
	return llm.Config{
		Backend:   backend,
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   timeout,
	}, nil
}

func mapCronConfig(cfg *config.Config) (cron.Config, error) {
	interval, err := config.ParseDurationField("cron.check_interval", cfg.Cron.CheckInterval)
	if err != nil {
		return cron.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Cron.DefaultTimezone); tz != "" {
		if err := cron.ValidateTimezone(tz); err != nil {
			return cron.Config{}, fmt.Errorf("cron.default_timezone: %w", err)
		}
	}
	return cron.Config{
		CheckInterval:   interval,
		DefaultTimezone: cfg.Cron.DefaultTimezone,
	}, nil
}

func mapRatelimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	if cfg.Ratelimit.PerHour < 0 {
		return ratelimit.Config{}, fmt.Errorf("ratelimit.per_hour must be >= 0")
	}
	if cfg.Ratelimit.PerDay < 0 {
		return ratelimit.Config{}, fmt.Errorf("ratelimit.per_day must be >= 0")
	}
	return ratelimit.Config{
		Enabled: cfg.Ratelimit.IsEnabled(),
		PerHour: cfg.Ratelimit.PerHour,
		PerDay:  cfg.Ratelimit.PerDay,
	}, nil
}

func mapNetprobeConfig(cfg *config.Config) (netprobe.Config, error) {
	timeout, err := config.ParseDurationField("netprobe.timeout", cfg.Netprobe.Timeout)
	if err != nil {
		return netprobe.Config{}, err
	}
	if cfg.Netprobe.Servers < 0 {
		return netprobe.Config{}, fmt.Errorf("netprobe.servers must be >= 0")
	}
	return netprobe.Config{
		Enabled: cfg.Netprobe.Enabled,
		Servers: cfg.Netprobe.Servers,
		Timeout: timeout,
	}, nil
}

func mapAgentConfig(cfg *config.Config) (agent.Config, error) {
	if cfg.Agent.HistoryPairs < 0 {
		return agent.Config{}, fmt.Errorf("agent.history_pairs must be >= 0")
	}
	if cfg.Agent.MaxToolRounds < 0 {
		return agent.Config{}, fmt.Errorf("agent.max_tool_rounds must be >= 0")
	}
	return agent.Config{
		HistoryPairs:  cfg.Agent.HistoryPairs,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
	}, nil
}

func mapBridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{AllowedChatIDs: cfg.Telegram.AllowedChatIDs}
}

func mapDebugConfig(cfg *config.Config) (diag.Config, error) {
	read, err := config.ParseDurationField("debug.read_timeout", cfg.Debug.ReadTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	write, err := config.ParseDurationField("debug.write_timeout", cfg.Debug.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationField("debug.idle_timeout", cfg.Debug.IdleTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func telegramPollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 30*time.Second)
}

// validateConfig rejects a config before the manager commits it.
func validateConfig(cfg *config.Config) error {
	if _, err := telegramPollTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapClockConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLLMConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCronConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRatelimitConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNetprobeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAgentConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	return nil
}
