package config

// Config is the on-disk configuration. All duration fields are Go
// duration strings (e.g. "500ms", "10s", "5m"); zero values defer to
// each service's built-in defaults.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Clock     ClockConfig     `json:"clock"`
	LLM       LLMConfig       `json:"llm"`
	Agent     AgentConfig     `json:"agent"`
	Cron      CronConfig      `json:"cron"`
	Ratelimit RatelimitConfig `json:"ratelimit"`
	Netprobe  NetprobeConfig  `json:"netprobe"`
	Debug     DebugConfig     `json:"debug"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AllowedChatIDs is the inbound allowlist. Empty rejects everything.
	AllowedChatIDs []int64 `json:"allowed_chat_ids"`
	PollTimeout    string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingTelegram mirrors warnings and errors into a chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver. Driver "none" (or empty)
// runs fully in-memory: schedules, memory and counters vanish on restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type ClockConfig struct {
	// Disabled trusts the host clock instead of probing NTP.
	Disabled      bool   `json:"disabled,omitempty"`
	Server        string `json:"server,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RetryInterval string `json:"retry_interval,omitempty"`
}

type LLMConfig struct {
	Backend   string `json:"backend"` // openai | openrouter | ollama
	BaseURL   string `json:"base_url,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type AgentConfig struct {
	HistoryPairs  int `json:"history_pairs,omitempty"`
	MaxToolRounds int `json:"max_tool_rounds,omitempty"`
}

type CronConfig struct {
	CheckInterval   string `json:"check_interval,omitempty"`
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

// RatelimitConfig caps LLM requests. Enabled is a pointer so an omitted
// section keeps limiting on; disabling it requires an explicit false.
type RatelimitConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	PerHour int   `json:"per_hour,omitempty"`
	PerDay  int   `json:"per_day,omitempty"`
}

// IsEnabled reports the effective switch: on unless explicitly disabled.
func (c RatelimitConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type NetprobeConfig struct {
	Enabled bool   `json:"enabled"`
	Servers int    `json:"servers,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server (statusz + pprof).
// Binding beyond loopback requires a token or an explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
