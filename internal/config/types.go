package config

import (
	"bytes"
	"encoding/json"
)

// Config is the root configuration document.
//
// Every scalar can be overridden from the environment with the TELLBOT_ prefix,
// e.g. TELLBOT_TELEGRAM_TOKEN or TELLBOT_STORAGE_PATH.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram" envPrefix:"TELEGRAM_"`
	Logging   LoggingConfig   `json:"logging" envPrefix:"LOG_"`
	Storage   StorageConfig   `json:"storage" envPrefix:"STORAGE_"`
	Scheduler SchedulerConfig `json:"scheduler" envPrefix:"SCHEDULER_"`
	Systemd   SystemdConfig   `json:"systemd,omitempty" envPrefix:"SYSTEMD_"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	Token        string  `json:"token" env:"TOKEN" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids" env:"OWNER_USER_IDS" envSeparator:","`
	GroupLog     string  `json:"group_log,omitempty" env:"GROUP_LOG" validate:"omitempty,numeric"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty" env:"POLL_TIMEOUT"`
	// RatePerSec caps outbound sends; 0 means the default (20/s).
	RatePerSec int `json:"rate_per_sec,omitempty" env:"RATE_PER_SEC" validate:"gte=0"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"LEVEL" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console  bool            `json:"console" env:"CONSOLE"`
	File     LoggingFile     `json:"file" envPrefix:"FILE_"`
	Telegram LoggingTelegram `json:"telegram" envPrefix:"TELEGRAM_"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	ThreadID   int    `json:"thread_id" env:"THREAD_ID"`
	MinLevel   string `json:"min_level" env:"MIN_LEVEL"`
	RatePerSec int    `json:"rate_per_sec" env:"RATE_PER_SEC" validate:"gte=0"`
}

// StorageConfig selects the tell database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tells.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver" env:"DRIVER" validate:"omitempty,oneof=sqlite sqlite3"`
	Path        string `json:"path" env:"PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty" env:"BUSY_TIMEOUT"`
}

// SchedulerConfig controls the cron trigger service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled" env:"ENABLED"`
	Timezone string `json:"timezone,omitempty" env:"TIMEZONE" validate:"omitempty,timezone"`
}

// SystemdConfig controls sd_notify readiness and watchdog pings.
// Both are no-ops when the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify" env:"NOTIFY"`
	Watchdog bool `json:"watchdog" env:"WATCHDOG"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin blocks fail the reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
