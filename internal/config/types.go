package config

// Config is the whole bot configuration. Files may be JSON or YAML; unknown
// fields are rejected so typos surface instead of silently doing nothing.
//
// All durations are Go duration strings (e.g. "30s", "5m", "1h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Catalog  CatalogConfig  `json:"catalog"`
	Dispatch DispatchConfig `json:"dispatch"`
	Arena    ArenaConfig    `json:"arena"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// GameGroupID is the forum-enabled group where per-player dispatch
	// threads are created and arenas run.
	GameGroupID int64 `json:"game_group_id"`

	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// GroupLog (optional) receives warn+ log lines and announcements.
	GroupLog string `json:"group_log,omitempty"`

	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig points at the sqlite database file.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CatalogConfig controls the upstream mission catalog.
type CatalogConfig struct {
	// URL of the mission catalog JSON endpoint.
	URL string `json:"url"`

	// RefreshInterval is how long a fetched catalog stays fresh. Default 1h.
	RefreshInterval string `json:"refresh_interval,omitempty"`
}

// DispatchConfig controls the automatic mission assignment sweep.
type DispatchConfig struct {
	Enabled bool `json:"enabled"`

	// SweepInterval between scheduler cycles. Default 1m.
	SweepInterval string `json:"sweep_interval,omitempty"`

	// FirstMissionDelay after a player first goes on duty. Default 30s.
	FirstMissionDelay string `json:"first_mission_delay,omitempty"`
}

// ArenaConfig carries the defaults for group competitions.
type ArenaConfig struct {
	// EntryFee in credits when /arena is called without an amount.
	EntryFee int64 `json:"entry_fee,omitempty"`

	// LobbyDuration before the round starts. Default 60s.
	LobbyDuration string `json:"lobby_duration,omitempty"`

	// RoundDuration of the answer window. Default 60s.
	RoundDuration string `json:"round_duration,omitempty"`

	// AnswerMinInterval is the per-player minimum spacing between accepted
	// submissions. Default 2s.
	AnswerMinInterval string `json:"answer_min_interval,omitempty"`
}
