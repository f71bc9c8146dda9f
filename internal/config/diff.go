package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	StandbyPromptChanged bool
	NewStandbyPrompt     string

	MaxIdleDurationChanged bool
	NewMaxIdleDurationMs   int

	SilenceDurationChanged bool
	NewSilenceDurationMs   int

	HistoryLimitChanged bool
	NewHistoryLimit     int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart — provider
// selection and store backend require a process restart and are not tracked.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Chat.StandbyPrompt != new.Chat.StandbyPrompt {
		d.StandbyPromptChanged = true
		d.NewStandbyPrompt = new.Chat.StandbyPrompt
	}
	if old.Chat.MaxIdleDurationMs != new.Chat.MaxIdleDurationMs {
		d.MaxIdleDurationChanged = true
		d.NewMaxIdleDurationMs = new.Chat.MaxIdleDurationMs
	}
	if old.VAD.SilenceDurationMs != new.VAD.SilenceDurationMs {
		d.SilenceDurationChanged = true
		d.NewSilenceDurationMs = new.VAD.SilenceDurationMs
	}
	if old.LLM.HistoryLimit != new.LLM.HistoryLimit {
		d.HistoryLimitChanged = true
		d.NewHistoryLimit = new.LLM.HistoryLimit
	}

	return d
}
