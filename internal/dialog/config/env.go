package config

// ================ Env config ================

// SessionConfig controls session persistence behaviour.
type SessionConfig struct {
	TTL             string `envconfig:"SESSION_TTL" default:"30m"`
	FuncTimeout     string `envconfig:"SESSION_FUNC_TIMEOUT" default:"5s"`
	MaxHistoryTurns int    `envconfig:"SESSION_MAX_HISTORY_TURNS" default:"50"`
}

// NLUModelConfig selects the understanding model and its sampling options.
type NLUModelConfig struct {
	Model       string  `envconfig:"NLU_MODEL" default:"gemini-2.0-flash"`
	MaxTokens   int     `envconfig:"NLU_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"NLU_TEMPERATURE" default:"0.1"`
	// UncertainBelow marks intents under this confidence as needing
	// confirmation before a task starts.
	UncertainBelow float64 `envconfig:"NLU_UNCERTAIN_BELOW" default:"0.6"`
}
