package config

import "os"

// ApplyEnv overrides config values from PARLEY_* environment variables.
func ApplyEnv(cfg Config) Config {
	if os.Getenv("PARLEY_DEBUG_LOG_REQUESTS") == "1" {
		cfg.Debug.LogRequests = true
	}
	if os.Getenv("PARLEY_DEBUG_LOG_RESPONSES") == "1" {
		cfg.Debug.LogResponses = true
	}
	if mode := os.Getenv("PARLEY_BACKEND_MODE"); mode != "" {
		cfg.Backend.Mode = Mode(mode)
	}
	if dir := os.Getenv("PARLEY_DATA_DIR"); dir != "" {
		cfg.DataDir = expandPath(dir)
	}
	return cfg
}

// ResolveAPIKey prefers the environment so keys need not be written to the config file.
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := os.Getenv("PARLEY_OPENAI_API_KEY"); key != "" {
		return key
	}
	if c.APIKey != "" {
		return c.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}
