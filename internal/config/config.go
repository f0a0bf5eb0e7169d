package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/erg0nix/parley/internal/core"
)

// Mode selects which backend serves a session.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

const (
	LocalLlama  = "llama"
	LocalOllama = "ollama"
)

type ContextConfig struct {
	WindowSize      int    `toml:"window_size"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
	Estimator       string `toml:"estimator"`
}

type RetentionConfig struct {
	MaxMessages int `toml:"max_messages"`
	EvictKeep   int `toml:"evict_keep"`
}

type InactivityConfig struct {
	Enabled        bool `toml:"enabled"`
	TimeoutSeconds int  `toml:"timeout_seconds"`
}

type SessionConfig struct {
	FirstTokenTimeoutSeconds int  `toml:"first_token_timeout_seconds"`
	Transcript               bool `toml:"transcript"`
}

type LlamaConfig struct {
	Endpoint           string `toml:"endpoint"`
	BinPath            string `toml:"bin_path"`
	ModelPath          string `toml:"model_path"`
	AutoStart          bool   `toml:"auto_start"`
	GPULayers          int    `toml:"gpu_layers"`
	StartupWaitSeconds int    `toml:"startup_wait_seconds"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
}

type OllamaConfig struct {
	Host  string `toml:"host"`
	Model string `toml:"model"`
}

type OpenAIConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key,omitempty"`
}

type BackendConfig struct {
	Mode   Mode         `toml:"mode"`
	Local  string       `toml:"local"`
	Llama  LlamaConfig  `toml:"llama"`
	Ollama OllamaConfig `toml:"ollama"`
	OpenAI OpenAIConfig `toml:"openai"`
}

type ServeConfig struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
}

type DebugConfig struct {
	LogRequests  bool   `toml:"log_requests"`
	LogResponses bool   `toml:"log_responses"`
	LogDirectory string `toml:"log_directory"`
}

type Config struct {
	DataDir      string              `toml:"data_dir"`
	SystemPrompt string              `toml:"system_prompt"`
	Context      ContextConfig       `toml:"context"`
	Retention    RetentionConfig     `toml:"retention"`
	Inactivity   InactivityConfig    `toml:"inactivity"`
	Session      SessionConfig       `toml:"session"`
	Sampling     core.SamplingConfig `toml:"sampling"`
	Backend      BackendConfig       `toml:"backend"`
	Serve        ServeConfig         `toml:"serve"`
	Debug        DebugConfig         `toml:"debug"`
}

func Default() Config {
	dataDir := defaultDataDir()
	temperature := 0.7

	return Config{
		DataDir:      dataDir,
		SystemPrompt: "You are a helpful assistant. Keep answers short and conversational.",
		Context: ContextConfig{
			WindowSize:      2048,
			MaxOutputTokens: 512,
			Estimator:       "tiktoken",
		},
		Retention: RetentionConfig{
			MaxMessages: 20,
			EvictKeep:   24,
		},
		Inactivity: InactivityConfig{
			Enabled:        true,
			TimeoutSeconds: 300,
		},
		Session: SessionConfig{
			FirstTokenTimeoutSeconds: 30,
			Transcript:               true,
		},
		Sampling: core.SamplingConfig{
			Temperature: &temperature,
		},
		Backend: BackendConfig{
			Mode:  ModeLocal,
			Local: LocalLlama,
			Llama: LlamaConfig{
				Endpoint:           "http://127.0.0.1:8080",
				BinPath:            "llama-server",
				ModelPath:          filepath.Join(defaultModelsDir(), "model.gguf"),
				AutoStart:          true,
				StartupWaitSeconds: 30,
				HTTPTimeoutSeconds: 300,
			},
			Ollama: OllamaConfig{
				Host:  "http://127.0.0.1:11434",
				Model: "llama3.2",
			},
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
		},
		Serve: ServeConfig{
			HTTPAddr: "127.0.0.1:7470",
			GRPCAddr: "127.0.0.1:7471",
		},
		Debug: DebugConfig{
			LogDirectory: filepath.Join(dataDir, "debug"),
		},
	}
}

// DefaultPath is the config file location used when no --config flag is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

// LoadOrCreate reads the TOML file at path, writing the defaults there first if it does not exist.
func LoadOrCreate(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := write(path, config); err != nil {
				return config, err
			}
			return config, nil
		}

		return config, err
	}

	configData, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := toml.Unmarshal(configData, &config); err != nil {
		return config, err
	}

	config.DataDir = expandPath(config.DataDir)
	config.Debug.LogDirectory = expandPath(config.Debug.LogDirectory)
	config.Backend.Llama.ModelPath = expandPath(config.Backend.Llama.ModelPath)
	config.Backend.Llama.Endpoint = strings.TrimSpace(config.Backend.Llama.Endpoint)

	if config.Backend.Mode == "" {
		config.Backend.Mode = ModeLocal
	}

	if config.Backend.Local == "" {
		config.Backend.Local = LocalLlama
	}

	if config.Backend.Llama.Endpoint == "" && config.Backend.Local == LocalLlama {
		return config, errors.New("backend.llama.endpoint is required")
	}

	if err := Validate(config); err != nil {
		return config, err
	}

	return config, nil
}

func write(path string, config Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	configData, err := toml.Marshal(config)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, configData, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return ".parley"
	}

	return filepath.Join(homeDir, ".parley")
}

func defaultModelsDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return "models"
	}

	return filepath.Join(homeDir, "models")
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()

		if homeDir != "" {
			trimmed := strings.TrimPrefix(path, "~")
			trimmed = strings.TrimPrefix(trimmed, string(os.PathSeparator))

			return filepath.Join(homeDir, trimmed)
		}
	}

	return path
}
