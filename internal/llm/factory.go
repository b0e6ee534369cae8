package llm

import (
	"os"
	"strconv"
	"strings"
	"time"

	"posnorm/internal/logging"
)

// Runtime describes how the client factory resolved its configuration. It is
// attached to pipeline metadata so every order records which model (if any)
// handled it and why the client may be absent.
type Runtime struct {
	Enabled         bool    `json:"enabled"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	BaseURL         string  `json:"base_url"`
	TimeoutSDefault float64 `json:"timeout_s_default"`
	Reason          string  `json:"reason"`
}

// Factory reasons.
const (
	ReasonReady               = "ready"
	ReasonEnvDisabled         = "env_disabled"
	ReasonUnsupportedProvider = "unsupported_provider"
	ReasonMissingAPIKey       = "missing_api_key"
	ReasonInjectedClient      = "injected_client"
)

// Environment keys recognized by FromEnv.
const (
	EnvProvider    = "POS_LLM_PROVIDER"
	EnvModel       = "POS_LLM_MODEL"
	EnvBaseURL     = "POS_LLM_BASE_URL"
	EnvAPIKey      = "POS_LLM_API_KEY"
	EnvAPIKeyAlt   = "OPENAI_API_KEY"
	EnvTimeoutS    = "POS_LLM_TIMEOUT_S"
	EnvTemperature = "POS_LLM_TEMPERATURE"
	EnvMaxTokens   = "POS_LLM_MAX_TOKENS"
	EnvEnabled     = "POS_LLM_ENABLED"
)

// Env abstracts environment lookup so tests can inject maps.
type Env func(key string) string

// OSEnv reads from the process environment.
func OSEnv(key string) string { return os.Getenv(key) }

// MapEnv wraps a map as an Env.
func MapEnv(m map[string]string) Env {
	return func(key string) string { return m[key] }
}

func envText(env Env, key, fallback string) string {
	if text := strings.TrimSpace(env(key)); text != "" {
		return text
	}
	return fallback
}

func envFloat(env Env, key string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(env(key)), 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envInt(env Env, key string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(env(key)))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// envBool returns (value, set). Unrecognized text counts as unset.
func envBool(env Env, key string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(env(key))) {
	case "1", "true", "yes", "on", "y":
		return true, true
	case "0", "false", "no", "off", "n":
		return false, true
	}
	return false, false
}

// FromEnv builds a client from POS_LLM_* configuration. A nil client with a
// populated Runtime is a valid outcome: the pipeline then runs rule-based
// fallback with the runtime's reason recorded.
func FromEnv(env Env) (Client, Runtime) {
	if env == nil {
		env = OSEnv
	}

	provider := strings.ToLower(envText(env, EnvProvider, "openai"))
	model := envText(env, EnvModel, DefaultModel)
	baseURL := envText(env, EnvBaseURL, DefaultBaseURL)
	apiKey := envText(env, EnvAPIKey, "")
	if apiKey == "" {
		apiKey = envText(env, EnvAPIKeyAlt, "")
	}
	timeoutS := envFloat(env, EnvTimeoutS, 15.0)
	temperature := envFloatAllowZero(env, EnvTemperature, DefaultTemperature)
	maxTokens := envInt(env, EnvMaxTokens, DefaultMaxTokens)

	runtime := Runtime{
		Enabled:         false,
		Provider:        provider,
		Model:           model,
		BaseURL:         baseURL,
		TimeoutSDefault: timeoutS,
		Reason:          "unknown",
	}

	if enabled, set := envBool(env, EnvEnabled); set && !enabled {
		runtime.Reason = ReasonEnvDisabled
		logging.LLM("client disabled via %s", EnvEnabled)
		return nil, runtime
	}
	if provider != "openai" {
		runtime.Reason = ReasonUnsupportedProvider
		logging.LLMWarn("unsupported provider %q", provider)
		return nil, runtime
	}
	if apiKey == "" {
		runtime.Reason = ReasonMissingAPIKey
		return nil, runtime
	}

	client := &OpenAIClient{
		APIKey:      apiKey,
		Model:       model,
		BaseURL:     baseURL,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Timeout:     time.Duration(timeoutS * float64(time.Second)),
	}
	runtime.Enabled = true
	runtime.Reason = ReasonReady
	logging.LLM("client ready provider=%s model=%s", provider, model)
	return client, runtime
}

// envFloatAllowZero is envFloat but keeps zero values (temperature 0 is
// meaningful).
func envFloatAllowZero(env Env, key string, fallback float64) float64 {
	text := strings.TrimSpace(env(key))
	if text == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// InjectedRuntime is the runtime descriptor used when the caller supplies
// its own client instead of the env factory.
func InjectedRuntime() Runtime {
	return Runtime{
		Enabled:         true,
		Provider:        "injected",
		Model:           "injected",
		BaseURL:         "injected",
		TimeoutSDefault: 15.0,
		Reason:          ReasonInjectedClient,
	}
}

// AsMetadata renders the runtime as a metadata bag.
func (r Runtime) AsMetadata() map[string]any {
	return map[string]any{
		"enabled":           r.Enabled,
		"provider":          r.Provider,
		"model":             r.Model,
		"base_url":          r.BaseURL,
		"timeout_s_default": r.TimeoutSDefault,
		"reason":            r.Reason,
	}
}
