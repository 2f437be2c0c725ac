package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment keys read from the document environment
const (
	EnvEndpoint     = "CHAT_ENDPOINT"
	EnvAPIKey       = "CHAT_API_KEY"
	EnvModel        = "CHAT_MODEL"
	EnvSystemPrompt = "CHAT_SYSTEM_PROMPT"
	EnvTemperature  = "CHAT_TEMPERATURE"
)

const (
	DefaultEndpoint = "https://api.openai.com/v1"
	DefaultModel    = "gpt-4o-mini"
)

// Settings selects the completion endpoint and model
type Settings struct {
	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  *float64
}

// SettingsFromEnv reads Settings from a document environment, applying
// defaults for the endpoint and model.
func SettingsFromEnv(env map[string]string) (Settings, error) {
	s := Settings{
		Endpoint:     strings.TrimSpace(env[EnvEndpoint]),
		APIKey:       env[EnvAPIKey],
		Model:        strings.TrimSpace(env[EnvModel]),
		SystemPrompt: env[EnvSystemPrompt],
	}
	if s.Endpoint == "" {
		s.Endpoint = DefaultEndpoint
	}
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if raw := strings.TrimSpace(env[EnvTemperature]); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return s, fmt.Errorf("invalid %s %q: %w", EnvTemperature, raw, err)
		}
		s.Temperature = &t
	}
	return s, nil
}

// CompletionsURL is the chat completions resource of the endpoint
func (s Settings) CompletionsURL() string {
	return strings.TrimSuffix(s.Endpoint, "/") + "/chat/completions"
}
