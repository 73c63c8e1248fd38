// Package llm produces assistant replies from a local Ollama server or from a
// cloud chat model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ollamachat/internal/config"
	"ollamachat/internal/models"
	"ollamachat/internal/ollama"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMissingAPIKey   = errors.New("api key required for provider")
)

// Request is one generation over a session's history. Messages must already
// end with the latest user turn.
type Request struct {
	UserID      int64
	SessionID   int64
	Messages    []*models.Message
	Params      *models.ModelParameters
	Attachments []*models.Attachment
}

// Stats describes a finished generation.
type Stats struct {
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	DurationMS       int64   `json:"duration_ms"`
	FirstTokenMS     int64   `json:"first_token_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// Result is the accumulated reply. On cancellation StreamChat returns the
// partial Result together with the context error.
type Result struct {
	Content string
	Stats   Stats
}

// DeltaFunc receives content deltas in arrival order.
type DeltaFunc func(delta string) error

// Provider is a chat backend bound to one model.
type Provider interface {
	Name() string
	Model() string
	StreamChat(ctx context.Context, req *Request, onDelta DeltaFunc) (*Result, error)
	Generate(ctx context.Context, req *Request) (string, error)
}

// Config selects a provider and model. Token is the user's API key for cloud
// providers.
type Config struct {
	Provider string
	Model    string
	Token    string
}

// Factory builds providers on demand.
type Factory func(ctx context.Context, cfg Config) (Provider, error)

// RequiresAPIKey reports whether provider needs a user API key.
func RequiresAPIKey(provider string) bool {
	return NormalizeProvider(provider) != ProviderOllama
}

// NormalizeProvider lowercases provider and maps "" to ollama.
func NormalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return ProviderOllama
	}
	return p
}

// NewFactory returns the production factory: ollama through the native
// client, cloud providers through eino chat models sharing one toolset.
func NewFactory(cfg *config.Config, client *ollama.Client) Factory {
	tools := NewToolset()
	return func(ctx context.Context, pc Config) (Provider, error) {
		name := NormalizeProvider(pc.Provider)
		if name == ProviderOllama {
			model := pc.Model
			if model == "" {
				model = client.DefaultModel()
			}
			return NewOllamaProvider(client, model), nil
		}
		provCfg, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
		if pc.Token == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, name)
		}
		model := pc.Model
		if model == "" {
			model = provCfg.Model
		}
		return NewEinoProvider(ctx, name, provCfg.BaseURL, model, pc.Token, tools)
	}
}

type streamTimer struct {
	start time.Time
	first time.Time
}

func newStreamTimer() *streamTimer {
	return &streamTimer{start: time.Now()}
}

func (t *streamTimer) token() {
	if t.first.IsZero() {
		t.first = time.Now()
	}
}

func (t *streamTimer) fill(stats *Stats) {
	stats.DurationMS = time.Since(t.start).Milliseconds()
	if !t.first.IsZero() {
		stats.FirstTokenMS = t.first.Sub(t.start).Milliseconds()
	}
}
