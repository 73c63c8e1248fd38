package models

import (
	"errors"
	"fmt"
	"strings"
)

// ModelParameters are the per-request sampling knobs a client may send.
// Zero values mean "use the provider default".
type ModelParameters struct {
	Model         string   `json:"model,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	ContextSize   int      `json:"context_size,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

const (
	maxTemperature  = 2.0
	maxTokensLimit  = 128000
	maxContextSize  = 262144
	maxStopSequence = 8
)

// Validate checks parameter ranges.
func (p *ModelParameters) Validate() error {
	if p == nil {
		return nil
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > maxTemperature) {
		return fmt.Errorf("temperature must be between 0 and %.1f", maxTemperature)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return errors.New("top_p must be between 0 and 1")
	}
	if p.TopK < 0 {
		return errors.New("top_k cannot be negative")
	}
	if p.MaxTokens < 0 || p.MaxTokens > maxTokensLimit {
		return fmt.Errorf("max_tokens must be between 0 and %d", maxTokensLimit)
	}
	if p.ContextSize < 0 || p.ContextSize > maxContextSize {
		return fmt.Errorf("context_size must be between 0 and %d", maxContextSize)
	}
	if p.RepeatPenalty < 0 {
		return errors.New("repeat_penalty cannot be negative")
	}
	if len(p.Stop) > maxStopSequence {
		return fmt.Errorf("at most %d stop sequences allowed", maxStopSequence)
	}
	return nil
}

// Merge returns p with unset fields filled from defaults.
func (p *ModelParameters) Merge(defaults *ModelParameters) *ModelParameters {
	if p == nil && defaults == nil {
		return nil
	}
	out := ModelParameters{}
	if defaults != nil {
		out = *defaults
	}
	if p == nil {
		return &out
	}
	if strings.TrimSpace(p.Model) != "" {
		out.Model = p.Model
	}
	if strings.TrimSpace(p.SystemPrompt) != "" {
		out.SystemPrompt = p.SystemPrompt
	}
	if p.Temperature != nil {
		out.Temperature = p.Temperature
	}
	if p.TopP != nil {
		out.TopP = p.TopP
	}
	if p.TopK != 0 {
		out.TopK = p.TopK
	}
	if p.MaxTokens != 0 {
		out.MaxTokens = p.MaxTokens
	}
	if p.ContextSize != 0 {
		out.ContextSize = p.ContextSize
	}
	if p.RepeatPenalty != 0 {
		out.RepeatPenalty = p.RepeatPenalty
	}
	if p.Seed != 0 {
		out.Seed = p.Seed
	}
	if len(p.Stop) > 0 {
		out.Stop = p.Stop
	}
	return &out
}
