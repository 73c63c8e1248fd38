package llm

import (
	"context"
	"fmt"
	"strings"

	"ollamachat/internal/models"
	"ollamachat/internal/ollama"
)

type ollamaProvider struct {
	client *ollama.Client
	model  string
}

// NewOllamaProvider binds the native Ollama client to model.
func NewOllamaProvider(client *ollama.Client, model string) Provider {
	return &ollamaProvider{client: client, model: model}
}

func (p *ollamaProvider) Name() string  { return ProviderOllama }
func (p *ollamaProvider) Model() string { return p.model }

func (p *ollamaProvider) StreamChat(ctx context.Context, req *Request, onDelta DeltaFunc) (*Result, error) {
	chatReq, err := p.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	acc := ollama.NewAccumulator()
	timer := newStreamTimer()
	err = p.client.ChatStream(ctx, chatReq, func(chunk ollama.StreamChunk) error {
		acc.Add(chunk)
		if chunk.Content == "" {
			return nil
		}
		timer.token()
		if onDelta != nil {
			return onDelta(chunk.Content)
		}
		return nil
	})
	raw := acc.Stats()
	result := &Result{
		Content: acc.Content(),
		Stats: Stats{
			Model:            raw.Model,
			PromptTokens:     raw.PromptTokens,
			CompletionTokens: raw.CompletionTokens,
			TokensPerSecond:  raw.TokensPerSecond,
		},
	}
	if result.Stats.Model == "" {
		result.Stats.Model = chatReq.Model
	}
	timer.fill(&result.Stats)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (p *ollamaProvider) Generate(ctx context.Context, req *Request) (string, error) {
	chatReq, err := p.buildRequest(ctx, req)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Chat(ctx, chatReq)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (p *ollamaProvider) buildRequest(ctx context.Context, req *Request) (ollama.ChatRequest, error) {
	if req == nil {
		return ollama.ChatRequest{}, fmt.Errorf("request required")
	}
	// the bound model wins; Params.Model only fills in for an unbound provider
	model := p.model
	if model == "" && req.Params != nil {
		model = strings.TrimSpace(req.Params.Model)
	}
	messages := make([]ollama.Message, 0, len(req.Messages)+2)
	if req.Params != nil && strings.TrimSpace(req.Params.SystemPrompt) != "" {
		messages = append(messages, ollama.Message{Role: string(models.RoleSystem), Content: req.Params.SystemPrompt})
	}
	if len(req.Attachments) > 0 {
		inline, err := InlineAttachments(ctx, req.Attachments)
		if err != nil {
			return ollama.ChatRequest{}, err
		}
		if inline != "" {
			messages = append(messages, ollama.Message{Role: string(models.RoleSystem), Content: inline})
		}
	}
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		messages = append(messages, ollama.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return ollama.ChatRequest{
		Model:    model,
		Messages: messages,
		Options:  ollamaOptions(req.Params),
	}, nil
}

func ollamaOptions(params *models.ModelParameters) *ollama.Options {
	if params == nil {
		return nil
	}
	opts := &ollama.Options{
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		NumCtx:      params.ContextSize,
		NumPredict:  params.MaxTokens,
		Stop:        params.Stop,
	}
	if params.RepeatPenalty > 0 {
		penalty := params.RepeatPenalty
		opts.RepeatPenalty = &penalty
	}
	if params.Seed != 0 {
		seed := params.Seed
		opts.Seed = &seed
	}
	if opts.Temperature == nil && opts.TopP == nil && opts.RepeatPenalty == nil && opts.Seed == nil &&
		opts.TopK == 0 && opts.NumCtx == 0 && opts.NumPredict == 0 && len(opts.Stop) == 0 {
		return nil
	}
	return opts
}
