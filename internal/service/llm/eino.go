package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"ollamachat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const claudeDefaultMaxTokens = 3000

type einoProvider struct {
	name      string
	model     string
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
}

// NewEinoProvider builds a cloud provider backed by an eino chat model. When
// tools are given the model runs inside a ReAct agent that may call them.
func NewEinoProvider(ctx context.Context, name, baseURL, modelName, token string, tools []tool.BaseTool) (Provider, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch name {
	case ProviderOpenAI:
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: baseURL,
			Model:   modelName,
			APIKey:  token,
		})
	case ProviderGemini:
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{APIKey: token})
		if cerr != nil {
			return nil, fmt.Errorf("init gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case ProviderClaude:
		var baseURLPtr *string
		if baseURL != "" {
			baseURLPtr = &baseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeDefaultMaxTokens,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", name, err)
	}
	return newEinoProvider(ctx, name, modelName, chatModel, tools)
}

func newEinoProvider(ctx context.Context, name, modelName string, chatModel model.ToolCallingChatModel, tools []tool.BaseTool) (*einoProvider, error) {
	p := &einoProvider{name: name, model: modelName, chatModel: chatModel}
	if len(tools) > 0 {
		reactAgent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		p.agent = reactAgent
	}
	return p, nil
}

func (p *einoProvider) Name() string  { return p.name }
func (p *einoProvider) Model() string { return p.model }

func (p *einoProvider) StreamChat(ctx context.Context, req *Request, onDelta DeltaFunc) (*Result, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	ctx = WithAttachments(ctx, req.Attachments)
	ctx = WithToolSession(ctx, req.UserID, req.SessionID)
	input := p.convertMessages(req)
	opts := einoOptions(req.Params)

	var (
		stream *schema.StreamReader[*schema.Message]
		err    error
	)
	if p.agent != nil {
		stream, err = p.agent.Stream(ctx, input, agent.WithComposeOptions(compose.WithChatModelOption(opts...)))
	} else {
		stream, err = p.chatModel.Stream(ctx, input, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s stream: %w", p.name, err)
	}
	defer stream.Close()

	timer := newStreamTimer()
	var builder strings.Builder
	result := &Result{Stats: Stats{Model: p.model}}
	for {
		chunk, rerr := stream.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			err = rerr
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			break
		}
		if chunk == nil {
			continue
		}
		if meta := chunk.ResponseMeta; meta != nil && meta.Usage != nil {
			result.Stats.PromptTokens = meta.Usage.PromptTokens
			result.Stats.CompletionTokens = meta.Usage.CompletionTokens
		}
		if chunk.Content == "" {
			continue
		}
		timer.token()
		builder.WriteString(chunk.Content)
		if onDelta != nil {
			if cbErr := onDelta(chunk.Content); cbErr != nil {
				err = cbErr
				break
			}
		}
	}
	result.Content = builder.String()
	timer.fill(&result.Stats)
	if result.Stats.CompletionTokens > 0 && result.Stats.DurationMS > 0 {
		result.Stats.TokensPerSecond = float64(result.Stats.CompletionTokens) / (float64(result.Stats.DurationMS) / 1000)
	}
	return result, err
}

func (p *einoProvider) Generate(ctx context.Context, req *Request) (string, error) {
	if req == nil {
		return "", errors.New("request required")
	}
	resp, err := p.chatModel.Generate(ctx, p.convertMessages(req), einoOptions(req.Params)...)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", p.name, err)
	}
	return resp.Content, nil
}

func (p *einoProvider) convertMessages(req *Request) []*schema.Message {
	out := make([]*schema.Message, 0, len(req.Messages)+2)
	if req.Params != nil && strings.TrimSpace(req.Params.SystemPrompt) != "" {
		out = append(out, schema.SystemMessage(req.Params.SystemPrompt))
	}
	if len(req.Attachments) > 0 {
		var b strings.Builder
		b.WriteString("The user uploaded files to this conversation. Read them with the attachment_reader tool:\n")
		for _, att := range req.Attachments {
			if att == nil {
				continue
			}
			fmt.Fprintf(&b, "- file_id=%d name=%s type=%s\n", att.ID, att.FileName, att.MimeType)
		}
		out = append(out, schema.SystemMessage(b.String()))
	}
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}

func einoOptions(params *models.ModelParameters) []model.Option {
	if params == nil {
		return nil
	}
	var opts []model.Option
	if params.Temperature != nil {
		opts = append(opts, model.WithTemperature(float32(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, model.WithTopP(float32(*params.TopP)))
	}
	if params.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, model.WithStop(params.Stop))
	}
	return opts
}
