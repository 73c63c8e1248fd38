package llm

import (
	"context"
	"fmt"
	"log"
	"strings"

	"ollamachat/internal/models"
)

// DefaultTitle is used when no title can be generated.
const DefaultTitle = "New Chat"

const (
	titleMaxRunes = 60
	titlePrompt   = "You generate conversation titles. Based on the dialogue, write a concise title " +
		"of at most six words summarizing the main topic. Output only the title."
)

// GenerateTitle asks p for a short title of the conversation. It never fails:
// provider errors and empty answers fall back to DefaultTitle.
func GenerateTitle(ctx context.Context, p Provider, history []*models.Message) string {
	if p == nil || len(history) == 0 {
		return DefaultTitle
	}
	var conversation strings.Builder
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&conversation, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&conversation, "Assistant: %s\n", msg.Content)
		}
	}
	req := &Request{
		Messages: []*models.Message{{
			Role:    models.RoleUser,
			Content: "Write a title for this conversation:\n\n" + conversation.String(),
		}},
		Params: &models.ModelParameters{SystemPrompt: titlePrompt},
	}
	raw, err := p.Generate(ctx, req)
	if err != nil {
		log.Printf("[llm] generate title: %v", err)
		return DefaultTitle
	}
	return CleanTitle(raw)
}

// CleanTitle trims quotes, markdown and whitespace and bounds the length.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.Trim(title, " \t\"'`*#")
	title = strings.TrimPrefix(title, "Title:")
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle
	}
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = strings.TrimSpace(string(runes[:titleMaxRunes]))
	}
	return title
}
