package main

import (
	"fmt"
	"strconv"
	"strings"

	"ollamachat/internal/models"
)

// command is a parsed slash command. Rest keeps the raw text after the name.
type command struct {
	Name string
	Args []string
	Rest string
}

func parseCommand(input string) (command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{}, false
	}
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	return command{
		Name: strings.ToLower(name),
		Args: strings.Fields(rest),
		Rest: rest,
	}, true
}

var helpText = []struct{ usage, text string }{
	{"/login", "log in with username or email"},
	{"/register", "create an account"},
	{"/guest", "chat without an account (10 messages)"},
	{"/logout", "log out"},
	{"/sessions", "list your sessions"},
	{"/open <id>", "continue a session"},
	{"/new", "start a new session"},
	{"/rename <title>", "rename the current session"},
	{"/delete <id>", "delete a session"},
	{"/models", "list installed models"},
	{"/set key=value", "change a model parameter (model, system, temperature, top_p, top_k, max_tokens, context, repeat_penalty, seed, stop)"},
	{"/upload <path>", "attach a file to the next message"},
	{"/export <id> <format> <file>", "save a session as json, md or xlsx"},
	{"/quit", "exit"},
}

// applyParam sets one model parameter from its text form. An empty value
// resets the parameter to the provider default.
func applyParam(p *models.ModelParameters, key, value string) error {
	value = strings.TrimSpace(value)
	parseFloat := func() (*float64, error) {
		if value == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &f, nil
	}
	parseInt := func() (int, error) {
		if value == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}

	var err error
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "model":
		p.Model = value
	case "system", "system_prompt":
		p.SystemPrompt = value
	case "temperature":
		p.Temperature, err = parseFloat()
	case "top_p":
		p.TopP, err = parseFloat()
	case "top_k":
		p.TopK, err = parseInt()
	case "max_tokens":
		p.MaxTokens, err = parseInt()
	case "context", "context_size":
		p.ContextSize, err = parseInt()
	case "repeat_penalty":
		var f *float64
		if f, err = parseFloat(); err == nil {
			p.RepeatPenalty = 0
			if f != nil {
				p.RepeatPenalty = *f
			}
		}
	case "seed":
		p.Seed, err = parseInt()
	case "stop":
		p.Stop = nil
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				p.Stop = append(p.Stop, s)
			}
		}
	default:
		return fmt.Errorf("unknown parameter %q", key)
	}
	if err != nil {
		return err
	}
	return p.Validate()
}

// parseAssignment splits "key=value".
func parseAssignment(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", s)
	}
	return strings.TrimSpace(key), value, nil
}

func parseID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("session id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", args[0])
	}
	return id, nil
}
