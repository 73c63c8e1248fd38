package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ollamachat/internal/models"
	"ollamachat/internal/service/llm"
)

// guestHistoryLimit matches how many turns the server keeps of guest history.
const guestHistoryLimit = 40

// ChatRequest is one message sent to a stored session. SessionID 0 starts a
// new session.
type ChatRequest struct {
	SessionID     int64                   `json:"session_id,omitempty"`
	Content       string                  `json:"content"`
	Provider      string                  `json:"provider,omitempty"`
	Model         string                  `json:"model,omitempty"`
	Options       *models.ModelParameters `json:"options,omitempty"`
	AttachmentIDs []int64                 `json:"attachment_ids,omitempty"`
}

// ChatResult is the outcome of a streamed reply. Content holds whatever
// arrived even when the stream was stopped.
type ChatResult struct {
	Session     *models.Session
	UserMessage *models.Message
	AIMessage   *models.Message
	Title       string
	Content     string
	Stats       llm.Stats
	Stopped     bool
	// Remaining is the guest budget left after a guest reply.
	Remaining int
}

// DeltaFunc receives content deltas in arrival order.
type DeltaFunc func(delta string)

type chatAck struct {
	Message   *models.Message `json:"message"`
	Session   *models.Session `json:"session"`
	Remaining *int            `json:"remaining"`
}

type chatDone struct {
	UserMessage *models.Message `json:"user_message"`
	AIMessage   *models.Message `json:"ai_message"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	Stats       llm.Stats       `json:"stats"`
	Stopped     bool            `json:"stopped"`
	Remaining   *int            `json:"remaining"`
}

// Chat streams a reply for req. Cancelling ctx stops generation; the partial
// result is returned together with ctx.Err().
func (c *Client) Chat(ctx context.Context, req ChatRequest, onDelta DeltaFunc) (*ChatResult, error) {
	if req.Content == "" {
		return nil, errors.New("message content is empty")
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}
	result, err := c.stream(ctx, "/api/chat", req, c.store.AuthToken(), onDelta)
	if result != nil && result.Session != nil {
		sessionID := result.Session.ID
		msgs := make([]*models.Message, 0, 2)
		if result.UserMessage != nil {
			msgs = append(msgs, result.UserMessage)
		}
		if result.AIMessage != nil {
			msgs = append(msgs, result.AIMessage)
		}
		title := result.Title
		if title == "" {
			title = result.Session.Title
		}
		if saveErr := c.store.AppendLocal(sessionID, title, msgs...); saveErr != nil && err == nil {
			err = saveErr
		}
		_ = c.store.Update(func(st *State) { st.CurrentSession = sessionID })
	}
	return result, err
}

// GuestChat streams a reply without an account. The conversation lives only in
// the local store and is sent back as history with each message.
func (c *Client) GuestChat(ctx context.Context, content, model string, opts *models.ModelParameters, onDelta DeltaFunc) (*ChatResult, error) {
	if c.store.GuestRemaining() <= 0 {
		return nil, ErrGuestLimit
	}
	if content == "" {
		return nil, errors.New("message content is empty")
	}
	if c.store.GuestToken() == "" {
		if _, err := c.StartGuest(ctx); err != nil {
			return nil, err
		}
	}
	var history []*models.Message
	if ls, ok := c.store.LocalSession(GuestSessionID); ok {
		history = ls.Messages
		if len(history) > guestHistoryLimit {
			history = history[len(history)-guestHistoryLimit:]
		}
	}
	body := map[string]interface{}{
		"content": content,
		"model":   model,
		"options": opts,
		"history": history,
	}
	result, err := c.stream(ctx, "/api/guest/chat", body, c.store.GuestToken(), onDelta)
	if errors.Is(err, ErrRateLimited) {
		_ = c.store.Update(func(st *State) { st.GuestMessages = GuestMessageLimit })
		return nil, ErrGuestLimit
	}
	if errors.Is(err, ErrUnauthorized) {
		// expired guest token; the next call asks for a new one
		_ = c.store.Update(func(st *State) { st.GuestToken = "" })
		return nil, err
	}
	if result == nil {
		return nil, err
	}
	if err == nil || result.Content != "" {
		now := time.Now().UTC()
		_ = c.store.AppendLocal(GuestSessionID, "Guest chat",
			&models.Message{Role: models.RoleUser, Content: content, CreatedAt: now},
			&models.Message{Role: models.RoleAssistant, Content: result.Content, CreatedAt: now},
		)
		_ = c.store.Update(func(st *State) {
			st.GuestMessages++
			if used := GuestMessageLimit - result.Remaining; used > st.GuestMessages {
				st.GuestMessages = used
			}
		})
	}
	return result, err
}

// stream posts body and consumes the event stream until [DONE].
func (c *Client) stream(ctx context.Context, path string, body interface{}, token string, onDelta DeltaFunc) (*ChatResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/json", token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	result := &ChatResult{Remaining: -1}
	var acc Accumulator
	dec := NewStreamDecoder(resp.Body)
	for {
		evt, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Content = acc.Content()
			if ctx.Err() != nil {
				result.Stopped = true
				return result, ctx.Err()
			}
			return result, fmt.Errorf("read stream: %w", err)
		}
		switch evt.Name {
		case "":
			var d struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal([]byte(evt.Data), &d); err != nil {
				return result, fmt.Errorf("decode delta: %w", err)
			}
			acc.Add(d.Content)
			if onDelta != nil && d.Content != "" {
				onDelta(d.Content)
			}
		case "ack":
			var ack chatAck
			if err := json.Unmarshal([]byte(evt.Data), &ack); err != nil {
				return result, fmt.Errorf("decode ack: %w", err)
			}
			result.Session = ack.Session
			result.UserMessage = ack.Message
			if ack.Remaining != nil {
				result.Remaining = *ack.Remaining
			}
		case "done":
			var done chatDone
			if err := json.Unmarshal([]byte(evt.Data), &done); err != nil {
				return result, fmt.Errorf("decode done: %w", err)
			}
			if done.UserMessage != nil {
				result.UserMessage = done.UserMessage
			}
			result.AIMessage = done.AIMessage
			result.Title = done.Title
			result.Stats = done.Stats
			result.Stopped = done.Stopped
			if done.Remaining != nil {
				result.Remaining = *done.Remaining
			}
			result.Content = done.Content
			if result.Content == "" && done.AIMessage != nil {
				result.Content = done.AIMessage.Content
			}
		case "error":
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal([]byte(evt.Data), &e)
			result.Content = acc.Content()
			return result, &StreamError{Message: e.Error}
		}
	}
	if result.Content == "" {
		result.Content = acc.Content()
	}
	return result, nil
}
