package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ollamachat/internal/auth"
	"ollamachat/internal/models"
	"ollamachat/internal/quota"
	"ollamachat/internal/service/llm"
	"ollamachat/internal/worker"
)

const maxGuestHistory = 40

type chatRequest struct {
	SessionID     int64                   `json:"session_id"`
	Content       string                  `json:"content"`
	Provider      string                  `json:"provider"`
	Model         string                  `json:"model"`
	Options       *models.ModelParameters `json:"options"`
	AttachmentIDs []int64                 `json:"attachment_ids"`
}

type guestChatRequest struct {
	Content string                  `json:"content"`
	Model   string                  `json:"model"`
	Options *models.ModelParameters `json:"options"`
	History []*models.Message       `json:"history"`
}

// chat stores the user turn, then streams the reply as server-sent events.
// Failures before the ack are plain JSON errors.
func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if req.SessionID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
		return
	}
	if err := req.Options.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.AttachmentIDs) > 0 && req.SessionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attachments require an existing session"})
		return
	}
	ctx := c.Request.Context()
	provider := llm.NormalizeProvider(req.Provider)
	token, err := h.assistant.EnsureAIReady(ctx, userID, provider)
	if err != nil {
		writeError(c, err)
		return
	}
	defaults, err := h.assistant.GetModelParameters(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	model := resolveModel(req.Model, req.Options, defaults)
	params := req.Options.Merge(defaults)
	if params != nil {
		params.Model = model
	}

	var attachments []*models.Attachment
	if len(req.AttachmentIDs) > 0 {
		attachments, err = h.assistant.GetAttachmentsByIDs(ctx, userID, req.SessionID, req.AttachmentIDs)
		if err != nil {
			writeError(c, err)
			return
		}
		if len(attachments) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "attachments not found or expired"})
			return
		}
	}

	if _, err := h.assistant.ConsumeDailyMessage(ctx, userID, h.dailyLimit); err != nil {
		writeError(c, err)
		return
	}
	answered := false
	defer func() {
		if answered {
			return
		}
		if err := h.assistant.RefundDailyMessage(context.WithoutCancel(ctx), userID); err != nil {
			log.Printf("[api] refund daily message for user %d: %v", userID, err)
		}
	}()

	streamCtx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	sessionReq := worker.SessionRequest{
		Context:   streamCtx,
		UserID:    userID,
		SessionID: req.SessionID,
		Provider:  provider,
		Model:     model,
		Token:     token,
		Params:    params,
	}
	session, err := h.workers.InitSession(sessionReq)
	if err != nil {
		writeError(c, err)
		return
	}
	sessionReq.SessionID = session.ID

	message, err := h.assistant.AppendMessageToSession(ctx, userID, session.ID, models.RoleUser, content)
	if err != nil {
		writeError(c, err)
		return
	}

	events, err := startEventStream(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer events.finish()
	if err := events.send("ack", gin.H{"message": message, "session": session}); err != nil {
		return
	}

	result, err := h.workers.Stream(worker.StreamRequest{
		SessionRequest: sessionReq,
		Message:        message,
		Attachments:    attachments,
		OnDelta: func(delta string) error {
			if err := events.delta(delta); err != nil {
				return fmt.Errorf("%w: %v", worker.ErrStopped, err)
			}
			return nil
		},
	})
	if err != nil {
		events.fail(errorMessage(statusFor(err), err))
		return
	}
	answered = true
	_ = events.send("done", result)
}

// guestChat answers a guest from the history the client holds. Nothing is
// persisted server-side; only the message count is tracked.
func (h *Handler) guestChat(c *gin.Context) {
	guestID, ok := auth.GuestIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "guest token required"})
		return
	}
	var req guestChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if err := req.Options.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	remaining, err := h.guestQuota.Reserve(ctx, guestID)
	if err != nil {
		if errors.Is(err, quota.ErrLimitReached) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "guest message limit reached, please sign in",
				"remaining": 0,
			})
			return
		}
		writeError(c, err)
		return
	}
	// the reservation stands once any content reached the guest
	delivered := false
	defer func() {
		if !delivered {
			h.guestQuota.Release(context.WithoutCancel(ctx), guestID)
		}
	}()

	messages := guestHistory(req.History)
	messages = append(messages, &models.Message{Role: models.RoleUser, Content: content})

	streamCtx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	events, err := startEventStream(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer events.finish()
	if err := events.send("ack", gin.H{"remaining": remaining}); err != nil {
		return
	}

	result, err := h.workers.StreamGuest(worker.GuestRequest{
		Context:  streamCtx,
		GuestID:  guestID,
		Model:    resolveModel(req.Model, req.Options, nil),
		Params:   req.Options,
		Messages: messages,
		OnDelta: func(delta string) error {
			if err := events.delta(delta); err != nil {
				return fmt.Errorf("%w: %v", worker.ErrStopped, err)
			}
			if delta != "" {
				delivered = true
			}
			return nil
		},
	})
	if err != nil {
		events.fail(errorMessage(statusFor(err), err))
		return
	}
	delivered = true
	_ = events.send("done", gin.H{
		"content":   result.Content,
		"stats":     result.Stats,
		"stopped":   result.Stopped,
		"remaining": remaining,
	})
}

// resolveModel picks the model for one exchange: the request field, then
// the request options, then the saved defaults. Empty means the provider's
// configured default.
func resolveModel(requested string, opts, defaults *models.ModelParameters) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	if opts != nil {
		if m := strings.TrimSpace(opts.Model); m != "" {
			return m
		}
	}
	if defaults != nil {
		return strings.TrimSpace(defaults.Model)
	}
	return ""
}

// guestHistory keeps the latest user and assistant turns a guest sent.
func guestHistory(in []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(in)+1)
	for _, msg := range in {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		out = append(out, &models.Message{Role: msg.Role, Content: msg.Content})
	}
	if len(out) > maxGuestHistory {
		out = out[len(out)-maxGuestHistory:]
	}
	return out
}
