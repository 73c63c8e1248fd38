package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ollamachat/internal/models"
)

type keyRequest struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

func (h *Handler) getModelParameters(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	params, err := h.assistant.GetModelParameters(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, params)
}

func (h *Handler) setModelParameters(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var params models.ModelParameters
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.SetModelParameters(c.Request.Context(), userID, &params); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, params)
}

func (h *Handler) listKeys(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	keys, err := h.assistant.ListUserTokens(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// setKey stores a provider key. Cached providers were built with the old
// key, so the user's worker state is dropped.
func (h *Handler) setKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.SetUserToken(c.Request.Context(), userID, req.Provider, req.Key); err != nil {
		writeError(c, err)
		return
	}
	h.workers.ResetUser(userID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	provider := strings.TrimSpace(c.Query("provider"))
	if provider == "" {
		var req keyRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			provider = strings.TrimSpace(req.Provider)
		}
	}
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	if err := h.assistant.DeleteUserToken(c.Request.Context(), userID, provider); err != nil {
		writeError(c, err)
		return
	}
	h.workers.ResetUser(userID)
	c.Status(http.StatusNoContent)
}
