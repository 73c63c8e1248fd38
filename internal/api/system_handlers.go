package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ollamachat/internal/ollama"
)

const ollamaCheckTimeout = 3 * time.Second

// health always answers 200; the ollama field reports whether the local
// model server is reachable.
func (h *Handler) health(c *gin.Context) {
	status := gin.H{"status": "ok", "ollama": "disabled"}
	if h.ollama != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), ollamaCheckTimeout)
		defer cancel()
		if err := h.ollama.CheckRunning(ctx); err != nil {
			status["ollama"] = "unreachable"
			status["ollama_error"] = err.Error()
		} else {
			status["ollama"] = "running"
		}
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) listModels(c *gin.Context) {
	if h.ollama == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ollama is not configured"})
		return
	}
	list, err := h.ollama.ListModels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []ollama.ModelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"models":  list,
		"default": h.ollama.DefaultModel(),
	})
}

// gpuStats reports the models Ollama holds in memory and their VRAM share.
func (h *Handler) gpuStats(c *gin.Context) {
	if h.ollama == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ollama is not configured"})
		return
	}
	running, err := h.ollama.Running(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	var totalSize, totalVRAM int64
	for _, m := range running {
		totalSize += m.Size
		totalVRAM += m.SizeVRAM
	}
	if running == nil {
		running = []ollama.RunningModel{}
	}
	c.JSON(http.StatusOK, gin.H{
		"models":     running,
		"total_size": totalSize,
		"total_vram": totalVRAM,
	})
}
