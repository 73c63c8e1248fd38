package api

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ollamachat/internal/auth"
	"ollamachat/internal/models"
	"ollamachat/internal/ollama"
	"ollamachat/internal/quota"
	"ollamachat/internal/service/assistant"
	"ollamachat/internal/service/llm"
	"ollamachat/internal/worker"
)

// WorkerManager runs generations and owns the per-session cache.
type WorkerManager interface {
	InitSession(worker.SessionRequest) (*models.Session, error)
	Stream(worker.StreamRequest) (*worker.StreamResult, error)
	StreamGuest(worker.GuestRequest) (*worker.GuestResult, error)
	ResetUser(userID int64)
	Purge(userID, sessionID int64)
	InvalidateAttachments(userID, sessionID int64)
}

// Options carries the handler's collaborators and limits. Zero limits fall
// back to defaults.
type Options struct {
	Assistant   *assistant.Service
	Auth        *auth.Service
	Guests      *auth.GuestIssuer
	GuestQuota  *quota.GuestQuota
	RateLimiter *quota.RateLimiter
	Ollama      *ollama.Client
	Workers     WorkerManager

	FileBase       string
	FileTTL        time.Duration
	MaxUploadBytes int64
	StorageLimit   int64
	DailyLimit     int
	StreamTimeout  time.Duration
}

const (
	defaultMaxUploadBytes = 10 << 20
	defaultStorageLimit   = 50 << 20
	defaultStreamTimeout  = 5 * time.Minute
)

// Handler wires HTTP routes to the services and the worker manager.
type Handler struct {
	assistant   *assistant.Service
	auth        *auth.Service
	guests      *auth.GuestIssuer
	guestQuota  *quota.GuestQuota
	rateLimiter *quota.RateLimiter
	ollama      *ollama.Client
	workers     WorkerManager

	fileBase       string
	fileTTL        time.Duration
	maxUploadBytes int64
	storageLimit   int64
	dailyLimit     int
	streamTimeout  time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		assistant:      opts.Assistant,
		auth:           opts.Auth,
		guests:         opts.Guests,
		guestQuota:     opts.GuestQuota,
		rateLimiter:    opts.RateLimiter,
		ollama:         opts.Ollama,
		workers:        opts.Workers,
		fileBase:       opts.FileBase,
		fileTTL:        opts.FileTTL,
		maxUploadBytes: opts.MaxUploadBytes,
		storageLimit:   opts.StorageLimit,
		dailyLimit:     opts.DailyLimit,
		streamTimeout:  opts.StreamTimeout,
	}
	if h.fileBase == "" {
		h.fileBase = "./data/uploads"
	}
	if h.fileTTL <= 0 {
		h.fileTTL = assistant.DefaultAttachmentTTL
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = defaultMaxUploadBytes
	}
	if h.storageLimit <= 0 {
		h.storageLimit = defaultStorageLimit
	}
	if h.streamTimeout <= 0 {
		h.streamTimeout = defaultStreamTimeout
	}
	if h.guestQuota == nil {
		h.guestQuota = quota.NewGuestQuota(nil, 0, 0)
	}
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	if h.rateLimiter != nil {
		api.Use(h.rateLimiter.Middleware())
	}
	api.GET("/health", h.health)
	api.POST("/auth/register", h.registerUser)
	api.POST("/auth/login", h.loginUser)
	api.POST("/auth/guest", h.issueGuest)
	if h.guests != nil {
		api.POST("/guest/chat", h.guests.Middleware(), h.guestChat)
	}

	user := api.Group("")
	user.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	user.POST("/auth/logout", h.logoutUser)
	user.GET("/auth/me", h.currentUser)
	user.DELETE("/auth/me", h.deleteUser)

	user.GET("/sessions", h.listSessions)
	user.POST("/sessions", h.createSession)
	user.GET("/sessions/:id", h.getSession)
	user.PATCH("/sessions/:id", h.renameSession)
	user.DELETE("/sessions/:id", h.deleteSession)
	user.DELETE("/sessions/:id/messages", h.clearSession)
	user.GET("/sessions/:id/export", h.exportSession)

	user.POST("/chat", h.chat)
	user.POST("/upload", h.upload)

	user.GET("/models", h.listModels)
	user.GET("/gpu-stats", h.gpuStats)

	user.GET("/settings/model-parameters", h.getModelParameters)
	user.PUT("/settings/model-parameters", h.setModelParameters)

	user.GET("/keys", h.listKeys)
	user.PUT("/keys", h.setKey)
	user.DELETE("/keys", h.deleteKey)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func sessionIDParam(c *gin.Context) (int64, bool) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return sessionID, true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, assistant.ErrInvalidInput),
		errors.Is(err, llm.ErrMissingAPIKey),
		errors.Is(err, llm.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, assistant.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRequired):
		return http.StatusUnauthorized
	case errors.Is(err, assistant.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, quota.ErrLimitReached),
		errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case ollama.IsModelNotFound(err):
		return http.StatusNotFound
	case ollama.IsNotRunning(err):
		return http.StatusServiceUnavailable
	case ollama.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// errorMessage hides internal failures from clients.
func errorMessage(status int, err error) string {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return "server is busy, please retry"
	case errors.Is(err, sql.ErrNoRows):
		return "not found"
	case ollama.IsNotRunning(err):
		return "ollama is not running"
	case status == http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": errorMessage(status, err)})
}
