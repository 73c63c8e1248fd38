package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"application/pdf",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"image/",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// upload stores a file under the user's session directory and records it as
// an attachment that expires after the configured TTL.
func (h *Handler) upload(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+(1<<20))
	if err := c.Request.ParseMultipartForm(h.maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	sessionID, err := strconv.ParseInt(c.PostForm("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.assistant.GetSession(ctx, userID, sessionID); err != nil {
		writeError(c, err)
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	usage, err := h.assistant.AttachmentStorageUsage(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if usage+file.Size > h.storageLimit {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "storage quota exceeded"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	contentType := detectContentType(file.Filename, buf[:n])
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	filename := filepath.Base(file.Filename)
	destDir, destPath, finalName := h.uniqueFilePath(userID, sessionID, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		writeError(c, fmt.Errorf("create upload directory: %w", err))
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		writeError(c, fmt.Errorf("save upload: %w", err))
		return
	}
	att, err := h.assistant.RecordAttachment(ctx, userID, sessionID, finalName, destPath, contentType, file.Size, h.fileTTL)
	if err != nil {
		_ = os.Remove(destPath)
		writeError(c, err)
		return
	}
	h.workers.InvalidateAttachments(userID, sessionID)
	c.JSON(http.StatusCreated, gin.H{
		"attachment": att,
		"used":       usage + file.Size,
		"limit":      h.storageLimit,
	})
}

// detectContentType sniffs the payload; markdown sniffs as plain text so the
// extension decides.
func detectContentType(name string, head []byte) string {
	ct := http.DetectContentType(head)
	if strings.HasPrefix(ct, "text/plain") {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".md", ".markdown":
			return "text/markdown; charset=utf-8"
		case ".csv":
			return "text/csv; charset=utf-8"
		case ".json":
			return "application/json"
		}
	}
	return ct
}

func (h *Handler) filePath(userID, sessionID int64, filename string) (string, string) {
	destDir := filepath.Join(h.fileBase, strconv.FormatInt(userID, 10), strconv.FormatInt(sessionID, 10))
	return destDir, filepath.Join(destDir, filename)
}

// uniqueFilePath appends " (n)" before the extension until the name is free.
func (h *Handler) uniqueFilePath(userID, sessionID int64, filename string) (string, string, string) {
	destDir, destPath := h.filePath(userID, sessionID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		dir, path := h.filePath(userID, sessionID, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return dir, path, candidate
		}
	}
	name := fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
	return destDir, filepath.Join(destDir, name), name
}
