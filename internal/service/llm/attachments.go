package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ollamachat/internal/models"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

const (
	AttachmentChunkSizeDefault = 1000
	AttachmentChunkSizeMin     = 500
	AttachmentChunkSizeMax     = 2000
	AttachmentReadLimit        = 3
	AttachmentReadWindow       = time.Minute
	// inlined text per attachment for models without tool calling
	AttachmentInlineMaxRunes = 16000
)

type attachmentContextKey struct{}
type toolSessionContextKey struct{}

type toolSession struct {
	UserID    int64
	SessionID int64
}

var (
	loaderOnce sync.Once
	loaderInst *file.FileLoader
	loaderErr  error
)

func attachmentLoader(ctx context.Context) (*file.FileLoader, error) {
	loaderOnce.Do(func() {
		extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
			FallbackParser: parser.TextParser{},
		})
		if err != nil {
			loaderErr = fmt.Errorf("init attachment parser: %w", err)
			return
		}
		loaderInst, loaderErr = file.NewFileLoader(ctx, &file.FileLoaderConfig{
			UseNameAsID: true,
			Parser:      extParser,
		})
	})
	return loaderInst, loaderErr
}

// LoadAttachmentText returns the readable text of an uploaded file.
func LoadAttachmentText(ctx context.Context, att *models.Attachment) (string, error) {
	if att == nil || att.StoredPath == "" {
		return "", errors.New("attachment has no stored file")
	}
	loader, err := attachmentLoader(ctx)
	if err != nil {
		return "", err
	}
	docs, err := loader.Load(ctx, document.Source{URI: att.StoredPath})
	if err != nil {
		return "", fmt.Errorf("load attachment %s: %w", att.FileName, err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	return strings.TrimSpace(builder.String()), nil
}

// InlineAttachments renders attachments as one system prompt block.
func InlineAttachments(ctx context.Context, atts []*models.Attachment) (string, error) {
	var builder strings.Builder
	for _, att := range atts {
		if att == nil {
			continue
		}
		text, err := LoadAttachmentText(ctx, att)
		if err != nil {
			return "", err
		}
		if text == "" {
			continue
		}
		runes := []rune(text)
		truncated := false
		if len(runes) > AttachmentInlineMaxRunes {
			runes = runes[:AttachmentInlineMaxRunes]
			truncated = true
		}
		if builder.Len() == 0 {
			builder.WriteString("The user attached the following files. Use them to answer.\n")
		}
		fmt.Fprintf(&builder, "\n--- %s ---\n%s\n", att.FileName, string(runes))
		if truncated {
			builder.WriteString("[truncated]\n")
		}
	}
	return builder.String(), nil
}

// WithAttachments makes attachments visible to the attachment_reader tool.
func WithAttachments(ctx context.Context, atts []*models.Attachment) context.Context {
	if len(atts) == 0 {
		return ctx
	}
	copied := make([]*models.Attachment, 0, len(atts))
	for _, a := range atts {
		if a == nil {
			continue
		}
		c := *a
		copied = append(copied, &c)
	}
	return context.WithValue(ctx, attachmentContextKey{}, copied)
}

// AttachmentsFromContext returns the attachments set by WithAttachments.
func AttachmentsFromContext(ctx context.Context) []*models.Attachment {
	atts, _ := ctx.Value(attachmentContextKey{}).([]*models.Attachment)
	return atts
}

// WithToolSession tags ctx with the user and session a tool call runs for.
func WithToolSession(ctx context.Context, userID, sessionID int64) context.Context {
	if userID <= 0 || sessionID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, toolSession{UserID: userID, SessionID: sessionID})
}

// ToolSessionFromContext returns the ids set by WithToolSession.
func ToolSessionFromContext(ctx context.Context) (int64, int64, bool) {
	meta, ok := ctx.Value(toolSessionContextKey{}).(toolSession)
	if !ok {
		return 0, 0, false
	}
	return meta.UserID, meta.SessionID, true
}

// windowLimiter allows limit hits per key within a sliding window.
type windowLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *windowLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	queue := l.hits[key]
	idx := 0
	for idx < len(queue) && !queue[idx].After(cutoff) {
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}
