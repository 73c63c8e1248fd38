package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ollamachat/internal/models"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const webSearchHTTPTimeout = 10 * time.Second

// NewToolset builds the tools offered to cloud models. Tools whose backing
// service is unavailable are left out.
func NewToolset() []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := newWebSearchTool(); ws != nil {
		tools = append(tools, ws)
	}
	if ar := newAttachmentReaderTool(); ar != nil {
		tools = append(tools, ar)
	}
	return tools
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func newWebSearchTool() tool.InvokableTool {
	ws := &webSearchTool{
		google:     newGoogleSearch(),
		duck:       newDuckDuckGoSearch(),
		httpClient: &http.Client{Timeout: webSearchHTTPTimeout},
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information. Accepts a natural language query, " +
			"or a URL whose content should be fetched.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Query or URL",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		log.Printf("[llm] web_search url fetch failed: %v", err)
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	for name, backend := range map[string]tool.InvokableTool{"google": w.google, "duckduckgo": w.duck} {
		if backend == nil {
			continue
		}
		result, err := backend.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		log.Printf("[llm] %s search failed: %v", name, err)
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "ollamachat-websearch/1.0")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func newDuckDuckGoSearch() tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo text search",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    webSearchHTTPTimeout,
	})
	if err != nil {
		log.Printf("[llm] duckduckgo search disabled: %v", err)
		return nil
	}
	return duckTool
}

func newGoogleSearch() tool.InvokableTool {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	engineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey == "" || engineID == "" {
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google custom search",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("[llm] google search disabled: %v", err)
		return nil
	}
	return googleTool
}

type attachmentReader struct {
	limiter *windowLimiter
}

type attachmentReaderParams struct {
	FileID     int64 `json:"file_id"`
	ChunkIndex int   `json:"chunk_index,omitempty"`
	ChunkSize  int   `json:"chunk_size,omitempty"`
}

func newAttachmentReaderTool() tool.InvokableTool {
	reader := &attachmentReader{limiter: newWindowLimiter(AttachmentReadLimit, AttachmentReadWindow)}
	info := &schema.ToolInfo{
		Name: "attachment_reader",
		Desc: fmt.Sprintf("Read files the user uploaded to this conversation in chunks. "+
			"Pass the file_id listed in the system instructions; at most %d calls per minute.", AttachmentReadLimit),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"file_id": {
				Desc:     "ID of the file to read.",
				Type:     schema.Integer,
				Required: true,
			},
			"chunk_index": {
				Desc: "Zero-based chunk index, default 0.",
				Type: schema.Integer,
			},
			"chunk_size": {
				Desc: fmt.Sprintf("Characters per chunk (max %d, default %d).", AttachmentChunkSizeMax, AttachmentChunkSizeDefault),
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func (r *attachmentReader) run(ctx context.Context, params *attachmentReaderParams) (string, error) {
	if params == nil || params.FileID <= 0 {
		return "", errors.New("file_id is required")
	}
	var target *models.Attachment
	for _, att := range AttachmentsFromContext(ctx) {
		if att.ID == params.FileID {
			target = att
			break
		}
	}
	if target == nil {
		return "", errors.New("file not found in current session")
	}
	key := fmt.Sprintf("file:%d", params.FileID)
	if userID, sessionID, ok := ToolSessionFromContext(ctx); ok {
		key = fmt.Sprintf("user:%d:session:%d", userID, sessionID)
	}
	if !r.limiter.Allow(key) {
		return "", errors.New("attachment reader rate limit exceeded, retry in a minute")
	}
	text, err := LoadAttachmentText(ctx, target)
	if err != nil {
		return "", err
	}
	return chunkText(target.FileName, text, params.ChunkIndex, params.ChunkSize), nil
}

func chunkText(name, text string, index, size int) string {
	if size <= 0 || size > AttachmentChunkSizeMax {
		size = AttachmentChunkSizeDefault
	}
	if size < AttachmentChunkSizeMin {
		size = AttachmentChunkSizeMin
	}
	runes := []rune(text)
	total := (len(runes) + size - 1) / size
	if total == 0 {
		return fmt.Sprintf("File: %s has no readable text content.", name)
	}
	if index < 0 {
		index = 0
	}
	if index >= total {
		index = total - 1
	}
	start := index * size
	end := start + size
	if end > len(runes) {
		end = len(runes)
	}
	return fmt.Sprintf("File: %s\nChunk %d/%d\n\n%s", name, index+1, total, string(runes[start:end]))
}
