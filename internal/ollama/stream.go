package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// StreamReader decodes Ollama's newline-delimited JSON stream.
type StreamReader struct {
	reader *bufio.Reader
	model  string
}

// NewStreamReader wraps r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{reader: bufio.NewReaderSize(r, 64<<10)}
}

// Process reads chunks until the final one, EOF, a callback error, or ctx
// cancellation. Lines that are not valid JSON are skipped.
func (s *StreamReader) Process(ctx context.Context, cb StreamCallback) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := s.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &ClientError{Type: ErrTypeInvalidResponse, Message: "read stream", Cause: err}
		}
		if chunk == nil {
			continue
		}
		if err := cb(*chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
}

type streamLine struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error              string `json:"error,omitempty"`
	Done               bool   `json:"done"`
	DoneReason         string `json:"done_reason,omitempty"`
	TotalDuration      int64  `json:"total_duration,omitempty"`
	LoadDuration       int64  `json:"load_duration,omitempty"`
	PromptEvalCount    int    `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64  `json:"prompt_eval_duration,omitempty"`
	EvalCount          int    `json:"eval_count,omitempty"`
	EvalDuration       int64  `json:"eval_duration,omitempty"`
}

// next returns (nil, nil) for blank or malformed lines.
func (s *StreamReader) next() (*StreamChunk, error) {
	line, err := s.reader.ReadBytes('\n')
	if len(line) == 0 {
		if err == nil {
			return nil, nil
		}
		return nil, err
	}

	var parsed streamLine
	if jsonErr := json.Unmarshal(line, &parsed); jsonErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	if parsed.Error != "" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: parsed.Error}
	}
	if parsed.Model != "" {
		s.model = parsed.Model
	}
	chunk := &StreamChunk{
		Model:      s.model,
		Content:    parsed.Message.Content,
		Done:       parsed.Done,
		DoneReason: parsed.DoneReason,
	}
	if parsed.Done {
		chunk.PromptTokens = parsed.PromptEvalCount
		chunk.CompletionTokens = parsed.EvalCount
		chunk.TotalDuration = time.Duration(parsed.TotalDuration)
		chunk.LoadDuration = time.Duration(parsed.LoadDuration)
		chunk.PromptEvalDuration = time.Duration(parsed.PromptEvalDuration)
		chunk.EvalDuration = time.Duration(parsed.EvalDuration)
	}
	return chunk, nil
}

// Stats summarizes a finished generation.
type Stats struct {
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalDuration    time.Duration `json:"total_duration"`
	TTFT             time.Duration `json:"ttft"`
	TokensPerSecond  float64       `json:"tokens_per_second"`
}

// Accumulator concatenates streamed content and collects timing.
type Accumulator struct {
	start      time.Time
	firstToken time.Time
	content    []byte
	stats      Stats
}

// NewAccumulator starts the clock.
func NewAccumulator() *Accumulator {
	return &Accumulator{start: time.Now()}
}

// Add records a chunk.
func (a *Accumulator) Add(chunk StreamChunk) {
	if chunk.Content != "" {
		if a.firstToken.IsZero() {
			a.firstToken = time.Now()
		}
		a.content = append(a.content, chunk.Content...)
	}
	if chunk.Model != "" {
		a.stats.Model = chunk.Model
	}
	if chunk.Done {
		a.stats.PromptTokens = chunk.PromptTokens
		a.stats.CompletionTokens = chunk.CompletionTokens
		a.stats.TotalDuration = chunk.TotalDuration
		if chunk.EvalDuration > 0 {
			a.stats.TokensPerSecond = float64(chunk.CompletionTokens) / chunk.EvalDuration.Seconds()
		}
	}
}

// Content returns everything received so far.
func (a *Accumulator) Content() string {
	return string(a.content)
}

// Stats returns the collected statistics.
func (a *Accumulator) Stats() Stats {
	stats := a.stats
	if !a.firstToken.IsZero() {
		stats.TTFT = a.firstToken.Sub(a.start)
	}
	if stats.TotalDuration == 0 {
		stats.TotalDuration = time.Since(a.start)
	}
	return stats
}
