package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// doneSentinel terminates every chat stream.
const doneSentinel = "[DONE]"

var errStreamingUnsupported = errors.New("streaming unsupported")

type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startEventStream switches the response to text/event-stream. Nothing may be
// written to c before it.
func startEventStream(c *gin.Context) (*eventWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()
	return &eventWriter{w: c.Writer, flusher: flusher}, nil
}

// send writes one event. An empty name produces an unnamed data event;
// string payloads are written verbatim, anything else as JSON.
func (e *eventWriter) send(event string, payload interface{}) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *eventWriter) delta(content string) error {
	return e.send("", gin.H{"content": content})
}

func (e *eventWriter) fail(msg string) {
	_ = e.send("error", gin.H{"error": msg})
}

func (e *eventWriter) finish() {
	_ = e.send("", doneSentinel)
}
