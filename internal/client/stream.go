package client

import (
	"bufio"
	"io"
	"strings"
)

// DoneSentinel is the data payload that ends a chat stream.
const DoneSentinel = "[DONE]"

// Event is one dispatched server-sent event. Name is empty for content deltas.
type Event struct {
	Name string
	Data string
}

// StreamDecoder reads server-sent events from a chunked body in arrival order.
type StreamDecoder struct {
	r    *bufio.Reader
	done bool
}

func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF after the [DONE] sentinel
// and io.ErrUnexpectedEOF when the body ends without one.
func (d *StreamDecoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}
	var (
		evt     Event
		data    []string
		hasData bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return Event{}, err
		}
		eof := err == io.EOF
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				evt.Data = strings.Join(data, "\n")
				if evt.Name == "" && evt.Data == DoneSentinel {
					d.done = true
					return Event{}, io.EOF
				}
				return evt, nil
			}
			evt.Name = ""
			if eof {
				return Event{}, io.ErrUnexpectedEOF
			}
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			evt.Name = value
		case "data":
			data = append(data, value)
			hasData = true
		}
		if eof {
			// a final event without its blank line still counts
			if hasData {
				evt.Data = strings.Join(data, "\n")
				if evt.Name == "" && evt.Data == DoneSentinel {
					d.done = true
					return Event{}, io.EOF
				}
				d.done = true
				return evt, nil
			}
			return Event{}, io.ErrUnexpectedEOF
		}
	}
}

// splitField parses "field: value". Comment lines yield an empty field.
func splitField(line string) (string, string) {
	if strings.HasPrefix(line, ":") {
		return "", ""
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}

// Accumulator concatenates content deltas in arrival order.
type Accumulator struct {
	b      strings.Builder
	deltas int
}

func (a *Accumulator) Add(delta string) {
	if delta == "" {
		return
	}
	a.b.WriteString(delta)
	a.deltas++
}

func (a *Accumulator) Content() string {
	return a.b.String()
}

// Deltas reports how many non-empty deltas were added.
func (a *Accumulator) Deltas() int {
	return a.deltas
}
