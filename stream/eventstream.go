package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

type completionChunk struct {
	Choices []completionChoice `json:"choices"`
	Usage   *completionUsage   `json:"usage"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Text         string      `json:"text"`
	FinishReason *string     `json:"finish_reason"`
	StopReason   interface{} `json:"stop_reason"`
	Logprobs     interface{} `json:"logprobs"`
}

type completionUsage struct {
	CompletionTokens int `json:"completion_tokens"`
}

// eventStreamDecoder decodes an OpenAI-style completions stream of
// server-sent events.
type eventStreamDecoder struct {
	body      io.ReadCloser
	r         *bufio.Reader
	pending   []Result
	generated int
	done      bool
	closed    bool
}

// NewEventStreamDecoder returns a Decoder over a server-sent event body.
// The body is closed once the stream ends.
func NewEventStreamDecoder(body io.ReadCloser) Decoder {
	return &eventStreamDecoder{
		body: body,
		r:    bufio.NewReaderSize(body, 64*1024),
	}
}

func (d *eventStreamDecoder) Next() Result {
	if len(d.pending) > 0 {
		res := d.pending[0]
		d.pending = d.pending[1:]
		return res
	}
	if d.done {
		return endOfStream()
	}
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 {
			finished, lerr := d.handleLine(line)
			if lerr != nil {
				return d.fail(lerr)
			}
			if finished {
				d.finish()
				return endOfStream()
			}
			if len(d.pending) > 0 {
				res := d.pending[0]
				d.pending = d.pending[1:]
				return res
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.finish()
				return endOfStream()
			}
			return d.fail(err)
		}
	}
}

// handleLine parses one line of the event stream, queueing any events it
// carries. It reports true when the terminal [DONE] marker was seen.
func (d *eventStreamDecoder) handleLine(line []byte) (bool, error) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataPrefix) {
		// blank separators, comments and other fields
		return false, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return false, nil
	}
	if bytes.Equal(payload, doneMarker) {
		return true, nil
	}

	var chunk completionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return false, fmt.Errorf("decoding event %q: %w", payload, err)
	}
	if len(chunk.Choices) == 0 {
		// usage-only trailer
		if chunk.Usage != nil {
			d.generated = chunk.Usage.CompletionTokens
		}
		return false, nil
	}
	choice := chunk.Choices[0]

	increment := 1
	if chunk.Usage != nil {
		increment = chunk.Usage.CompletionTokens - d.generated
		d.generated = chunk.Usage.CompletionTokens
	} else if choice.Text == "" && choice.FinishReason == nil {
		return false, nil
	}
	if increment <= 0 {
		return false, nil
	}

	ts := now()
	for i := 0; i < increment-1; i++ {
		d.pending = append(d.pending, Result{
			Event:     &ResponseEvent{Index: choice.Index},
			Tokens:    1,
			Timestamp: ts,
			OK:        true,
		})
	}
	d.pending = append(d.pending, Result{
		Event: &ResponseEvent{
			Index:        choice.Index,
			Text:         choice.Text,
			FinishReason: choice.FinishReason,
			StopReason:   choice.StopReason,
			Logprobs:     choice.Logprobs,
		},
		Tokens:    1,
		Timestamp: ts,
		OK:        true,
	})
	return false, nil
}

func (d *eventStreamDecoder) finish() {
	d.done = true
	_ = d.Close()
}

func (d *eventStreamDecoder) fail(err error) Result {
	d.pending = nil
	d.finish()
	return failure(err)
}

func (d *eventStreamDecoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.body.Close()
}
