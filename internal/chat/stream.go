package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/agentdeck/agentdeck/internal/eventstream"
)

// Delta is one streamed increment of the assistant's reply.
type Delta struct {
	// Content is the text fragment carried by this chunk; may be empty
	// on chunks that only advance tool calls.
	Content string
	// FinishReason is set on the final chunk of a choice.
	FinishReason string
}

// chunkResponse is one streamed completions chunk.
type chunkResponse struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallDelta is a tool-call fragment within a streamed chunk. The
// index ties fragments of the same call together across chunks.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Stream is an in-flight streaming completion. Next yields deltas until
// io.EOF; tool-call fragments are folded into complete calls available
// from ToolCalls once the stream ends.
type Stream struct {
	dec *eventstream.Decoder

	toolCalls    map[int]*ToolCall
	finishReason string
}

// CompleteStream issues a streaming completions call. The returned
// stream must be closed.
func (c *Client) CompleteStream(ctx context.Context, req Request) (*Stream, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	return &Stream{
		dec:       eventstream.NewDecoder(resp.Body, c.logger),
		toolCalls: make(map[int]*ToolCall),
	}, nil
}

// Next returns the next delta. Chunks that carry neither content nor a
// finish reason still advance tool-call accumulation and are skipped.
// io.EOF signals a normal end of stream ([DONE] or stream close).
func (s *Stream) Next() (Delta, error) {
	for {
		raw, err := s.dec.Next()
		if err != nil {
			return Delta{}, err
		}

		var chunk chunkResponse
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return Delta{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			s.fold(tc)
		}
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" || choice.FinishReason != "" {
			return Delta{Content: choice.Delta.Content, FinishReason: choice.FinishReason}, nil
		}
	}
}

// fold merges one tool-call fragment into the call being assembled at
// its index: id/name/type fields arrive once, argument text accumulates
// by concatenation.
func (s *Stream) fold(tc toolCallDelta) {
	call, ok := s.toolCalls[tc.Index]
	if !ok {
		call = &ToolCall{}
		s.toolCalls[tc.Index] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Type != "" {
		call.Type = tc.Type
	}
	if tc.Function.Name != "" {
		call.Function.Name = tc.Function.Name
	}
	call.Function.Arguments += tc.Function.Arguments
}

// ToolCalls returns the assembled tool calls in index order. Fragments
// that never received a name are incomplete and omitted.
func (s *Stream) ToolCalls() []ToolCall {
	idxs := make([]int, 0, len(s.toolCalls))
	for i := range s.toolCalls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	var out []ToolCall
	for _, i := range idxs {
		if s.toolCalls[i].Function.Name == "" {
			continue
		}
		out = append(out, *s.toolCalls[i])
	}
	return out
}

// FinishReason returns the finish reason of the first choice, empty
// until the stream reports one.
func (s *Stream) FinishReason() string {
	return s.finishReason
}

// Close releases the underlying response body. Safe to call more than
// once.
func (s *Stream) Close() error {
	return s.dec.Close()
}

// Drain consumes the remainder of the stream, accumulating tool calls,
// and returns the concatenated content.
func (s *Stream) Drain(ctx context.Context) (string, error) {
	var sb []byte
	for {
		if err := ctx.Err(); err != nil {
			return string(sb), err
		}
		delta, err := s.Next()
		if err == io.EOF {
			return string(sb), nil
		}
		if err != nil {
			return string(sb), err
		}
		sb = append(sb, delta.Content...)
	}
}
