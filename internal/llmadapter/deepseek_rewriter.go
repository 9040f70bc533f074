package llmadapter

import (
	"bytes"
	"context"

	"github.com/mroger/tom/llm"
)

// DeepSeekToolStripper removes empty `parameters` objects (`{}` or a JSON
// schema with no properties) from tool specs before the call, per spec
// §4.1.5: DeepSeek's upstream API rejects tool specs carrying a bare empty
// object where it expects either a populated schema or the field omitted
// entirely. Modeled on the teacher's EmptyToolsCleaner rewriter
// (llm/middleware/empty_tools_cleaner.go), which solves the adjacent
// "empty tool_choice" quirk for a different provider family the same way:
// a RequestRewriter that mutates the outgoing request in place.
type DeepSeekToolStripper struct{}

// NewDeepSeekToolStripper constructs the rewriter.
func NewDeepSeekToolStripper() *DeepSeekToolStripper {
	return &DeepSeekToolStripper{}
}

// Name identifies the rewriter for logging, matching the RequestRewriter
// interface's convention.
func (r *DeepSeekToolStripper) Name() string {
	return "deepseek_empty_parameters_stripper"
}

// Rewrite strips `parameters` from any tool spec whose schema has no
// properties, leaving non-empty schemas untouched.
func (r *DeepSeekToolStripper) Rewrite(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	if req == nil || len(req.Tools) == 0 {
		return req, nil
	}

	cleaned := make([]llm.ToolSchema, len(req.Tools))
	for i, t := range req.Tools {
		if isEmptyParameters(t.Parameters) {
			t.Parameters = nil
		}
		cleaned[i] = t
	}
	req.Tools = cleaned
	return req, nil
}

func isEmptyParameters(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	empties := [][]byte{
		[]byte("{}"),
		[]byte(`{"type":"object","properties":{}}`),
		[]byte(`{"type": "object", "properties": {}}`),
	}
	for _, e := range empties {
		if bytes.Equal(trimmed, e) {
			return true
		}
	}
	return false
}
