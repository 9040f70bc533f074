package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/internal/store"
	"github.com/mroger/tom/llm"
)

// execute implements §4.1.4: the tool-calling loop over the union of tools
// advertised by the selected modules, bounded by MaxIterations.
func (b *Backend) execute(ctx context.Context, username, userInput string, conv *Conversation, selected []provider.ToolProvider) (string, error) {
	tools, toolOwner, complexity := b.unionTools(selected)

	for _, m := range selected {
		conv.AppendSystem(m.SystemContext())
	}

	for iter := 0; iter < MaxIterations; iter++ {
		resp, err := b.adapter.Call(ctx, conv.Snapshot(), tools, complexity, "")
		if err != nil {
			// Execute LLM failure ⇒ return false (gateway converts to 502), §4.1.7.
			return "", fmt.Errorf("execute call: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("execute call returned no choices")
		}
		choice := resp.Choices[0]

		switch choice.FinishReason {
		case "stop", "":
			conv.AppendAssistant(choice.Message)
			b.writeCallLog(username, userInput, nil)
			return choice.Message.Content, nil

		case "tool_calls":
			conv.AppendAssistant(choice.Message)
			calls := make([]store.CallLogFunctionCall, 0, len(choice.Message.ToolCalls))
			aborted, err := b.dispatchToolCalls(ctx, username, conv, toolOwner, choice.Message.ToolCalls, &calls)
			if aborted {
				conv.AppendAssistant(llm.Message{Content: "Error while executing the function call"})
				b.writeCallLog(username, userInput, calls)
				return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
			}

		default:
			return "", fmt.Errorf("execute call: unsupported finish_reason %q", choice.FinishReason)
		}
	}

	return "", fmt.Errorf("%w: exceeded %d iterations", ErrLLMUnavailable, MaxIterations)
}

// unionTools flattens the selected modules' tool sets, records which module
// owns each tool name for dispatch, and picks max(complexity) across the
// selected set, per §4.1.4.
func (b *Backend) unionTools(selected []provider.ToolProvider) ([]llm.ToolSchema, map[string]provider.ToolProvider, int) {
	var tools []llm.ToolSchema
	owner := map[string]provider.ToolProvider{}
	complexity := 0
	for _, m := range selected {
		if m.Complexity() > complexity {
			complexity = m.Complexity()
		}
		for _, t := range m.Tools() {
			tools = append(tools, llm.ToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
			owner[t.Name] = m
		}
	}
	return tools, owner, complexity
}

type toolCallOutcome struct {
	index   int
	call    llm.ToolCall
	result  json.RawMessage
	infraErr error
}

// dispatchToolCalls runs every tool call emitted in one LLM response
// concurrently (§5: "tool calls emitted in the same LLM response may be
// dispatched concurrently") but appends their results to the conversation
// in the LLM's declared order (§5: "stable by tool-call-id list"), grounded
// on the teacher's BatchCallTools concurrent-dispatch pattern
// (agent/protocol/mcp/client.go) adapted to index-preserving ordering
// instead of a results slice the caller reorders itself.
func (b *Backend) dispatchToolCalls(ctx context.Context, username string, conv *Conversation, owner map[string]provider.ToolProvider, calls []llm.ToolCall, log *[]store.CallLogFunctionCall) (aborted bool, err error) {
	outcomes := make([]toolCallOutcome, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc llm.ToolCall) {
			defer wg.Done()
			result, infraErr := b.invokeOne(ctx, owner, tc)
			outcomes[i] = toolCallOutcome{index: i, call: tc, result: result, infraErr: infraErr}
		}(i, tc)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.infraErr != nil {
			// The tool transport itself failed (not a validation error the
			// provider could self-report) — abort per §4.1.7.
			return true, o.infraErr
		}
		conv.AppendToolResult(o.call.ID, string(o.result))
		*log = append(*log, store.CallLogFunctionCall{
			Function:   o.call.Name,
			Parameters: argsAsMap(o.call.Arguments),
		})
	}
	return false, nil
}

func (b *Backend) invokeOne(ctx context.Context, owner map[string]provider.ToolProvider, tc llm.ToolCall) (json.RawMessage, error) {
	m, ok := owner[tc.Name]
	if !ok {
		return json.RawMessage(fmt.Sprintf(`{"status":"error","message":"unknown tool %q"}`, tc.Name)), nil
	}
	result, err := m.Invoke(ctx, tc.Name, tc.Arguments)
	if err != nil {
		// A Go error from Invoke means the provider transport/process itself
		// is unreachable, not a validation failure — that case is §4.1.7's
		// "unless the function literally returned false".
		return nil, err
	}
	return result, nil
}

func argsAsMap(raw json.RawMessage) map[string]interface{} {
	out := map[string]interface{}{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func (b *Backend) writeCallLog(username, userInput string, calls []store.CallLogFunctionCall) {
	if b.calllog == nil {
		return
	}
	entry := store.CallLogEntry{
		Timestamp: time.Now(),
		Username:  username,
		UserInput: userInput,
		Calls:     calls,
	}
	if err := b.calllog.Append(entry); err != nil {
		b.logger.Warn("failed to write call log entry", zap.Error(err))
	}
}
