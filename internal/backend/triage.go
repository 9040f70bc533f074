package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/llm"
)

type moduleCatalogueEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type modulesNeededArgs struct {
	ModulesName string `json:"modules_name"`
}

// triageTools builds the fixed two-tool set offered during triage, per
// §4.1.3: modules_needed_to_answer_user_prompt(modules_name: enum) and
// reset_conversation().
func triageTools(moduleNames []string) []llm.ToolSchema {
	enumJSON, _ := json.Marshal(moduleNames)
	paramsSchema := fmt.Sprintf(
		`{"type":"object","properties":{"modules_name":{"type":"string","enum":%s}},"required":["modules_name"]}`,
		enumJSON,
	)
	return []llm.ToolSchema{
		{
			Name:        triageToolModules,
			Description: "Name one module needed to answer the user's prompt. May be called multiple times, once per module.",
			Parameters:  json.RawMessage(paramsSchema),
		},
		{
			Name:        triageToolReset,
			Description: "Call this instead when the user is greeting or asking to start a new conversation.",
			Parameters:  json.RawMessage(`{}`),
		},
	}
}

// triage runs §4.1.3: a complexity-1 LLM call offered exactly the two
// triage tools, returning the deduplicated module set or a reset signal.
func (b *Backend) triage(ctx context.Context, conv *Conversation, modules []provider.ToolProvider, lang string) (selected []provider.ToolProvider, reset bool, err error) {
	catalogue := make([]moduleCatalogueEntry, 0, len(modules))
	byName := map[string]provider.ToolProvider{}
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		catalogue = append(catalogue, moduleCatalogueEntry{Name: m.Name(), Description: m.Describe()})
		byName[m.Name()] = m
		names = append(names, m.Name())
	}
	catalogueJSON, _ := json.Marshal(catalogue)

	triageSystem := llm.Message{
		Role:    llm.RoleSystem,
		Content: "Available modules (JSON): " + string(catalogueJSON),
	}

	messages := append([]llm.Message{triageSystem}, conv.Snapshot()...)

	resp, err := b.adapter.Call(ctx, messages, triageTools(names), 1, "")
	if err != nil {
		return nil, false, fmt.Errorf("triage call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, false, fmt.Errorf("triage call returned no choices")
	}

	choice := resp.Choices[0]
	seen := map[string]bool{}
	for _, tc := range choice.Message.ToolCalls {
		switch tc.Name {
		case triageToolReset:
			// Tie-break per §4.1.3: reset wins even if modules were also requested.
			return nil, true, nil
		case triageToolModules:
			var args modulesNeededArgs
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				continue
			}
			if !seen[args.ModulesName] {
				seen[args.ModulesName] = true
				if m, ok := byName[args.ModulesName]; ok {
					selected = append(selected, m)
				}
			}
		}
	}
	return selected, false, nil
}
