package models

import (
	"sort"
	"strings"
)

// ToolCallAccumulator rebuilds complete tool calls from streamed deltas.
// Deltas sharing an index are merged in arrival order.
type ToolCallAccumulator struct {
	calls map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Add merges one delta.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	if a.calls == nil {
		a.calls = make(map[int]*pendingCall)
	}
	call, ok := a.calls[d.Index]
	if !ok {
		call = &pendingCall{}
		a.calls[d.Index] = call
	}
	if d.ID != "" {
		call.id = d.ID
	}
	if d.FunctionName != "" {
		call.name = d.FunctionName
	}
	call.args.WriteString(d.Arguments)
}

// Len returns the number of distinct calls seen.
func (a *ToolCallAccumulator) Len() int {
	return len(a.calls)
}

// Calls returns the accumulated calls ordered by index.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		call := a.calls[idx]
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: call.id, FunctionName: call.name, Arguments: args})
	}
	return out
}
