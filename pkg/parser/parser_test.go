// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrtd/pkg/ports"
)

func drain(p *Parser) []Event {
	var out []Event
	for ev := range p.Events() {
		out = append(out, ev)
	}
	return out
}

func TestParser_PlainText(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "hello "})
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "world"})
	terminal := p.Finish("msg-1", nil)

	events := drain(p)
	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "hello ", events[0].Text)
	assert.Equal(t, "world", events[1].Text)
	assert.Equal(t, "msg-1", terminal.MessageID)
	assert.False(t, terminal.Aborted)
	assert.NoError(t, terminal.Err)
}

func TestParser_InlineToolCallSingleParam(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "before <read_file><path>a.go</path></read_file> after"})
	p.Finish("", nil)

	events := drain(p)
	require.Len(t, events, 3)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "before ", events[0].Text)

	assert.Equal(t, EventToolCall, events[1].Kind)
	assert.Equal(t, "read_file", events[1].ToolCallName)
	assert.Equal(t, map[string]string{"path": "a.go"}, events[1].ToolCallArgs)
	assert.False(t, events[1].Structured)

	assert.Equal(t, EventText, events[2].Kind)
	assert.Equal(t, " after", events[2].Text)
}

func TestParser_InlineToolCallSplitAcrossChunks(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "<search><qu"})
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "ery>golang</qu"})
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "ery></search>"})
	p.Finish("", nil)

	events := drain(p)
	require.Len(t, events, 1)
	assert.Equal(t, "search", events[0].ToolCallName)
	assert.Equal(t, "golang", events[0].ToolCallArgs["query"])
}

func TestParser_MultipleParams(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "<write><path>a.txt</path><content>hi</content></write>"})
	p.Finish("", nil)

	events := drain(p)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]string{"path": "a.txt", "content": "hi"}, events[0].ToolCallArgs)
}

func TestParser_UnclosedTagAtStreamEndIsDiscarded(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "text <incomplete><param>val"})
	p.Finish("", nil)

	events := drain(p)
	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "text ", events[0].Text)
}

func TestParser_MismatchedCloseTagIsDiscarded(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "<foo><p>v</p></bar>next"})
	p.Finish("", nil)

	events := drain(p)
	// The malformed call produces no EventToolCall; only the trailing text
	// survives, since the close-tag mismatch resets to stateText without
	// replaying anything.
	require.Len(t, events, 1)
	assert.Equal(t, "next", events[0].Text)
}

func TestParser_StructuredToolCallPassesThroughVerbatim(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{
		Kind: ports.EventToolCallStructured,
		ToolCall: ports.StructuredToolCall{
			ID: "call-1", Name: "lookup", Input: map[string]any{"key": "v"},
		},
	})
	p.Finish("", nil)

	events := drain(p)
	require.Len(t, events, 1)
	assert.True(t, events[0].Structured)
	assert.Equal(t, "call-1", events[0].ToolCallID)
	assert.Equal(t, "lookup", events[0].ToolCallName)
	assert.Equal(t, map[string]any{"key": "v"}, events[0].ToolCallInput)
}

func TestParser_ReasoningDeltaPassesThrough(t *testing.T) {
	p := New()
	p.Feed(ports.StreamEvent{Kind: ports.EventReasoningDelta, TextDelta: "thinking..."})
	p.Finish("", nil)

	events := drain(p)
	require.Len(t, events, 1)
	assert.Equal(t, EventReasoning, events[0].Kind)
	assert.Equal(t, "thinking...", events[0].Text)
}

func TestParser_AbortStopsFeeding(t *testing.T) {
	p := New()
	p.Abort()
	p.Feed(ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: "ignored"})
	terminal := p.Finish("", nil)

	events := drain(p)
	assert.Empty(t, events)
	assert.True(t, terminal.Aborted)
}
