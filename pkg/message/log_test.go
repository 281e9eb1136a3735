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

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_CommitHappyPath(t *testing.T) {
	l := New(NewUser("hi"))
	snap := l.Snapshot()

	parts := []AssistantPart{ToolCallAssistantPart("call-1", "read_file", nil)}
	results := []*Message{NewToolResult("call-1", "read_file", OutputPart{Kind: PartText, Value: "contents"})}

	err := l.Commit(snap, parts, results, nil)
	require.NoError(t, err)

	msgs := l.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, RoleTool, msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
}

func TestLog_CommitOrphanResultRejected(t *testing.T) {
	l := New()
	snap := l.Snapshot()

	results := []*Message{NewToolResult("call-missing", "read_file")}
	err := l.Commit(snap, nil, results, nil)

	require.Error(t, err)
	assert.True(t, IsInvariantError(err))
	assert.Empty(t, l.Messages(), "a failed commit must not mutate the log")
}

func TestLog_CommitDuplicateToolCallIDRejected(t *testing.T) {
	l := New()
	snap := l.Snapshot()

	parts := []AssistantPart{
		ToolCallAssistantPart("call-1", "a", nil),
		ToolCallAssistantPart("call-1", "b", nil),
	}
	err := l.Commit(snap, parts, nil, nil)

	require.Error(t, err)
	assert.True(t, IsInvariantError(err))
}

func TestLog_CommitOutOfOrderResultRejected(t *testing.T) {
	l := New()
	snap := l.Snapshot()

	parts := []AssistantPart{
		ToolCallAssistantPart("call-1", "a", nil),
		ToolCallAssistantPart("call-2", "b", nil),
	}
	// results reversed relative to parse order
	results := []*Message{
		NewToolResult("call-2", "b"),
		NewToolResult("call-1", "a"),
	}
	err := l.Commit(snap, parts, results, nil)

	require.Error(t, err)
	assert.True(t, IsInvariantError(err))
}

func TestLog_CommitWithUserErrorsAppendsAfterResults(t *testing.T) {
	l := New()
	snap := l.Snapshot()

	parts := []AssistantPart{ToolCallAssistantPart("call-1", "a", nil)}
	results := []*Message{NewToolResult("call-1", "a")}
	userErrors := []string{"Error during tool call: unknown tool."}

	err := l.Commit(snap, parts, results, userErrors)
	require.NoError(t, err)

	msgs := l.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleUser, msgs[2].Role)
	assert.Equal(t, userErrors[0], msgs[2].Text)
}

func TestLog_AppendInterruptionMarkerExtendsTrailingAssistant(t *testing.T) {
	l := New()
	l.AppendAssistantText("partial reply")
	l.AppendInterruptionMarker()

	msgs := l.Messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, "[Request interrupted by user]", msgs[0].Parts[1].Text)
}

func TestLog_AppendInterruptionMarkerOnEmptyLogAppendsNewMessage(t *testing.T) {
	l := New()
	l.AppendInterruptionMarker()

	msgs := l.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
}

func TestLog_SnapshotIsImmutableUnderLaterAppends(t *testing.T) {
	l := New(NewUser("first"))
	snap := l.Snapshot()

	l.AppendAssistantText("second")

	assert.Len(t, snap.Messages(), 1)
	assert.Len(t, l.Messages(), 2)
}
