package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate())
}

func TestParseType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"root entry", "root.save_user_message", false},
		{"shared node under daily", "daily.memory_retriever", false},
		{"unknown daily type is rejected", "daily.unknown_node", true},
		{"node from another graph", "root.router", true},
		{"no graph prefix", "save_user_message", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pkgerrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, task.Type(tt.input), got)
		})
	}
}

func TestGraphAndNodeOf(t *testing.T) {
	g, err := GraphOf(DailyResponseAgent)
	require.NoError(t, err)
	assert.Equal(t, Daily, g)

	n, err := NodeIDOf(DailyResponseAgent)
	require.NoError(t, err)
	assert.Equal(t, NodeResponseAgent, n)

	n, err = NodeIDOf(RootResponseAgent)
	require.NoError(t, err)
	assert.Equal(t, NodeResponseAgent, n, "shared nodes resolve to the same handler")
}

func TestRootChain(t *testing.T) {
	var seen []task.Type
	cur := RootSaveUserMessage
	for {
		seen = append(seen, cur)
		next, terminal, err := SuccessorOf(cur, Outcome{})
		require.NoError(t, err)
		if terminal {
			break
		}
		cur = next
	}

	assert.Equal(t, []task.Type{
		RootSaveUserMessage,
		RootMemoryRetriever,
		RootResponseAgent,
		RootSaveAssistantMessage,
	}, seen)
}

func TestSuccessorOf(t *testing.T) {
	tests := []struct {
		name     string
		from     task.Type
		outcome  Outcome
		want     task.Type
		terminal bool
	}{
		{"router uses tools", OrchestratorRouter, Outcome{Branch: BranchUseTools}, OrchestratorToolExecutor, false},
		{"router skips to synthesize", OrchestratorRouter, Outcome{Branch: BranchDirect}, OrchestratorSynthesize, false},
		{"relevant documents", OrchestratorGradeDocuments, Outcome{Branch: BranchRelevant}, OrchestratorSynthesize, false},
		{"irrelevant first pass rewrites", OrchestratorGradeDocuments, Outcome{Branch: BranchIrrelevant, Iteration: 0}, OrchestratorRewriteQuery, false},
		{"irrelevant below bound rewrites", OrchestratorGradeDocuments, Outcome{Branch: BranchIrrelevant, Iteration: MaxRewriteIterations - 1}, OrchestratorRewriteQuery, false},
		{"irrelevant at bound is forced forward", OrchestratorGradeDocuments, Outcome{Branch: BranchIrrelevant, Iteration: MaxRewriteIterations}, OrchestratorSynthesize, false},
		{"rewrite loops to tools", OrchestratorRewriteQuery, Outcome{Iteration: 1}, OrchestratorToolExecutor, false},
		{"save_messages is terminal", OrchestratorSaveMessages, Outcome{}, "", true},
		{"classifier conversational", DailyClassifierAgent, Outcome{Branch: BranchConversational}, DailyMemoryRetriever, false},
		{"classifier note", DailyClassifierAgent, Outcome{Branch: BranchNote}, DailyNoteAcknowledgment, false},
		{"daily response joins suggest", DailyResponseAgent, Outcome{}, DailySuggestAskAI, false},
		{"note ack joins suggest", DailyNoteAcknowledgment, Outcome{}, DailySuggestAskAI, false},
		{"save_events is terminal", DailySaveEvents, Outcome{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, terminal, err := SuccessorOf(tt.from, tt.outcome)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
			assert.Equal(t, tt.terminal, terminal)
		})
	}
}

func TestSuccessorOfUnmappedPairsAreConfigurationErrors(t *testing.T) {
	cases := []struct {
		name    string
		from    task.Type
		outcome Outcome
	}{
		{"branching node without branch", DailyClassifierAgent, Outcome{}},
		{"branch from another node", OrchestratorRouter, Outcome{Branch: BranchNote}},
		{"branch on a linear node", RootMemoryRetriever, Outcome{Branch: BranchDirect}},
		{"unknown type", task.Type("daily.other"), Outcome{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := SuccessorOf(tc.from, tc.outcome)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsConfiguration(err))
		})
	}
}

func TestEntryOf(t *testing.T) {
	start, err := EntryOf(Orchestrator)
	require.NoError(t, err)
	assert.Equal(t, OrchestratorRouter, start)

	_, err = EntryOf("weekly")
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestNodeIDsAreDistinct(t *testing.T) {
	ids := NodeIDs()
	assert.Len(t, ids, 14)
	assert.Contains(t, ids, NodeMemoryRetriever)
}
