// Package graph is the static task graph registry: the closed set of task
// types, the graph and node each one belongs to, and the successor table.
package graph

import (
	"fmt"
	"sort"

	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// Name identifies a graph
type Name string

const (
	Root         Name = "root"
	Orchestrator Name = "orchestrator"
	Daily        Name = "daily"
)

// NodeID selects the handler for a task type. Nodes shared across graphs
// (memory_retriever, response_agent) use one handler.
type NodeID string

const (
	NodeSaveUserMessage      NodeID = "save_user_message"
	NodeMemoryRetriever      NodeID = "memory_retriever"
	NodeResponseAgent        NodeID = "response_agent"
	NodeSaveAssistantMessage NodeID = "save_assistant_message"

	NodeRouter         NodeID = "router"
	NodeToolExecutor   NodeID = "tool_executor"
	NodeGradeDocuments NodeID = "grade_documents"
	NodeRewriteQuery   NodeID = "rewrite_query"
	NodeSynthesize     NodeID = "synthesize"
	NodeSaveMessages   NodeID = "save_messages"

	NodeClassifierAgent    NodeID = "classifier_agent"
	NodeNoteAcknowledgment NodeID = "note_acknowledgment"
	NodeSuggestAskAI       NodeID = "suggest_ask_ai"
	NodeSaveEvents         NodeID = "save_events"
)

// Task types
const (
	RootSaveUserMessage      task.Type = "root.save_user_message"
	RootMemoryRetriever      task.Type = "root.memory_retriever"
	RootResponseAgent        task.Type = "root.response_agent"
	RootSaveAssistantMessage task.Type = "root.save_assistant_message"

	OrchestratorRouter         task.Type = "orchestrator.router"
	OrchestratorToolExecutor   task.Type = "orchestrator.tool_executor"
	OrchestratorGradeDocuments task.Type = "orchestrator.grade_documents"
	OrchestratorRewriteQuery   task.Type = "orchestrator.rewrite_query"
	OrchestratorSynthesize     task.Type = "orchestrator.synthesize"
	OrchestratorSaveMessages   task.Type = "orchestrator.save_messages"

	DailyClassifierAgent    task.Type = "daily.classifier_agent"
	DailyMemoryRetriever    task.Type = "daily.memory_retriever"
	DailyResponseAgent      task.Type = "daily.response_agent"
	DailyNoteAcknowledgment task.Type = "daily.note_acknowledgment"
	DailySuggestAskAI       task.Type = "daily.suggest_ask_ai"
	DailySaveEvents         task.Type = "daily.save_events"
)

// Branch is the branch-determining part of a node's outcome.
type Branch string

const (
	BranchNone           Branch = ""
	BranchConversational Branch = "conversational"
	BranchNote           Branch = "note"
	BranchUseTools       Branch = "use_tools"
	BranchDirect         Branch = "direct"
	BranchRelevant       Branch = "relevant"
	BranchIrrelevant     Branch = "irrelevant"
)

// MaxRewriteIterations bounds the grade_documents/rewrite_query loop.
const MaxRewriteIterations = 2

// Outcome carries what a node decided, as far as successor selection cares.
type Outcome struct {
	Branch    Branch
	Iteration int
}

type entry struct {
	graph    Name
	node     NodeID
	branches []Branch
}

var registry = map[task.Type]entry{
	RootSaveUserMessage:      {Root, NodeSaveUserMessage, nil},
	RootMemoryRetriever:      {Root, NodeMemoryRetriever, nil},
	RootResponseAgent:        {Root, NodeResponseAgent, nil},
	RootSaveAssistantMessage: {Root, NodeSaveAssistantMessage, nil},

	OrchestratorRouter:         {Orchestrator, NodeRouter, []Branch{BranchUseTools, BranchDirect}},
	OrchestratorToolExecutor:   {Orchestrator, NodeToolExecutor, nil},
	OrchestratorGradeDocuments: {Orchestrator, NodeGradeDocuments, []Branch{BranchRelevant, BranchIrrelevant}},
	OrchestratorRewriteQuery:   {Orchestrator, NodeRewriteQuery, nil},
	OrchestratorSynthesize:     {Orchestrator, NodeSynthesize, nil},
	OrchestratorSaveMessages:   {Orchestrator, NodeSaveMessages, nil},

	DailyClassifierAgent:    {Daily, NodeClassifierAgent, []Branch{BranchConversational, BranchNote}},
	DailyMemoryRetriever:    {Daily, NodeMemoryRetriever, nil},
	DailyResponseAgent:      {Daily, NodeResponseAgent, nil},
	DailyNoteAcknowledgment: {Daily, NodeNoteAcknowledgment, nil},
	DailySuggestAskAI:       {Daily, NodeSuggestAskAI, nil},
	DailySaveEvents:         {Daily, NodeSaveEvents, nil},
}

var entries = map[Name]task.Type{
	Root:         RootSaveUserMessage,
	Orchestrator: OrchestratorRouter,
	Daily:        DailyClassifierAgent,
}

// ParseType validates a task type string against the closed enumeration.
// Unknown types are rejected, including unknown types under a known graph.
func ParseType(s string) (task.Type, error) {
	t := task.Type(s)
	if _, ok := registry[t]; !ok {
		return "", pkgerrors.NewValidationError(fmt.Sprintf("unknown task type '%s'", s))
	}
	return t, nil
}

// GraphOf returns the graph a task type belongs to.
func GraphOf(t task.Type) (Name, error) {
	e, ok := registry[t]
	if !ok {
		return "", pkgerrors.NewValidationError(fmt.Sprintf("unknown task type '%s'", t))
	}
	return e.graph, nil
}

// NodeIDOf returns the handler identifier for a task type.
func NodeIDOf(t task.Type) (NodeID, error) {
	e, ok := registry[t]
	if !ok {
		return "", pkgerrors.NewValidationError(fmt.Sprintf("unknown task type '%s'", t))
	}
	return e.node, nil
}

// EntryOf returns the first task type of a graph.
func EntryOf(g Name) (task.Type, error) {
	t, ok := entries[g]
	if !ok {
		return "", pkgerrors.NewValidationError(fmt.Sprintf("unknown graph '%s'", g))
	}
	return t, nil
}

// SuccessorOf resolves the next task type. terminal is true when the chain
// ends at t. An unmapped (type, outcome) pair is a configuration error.
func SuccessorOf(t task.Type, o Outcome) (next task.Type, terminal bool, err error) {
	e, ok := registry[t]
	if !ok {
		return "", false, pkgerrors.NewConfigurationError(fmt.Sprintf("no successor mapping for unknown type '%s'", t))
	}
	if len(e.branches) == 0 && o.Branch != BranchNone {
		return "", false, unmapped(t, o)
	}

	switch t {
	case RootSaveUserMessage:
		return RootMemoryRetriever, false, nil
	case RootMemoryRetriever:
		return RootResponseAgent, false, nil
	case RootResponseAgent:
		return RootSaveAssistantMessage, false, nil
	case RootSaveAssistantMessage:
		return "", true, nil

	case OrchestratorRouter:
		switch o.Branch {
		case BranchUseTools:
			return OrchestratorToolExecutor, false, nil
		case BranchDirect:
			return OrchestratorSynthesize, false, nil
		}
	case OrchestratorToolExecutor:
		return OrchestratorGradeDocuments, false, nil
	case OrchestratorGradeDocuments:
		switch o.Branch {
		case BranchRelevant:
			return OrchestratorSynthesize, false, nil
		case BranchIrrelevant:
			if o.Iteration < MaxRewriteIterations {
				return OrchestratorRewriteQuery, false, nil
			}
			return OrchestratorSynthesize, false, nil
		}
	case OrchestratorRewriteQuery:
		return OrchestratorToolExecutor, false, nil
	case OrchestratorSynthesize:
		return OrchestratorSaveMessages, false, nil
	case OrchestratorSaveMessages:
		return "", true, nil

	case DailyClassifierAgent:
		switch o.Branch {
		case BranchConversational:
			return DailyMemoryRetriever, false, nil
		case BranchNote:
			return DailyNoteAcknowledgment, false, nil
		}
	case DailyMemoryRetriever:
		return DailyResponseAgent, false, nil
	case DailyResponseAgent, DailyNoteAcknowledgment:
		return DailySuggestAskAI, false, nil
	case DailySuggestAskAI:
		return DailySaveEvents, false, nil
	case DailySaveEvents:
		return "", true, nil
	}

	return "", false, unmapped(t, o)
}

func unmapped(t task.Type, o Outcome) error {
	return pkgerrors.NewConfigurationError(
		fmt.Sprintf("no successor mapping for type '%s' with branch '%s' at iteration %d", t, o.Branch, o.Iteration))
}

// Types returns every registered task type in a stable order.
func Types() []task.Type {
	out := make([]task.Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NodeIDs returns the distinct handler identifiers the registry refers to.
func NodeIDs() []NodeID {
	seen := make(map[NodeID]bool)
	var out []NodeID
	for _, t := range Types() {
		n := registry[t].node
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// BranchesOf lists the branches a node of type t may report. Nil means the
// node does not branch.
func BranchesOf(t task.Type) []Branch {
	return registry[t].branches
}

// Validate walks every reachable (type, branch, iteration) pair and checks
// that the successor table is total, stays inside the graph and reaches a
// terminal node from every entry point.
func Validate() error {
	for t, e := range registry {
		if t.Graph() != string(e.graph) || t.Node() != string(e.node) {
			return pkgerrors.NewConfigurationError(fmt.Sprintf("type '%s' does not match its graph/node entry", t))
		}
		branches := e.branches
		if len(branches) == 0 {
			branches = []Branch{BranchNone}
		}
		for _, b := range branches {
			for it := 0; it <= MaxRewriteIterations; it++ {
				next, terminal, err := SuccessorOf(t, Outcome{Branch: b, Iteration: it})
				if err != nil {
					return err
				}
				if terminal {
					continue
				}
				ne, ok := registry[next]
				if !ok {
					return pkgerrors.NewConfigurationError(fmt.Sprintf("type '%s' maps to unknown successor '%s'", t, next))
				}
				if ne.graph != e.graph {
					return pkgerrors.NewConfigurationError(fmt.Sprintf("type '%s' leaves graph '%s' for '%s'", t, e.graph, next))
				}
			}
		}
	}

	for g, start := range entries {
		if !reachesTerminal(start) {
			return pkgerrors.NewConfigurationError(fmt.Sprintf("graph '%s' has no terminal path", g))
		}
	}
	return nil
}

// reachesTerminal follows the last declared branch with the iteration count
// pinned at the loop bound.
func reachesTerminal(t task.Type) bool {
	for steps := 0; steps <= len(registry); steps++ {
		b := BranchNone
		if br := registry[t].branches; len(br) > 0 {
			b = br[len(br)-1]
		}
		next, terminal, err := SuccessorOf(t, Outcome{Branch: b, Iteration: MaxRewriteIterations})
		if err != nil {
			return false
		}
		if terminal {
			return true
		}
		t = next
	}
	return false
}
