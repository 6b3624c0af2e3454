package executor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"decisium-backend/application/ports"
	"decisium-backend/domain/graph"
	domainmemory "decisium-backend/domain/memory"
	"decisium-backend/domain/message"
	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// MemoryRetriever is the part of the memory service nodes depend on.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query, userID string, opts domainmemory.Options) ([]domainmemory.RetrievalResult, error)
}

// NodeDeps are the collaborators of the built-in node handlers.
type NodeDeps struct {
	Messages            ports.MessageStore
	Model               ports.LanguageModel
	Memory              MemoryRetriever
	MemoryContextTokens int
	Now                 func() time.Time
}

type nodes struct {
	NodeDeps
}

// NewHandlerTable wires a handler for every node of the three graphs.
func NewHandlerTable(d NodeDeps) HandlerTable {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.MemoryContextTokens <= 0 {
		d.MemoryContextTokens = 1500
	}
	n := &nodes{NodeDeps: d}

	return HandlerTable{
		graph.NodeSaveUserMessage:      HandlerFunc(n.saveUserMessage),
		graph.NodeMemoryRetriever:      HandlerFunc(n.memoryRetriever),
		graph.NodeResponseAgent:        HandlerFunc(n.responseAgent),
		graph.NodeSaveAssistantMessage: HandlerFunc(n.saveAssistantMessage),

		graph.NodeRouter:         HandlerFunc(n.router),
		graph.NodeToolExecutor:   HandlerFunc(n.toolExecutor),
		graph.NodeGradeDocuments: HandlerFunc(n.gradeDocuments),
		graph.NodeRewriteQuery:   HandlerFunc(n.rewriteQuery),
		graph.NodeSynthesize:     HandlerFunc(n.synthesize),
		graph.NodeSaveMessages:   HandlerFunc(n.saveMessages),

		graph.NodeClassifierAgent:    HandlerFunc(n.classifier),
		graph.NodeNoteAcknowledgment: HandlerFunc(n.noteAcknowledgment),
		graph.NodeSuggestAskAI:       HandlerFunc(n.suggestAskAI),
		graph.NodeSaveEvents:         HandlerFunc(n.saveEvents),
	}
}

func content(in NodeInput) (string, error) {
	c := strings.TrimSpace(in.Payload.String(task.KeyContent))
	if c == "" {
		return "", pkgerrors.NewValidationError("payload.content is required")
	}
	return c, nil
}

func query(in NodeInput) string {
	for _, k := range []string{task.KeyRewrittenQuery, task.KeyQuery, task.KeyContent} {
		if q := strings.TrimSpace(in.Payload.String(k)); q != "" {
			return q
		}
	}
	return ""
}

// messageID is derived from the task so a retried save overwrites instead of
// duplicating.
func messageID(taskID, suffix string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(taskID+"/"+suffix)).String()
}

func (n *nodes) msg(in NodeInput, suffix string, role message.Role, kind message.Kind, text string) message.Message {
	return message.Message{
		ID:        messageID(in.TaskID, suffix),
		UserID:    in.UserID,
		SessionID: in.SessionID,
		TaskID:    in.TaskID,
		Role:      role,
		Kind:      kind,
		Content:   text,
		CreatedAt: n.Now(),
	}
}

func (n *nodes) complete(ctx context.Context, system, user string) (string, error) {
	out, err := n.Model.Complete(ctx, ports.Prompt{System: system, User: user})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", pkgerrors.NewExternalError("language model", pkgerrors.NewInternalError("empty completion"))
	}
	return out, nil
}

// root graph

func (n *nodes) saveUserMessage(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	m := n.msg(in, "user", message.RoleUser, message.KindChat, c)
	if err := n.Messages.SaveMessages(ctx, []message.Message{m}); err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{"message_id": m.ID, task.KeyQuery: c}}, nil
}

func (n *nodes) memoryRetriever(ctx context.Context, in NodeInput) (NodeOutput, error) {
	results, err := n.Memory.Retrieve(ctx, query(in), in.UserID, domainmemory.Options{})
	if err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{
		task.KeyMemoryContext: domainmemory.GetMemoryContext(results, n.MemoryContextTokens),
		"memory_levels":       len(results),
	}}, nil
}

func (n *nodes) responseAgent(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	system := withContext(responseInstructions, "Relevant memories:", in.Payload.String(task.KeyMemoryContext))
	reply, err := n.complete(ctx, system, c)
	if err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{task.KeyResponse: reply}}, nil
}

func (n *nodes) saveAssistantMessage(ctx context.Context, in NodeInput) (NodeOutput, error) {
	reply := in.Payload.String(task.KeyResponse)
	if reply == "" {
		return NodeOutput{}, pkgerrors.NewValidationError("payload.response is required")
	}
	m := n.msg(in, "assistant", message.RoleAssistant, message.KindChat, reply)
	if err := n.Messages.SaveMessages(ctx, []message.Message{m}); err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{"message_id": m.ID}}, nil
}

// orchestrator graph

func (n *nodes) router(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	decision, err := n.complete(ctx, routerInstructions, c)
	if err != nil {
		return NodeOutput{}, err
	}
	branch := graph.BranchDirect
	if strings.Contains(strings.ToUpper(decision), "TOOLS") {
		branch = graph.BranchUseTools
	}
	return NodeOutput{
		Result:  task.Payload{"route": string(branch)},
		Outcome: graph.Outcome{Branch: branch},
	}, nil
}

func (n *nodes) toolExecutor(ctx context.Context, in NodeInput) (NodeOutput, error) {
	results, err := n.Memory.Retrieve(ctx, query(in), in.UserID, domainmemory.Options{})
	if err != nil {
		return NodeOutput{}, err
	}
	count := 0
	for _, r := range results {
		count += len(r.Fragments)
	}
	docs := ""
	if count > 0 {
		docs = domainmemory.GetMemoryContext(results, n.MemoryContextTokens)
	}
	return NodeOutput{Result: task.Payload{
		task.KeyDocuments: docs,
		"document_count":  count,
	}}, nil
}

func (n *nodes) gradeDocuments(ctx context.Context, in NodeInput) (NodeOutput, error) {
	docs := in.Payload.String(task.KeyDocuments)
	if docs == "" {
		return NodeOutput{
			Result:  task.Payload{"relevant": false},
			Outcome: graph.Outcome{Branch: graph.BranchIrrelevant, Iteration: in.Iteration},
		}, nil
	}

	verdict, err := n.complete(ctx, gradeInstructions, "Question: "+query(in)+"\n\nExcerpts:\n"+docs)
	if err != nil {
		return NodeOutput{}, err
	}
	relevant := strings.HasPrefix(strings.ToUpper(verdict), "YES")
	branch := graph.BranchIrrelevant
	if relevant {
		branch = graph.BranchRelevant
	}
	return NodeOutput{
		Result:  task.Payload{"relevant": relevant},
		Outcome: graph.Outcome{Branch: branch, Iteration: in.Iteration},
	}, nil
}

func (n *nodes) rewriteQuery(ctx context.Context, in NodeInput) (NodeOutput, error) {
	rewritten, err := n.complete(ctx, rewriteInstructions, query(in))
	if err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{
		Result:  task.Payload{task.KeyRewrittenQuery: rewritten},
		Outcome: graph.Outcome{Iteration: in.Iteration + 1},
	}, nil
}

func (n *nodes) synthesize(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	system := withContext(synthesizeInstructions, "Journal excerpts:", in.Payload.String(task.KeyDocuments))
	reply, err := n.complete(ctx, system, c)
	if err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{task.KeyResponse: reply}}, nil
}

func (n *nodes) saveMessages(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	reply := in.Payload.String(task.KeyResponse)
	if reply == "" {
		return NodeOutput{}, pkgerrors.NewValidationError("payload.response is required")
	}
	msgs := []message.Message{
		n.msg(in, "user", message.RoleUser, message.KindChat, c),
		n.msg(in, "assistant", message.RoleAssistant, message.KindChat, reply),
	}
	if err := n.Messages.SaveMessages(ctx, msgs); err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{"message_ids": []interface{}{msgs[0].ID, msgs[1].ID}}}, nil
}

// daily graph

func (n *nodes) classifier(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	label, err := n.complete(ctx, classifierInstructions, c)
	if err != nil {
		return NodeOutput{}, err
	}
	branch := graph.BranchConversational
	if strings.HasPrefix(strings.ToUpper(label), "NOTE") {
		branch = graph.BranchNote
	}
	return NodeOutput{
		Result:  task.Payload{task.KeyIntent: string(branch)},
		Outcome: graph.Outcome{Branch: branch},
	}, nil
}

func (n *nodes) noteAcknowledgment(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	ack, err := n.complete(ctx, noteInstructions, c)
	if err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{task.KeyResponse: ack}}, nil
}

func (n *nodes) suggestAskAI(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	suggestion, err := n.complete(ctx, suggestInstructions, c+"\n\nAssistant: "+in.Payload.String(task.KeyResponse))
	if err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{Result: task.Payload{task.KeySuggestion: suggestion}}, nil
}

func (n *nodes) saveEvents(ctx context.Context, in NodeInput) (NodeOutput, error) {
	c, err := content(in)
	if err != nil {
		return NodeOutput{}, err
	}
	kind := message.KindChat
	if in.Payload.String(task.KeyIntent) == string(graph.BranchNote) {
		kind = message.KindNote
	}

	msgs := []message.Message{n.msg(in, "entry", message.RoleUser, kind, c)}
	if reply := in.Payload.String(task.KeyResponse); reply != "" {
		msgs = append(msgs, n.msg(in, "response", message.RoleAssistant, message.KindChat, reply))
	}
	if s := in.Payload.String(task.KeySuggestion); s != "" {
		msgs = append(msgs, n.msg(in, "suggestion", message.RoleAssistant, message.KindSuggestion, s))
	}
	if err := n.Messages.SaveMessages(ctx, msgs); err != nil {
		return NodeOutput{}, err
	}

	ids := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return NodeOutput{Result: task.Payload{"message_ids": ids}}, nil
}
