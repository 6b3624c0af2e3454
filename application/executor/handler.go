package executor

import (
	"context"
	"fmt"
	"sort"

	"decisium-backend/domain/graph"
	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// NodeInput is what a node handler sees of its task.
type NodeInput struct {
	TaskID    string
	SessionID string
	UserID    string
	Type      task.Type
	Payload   task.Payload
	Iteration int
}

// NodeOutput is a handler's result plus the branch-determining outcome.
type NodeOutput struct {
	Result  task.Payload
	Outcome graph.Outcome
}

// NodeHandler runs the logic of one node.
type NodeHandler interface {
	Execute(ctx context.Context, in NodeInput) (NodeOutput, error)
}

// HandlerFunc adapts a function to NodeHandler.
type HandlerFunc func(ctx context.Context, in NodeInput) (NodeOutput, error)

func (f HandlerFunc) Execute(ctx context.Context, in NodeInput) (NodeOutput, error) {
	return f(ctx, in)
}

// HandlerTable maps node ids to handlers.
type HandlerTable map[graph.NodeID]NodeHandler

// Validate checks that every node the registry can produce has a handler
// and that the registry itself is total.
func (h HandlerTable) Validate() error {
	if err := graph.Validate(); err != nil {
		return err
	}
	var missing []string
	for _, id := range graph.NodeIDs() {
		if h[id] == nil {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return pkgerrors.NewConfigurationError(fmt.Sprintf("no handler registered for nodes %v", missing))
	}
	return nil
}
