package continuation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"decisium-backend/application/ports"
	pkgerrors "decisium-backend/pkg/errors"
)

// InlineDispatcher runs continuation triggers on goroutines of the current
// process. It serves local development and the operator CLI, where there is
// no separate invocation to hand the trigger to.
type InlineDispatcher struct {
	mu      sync.RWMutex
	service *Service
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewInlineDispatcher creates a dispatcher; Bind must be called before use.
func NewInlineDispatcher(logger *zap.Logger) *InlineDispatcher {
	return &InlineDispatcher{logger: logger}
}

// Bind attaches the service that will handle triggers.
func (d *InlineDispatcher) Bind(s *Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.service = s
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, req ports.ContinuationRequest) error {
	d.mu.RLock()
	svc := d.service
	d.mu.RUnlock()
	if svc == nil {
		return pkgerrors.NewDispatchFailure(req.TaskID, pkgerrors.NewConfigurationError("inline dispatcher is not bound"))
	}

	// the trigger outlives the request that produced it
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := svc.HandleTrigger(runCtx, req.TaskID); err != nil {
			d.logger.Error("Inline trigger failed", zap.String("task_id", req.TaskID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every trigger started so far, and the chains they
// continue, have finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
