// Package httpdispatch delivers continuation triggers by calling the
// service's own internal endpoint. The call is not awaited by the caller,
// so the successor runs in a separate request.
package httpdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/infrastructure/resilience"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

// DefaultTimeout bounds one continuation request, which includes running the
// successor's handler.
const DefaultTimeout = 5 * time.Minute

// DeliveryMode labels the dispatch metric recorded when a background request
// finishes. The caller's own dispatch metric only counts the hand-off.
const DeliveryMode = "http_delivery"

// Dispatcher posts continuation requests to the internal endpoint
type Dispatcher struct {
	url     string
	secret  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics ports.MetricsRecorder
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher for url. client and metrics may be nil.
func NewDispatcher(url, secret string, client *http.Client, metrics ports.MetricsRecorder, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		url:     url,
		secret:  secret,
		client:  client,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig("continuation"), logger),
		timeout: DefaultTimeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Dispatch starts the request in the background and returns. It fails only
// when the breaker is open, in which case the task stays pending.
func (d *Dispatcher) Dispatch(ctx context.Context, req ports.ContinuationRequest) error {
	if req.TaskID == "" {
		return pkgerrors.NewValidationError("task_id is required")
	}
	if d.breaker.State() == gobreaker.StateOpen {
		return pkgerrors.NewDispatchFailure(req.TaskID, gobreaker.ErrOpenState)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return pkgerrors.NewDispatchFailure(req.TaskID, err)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		err := d.post(runCtx, body)
		if d.metrics != nil {
			d.metrics.RecordDispatch(DeliveryMode, err)
		}
		if err != nil {
			d.logger.Warn("Continuation request failed, task left pending",
				zap.String("task_id", req.TaskID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(auth.InternalSecretHeader, d.secret)

		resp, err := d.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("continuation endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}
		return nil, nil
	})
	return err
}

// Wait blocks until all in-flight requests have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
