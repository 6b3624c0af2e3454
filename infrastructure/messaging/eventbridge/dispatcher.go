// Package eventbridge delivers continuation triggers as EventBridge events.
// A rule on the bus targets the task-worker Lambda, so every trigger runs in
// its own invocation.
package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

const (
	Source                 = "decisium.tasks"
	DetailTypeContinuation = "TaskContinuationRequested"
	DetailTypeSweep        = "RecoverySweep"
)

// Client is the subset of the EventBridge API the dispatcher uses
type Client interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Detail is the event body of a continuation trigger. The signature binds
// the task id to the shared internal secret so that only this service can
// produce valid triggers.
type Detail struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	Signature string    `json:"signature"`
}

func (d Detail) signingPayload() []byte {
	return []byte(d.TaskID + "\n" + d.SessionID + "\n" + d.IssuedAt.UTC().Format(time.RFC3339Nano))
}

// SignDetail builds a signed detail for req.
func SignDetail(secret string, req ports.ContinuationRequest, now time.Time) Detail {
	d := Detail{TaskID: req.TaskID, SessionID: req.SessionID, IssuedAt: now.UTC()}
	d.Signature = auth.Sign(secret, d.signingPayload())
	return d
}

// VerifyDetail checks the signature of a received detail.
func VerifyDetail(secret string, d Detail) bool {
	return auth.VerifySignature(secret, d.signingPayload(), d.Signature)
}

// Dispatcher implements ports.Dispatcher using AWS EventBridge
type Dispatcher struct {
	client       Client
	eventBusName string
	secret       string
	now          func() time.Time
	logger       *zap.Logger
}

// NewDispatcher creates a new EventBridge dispatcher
func NewDispatcher(client Client, eventBusName, secret string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:       client,
		eventBusName: eventBusName,
		secret:       secret,
		now:          time.Now,
		logger:       logger,
	}
}

// Dispatch publishes one continuation event
func (d *Dispatcher) Dispatch(ctx context.Context, req ports.ContinuationRequest) error {
	if req.TaskID == "" {
		return pkgerrors.NewValidationError("task_id is required")
	}

	detail, err := json.Marshal(SignDetail(d.secret, req, d.now()))
	if err != nil {
		return pkgerrors.NewDispatchFailure(req.TaskID, err)
	}

	result, err := d.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(d.eventBusName),
			Source:       aws.String(Source),
			DetailType:   aws.String(DetailTypeContinuation),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(d.now()),
			Resources:    []string{fmt.Sprintf("arn:decisium:task::%s", req.TaskID)},
		}},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			d.logger.Error("EventBridge rejected continuation",
				zap.String("task_id", req.TaskID),
				zap.String("error_code", apiErr.ErrorCode()),
				zap.String("error_message", apiErr.ErrorMessage()),
			)
		}
		return pkgerrors.NewDispatchFailure(req.TaskID, err)
	}

	if result.FailedEntryCount > 0 {
		code, msg := "", ""
		if len(result.Entries) > 0 {
			code = aws.ToString(result.Entries[0].ErrorCode)
			msg = aws.ToString(result.Entries[0].ErrorMessage)
		}
		d.logger.Error("Continuation event not accepted",
			zap.String("task_id", req.TaskID),
			zap.String("error_code", code),
			zap.String("error_message", msg),
		)
		return pkgerrors.NewDispatchFailure(req.TaskID, fmt.Errorf("entry rejected: %s %s", code, msg))
	}

	d.logger.Debug("Continuation published",
		zap.String("task_id", req.TaskID),
		zap.String("event_bus", d.eventBusName),
	)
	return nil
}
