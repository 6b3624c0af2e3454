package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/stretchr/testify/assert"
)

func TestXRayTraceWithoutSegment(t *testing.T) {
	tracer := NewXRayTracer("task-worker")

	called := false
	err := tracer.Trace(context.Background(), "execute", map[string]string{"task_id": "t1"}, func(ctx context.Context) error {
		called = true
		return errors.New("boom")
	})

	assert.True(t, called)
	assert.EqualError(t, err, "boom")
}

func TestXRayTraceRecordsSubsegment(t *testing.T) {
	tracer := NewXRayTracer("task-worker")
	ctx, root := xray.BeginSegment(context.Background(), "test")
	defer root.Close(nil)

	var inner *xray.Segment
	err := tracer.Trace(ctx, "execute", map[string]string{"task_id": "t1"}, func(ctx context.Context) error {
		inner = xray.GetSegment(ctx)
		return nil
	})

	assert.NoError(t, err)
	if assert.NotNil(t, inner) {
		assert.Equal(t, "task-worker.execute", inner.Name)
		assert.Equal(t, "t1", inner.Annotations["task_id"])
	}
}
