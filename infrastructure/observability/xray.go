package observability

import (
	"context"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// XRayTracer records subsegments under the segment Lambda opens for each
// invocation. Outside Lambda there is no parent segment and calls degrade to
// plain function calls.
type XRayTracer struct {
	serviceName string
}

// NewXRayTracer creates a tracer whose subsegments are prefixed with
// serviceName.
func NewXRayTracer(serviceName string) *XRayTracer {
	return &XRayTracer{serviceName: serviceName}
}

// Trace runs fn inside a subsegment named "<service>.<name>" and annotates it.
func (t *XRayTracer) Trace(ctx context.Context, name string, annotations map[string]string, fn func(context.Context) error) error {
	if xray.GetSegment(ctx) == nil {
		return fn(ctx)
	}

	ctx, seg := xray.BeginSubsegment(ctx, t.serviceName+"."+name)
	if seg == nil {
		return fn(ctx)
	}
	for k, v := range annotations {
		seg.AddAnnotation(k, v)
	}

	err := fn(ctx)
	if err != nil {
		seg.AddError(err)
	}
	seg.Close(err)
	return err
}

// Annotate adds an indexed annotation to the current segment, if any.
func (t *XRayTracer) Annotate(ctx context.Context, key, value string) {
	if seg := xray.GetSegment(ctx); seg != nil {
		seg.AddAnnotation(key, value)
	}
}
