package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/domain/task"
)

// MetricPublisher is the CloudWatch call the recorder makes
type MetricPublisher interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder publishes engine metrics as CloudWatch custom metrics
type CloudWatchRecorder struct {
	namespace string
	client    MetricPublisher
	timeout   time.Duration
	logger    *zap.Logger
}

var _ ports.MetricsRecorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder. A nil client disables it.
func NewCloudWatchRecorder(namespace string, client MetricPublisher, logger *zap.Logger) *CloudWatchRecorder {
	return &CloudWatchRecorder{namespace: namespace, client: client, timeout: 2 * time.Second, logger: logger}
}

// RecordExecution implements ports.MetricsRecorder
func (r *CloudWatchRecorder) RecordExecution(taskType task.Type, status task.Status, duration time.Duration) {
	now := time.Now()
	dims := []types.Dimension{
		{Name: aws.String("TaskType"), Value: aws.String(string(taskType))},
		{Name: aws.String("Status"), Value: aws.String(string(status))},
	}
	r.put([]types.MetricDatum{
		{
			MetricName: aws.String("TaskExecution"),
			Dimensions: dims,
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       types.StandardUnitMilliseconds,
			Timestamp:  aws.Time(now),
		},
		{
			MetricName: aws.String("TaskCount"),
			Dimensions: dims,
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(now),
		},
	})
}

// RecordDispatch implements ports.MetricsRecorder
func (r *CloudWatchRecorder) RecordDispatch(mode string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.put([]types.MetricDatum{{
		MetricName: aws.String("ContinuationDispatch"),
		Dimensions: []types.Dimension{
			{Name: aws.String("Mode"), Value: aws.String(mode)},
			{Name: aws.String("Result"), Value: aws.String(result)},
		},
		Value:     aws.Float64(1),
		Unit:      types.StandardUnitCount,
		Timestamp: aws.Time(time.Now()),
	}})
}

func (r *CloudWatchRecorder) put(data []types.MetricDatum) {
	if r.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: data,
	})
	if err != nil {
		// metrics never fail the operation being measured
		r.logger.Warn("Failed to publish metrics", zap.Error(err))
	}
}
