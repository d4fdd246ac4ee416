package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/go-payment-ledger/internal/aws"
)

// CloudWatch puts one datum per call under a fixed namespace.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	log       *slog.Logger
	timeout   time.Duration
	nowFunc   func() time.Time
}

func NewCloudWatch(client aws.CloudWatchAPI, namespace string, log *slog.Logger) *CloudWatch {
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		log:       log,
		timeout:   2 * time.Second,
		nowFunc:   time.Now,
	}
}

func (c *CloudWatch) Count(ctx context.Context, name string, dims Dims) {
	c.put(ctx, name, 1, cwtypes.StandardUnitCount, dims)
}

func (c *CloudWatch) Duration(ctx context.Context, name string, d time.Duration, dims Dims) {
	c.put(ctx, name, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims)
}

func (c *CloudWatch) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims Dims) {
	// detached from the caller's cancellation so a finished request still reports
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	now := c.nowFunc()
	datum := cwtypes.MetricDatum{
		MetricName: &name,
		Value:      &value,
		Unit:       unit,
		Timestamp:  &now,
		Dimensions: dimensions(dims),
	}
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  &c.namespace,
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		c.log.WarnContext(ctx, "put metric data failed", "metric", name, "err", err)
	}
}

func dimensions(dims Dims) []cwtypes.Dimension {
	if len(dims) == 0 {
		return nil
	}
	names := make([]string, 0, len(dims))
	for k := range dims {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]cwtypes.Dimension, 0, len(names))
	for _, k := range names {
		out = append(out, cwtypes.Dimension{Name: awsString(k), Value: awsString(dims[k])})
	}
	return out
}

func awsString(s string) *string { return &s }
