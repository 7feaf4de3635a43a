package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketlake/logger"
)

const cwBatchSize = 20

// CloudWatchPublisher buffers metric events and flushes them to CloudWatch
// in PutMetricData batches. Publishing failures are logged and dropped;
// metrics delivery must never stall ingestion.
type CloudWatchPublisher struct {
	client    *cloudwatch.Client
	namespace string
	log       *logger.Log

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

// NewCloudWatchPublisher builds a publisher for the given region and
// namespace. A nil publisher is returned (without error) when the AWS
// configuration cannot be loaded, leaving publishing disabled.
func NewCloudWatchPublisher(ctx context.Context, region, namespace string, log *logger.Log) *CloudWatchPublisher {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithComponent("cloudwatch").WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return nil
	}
	if namespace == "" {
		namespace = "Marketlake"
	}
	return &CloudWatchPublisher{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
		log:       log,
	}
}

// Handle is registered with the metric Registry.
func (p *CloudWatchPublisher) Handle(m Metric) {
	if p == nil {
		return
	}
	value, ok := numericValue(m.Value)
	if !ok {
		return
	}

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Timestamp:  aws.Time(m.Timestamp),
		Value:      aws.Float64(value),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Component"), Value: aws.String(m.Component)},
		},
	}
	p.mu.Lock()
	p.pending = append(p.pending, datum)
	p.mu.Unlock()
}

// Run flushes pending metrics on an interval until ctx is cancelled.
func (p *CloudWatchPublisher) Run(ctx context.Context, interval time.Duration) {
	if p == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

func (p *CloudWatchPublisher) flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for start := 0; start < len(pending); start += cwBatchSize {
		end := start + cwBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: pending[start:end],
		})
		if err != nil {
			p.log.WithComponent("cloudwatch").WithError(err).Warn("failed to publish metric batch")
			return
		}
	}
}
