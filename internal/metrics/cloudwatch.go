// Package metrics implements the core.MetricsCollector interface on AWS
// CloudWatch. Requests are recorded asynchronously with a bounded queue so
// a slow or unreachable CloudWatch endpoint can never block request handling.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric names and dimensions emitted by the collector.
const (
	metricAPILatency      = "APILatency"
	metricAPIRequestCount = "APIRequestCount"

	dimMethod   = "Method"
	dimEndpoint = "Endpoint"
	dimStatus   = "Status"
)

// putTimeout bounds each asynchronous PutMetricData call.
const putTimeout = 5 * time.Second

// CloudWatchCollector publishes API request metrics to CloudWatch.
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger

	// queue decouples request handling from CloudWatch round trips. A full
	// queue drops metrics rather than blocking requests.
	queue chan cwtypes.MetricDatum
	done  chan struct{}

	// mu and closed prevent enqueueing on a closed queue: Close waits for
	// in-flight sends before closing the channel, and later records are
	// dropped.
	mu     sync.RWMutex
	closed bool
}

// NewCloudWatchCollector creates a collector publishing to the given
// namespace and starts its background publisher. Call Close on shutdown.
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCollector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CloudWatchCollector{
		client:    client,
		namespace: namespace,
		logger:    logger,
		queue:     make(chan cwtypes.MetricDatum, 256),
		done:      make(chan struct{}),
	}
	go c.publish()
	return c
}

// RecordRequest implements core.MetricsCollector. It enqueues a latency and
// a count datum; if the queue is full the data points are dropped.
func (c *CloudWatchCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(dimMethod), Value: aws.String(method)},
		{Name: aws.String(dimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(dimStatus), Value: aws.String(status)},
	}

	c.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(metricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: dims,
	})
	c.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(metricAPIRequestCount),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	})
}

func (c *CloudWatchCollector) enqueue(d cwtypes.MetricDatum) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.queue <- d:
	default:
		// Dropping telemetry is preferable to slowing a request.
	}
}

// publish drains the queue, batching up to 20 data points per call
// (the PutMetricData limit).
func (c *CloudWatchCollector) publish() {
	const maxBatch = 20

	for {
		d, ok := <-c.queue
		if !ok {
			break
		}
		batch := []cwtypes.MetricDatum{d}
	drain:
		for len(batch) < maxBatch {
			select {
			case next, more := <-c.queue:
				if !more {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: batch,
		})
		cancel()
		if err != nil {
			c.logger.Warn("failed to publish metrics", "error", err, "batch_size", len(batch))
		}
	}

	close(c.done)
}

// Close stops the background publisher after draining queued data points.
// Safe to call more than once; records arriving after Close are dropped.
func (c *CloudWatchCollector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.queue)
	<-c.done
}

// Noop is a MetricsCollector that discards all metrics. Used in local
// development and tests.
type Noop struct{}

// RecordRequest discards the data point.
func (Noop) RecordRequest(method, endpoint, status string, duration time.Duration) {}
