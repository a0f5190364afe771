package metrics

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"execflow/logger"
)

// CloudWatch accepts at most this many datums per PutMetricData call.
const maxDatumsPerCall = 1000

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes drained samples to a CloudWatch namespace. The
// sample dimension is sent as the "scope" dimension.
type CloudWatchSink struct {
	client    cloudWatchAPI
	namespace string
	log       *logger.Log
}

// NewCloudWatchSink loads the default AWS configuration. When region is empty
// it falls back to the AWS_REGION environment variable.
func NewCloudWatchSink(ctx context.Context, region, namespace string, log *logger.Log) (*CloudWatchSink, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	if namespace == "" {
		namespace = "ExecFlow"
	}

	log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    cfg.Region,
		"namespace": namespace,
	}).Info("initialized CloudWatch client")

	return &CloudWatchSink{client: cloudwatch.NewFromConfig(cfg), namespace: namespace, log: log}, nil
}

func (s *CloudWatchSink) Publish(ctx context.Context, samples []Sample) error {
	data := make([]cwtypes.MetricDatum, 0, len(samples))
	for _, sample := range samples {
		datum := cwtypes.MetricDatum{
			MetricName: aws.String(sample.Name),
			Unit:       unitFor(sample.Unit),
			Value:      aws.Float64(sample.Value),
		}
		if sample.Dimension != "" {
			datum.Dimensions = []cwtypes.Dimension{{Name: aws.String("scope"), Value: aws.String(sample.Dimension)}}
		}
		data = append(data, datum)
	}

	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := start + maxDatumsPerCall
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: data[start:end],
		}); err != nil {
			return fmt.Errorf("put metric data: %w", err)
		}
	}

	s.log.WithComponent("cloudwatch").WithField("count", len(data)).Debug("published metrics to CloudWatch")
	return nil
}

func unitFor(unit string) cwtypes.StandardUnit {
	switch strings.ToLower(unit) {
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds
	case "percent":
		return cwtypes.StandardUnitPercent
	default:
		return cwtypes.StandardUnitCount
	}
}
