package metrics

import (
	"context"

	"execflow/logger"
)

// LogSink writes every sample as a structured "metric" log line.
type LogSink struct {
	log *logger.Log
}

func NewLogSink(log *logger.Log) *LogSink {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Publish(_ context.Context, samples []Sample) error {
	for _, sample := range samples {
		fields := logger.Fields{
			"metric": sample.Name,
			"value":  sample.Value,
			"unit":   sample.Unit,
		}
		if sample.Dimension != "" {
			fields["scope"] = sample.Dimension
		}
		s.log.WithComponent("metrics").WithFields(fields).Info("metric")
	}
	return nil
}
