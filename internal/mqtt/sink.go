package mqtt

import (
	"context"
	"encoding/json"

	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
	"github.com/tphakala/pulsecheck/internal/quality"
)

// Sink forwards published assessments to a topic as JSON.
type Sink struct {
	client        Client
	topic         string
	minConfidence float64
	metrics       *metrics.MQTTMetrics
	log           logger.Logger
}

// NewSink creates a sink. Assessments below minConfidence are skipped.
func NewSink(c Client, topic string, minConfidence float64, m *metrics.MQTTMetrics) *Sink {
	return &Sink{
		client:        c,
		topic:         topic,
		minConfidence: minConfidence,
		metrics:       m,
		log:           GetLogger().With(logger.String("topic", topic)),
	}
}

// Run publishes every assessment received on updates until ctx ends or
// updates is closed. Publish failures are logged and counted; the client's
// reconnect loop restores the connection.
func (s *Sink) Run(ctx context.Context, updates <-chan quality.Assessment) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.Forward(ctx, &a); err != nil {
				s.log.Warn("Failed to publish assessment",
					logger.Uint64("seq", a.Seq),
					logger.Error(err))
			}
		}
	}
}

// Forward publishes one assessment, skipping it when below the confidence
// floor.
func (s *Sink) Forward(ctx context.Context, a *quality.Assessment) error {
	if a.Confidence < s.minConfidence {
		if s.metrics != nil {
			s.metrics.IncrementMessagesSkipped()
		}
		s.log.Debug("Skipping low-confidence assessment",
			logger.Uint64("seq", a.Seq),
			logger.Float64("confidence", a.Confidence),
			logger.Float64("min_confidence", s.minConfidence))
		return nil
	}

	payload, err := json.Marshal(a.Payload())
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal_payload").
			Build()
	}

	if err := s.client.Publish(ctx, s.topic, string(payload)); err != nil {
		if s.metrics != nil {
			s.metrics.IncrementErrors()
		}
		return err
	}
	return nil
}
