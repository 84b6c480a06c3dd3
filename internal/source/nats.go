package source

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
	"github.com/tphakala/pulsecheck/internal/waveform"
)

const (
	natsClientName    = "pulsecheck"
	natsTimeout       = 3 * time.Second
	natsReconnectWait = 500 * time.Millisecond

	// captureSamples bounds the bytes held between the NATS callback and
	// the window.
	captureSamples = 4096
)

// NATS subscribes to a subject carrying raw little-endian float32 frames.
type NATS struct {
	url     string
	subject string
	capture *waveform.CaptureBuffer
	ready   chan struct{}
	log     logger.Logger

	metrics  *metrics.SourceMetrics
	reported uint64 // dropped samples already counted, owned by the Run goroutine
}

// NewNATS creates a NATS source. It does not connect until Run.
func NewNATS(url, subject string) (*NATS, error) {
	if url == "" || subject == "" {
		return nil, errors.Newf("nats source requires url and subject").
			Component("source").
			Category(errors.CategoryConfiguration).
			Context("subject", subject).
			Build()
	}
	capture, err := waveform.NewCaptureBuffer(captureSamples)
	if err != nil {
		return nil, err
	}
	return &NATS{
		url:     url,
		subject: subject,
		capture: capture,
		ready:   make(chan struct{}, 1),
		log:     GetLogger().With(logger.String("subject", subject)),
	}, nil
}

// Name implements Source.
func (n *NATS) Name() string { return TypeNATS }

// SetMetrics enables frame error and overflow counters. Call before Run.
func (n *NATS) SetMetrics(m *metrics.SourceMetrics) { n.metrics = m }

// Dropped returns the samples discarded because the capture buffer was full.
func (n *NATS) Dropped() uint64 { return n.capture.Dropped() }

// Run connects, subscribes and drains frames into sink until ctx ends.
func (n *NATS) Run(ctx context.Context, sink waveform.Appender) error {
	nc, err := nats.Connect(n.url,
		nats.Name(natsClientName),
		nats.Timeout(natsTimeout),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn("NATS disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info("NATS reconnected", logger.String("url", logger.RedactURL(c.ConnectedUrl())))
		}),
	)
	if err != nil {
		return errors.New(err).
			Component("source").
			Category(errors.CategoryNetwork).
			NetworkContext(logger.RedactURL(n.url), natsTimeout).
			Build()
	}
	defer nc.Close()

	sub, err := nc.Subscribe(n.subject, func(msg *nats.Msg) {
		n.handle(msg.Data)
	})
	if err != nil {
		return errors.New(err).
			Component("source").
			Category(errors.CategorySource).
			Context("subject", n.subject).
			Build()
	}
	n.log.Info("NATS source subscribed", logger.String("url", logger.RedactURL(n.url)))

	for {
		select {
		case <-ctx.Done():
			if err := sub.Unsubscribe(); err != nil {
				n.log.Debug("NATS unsubscribe failed", logger.Error(err))
			}
			n.drain(sink)
			n.log.Info("NATS source stopped")
			return nil
		case <-n.ready:
			n.drain(sink)
		}
	}
}

// handle buffers one message payload. It runs on the NATS callback
// goroutine and never blocks on the window.
func (n *NATS) handle(data []byte) {
	if _, err := n.capture.Write(data); err != nil {
		n.log.Warn("Dropping malformed frame",
			logger.Int("bytes", len(data)),
			logger.Error(err))
		if n.metrics != nil {
			n.metrics.RecordError(TypeNATS, "malformed_frame")
		}
		return
	}
	select {
	case n.ready <- struct{}{}:
	default:
	}
}

// drain moves all buffered samples into sink as one frame.
func (n *NATS) drain(sink waveform.Appender) {
	if _, err := n.capture.DrainTo(sink); err != nil {
		n.log.Warn("Capture buffer drain failed", logger.Error(err))
		if n.metrics != nil {
			n.metrics.RecordError(TypeNATS, "drain")
		}
	}
	if d := n.capture.Dropped(); d > n.reported {
		if n.metrics != nil {
			n.metrics.AddDropped(TypeNATS, d-n.reported)
		}
		n.log.Debug("Capture buffer overflow", logger.Uint64("dropped_samples", d-n.reported))
		n.reported = d
	}
}
