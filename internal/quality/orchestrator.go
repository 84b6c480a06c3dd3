package quality

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/features"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
)

// Sentinel errors returned by AssessNow.
var (
	ErrInsufficientSamples = errors.NewStd("window shorter than minimum assessment length")
	ErrSuperseded          = errors.NewStd("assessment superseded by a newer result")
)

// Window is the read side of the waveform window.
type Window interface {
	Len() int
	Snapshot(n int) []float64
}

// Classifier is the part of the classifier adapter the orchestrator uses.
type Classifier interface {
	State() classifier.State
	Classify(ctx context.Context, v features.Vector) (classifier.Probabilities, error)
}

// assessmentRecorder is implemented by recorders that also track
// domain-level outcomes, such as metrics.QualityMetrics.
type assessmentRecorder interface {
	RecordAssessment(label string, confidence float64, seq uint64, windowLength int)
	RecordTrigger(outcome string)
}

// pending is a snapshot waiting for the worker.
type pending struct {
	samples []float64
	seq     uint64
}

// Orchestrator gates triggers and runs assessments one at a time. Triggers
// arriving while an assessment is in flight coalesce into a single pending
// snapshot, which is assessed next.
type Orchestrator struct {
	window     Window
	clf        Classifier
	pub        *Publisher
	windowSize int
	limiter    *rate.Limiter
	recorder   metrics.Recorder
	log        logger.Logger
	session    uuid.UUID

	seq atomic.Uint64 // last issued sequence number

	mu     sync.Mutex // guards slot, cancel, started
	slot   *pending
	notify chan struct{}

	running sync.Mutex // held for the duration of one assessment

	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWindowSize limits each snapshot to the newest n samples. Zero means
// all available samples.
func WithWindowSize(n int) Option {
	return func(o *Orchestrator) {
		o.windowSize = max(n, 0)
	}
}

// WithInterval drops triggers arriving faster than d. Zero means unlimited.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.limiter = rate.NewLimiter(rate.Every(d), 1)
		} else {
			o.limiter = nil
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithSessionID sets the session identifier stamped on every assessment.
func WithSessionID(id uuid.UUID) Option {
	return func(o *Orchestrator) {
		o.session = id
	}
}

// WithSettings applies the quality section of the configuration.
func WithSettings(s *conf.QualitySettings) Option {
	return func(o *Orchestrator) {
		WithWindowSize(s.WindowSize)(o)
		WithInterval(s.Interval)(o)
	}
}

// NewOrchestrator wires a window, a classifier and a publisher together.
func NewOrchestrator(window Window, clf Classifier, pub *Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		window:   window,
		clf:      clf,
		pub:      pub,
		recorder: metrics.NewNoOpRecorder(),
		log:      GetLogger(),
		session:  uuid.New(),
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Publisher returns the publisher assessments are written to.
func (o *Orchestrator) Publisher() *Publisher {
	return o.pub
}

// SessionID returns the identifier stamped on assessments.
func (o *Orchestrator) SessionID() uuid.UUID {
	return o.session
}

// Start launches the worker. It is a no-op when already started.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.started = true
	o.wg.Go(func() { o.run(ctx) })
}

// Stop ends the worker and waits for an in-flight assessment to finish.
// A pending snapshot is discarded.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	o.slot = nil
	o.started = false
	o.cancel = nil
	o.mu.Unlock()
}

// Trigger requests an assessment of the current window. It never blocks
// on inference and never reports errors; failures surface through logs
// and metrics.
func (o *Orchestrator) Trigger() {
	if !o.ready() {
		o.recordTrigger(metrics.TriggerGated)
		return
	}
	if o.limiter != nil && !o.limiter.Allow() {
		o.recordTrigger(metrics.TriggerLimited)
		return
	}

	o.mu.Lock()
	p := o.captureLocked()
	coalesced := o.slot != nil
	if o.slot == nil || p.seq > o.slot.seq {
		o.slot = p
	}
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}

	if coalesced {
		o.recordTrigger(metrics.TriggerCoalesced)
	} else {
		o.recordTrigger(metrics.TriggerAccepted)
	}
}

// AssessNow runs one assessment synchronously on the current window.
func (o *Orchestrator) AssessNow(ctx context.Context) (Assessment, error) {
	if n := o.window.Len(); n < MinSamples {
		return Assessment{}, errors.New(ErrInsufficientSamples).
			Component("quality").
			Category(errors.CategoryValidation).
			Priority(errors.PriorityLow).
			Context("window_length", n).
			Context("min_samples", MinSamples).
			Build()
	}
	if state := o.clf.State(); state != classifier.StateReady {
		return Assessment{}, errors.New(classifier.ErrNotReady).
			Component("quality").
			Category(errors.CategoryState).
			Priority(errors.PriorityLow).
			Context("state", state.String()).
			Build()
	}

	o.mu.Lock()
	p := o.captureLocked()
	o.mu.Unlock()

	o.running.Lock()
	defer o.running.Unlock()
	return o.assess(ctx, p)
}

// captureLocked snapshots the window and stamps the copy with the next
// sequence number. Holding o.mu across both keeps seq order equal to
// snapshot order.
func (o *Orchestrator) captureLocked() *pending {
	return &pending{
		samples: o.window.Snapshot(o.windowSize),
		seq:     o.seq.Add(1),
	}
}

func (o *Orchestrator) ready() bool {
	return o.window.Len() >= MinSamples && o.clf.State() == classifier.StateReady
}

func (o *Orchestrator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		}

		o.mu.Lock()
		p := o.slot
		o.slot = nil
		o.mu.Unlock()
		if p == nil {
			continue
		}

		o.running.Lock()
		_, _ = o.assess(ctx, p)
		o.running.Unlock()
	}
}

// assess runs extract, classify and publish for one snapshot. The caller
// holds o.running.
func (o *Orchestrator) assess(ctx context.Context, p *pending) (Assessment, error) {
	start := time.Now()

	v := features.Extract(p.samples)
	o.recorder.RecordDuration(metrics.OpExtract, time.Since(start).Seconds())
	if !v.Finite() {
		err := errors.Newf("malformed feature vector: non-finite values").
			Component("quality").
			Category(errors.CategoryFeature).
			Context("seq", p.seq).
			Context("window_length", len(p.samples)).
			Build()
		return Assessment{}, o.fail(metrics.OpExtract, p, errors.Join(classifier.ErrInferenceFailed, err))
	}

	classifyStart := time.Now()
	probs, err := o.clf.Classify(ctx, v)
	o.recorder.RecordDuration(metrics.OpClassify, time.Since(classifyStart).Seconds())
	if err != nil {
		return Assessment{}, o.fail(metrics.OpClassify, p, err)
	}

	class := probs.Argmax()
	a := Assessment{
		Result: Result{
			Label:      labelForClass(class),
			Confidence: confidenceFor(probs[class]),
		},
		Seq:           p.seq,
		Features:      v,
		Probabilities: probs,
		WindowLength:  len(p.samples),
		SessionID:     o.session,
		Timestamp:     time.Now(),
		Duration:      time.Since(start),
	}

	if !o.pub.Publish(a, p.seq) {
		o.recorder.RecordOperation(metrics.OpPublish, metrics.StatusSkipped)
		o.log.Debug("Assessment superseded",
			logger.Uint64("seq", p.seq),
			logger.Uint64("current_seq", o.pub.Seq()))
		return a, ErrSuperseded
	}

	o.recorder.RecordOperation(metrics.OpPublish, metrics.StatusSuccess)
	o.recorder.RecordOperation(metrics.OpAssessment, metrics.StatusSuccess)
	o.recorder.RecordDuration(metrics.OpAssessment, a.Duration.Seconds())
	if ar, ok := o.recorder.(assessmentRecorder); ok {
		ar.RecordAssessment(a.Label.String(), a.Confidence, a.Seq, a.WindowLength)
	}
	o.log.Debug("Assessment published",
		logger.Uint64("seq", a.Seq),
		logger.String("label", a.Label.String()),
		logger.Float64("confidence", a.Confidence),
		logger.Int("window_length", a.WindowLength),
		logger.Duration("duration", a.Duration))
	return a, nil
}

// fail records a failed attempt. The published result is left untouched.
func (o *Orchestrator) fail(op string, p *pending, err error) error {
	o.recorder.RecordOperation(metrics.OpAssessment, metrics.StatusError)
	o.recorder.RecordError(op, errorType(err))

	fields := []logger.Field{
		logger.Uint64("seq", p.seq),
		logger.Int("window_length", len(p.samples)),
		logger.Error(err),
	}
	if errors.Is(err, classifier.ErrNotReady) {
		o.log.Debug("Assessment skipped, classifier not ready", fields...)
	} else {
		o.log.Warn("Assessment failed", fields...)
	}
	return err
}

func errorType(err error) string {
	switch {
	case errors.Is(err, classifier.ErrTimeout):
		return "timeout"
	case errors.Is(err, classifier.ErrNotReady):
		return "not_ready"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, classifier.ErrInferenceFailed):
		return "inference"
	default:
		return "unknown"
	}
}

func (o *Orchestrator) recordTrigger(outcome string) {
	o.recorder.RecordOperation(metrics.OpTrigger, outcome)
	if ar, ok := o.recorder.(assessmentRecorder); ok {
		ar.RecordTrigger(outcome)
	}
}
