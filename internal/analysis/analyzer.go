// Package analysis decides whether a patient must be told about a glucose
// lab answer and drives the lookups needed to make that decision.
package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/internal/notify"
	"github.com/drfirst/go-labwatch/internal/observability/metrics"
	"github.com/drfirst/go-labwatch/pkg/option"
)

// State is a step of the analysis state machine. The only cycle is
// FetchingPatient <-> Retrying.
type State string

const (
	StateFetchingPatient State = "fetching-patient"
	StateRetrying        State = "retrying"
	StateFetchingLabs    State = "fetching-labs"
	StateDeciding        State = "deciding"
	StateDispatching     State = "dispatching"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// PatientLookup fetches a patient without retrying
type PatientLookup interface {
	FetchPatient(ctx context.Context, id patient.ID) option.Option[patient.Patient]
}

// LabLookup fetches lab answers, failing on any absence
type LabLookup interface {
	FetchLabAnswersOrFail(ctx context.Context, id patient.ID) ([]lab.Answer, error)
}

// Policy yields the glucose tolerance for a zodiac sign
type Policy interface {
	Threshold(sign *patient.ZodiacSign) lab.GlucoseLevel
}

// Dispatcher delivers a notification over the patient's preferred channel
type Dispatcher interface {
	Dispatch(ctx context.Context, p patient.Patient, answer lab.Answer) notify.Channel
}

// Config holds analyzer configuration
type Config struct {
	// Backoff is the fixed wait between patient lookups after a transient absence
	Backoff time.Duration
	// MaxAttempts caps patient lookups; 0 retries until the directory converges
	MaxAttempts int
}

// DefaultConfig retries every 10 seconds without limit
func DefaultConfig() Config {
	return Config{
		Backoff:     10 * time.Second,
		MaxAttempts: 0,
	}
}

// Outcome describes a completed analysis
type Outcome struct {
	RunID        string
	PatientID    patient.ID
	Attempts     int
	Glucose      lab.GlucoseLevel
	Threshold    lab.GlucoseLevel
	ShouldNotify bool
	Channel      notify.Channel
	State        State
}

// WaitFunc suspends the calling goroutine for d or until ctx is done
type WaitFunc func(ctx context.Context, d time.Duration) error

// Option customises an Analyzer
type Option func(*Analyzer)

// WithMetrics records analysis metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// WithWait replaces the back-off wait
func WithWait(fn WaitFunc) Option {
	return func(a *Analyzer) { a.wait = fn }
}

// Analyzer runs glucose analyses. It holds no per-analysis state, so
// concurrent Analyze calls are independent.
type Analyzer struct {
	patients   PatientLookup
	labs       LabLookup
	policy     Policy
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	wait       WaitFunc
}

// New creates an analyzer
func New(patients PatientLookup, labs LabLookup, policy Policy, dispatcher Dispatcher, cfg Config, logger *zap.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}

	a := &Analyzer{
		patients:   patients,
		labs:       labs,
		policy:     policy,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("glucose-analyzer"),
		wait:       sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze fetches the patient (waiting out transient absences), fetches the
// lab answers, and notifies the patient when the glucose level is strictly
// above their tolerance. The returned error is a *Failure.
func (a *Analyzer) Analyze(ctx context.Context, id patient.ID) (Outcome, error) {
	start := time.Now()
	out := Outcome{
		RunID:     uuid.New().String(),
		PatientID: id,
		State:     StateFetchingPatient,
		Channel:   notify.ChannelNone,
	}

	ctx, span := a.tracer.Start(ctx, "analyze_glucose",
		trace.WithAttributes(
			attribute.Int64("patient_id", int64(id)),
			attribute.String("run_id", out.RunID),
		))
	defer span.End()

	logger := a.logger.With(zap.String("run_id", out.RunID), zap.Int64("patient_id", int64(id)))

	if a.metrics != nil {
		a.metrics.AnalysesInFlight.Inc()
		defer a.metrics.AnalysesInFlight.Dec()
		defer func() { a.metrics.AnalysisDuration.Observe(time.Since(start).Seconds()) }()
	}

	p, err := a.awaitPatient(ctx, &out, logger)
	if err != nil {
		return a.fail(span, logger, &out, err)
	}

	out.State = StateFetchingLabs
	answers, err := a.labs.FetchLabAnswersOrFail(ctx, p.ID)
	if err != nil {
		reason, _ := option.ReasonOf(err)
		return a.fail(span, logger, &out, &Failure{
			PatientID: id,
			Stage:     StateFetchingLabs,
			Reason:    reason,
			Cause:     ErrLabAnswersUnavailable,
			Err:       err,
		})
	}

	out.State = StateDeciding
	answer, level, cause := selectGlucose(answers)
	if cause != nil {
		return a.fail(span, logger, &out, &Failure{PatientID: id, Stage: StateDeciding, Cause: cause})
	}

	out.Glucose = level
	out.Threshold = a.policy.Threshold(p.Zodiac)
	out.ShouldNotify = level.GreaterThan(out.Threshold)
	span.SetAttributes(
		attribute.Int("glucose", level.Value()),
		attribute.Int("threshold", out.Threshold.Value()),
		attribute.Bool("should_notify", out.ShouldNotify),
	)

	if !out.ShouldNotify {
		out.State = StateDone
		logger.Info("glucose within tolerance",
			zap.Int("glucose", level.Value()),
			zap.Int("threshold", out.Threshold.Value()))
		a.countOutcome("within_tolerance")
		return out, nil
	}

	out.State = StateDispatching
	out.Channel = a.dispatcher.Dispatch(ctx, p, answer)
	out.State = StateDone

	logger.Info("glucose above tolerance",
		zap.Int("glucose", level.Value()),
		zap.Int("threshold", out.Threshold.Value()),
		zap.String("channel", string(out.Channel)))
	if a.metrics != nil {
		a.metrics.NotificationsSent.WithLabelValues(string(out.Channel)).Inc()
	}
	a.countOutcome("notified")
	return out, nil
}

// awaitPatient loops FetchingPatient -> Retrying until the patient is present,
// a terminal absence is seen, the attempt cap is hit, or ctx is done.
func (a *Analyzer) awaitPatient(ctx context.Context, out *Outcome, logger *zap.Logger) (patient.Patient, error) {
	for attempt := 1; ; attempt++ {
		out.State = StateFetchingPatient
		out.Attempts = attempt

		result := a.patients.FetchPatient(ctx, out.PatientID)
		p, err := result.Unwrap()
		if err == nil {
			return p, nil
		}

		reason := result.Reason()
		if !reason.Transient() {
			return patient.Patient{}, &Failure{
				PatientID: out.PatientID,
				Stage:     StateFetchingPatient,
				Reason:    reason,
				Cause:     patientCause(reason),
				Err:       err,
			}
		}

		if a.config.MaxAttempts > 0 && attempt >= a.config.MaxAttempts {
			return patient.Patient{}, &Failure{
				PatientID: out.PatientID,
				Stage:     StateFetchingPatient,
				Reason:    reason,
				Cause:     ErrRetriesExhausted,
				Err:       err,
			}
		}

		out.State = StateRetrying
		logger.Info("patient not available yet, trying again",
			zap.String("reason", string(reason)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", a.config.Backoff))
		if a.metrics != nil {
			a.metrics.PatientLookupRetries.WithLabelValues(string(reason)).Inc()
		}

		if err := a.wait(ctx, a.config.Backoff); err != nil {
			return patient.Patient{}, &Failure{
				PatientID: out.PatientID,
				Stage:     StateRetrying,
				Reason:    reason,
				Cause:     ErrCancelled,
				Err:       err,
			}
		}
	}
}

func (a *Analyzer) fail(span trace.Span, logger *zap.Logger, out *Outcome, err error) (Outcome, error) {
	var f *Failure
	if errors.As(err, &f) {
		logger.Error("glucose analysis failed",
			zap.String("stage", string(f.Stage)),
			zap.String("reason", string(f.Reason)),
			zap.Int("attempts", out.Attempts),
			zap.Error(err))
	}
	out.State = StateFailed
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	a.countOutcome("failed")
	return *out, err
}

func (a *Analyzer) countOutcome(outcome string) {
	if a.metrics != nil {
		a.metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	}
}

// selectGlucose requires exactly one usable glucose answer
func selectGlucose(answers []lab.Answer) (lab.Answer, lab.GlucoseLevel, error) {
	var (
		found lab.Answer
		level lab.GlucoseLevel
		count int
	)
	for _, a := range answers {
		if g, ok := a.GlucoseLevel(); ok {
			found, level = a, g
			count++
		}
	}

	switch count {
	case 0:
		return lab.Answer{}, lab.GlucoseLevel{}, ErrNoGlucoseAnswer
	case 1:
		return found, level, nil
	default:
		return lab.Answer{}, lab.GlucoseLevel{}, ErrAmbiguousGlucose
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
