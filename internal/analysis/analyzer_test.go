package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/internal/notify"
	"github.com/drfirst/go-labwatch/internal/observability/metrics"
	"github.com/drfirst/go-labwatch/internal/tolerance"
	"github.com/drfirst/go-labwatch/pkg/option"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedPatients replays a fixed sequence of results, repeating the last one.
type scriptedPatients struct {
	mu      sync.Mutex
	results []option.Option[patient.Patient]
	calls   int
}

func (s *scriptedPatients) FetchPatient(ctx context.Context, id patient.ID) option.Option[patient.Patient] {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func (s *scriptedPatients) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixedLabs struct {
	answers []lab.Answer
	err     error
	calls   int
}

func (f *fixedLabs) FetchLabAnswersOrFail(ctx context.Context, id patient.ID) ([]lab.Answer, error) {
	f.calls++
	return f.answers, f.err
}

type recordingDispatcher struct {
	mu       sync.Mutex
	inner    *notify.Dispatcher
	patients []patient.ID
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, p patient.Patient, answer lab.Answer) notify.Channel {
	r.mu.Lock()
	r.patients = append(r.patients, p.ID)
	r.mu.Unlock()
	return r.inner.Dispatch(ctx, p, answer)
}

type nopPhone struct{}

func (nopPhone) Notify(context.Context, patient.PhoneNumber, lab.Answer) {}

type nopMail struct{}

func (nopMail) Notify(context.Context, patient.MailAddress, lab.Answer) {}

func newDispatcher() *recordingDispatcher {
	return &recordingDispatcher{inner: notify.NewDispatcher(nopPhone{}, nopMail{}, nil)}
}

func noWait(context.Context, time.Duration) error { return nil }

func glucose(v int) lab.Answer { return lab.NewGlucoseAnswer(lab.MustGlucoseLevel(v)) }

func present(p patient.Patient) *scriptedPatients {
	return &scriptedPatients{results: []option.Option[patient.Patient]{option.Some(p)}}
}

func TestAnalyzeNotifiesByPhone(t *testing.T) {
	p := patient.New(0, patient.MustName("Tony Hoare"), patient.WithPhone("815 493 00"))
	dispatcher := newDispatcher()

	a := New(present(p), &fixedLabs{answers: []lab.Answer{glucose(60)}}, tolerance.DefaultPolicy(), dispatcher, DefaultConfig(), nil)
	out, err := a.Analyze(context.Background(), 0)

	require.NoError(t, err)
	assert.True(t, out.ShouldNotify)
	assert.Equal(t, notify.ChannelPhone, out.Channel)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 60, out.Glucose.Value())
	assert.Equal(t, 30, out.Threshold.Value())
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, []patient.ID{0}, dispatcher.patients)
}

func TestAnalyzeFallsBackToMailOrDrops(t *testing.T) {
	answers := []lab.Answer{glucose(50), lab.NewCovid19Answer(lab.Positive)}

	t.Run("mail", func(t *testing.T) {
		p := patient.New(1, patient.MustName("Ada Lovelace"), patient.WithMail("Portveien 2"))
		out, err := New(present(p), &fixedLabs{answers: answers}, tolerance.DefaultPolicy(), newDispatcher(), DefaultConfig(), nil).
			Analyze(context.Background(), 1)

		require.NoError(t, err)
		assert.True(t, out.ShouldNotify)
		assert.Equal(t, notify.ChannelMail, out.Channel)
	})

	t.Run("no channel", func(t *testing.T) {
		p := patient.New(1, patient.MustName("Ada Lovelace"), patient.WithZodiac(patient.Gemini))
		out, err := New(present(p), &fixedLabs{answers: answers}, tolerance.DefaultPolicy(), newDispatcher(), DefaultConfig(), nil).
			Analyze(context.Background(), 1)

		require.NoError(t, err)
		assert.True(t, out.ShouldNotify)
		assert.Equal(t, notify.ChannelNone, out.Channel)
		assert.Equal(t, StateDone, out.State)
	})
}

func TestAnalyzeRetriesTransientAbsence(t *testing.T) {
	p := patient.New(0, patient.MustName("Tony Hoare"), patient.WithPhone("815 493 00"))
	warming := option.None[patient.Patient](option.ServiceNotYetInitialized)
	patients := &scriptedPatients{results: []option.Option[patient.Patient]{
		warming, warming, warming, option.Some(p),
	}}

	var waits []time.Duration
	wait := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	cfg := Config{Backoff: 10 * time.Second}
	out, err := New(patients, &fixedLabs{answers: []lab.Answer{glucose(60)}}, tolerance.DefaultPolicy(), newDispatcher(), cfg, nil, WithWait(wait)).
		Analyze(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, 4, patients.Calls())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, waits)
	assert.Equal(t, notify.ChannelPhone, out.Channel)
}

func TestAnalyzeFailsOnTerminalAbsence(t *testing.T) {
	tests := []struct {
		name   string
		reason option.Reason
		cause  error
	}{
		{name: "missing", reason: option.ItemDoesNotExist, cause: ErrPatientNotFound},
		{name: "malformed", reason: option.FailedToDeserialize, cause: ErrPatientMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patients := &scriptedPatients{results: []option.Option[patient.Patient]{option.None[patient.Patient](tt.reason)}}
			labs := &fixedLabs{}
			dispatcher := newDispatcher()

			waited := false
			wait := func(context.Context, time.Duration) error { waited = true; return nil }

			out, err := New(patients, labs, tolerance.DefaultPolicy(), dispatcher, DefaultConfig(), nil, WithWait(wait)).
				Analyze(context.Background(), 99)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.cause)
			assert.ErrorIs(t, err, tt.reason.Sentinel())

			var f *Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, StateFetchingPatient, f.Stage)
			assert.Equal(t, tt.reason, f.Reason)

			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, 1, patients.Calls())
			assert.False(t, waited)
			assert.Zero(t, labs.calls)
			assert.Empty(t, dispatcher.patients)
		})
	}
}

func TestAnalyzeThresholdIsStrict(t *testing.T) {
	p := patient.New(0, patient.MustName("Tony Hoare"), patient.WithPhone("815 493 00"))
	dispatcher := newDispatcher()

	out, err := New(present(p), &fixedLabs{answers: []lab.Answer{glucose(30)}}, tolerance.DefaultPolicy(), dispatcher, DefaultConfig(), nil).
		Analyze(context.Background(), 0)

	require.NoError(t, err)
	assert.False(t, out.ShouldNotify)
	assert.Equal(t, notify.ChannelNone, out.Channel)
	assert.Equal(t, StateDone, out.State)
	assert.Empty(t, dispatcher.patients)
}

func TestAnalyzeUsesZodiacThreshold(t *testing.T) {
	policy, err := tolerance.NewPolicy(30, map[patient.ZodiacSign]int{patient.Aries: 70})
	require.NoError(t, err)

	p := patient.New(0, patient.MustName("Tony Hoare"), patient.WithZodiac(patient.Aries), patient.WithPhone("815 493 00"))
	out, err := New(present(p), &fixedLabs{answers: []lab.Answer{glucose(60)}}, policy, newDispatcher(), DefaultConfig(), nil).
		Analyze(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, 70, out.Threshold.Value())
	assert.False(t, out.ShouldNotify)
}

func TestAnalyzeRetryCap(t *testing.T) {
	patients := &scriptedPatients{results: []option.Option[patient.Patient]{
		option.None[patient.Patient](option.ServiceUnavailable),
	}}

	_, err := New(patients, &fixedLabs{}, tolerance.DefaultPolicy(), newDispatcher(), Config{MaxAttempts: 3}, nil, WithWait(noWait)).
		Analyze(context.Background(), 0)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, option.ErrServiceUnavailable)
	assert.Equal(t, 3, patients.Calls())
}

func TestAnalyzeCancelledDuringBackoff(t *testing.T) {
	patients := &scriptedPatients{results: []option.Option[patient.Patient]{
		option.None[patient.Patient](option.ServiceNotYetInitialized),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := New(patients, &fixedLabs{}, tolerance.DefaultPolicy(), newDispatcher(), Config{Backoff: time.Hour}, nil).
		Analyze(ctx, 0)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, StateRetrying, f.Stage)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 1, patients.Calls())
}

func TestAnalyzeLabFailures(t *testing.T) {
	p := patient.New(0, patient.MustName("Tony Hoare"))

	tests := []struct {
		name  string
		labs  *fixedLabs
		cause error
		stage State
	}{
		{
			name:  "lab lookup absent",
			labs:  &fixedLabs{err: &option.AbsentError{Reason: option.ServiceUnavailable}},
			cause: ErrLabAnswersUnavailable,
			stage: StateFetchingLabs,
		},
		{
			name:  "no glucose",
			labs:  &fixedLabs{answers: []lab.Answer{lab.NewCovid19Answer(lab.Negative)}},
			cause: ErrNoGlucoseAnswer,
			stage: StateDeciding,
		},
		{
			name:  "two glucose answers",
			labs:  &fixedLabs{answers: []lab.Answer{glucose(40), glucose(41)}},
			cause: ErrAmbiguousGlucose,
			stage: StateDeciding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := newDispatcher()
			_, err := New(present(p), tt.labs, tolerance.DefaultPolicy(), dispatcher, DefaultConfig(), nil).
				Analyze(context.Background(), 0)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.cause)

			var f *Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, tt.stage, f.Stage)
			assert.Empty(t, dispatcher.patients)
		})
	}
}

func TestAnalyzeLabAbsenceKeepsReason(t *testing.T) {
	labs := &fixedLabs{err: &option.AbsentError{Reason: option.ItemDoesNotExist}}
	_, err := New(present(patient.New(0, patient.MustName("Tony Hoare"))), labs, tolerance.DefaultPolicy(), newDispatcher(), DefaultConfig(), nil).
		Analyze(context.Background(), 0)

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, option.ItemDoesNotExist, f.Reason)
	assert.ErrorIs(t, err, option.ErrItemDoesNotExist)
}

func TestAnalyzeConcurrentRunsAreIndependent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p := patient.New(0, patient.MustName("Tony Hoare"), patient.WithPhone("815 493 00"))
	warming := option.None[patient.Patient](option.ServiceNotYetInitialized)
	dispatcher := newDispatcher()

	const runs = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, runs)
	errs := make([]error, runs)

	for i := 0; i < runs; i++ {
		patients := &scriptedPatients{results: []option.Option[patient.Patient]{warming, option.Some(p)}}
		a := New(patients, &fixedLabs{answers: []lab.Answer{glucose(60)}}, tolerance.DefaultPolicy(), dispatcher,
			Config{Backoff: time.Millisecond}, nil, WithMetrics(m))

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = a.Analyze(context.Background(), 0)
		}(i)
	}
	wg.Wait()

	runIDs := make(map[string]struct{})
	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 2, outcomes[i].Attempts)
		runIDs[outcomes[i].RunID] = struct{}{}
	}
	assert.Len(t, runIDs, runs)
	assert.Len(t, dispatcher.patients, runs)

	assert.Equal(t, float64(runs), testutil.ToFloat64(m.AnalysesTotal.WithLabelValues("notified")))
	assert.Equal(t, float64(runs), testutil.ToFloat64(m.PatientLookupRetries.WithLabelValues(string(option.ServiceNotYetInitialized))))
	assert.Equal(t, float64(runs), testutil.ToFloat64(m.NotificationsSent.WithLabelValues(string(notify.ChannelPhone))))
	assert.Zero(t, testutil.ToFloat64(m.AnalysesInFlight))
}
