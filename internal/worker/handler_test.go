package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drfirst/go-labwatch/internal/analysis"
	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labwatch/internal/notify"
	"github.com/drfirst/go-labwatch/pkg/idempotency"
	"github.com/drfirst/go-labwatch/pkg/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubAnalyzer struct {
	mu    sync.Mutex
	calls map[patient.ID]int
	errs  map[patient.ID]error
}

func (s *stubAnalyzer) Analyze(ctx context.Context, id patient.ID) (analysis.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id]++
	if err := s.errs[id]; err != nil {
		return analysis.Outcome{PatientID: id}, err
	}
	return analysis.Outcome{
		RunID:        "run",
		PatientID:    id,
		Attempts:     1,
		Glucose:      lab.MustGlucoseLevel(60),
		Threshold:    lab.MustGlucoseLevel(30),
		ShouldNotify: true,
		Channel:      notify.ChannelPhone,
		State:        analysis.StateDone,
	}, nil
}

func (s *stubAnalyzer) Calls(id patient.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func setup(t *testing.T, errs map[patient.ID]error) (*Handler, *stubAnalyzer) {
	t.Helper()
	an := &stubAnalyzer{calls: map[patient.ID]int{}, errs: errs}
	pool, err := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 4}, NewWorkerFunc(an), nil)
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return NewHandler(idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig()), pool, nil), an
}

func message(t *testing.T, ev directory.LabAnswerRecorded) *redpanda.ConsumedMessage {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicLabAnswerRecorded, Key: []byte(ev.EventID), Value: raw}
}

func TestDuplicateEventAnalysedOnce(t *testing.T) {
	h, an := setup(t, nil)
	msg := message(t, directory.NewLabAnswerRecorded(0, lab.NewGlucoseAnswer(lab.MustGlucoseLevel(60))))

	require.NoError(t, h.Handle(context.Background(), msg))
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Equal(t, 1, an.Calls(0))
}

func TestDistinctEventsForSamePatient(t *testing.T) {
	h, an := setup(t, nil)
	answer := lab.NewGlucoseAnswer(lab.MustGlucoseLevel(60))

	require.NoError(t, h.Handle(context.Background(), message(t, directory.NewLabAnswerRecorded(2, answer))))
	require.NoError(t, h.Handle(context.Background(), message(t, directory.NewLabAnswerRecorded(2, answer))))
	assert.Equal(t, 2, an.Calls(2))
}

func TestNonGlucoseAndUndecodableEventsAreSkipped(t *testing.T) {
	h, an := setup(t, nil)

	covid := message(t, directory.NewLabAnswerRecorded(1, lab.NewCovid19Answer(lab.Positive)))
	require.NoError(t, h.Handle(context.Background(), covid))
	require.NoError(t, h.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{")}))
	assert.Zero(t, an.Calls(1))
}

func TestTerminalFailureIsCommittedAndRemembered(t *testing.T) {
	h, an := setup(t, map[patient.ID]error{
		7: &analysis.Failure{PatientID: 7, Stage: analysis.StateFetchingPatient, Cause: analysis.ErrPatientNotFound},
	})
	msg := message(t, directory.NewLabAnswerRecorded(7, lab.NewGlucoseAnswer(lab.MustGlucoseLevel(60))))

	assert.NoError(t, h.Handle(context.Background(), msg))
	assert.NoError(t, h.Handle(context.Background(), msg))
	assert.Equal(t, 1, an.Calls(7))
}

func TestCancelledAnalysisIsRetried(t *testing.T) {
	h, an := setup(t, map[patient.ID]error{
		8: &analysis.Failure{PatientID: 8, Stage: analysis.StateRetrying, Cause: analysis.ErrCancelled},
	})
	msg := message(t, directory.NewLabAnswerRecorded(8, lab.NewGlucoseAnswer(lab.MustGlucoseLevel(60))))

	assert.ErrorIs(t, h.Handle(context.Background(), msg), analysis.ErrCancelled)
	assert.ErrorIs(t, h.Handle(context.Background(), msg), analysis.ErrCancelled)
	assert.Equal(t, 2, an.Calls(8))
}

func TestEventWithoutIDIsKeyedByContent(t *testing.T) {
	h, an := setup(t, nil)

	first := directory.NewLabAnswerRecorded(1, lab.NewGlucoseAnswer(lab.MustGlucoseLevel(50)))
	first.EventID = ""
	second := first
	second.Answer = lab.NewGlucoseAnswer(lab.MustGlucoseLevel(55))

	require.NoError(t, h.Handle(context.Background(), message(t, first)))
	require.NoError(t, h.Handle(context.Background(), message(t, first)))
	assert.Equal(t, 1, an.Calls(1), "a redelivered record is analysed once")

	require.NoError(t, h.Handle(context.Background(), message(t, second)))
	assert.Equal(t, 2, an.Calls(1))
}
