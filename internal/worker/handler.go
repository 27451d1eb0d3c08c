// Package worker runs glucose analyses for recorded lab answers consumed
// from Redpanda. Each event is analysed at most once per handler name.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/analysis"
	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labwatch/pkg/idempotency"
	"github.com/drfirst/go-labwatch/pkg/workerpool"
)

// HandlerName scopes inbox keys for glucose analysis
const HandlerName = "glucose-analysis"

// Analyzer runs one analysis
type Analyzer interface {
	Analyze(ctx context.Context, id patient.ID) (analysis.Outcome, error)
}

// Summary is the stored result of a finished analysis
type Summary struct {
	RunID     string `json:"run_id"`
	PatientID int64  `json:"patient_id"`
	Attempts  int    `json:"attempts"`
	Glucose   int    `json:"glucose"`
	Threshold int    `json:"threshold"`
	Notified  bool   `json:"notified"`
	Channel   string `json:"channel"`
}

// NewWorkerFunc adapts an analyzer to the worker pool. Task payloads are
// patient ids.
func NewWorkerFunc(an Analyzer) workerpool.WorkerFunc {
	return func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		id, ok := task.Payload.(patient.ID)
		if !ok {
			return &workerpool.Result{Error: fmt.Errorf("unexpected payload %T", task.Payload)}
		}
		out, err := an.Analyze(ctx, id)
		if err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true, Data: Summary{
			RunID:     out.RunID,
			PatientID: int64(out.PatientID),
			Attempts:  out.Attempts,
			Glucose:   out.Glucose.Value(),
			Threshold: out.Threshold.Value(),
			Notified:  out.ShouldNotify,
			Channel:   string(out.Channel),
		}}
	}
}

// Handler consumes LabAnswerRecorded events
type Handler struct {
	inbox  idempotency.Inbox
	pool   *workerpool.Pool
	logger *zap.Logger
}

// NewHandler creates a handler submitting analyses to pool
func NewHandler(inbox idempotency.Inbox, pool *workerpool.Pool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{inbox: inbox, pool: pool, logger: logger}
}

// Handle implements redpanda.MessageHandler. A returned error leaves the
// record uncommitted; terminal analysis failures are logged and committed.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var ev directory.LabAnswerRecorded
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.logger.Warn("skipping undecodable event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if ev.Answer.Examination != lab.ExaminationGlucose {
		h.logger.Debug("ignoring non-glucose answer",
			zap.String("event_id", ev.EventID),
			zap.String("examination", string(ev.Answer.Examination)))
		return nil
	}

	key := ev.EventID
	if key == "" {
		key = idempotency.Key(msg.Topic, string(msg.Key), string(msg.Value))
	}
	logger := h.logger.With(zap.String("event_id", key), zap.Int64("patient_id", int64(ev.PatientID)))

	res, err := h.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return h.analyse(ctx, key, ev.PatientID)
	})
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		logger.Info("event previously failed, skipping")
		return nil
	case idempotency.IsTerminal(err):
		logger.Warn("analysis failed", zap.Error(err))
		return nil
	default:
		return err
	}

	if !res.IsNew {
		logger.Info("duplicate event skipped")
	}
	return nil
}

func (h *Handler) analyse(ctx context.Context, key string, id patient.ID) (json.RawMessage, error) {
	result, err := h.pool.SubmitWait(ctx, &workerpool.Task{ID: key, Payload: id, Context: ctx})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, classify(result.Error)
	}
	return json.Marshal(result.Data)
}

// classify marks analysis failures terminal unless the run was cut short
func classify(err error) error {
	var failure *analysis.Failure
	if errors.As(err, &failure) && !errors.Is(err, analysis.ErrCancelled) {
		return idempotency.Terminal(err)
	}
	return err
}
