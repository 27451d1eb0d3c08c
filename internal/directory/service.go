package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/option"
)

// DefaultWarmup is how long patient reads report ServiceNotYetInitialized
const DefaultWarmup = 5 * time.Second

// Service answers directory reads with classified Options
type Service struct {
	store   Store
	readyAt time.Time
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates a service whose patient reads open after warmup
func NewService(store Store, warmup time.Duration, logger *zap.Logger) *Service {
	return newService(store, warmup, time.Now, logger)
}

func newService(store Store, warmup time.Duration, now func() time.Time, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if warmup < 0 {
		warmup = 0
	}
	return &Service{
		store:   store,
		readyAt: now().Add(warmup),
		now:     now,
		logger:  logger,
	}
}

// Warm reports whether the warm-up period is over
func (s *Service) Warm() bool {
	return !s.now().Before(s.readyAt)
}

// Patient looks up a patient
func (s *Service) Patient(ctx context.Context, id patient.ID) option.Option[patient.Patient] {
	if !s.Warm() {
		return option.None[patient.Patient](option.ServiceNotYetInitialized)
	}

	p, err := s.store.Patient(ctx, id)
	switch {
	case err == nil:
		return option.Some(p)
	case errors.Is(err, ErrNotFound):
		return option.None[patient.Patient](option.ItemDoesNotExist)
	default:
		s.logger.Error("patient read failed", zap.Int64("patient_id", int64(id)), zap.Error(err))
		return option.NoneWithDetail[patient.Patient](option.ServiceUnavailable, "store: %v", err)
	}
}

// LabAnswers looks up all lab answers for a patient
func (s *Service) LabAnswers(ctx context.Context, id patient.ID) option.Option[[]lab.Answer] {
	answers, err := s.store.LabAnswers(ctx, id)
	switch {
	case err == nil:
		return option.Some(answers)
	case errors.Is(err, ErrNotFound):
		return option.None[[]lab.Answer](option.ItemDoesNotExist)
	default:
		s.logger.Error("lab answer read failed", zap.Int64("patient_id", int64(id)), zap.Error(err))
		return option.NoneWithDetail[[]lab.Answer](option.ServiceUnavailable, "store: %v", err)
	}
}

// Register stores a patient unless the id is already taken
func (s *Service) Register(ctx context.Context, p patient.Patient) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	created, err := s.store.AddPatient(ctx, p)
	if err != nil {
		return false, fmt.Errorf("failed to register patient %d: %w", p.ID, err)
	}
	if created {
		s.logger.Info("patient registered", zap.Int64("patient_id", int64(p.ID)))
	} else {
		s.logger.Debug("patient already registered", zap.Int64("patient_id", int64(p.ID)))
	}
	return created, nil
}

// RecordLabAnswer stores a lab answer and emits LabAnswerRecorded
func (s *Service) RecordLabAnswer(ctx context.Context, id patient.ID, answer lab.Answer) (LabAnswerRecorded, error) {
	if err := answer.Validate(); err != nil {
		return LabAnswerRecorded{}, err
	}
	ev := NewLabAnswerRecorded(id, answer)
	if err := s.store.AddLabAnswer(ctx, ev); err != nil {
		return LabAnswerRecorded{}, fmt.Errorf("failed to record lab answer for patient %d: %w", id, err)
	}
	s.logger.Info("lab answer recorded",
		zap.Int64("patient_id", int64(id)),
		zap.String("event_id", ev.EventID),
		zap.Stringer("lab_answer", answer))
	return ev, nil
}

// Ready reports whether the service can answer patient reads
func (s *Service) Ready(ctx context.Context) error {
	if !s.Warm() {
		return errors.New("warming up")
	}
	return s.store.Ping(ctx)
}
