package lookup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/option"
)

// LabAnswers looks up lab answers by patient
type LabAnswers struct {
	source LabAnswerSource
	logger *zap.Logger
}

// NewLabAnswers creates a lab answer lookup over source
func NewLabAnswers(source LabAnswerSource, logger *zap.Logger) *LabAnswers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LabAnswers{source: source, logger: logger}
}

// FetchLabAnswers queries the lab results service once and classifies the outcome
func (l *LabAnswers) FetchLabAnswers(ctx context.Context, id patient.ID) option.Option[[]lab.Answer] {
	ctx, span := startSpan(ctx, "fetch_lab_answers", id)

	var result option.Option[[]lab.Answer]
	raw, err := l.source.GetLabAnswers(ctx, id)
	if err != nil {
		result = option.NoneWithDetail[[]lab.Answer](option.ServiceUnavailable, "%v", err)
	} else {
		result = decode(raw, func(answers []lab.Answer) error {
			for i, a := range answers {
				if err := a.Validate(); err != nil {
					return fmt.Errorf("answer %d: %w", i, err)
				}
			}
			return nil
		})
	}

	endSpan(span, result)
	logAbsent(l.logger, "lab answers", id, result)
	return result
}

// FetchLabAnswersOrFail unwraps FetchLabAnswers. Any absence becomes an error
// carrying its reason; use it only once the patient is known to exist.
func (l *LabAnswers) FetchLabAnswersOrFail(ctx context.Context, id patient.ID) ([]lab.Answer, error) {
	answers, err := l.FetchLabAnswers(ctx, id).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("lab answers for patient %d: %w", id, err)
	}
	return answers, nil
}
