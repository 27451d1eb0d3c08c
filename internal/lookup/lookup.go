// Package lookup fetches patients and lab answers from the directory collaborators
// and classifies every failure into an option.Reason. Lookups never retry;
// retry policy belongs to the caller.
package lookup

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/option"
)

// PatientSource returns the raw directory response for a patient.
// A non-nil error means the collaborator could not be reached.
type PatientSource interface {
	GetPatient(ctx context.Context, id patient.ID) ([]byte, error)
}

// LabAnswerSource returns the raw lab results response for a patient.
// A non-nil error means the collaborator could not be reached.
type LabAnswerSource interface {
	GetLabAnswers(ctx context.Context, id patient.ID) ([]byte, error)
}

var tracer = otel.Tracer("lookup")

// decode parses a raw option envelope, then runs validate on a present value.
// Anything that does not parse or validate becomes FailedToDeserialize.
func decode[T any](raw []byte, validate func(T) error) option.Option[T] {
	var o option.Option[T]
	if err := json.Unmarshal(raw, &o); err != nil {
		return option.NoneWithDetail[T](option.FailedToDeserialize, "%v", err)
	}
	if o.IsNone() {
		return o
	}
	v, _ := o.Unwrap()
	if err := validate(v); err != nil {
		return option.NoneWithDetail[T](option.FailedToDeserialize, "%v", err)
	}
	return o
}

func startSpan(ctx context.Context, name string, id patient.ID) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("patient_id", int64(id))))
}

func endSpan[T any](span trace.Span, o option.Option[T]) {
	if o.IsNone() {
		span.SetAttributes(attribute.String("absent_reason", string(o.Reason())))
	}
	span.End()
}

func logAbsent[T any](logger *zap.Logger, what string, id patient.ID, o option.Option[T]) {
	if o.IsSome() {
		return
	}
	logger.Debug(what+" absent",
		zap.Int64("patient_id", int64(id)),
		zap.String("reason", string(o.Reason())))
}
