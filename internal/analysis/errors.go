package analysis

import (
	"errors"
	"fmt"

	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/option"
)

// Terminal failure causes. Each has a stable message so callers can alert on it.
var (
	ErrPatientNotFound       = errors.New("patient does not exist")
	ErrPatientMalformed      = errors.New("patient record could not be read")
	ErrRetriesExhausted      = errors.New("patient lookup retries exhausted")
	ErrLabAnswersUnavailable = errors.New("lab answers unavailable")
	ErrNoGlucoseAnswer       = errors.New("no glucose answer found")
	ErrAmbiguousGlucose      = errors.New("ambiguous glucose answers")
	ErrCancelled             = errors.New("analysis cancelled")
)

// Failure is a terminal analysis failure
type Failure struct {
	PatientID patient.ID
	// Stage is the state the analysis was in when it failed.
	Stage State
	// Reason is the lookup absence reason, when one caused the failure.
	Reason option.Reason
	// Cause is one of the Err* values above.
	Cause error
	Err   error
}

// Error implements the error interface
func (f *Failure) Error() string {
	msg := fmt.Sprintf("analysis of patient %d failed while %s: %v", f.PatientID, f.Stage, f.Cause)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes both the cause and the underlying error to errors.Is/As
func (f *Failure) Unwrap() []error {
	errs := []error{f.Cause}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// patientCause maps a terminal patient absence to its cause
func patientCause(r option.Reason) error {
	switch r {
	case option.ItemDoesNotExist:
		return ErrPatientNotFound
	case option.FailedToDeserialize:
		return ErrPatientMalformed
	}
	return ErrRetriesExhausted
}
