// Package directory serves patient records and lab answers to the analyser.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

// ErrNotFound is returned by stores for unknown ids
var ErrNotFound = errors.New("not found")

// Store persists patients and lab answers
type Store interface {
	Patient(ctx context.Context, id patient.ID) (patient.Patient, error)
	// AddPatient inserts p unless its id is taken. created reports whether
	// anything was written.
	AddPatient(ctx context.Context, p patient.Patient) (created bool, err error)
	LabAnswers(ctx context.Context, id patient.ID) ([]lab.Answer, error)
	// AddLabAnswer appends an answer and records a LabAnswerRecorded event
	AddLabAnswer(ctx context.Context, ev LabAnswerRecorded) error
	Ping(ctx context.Context) error
}

// LabAnswerRecorded is published when a lab answer is stored
type LabAnswerRecorded struct {
	EventID    string     `json:"event_id"`
	PatientID  patient.ID `json:"patient_id"`
	Answer     lab.Answer `json:"answer"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// NewLabAnswerRecorded stamps a new event
func NewLabAnswerRecorded(id patient.ID, answer lab.Answer) LabAnswerRecorded {
	return LabAnswerRecorded{
		EventID:    uuid.New().String(),
		PatientID:  id,
		Answer:     answer,
		RecordedAt: time.Now().UTC(),
	}
}
