package directory

import (
	"context"
	"sync"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

// EventSink receives events from the memory store
type EventSink func(ctx context.Context, ev LabAnswerRecorded)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.RWMutex
	patients map[patient.ID]patient.Patient
	answers  map[patient.ID][]lab.Answer
	sink     EventSink
}

// NewMemoryStore creates an empty store. sink may be nil.
func NewMemoryStore(sink EventSink) *MemoryStore {
	return &MemoryStore{
		patients: make(map[patient.ID]patient.Patient),
		answers:  make(map[patient.ID][]lab.Answer),
		sink:     sink,
	}
}

// NewSeededMemoryStore creates a store holding the demo records
func NewSeededMemoryStore(sink EventSink) *MemoryStore {
	s := NewMemoryStore(sink)
	for _, p := range DemoPatients() {
		s.patients[p.ID] = p
	}
	for id, answers := range DemoLabAnswers() {
		s.answers[id] = answers
	}
	return s
}

// Patient implements Store
func (s *MemoryStore) Patient(ctx context.Context, id patient.ID) (patient.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patients[id]
	if !ok {
		return patient.Patient{}, ErrNotFound
	}
	return p, nil
}

// AddPatient implements Store
func (s *MemoryStore) AddPatient(ctx context.Context, p patient.Patient) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patients[p.ID]; ok {
		return false, nil
	}
	s.patients[p.ID] = p
	return true, nil
}

// LabAnswers implements Store
func (s *MemoryStore) LabAnswers(ctx context.Context, id patient.ID) ([]lab.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	answers, ok := s.answers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]lab.Answer, len(answers))
	copy(out, answers)
	return out, nil
}

// AddLabAnswer implements Store
func (s *MemoryStore) AddLabAnswer(ctx context.Context, ev LabAnswerRecorded) error {
	s.mu.Lock()
	s.answers[ev.PatientID] = append(s.answers[ev.PatientID], ev.Answer)
	s.mu.Unlock()

	if s.sink != nil {
		s.sink(ctx, ev)
	}
	return nil
}

// Ping implements Store
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// DemoPatients returns the records the directory starts with
func DemoPatients() []patient.Patient {
	return []patient.Patient{
		patient.New(0, patient.MustName("Tony Hoare"),
			patient.WithZodiac(patient.Aries),
			patient.WithPhone("815 493 00")),
		patient.New(1, patient.MustName("Ada Lovelace"),
			patient.WithZodiac(patient.Gemini)),
		patient.New(2, patient.MustName("Brian Kernighan"),
			patient.WithMail("Portveien 2")),
	}
}

// DemoLabAnswers returns the lab answers the directory starts with.
// Patient 3 has answers before being registered.
func DemoLabAnswers() map[patient.ID][]lab.Answer {
	glucose := func(v int) lab.Answer { return lab.NewGlucoseAnswer(lab.MustGlucoseLevel(v)) }
	return map[patient.ID][]lab.Answer{
		0: {glucose(60)},
		1: {glucose(50), lab.NewCovid19Answer(lab.Positive)},
		2: {glucose(50)},
		3: {glucose(50)},
	}
}

// DemoRegistration is the patient registered by the analyser's demo run
func DemoRegistration() patient.Patient {
	return patient.New(3, patient.MustName("Grace Hopper"),
		patient.WithZodiac(patient.Taurus),
		patient.WithMail("Flåklypa"))
}
