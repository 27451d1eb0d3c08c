package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

// Event and aggregate names written to the outbox
const (
	AggregateLabAnswer     = "lab_answer"
	EventLabAnswerRecorded = "LabAnswerRecorded"
)

// DirectoryStore is a directory.Store backed by PostgreSQL. Lab answers are
// written together with an outbox entry in one transaction.
type DirectoryStore struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

var _ directory.Store = (*DirectoryStore)(nil)

// NewDirectoryStore creates a store publishing recorded answers to topic
func NewDirectoryStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *DirectoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryStore{pool: pool, topic: topic, logger: logger}
}

// Patient implements directory.Store
func (s *DirectoryStore) Patient(ctx context.Context, id patient.ID) (patient.Patient, error) {
	query := `
		SELECT name, zodiac_sign, phone, mail
		FROM patients
		WHERE id = $1
	`

	var (
		name   string
		zodiac *string
		phone  *string
		mail   *string
	)
	err := s.pool.QueryRow(ctx, query, int64(id)).Scan(&name, &zodiac, &phone, &mail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return patient.Patient{}, directory.ErrNotFound
		}
		return patient.Patient{}, fmt.Errorf("query patient: %w", err)
	}

	return patientFromRow(id, name, zodiac, phone, mail)
}

func patientFromRow(id patient.ID, name string, zodiac, phone, mail *string) (patient.Patient, error) {
	n, err := patient.NewName(name)
	if err != nil {
		return patient.Patient{}, fmt.Errorf("patient %d: %w", id, err)
	}

	var opts []patient.Option
	if zodiac != nil {
		sign, err := patient.ParseZodiac(*zodiac)
		if err != nil {
			return patient.Patient{}, fmt.Errorf("patient %d: %w", id, err)
		}
		opts = append(opts, patient.WithZodiac(sign))
	}
	if phone != nil {
		opts = append(opts, patient.WithPhone(patient.PhoneNumber(*phone)))
	}
	if mail != nil {
		opts = append(opts, patient.WithMail(patient.MailAddress(*mail)))
	}
	return patient.New(id, n, opts...), nil
}

// AddPatient implements directory.Store
func (s *DirectoryStore) AddPatient(ctx context.Context, p patient.Patient) (bool, error) {
	query := `
		INSERT INTO patients (id, name, zodiac_sign, phone, mail)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		int64(p.ID),
		p.Name.String(),
		(*string)(p.Zodiac),
		(*string)(p.Phone),
		(*string)(p.Mail),
	)
	if err != nil {
		return false, fmt.Errorf("insert patient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LabAnswers implements directory.Store
func (s *DirectoryStore) LabAnswers(ctx context.Context, id patient.ID) ([]lab.Answer, error) {
	query := `
		SELECT answer
		FROM lab_answers
		WHERE patient_id = $1
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query lab answers: %w", err)
	}
	defer rows.Close()

	var answers []lab.Answer
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan lab answer: %w", err)
		}
		var a lab.Answer
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode lab answer: %w", err)
		}
		answers = append(answers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(answers) == 0 {
		return nil, directory.ErrNotFound
	}
	return answers, nil
}

// AddLabAnswer implements directory.Store
func (s *DirectoryStore) AddLabAnswer(ctx context.Context, ev directory.LabAnswerRecorded) error {
	answer, err := json.Marshal(ev.Answer)
	if err != nil {
		return fmt.Errorf("marshal lab answer: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO lab_answers (event_id, patient_id, answer, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, ev.EventID, int64(ev.PatientID), answer, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert lab answer: %w", err)
	}

	entry := &OutboxEntry{
		AggregateID:   ev.PatientID.String(),
		AggregateType: AggregateLabAnswer,
		EventType:     EventLabAnswerRecorded,
		Payload:       payload,
		KafkaTopic:    s.topic,
		KafkaKey:      ev.EventID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("lab answer stored",
		zap.Int64("patient_id", int64(ev.PatientID)),
		zap.Int64("outbox_id", entry.ID))
	return nil
}

// Ping implements directory.Store
func (s *DirectoryStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
