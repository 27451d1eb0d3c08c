package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

// SMSService is the logging stand-in for the SMS gateway
type SMSService struct {
	logger *zap.Logger
}

// NewSMSService creates an SMS sink
func NewSMSService(logger *zap.Logger) *SMSService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMSService{logger: logger}
}

// Notify tells the patient to eat less sugar
func (s *SMSService) Notify(ctx context.Context, to patient.PhoneNumber, answer lab.Answer) {
	s.logger.Info("sms sent",
		zap.String("to", to.String()),
		zap.Stringer("lab_answer", answer))
}

// MailService is the logging stand-in for the letter service
type MailService struct {
	logger *zap.Logger
}

// NewMailService creates a mail sink
func NewMailService(logger *zap.Logger) *MailService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailService{logger: logger}
}

// Notify tells the patient to eat less sugar
func (m *MailService) Notify(ctx context.Context, to patient.MailAddress, answer lab.Answer) {
	m.logger.Info("letter sent",
		zap.String("to", to.String()),
		zap.Stringer("lab_answer", answer))
}
