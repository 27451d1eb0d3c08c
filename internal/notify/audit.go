package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

// Publisher emits events without waiting for acknowledgment
type Publisher interface {
	ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// SentEvent records that a notice went out. The destination itself is not
// included; only the channel.
type SentEvent struct {
	ID        string    `json:"id"`
	Channel   Channel   `json:"channel"`
	LabAnswer string    `json:"lab_answer"`
	SentAt    time.Time `json:"sent_at"`
}

// Auditor publishes a SentEvent after each delivery
type Auditor struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewAuditor creates an auditor writing to topic
func NewAuditor(publisher Publisher, topic string, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{publisher: publisher, topic: topic, logger: logger}
}

func (a *Auditor) record(ctx context.Context, ch Channel, answer lab.Answer) {
	ev := SentEvent{
		ID:        uuid.New().String(),
		Channel:   ch,
		LabAnswer: answer.String(),
		SentAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("marshal notification event", zap.Error(err))
		return
	}
	// The record outlives the analysis; keep trace values but not its cancellation
	a.publisher.ProduceAsync(context.WithoutCancel(ctx), a.topic, ev.ID, payload, func(err error) {
		if err != nil {
			a.logger.Warn("notification event not published",
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	})
}

// Phone wraps a phone sink so each delivery is audited
func (a *Auditor) Phone(next PhoneSink) PhoneSink {
	return auditedPhone{next: next, auditor: a}
}

// Mail wraps a mail sink so each delivery is audited
func (a *Auditor) Mail(next MailSink) MailSink {
	return auditedMail{next: next, auditor: a}
}

type auditedPhone struct {
	next    PhoneSink
	auditor *Auditor
}

func (s auditedPhone) Notify(ctx context.Context, to patient.PhoneNumber, answer lab.Answer) {
	s.next.Notify(ctx, to, answer)
	s.auditor.record(ctx, ChannelPhone, answer)
}

type auditedMail struct {
	next    MailSink
	auditor *Auditor
}

func (s auditedMail) Notify(ctx context.Context, to patient.MailAddress, answer lab.Answer) {
	s.next.Notify(ctx, to, answer)
	s.auditor.record(ctx, ChannelMail, answer)
}
