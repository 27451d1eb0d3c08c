// Package notify tells patients about lab answers over the contact channel
// their record carries. Delivery is fire-and-forget for callers.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

// Channel identifies which sink handled a notification
type Channel string

const (
	ChannelNone  Channel = "none"
	ChannelPhone Channel = "phone"
	ChannelMail  Channel = "mail"
)

// PhoneSink sends a notice to a phone number
type PhoneSink interface {
	Notify(ctx context.Context, to patient.PhoneNumber, answer lab.Answer)
}

// MailSink sends a notice to a mail address
type MailSink interface {
	Notify(ctx context.Context, to patient.MailAddress, answer lab.Answer)
}

// Dispatcher picks at most one sink per patient: phone first, then mail.
type Dispatcher struct {
	phone  PhoneSink
	mail   MailSink
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher over the two sinks
func NewDispatcher(phone PhoneSink, mail MailSink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{phone: phone, mail: mail, logger: logger}
}

// Dispatch notifies p about answer and reports the channel used.
// A patient without contact channels is dropped silently.
func (d *Dispatcher) Dispatch(ctx context.Context, p patient.Patient, answer lab.Answer) Channel {
	if p.Phone != nil {
		d.phone.Notify(ctx, *p.Phone, answer)
		return ChannelPhone
	}
	if p.Mail != nil {
		d.mail.Notify(ctx, *p.Mail, answer)
		return ChannelMail
	}

	d.logger.Debug("patient has no contact channel, notification dropped",
		zap.Int64("patient_id", int64(p.ID)))
	return ChannelNone
}
