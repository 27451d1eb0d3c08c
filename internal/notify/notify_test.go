package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

type recordingPhone struct{ sent []patient.PhoneNumber }

func (r *recordingPhone) Notify(ctx context.Context, to patient.PhoneNumber, answer lab.Answer) {
	r.sent = append(r.sent, to)
}

type recordingMail struct{ sent []patient.MailAddress }

func (r *recordingMail) Notify(ctx context.Context, to patient.MailAddress, answer lab.Answer) {
	r.sent = append(r.sent, to)
}

var glucose60 = lab.NewGlucoseAnswer(lab.MustGlucoseLevel(60))

func TestDispatchPrefersPhone(t *testing.T) {
	phone, mail := &recordingPhone{}, &recordingMail{}
	d := NewDispatcher(phone, mail, nil)

	p := patient.New(0, patient.MustName("Tony Hoare"), patient.WithPhone("815 493 00"), patient.WithMail("Somewhere 1"))
	ch := d.Dispatch(context.Background(), p, glucose60)

	assert.Equal(t, ChannelPhone, ch)
	assert.Equal(t, []patient.PhoneNumber{"815 493 00"}, phone.sent)
	assert.Empty(t, mail.sent)
}

func TestDispatchFallsBackToMail(t *testing.T) {
	phone, mail := &recordingPhone{}, &recordingMail{}
	d := NewDispatcher(phone, mail, nil)

	p := patient.New(2, patient.MustName("Brian Kernighan"), patient.WithMail("Portveien 2"))
	ch := d.Dispatch(context.Background(), p, glucose60)

	assert.Equal(t, ChannelMail, ch)
	assert.Empty(t, phone.sent)
	assert.Equal(t, []patient.MailAddress{"Portveien 2"}, mail.sent)
}

func TestDispatchDropsWithoutChannel(t *testing.T) {
	phone, mail := &recordingPhone{}, &recordingMail{}
	d := NewDispatcher(phone, mail, nil)

	ch := d.Dispatch(context.Background(), patient.New(1, patient.MustName("Ada Lovelace")), glucose60)

	assert.Equal(t, ChannelNone, ch)
	assert.Empty(t, phone.sent)
	assert.Empty(t, mail.sent)
}

func TestLoggingSinks(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	NewSMSService(logger).Notify(context.Background(), "815 493 00", glucose60)
	NewMailService(logger).Notify(context.Background(), "Flåklypa", glucose60)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "sms sent", entries[0].Message)
	assert.Equal(t, "letter sent", entries[1].Message)
	assert.Equal(t, "GlucoseLabAnswer:60", entries[0].ContextMap()["lab_answer"])
}

type capturePublisher struct {
	topics   []string
	payloads [][]byte
}

func (c *capturePublisher) ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error)) {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, value)
	callback(nil)
}

func TestAuditorPublishesAfterDelivery(t *testing.T) {
	pub := &capturePublisher{}
	auditor := NewAuditor(pub, "notification.sent", nil)
	phone := &recordingPhone{}

	d := NewDispatcher(auditor.Phone(phone), auditor.Mail(&recordingMail{}), nil)
	d.Dispatch(context.Background(), patient.New(0, patient.MustName("Tony Hoare"), patient.WithPhone("1")), glucose60)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "notification.sent", pub.topics[0])
	assert.Len(t, phone.sent, 1)

	var ev SentEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, ChannelPhone, ev.Channel)
	assert.Equal(t, "GlucoseLabAnswer:60", ev.LabAnswer)
	assert.NotEmpty(t, ev.ID)
}

type ctxKey struct{}

type deferredPublisher struct {
	ctxs []context.Context
}

func (d *deferredPublisher) ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error)) {
	d.ctxs = append(d.ctxs, ctx)
}

func TestAuditEventSurvivesAnalysisCancellation(t *testing.T) {
	pub := &deferredPublisher{}
	auditor := NewAuditor(pub, "notification.sent", nil)

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "trace"))
	auditor.Mail(&recordingMail{}).Notify(ctx, "Portveien 2", glucose60)
	cancel()

	require.Len(t, pub.ctxs, 1)
	assert.NoError(t, pub.ctxs[0].Err())
	assert.Equal(t, "trace", pub.ctxs[0].Value(ctxKey{}))
}
