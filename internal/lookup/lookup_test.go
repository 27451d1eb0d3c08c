package lookup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/option"
)

type rawSource struct {
	body []byte
	err  error
}

func (s rawSource) GetPatient(ctx context.Context, id patient.ID) ([]byte, error) {
	return s.body, s.err
}

func (s rawSource) GetLabAnswers(ctx context.Context, id patient.ID) ([]byte, error) {
	return s.body, s.err
}

func TestFetchPatientClassification(t *testing.T) {
	tests := []struct {
		name   string
		source rawSource
		want   option.Reason
	}{
		{
			name:   "connectivity failure",
			source: rawSource{err: errors.New("dial tcp: connection refused")},
			want:   option.ServiceUnavailable,
		},
		{
			name:   "warming up",
			source: rawSource{body: []byte(`{"kind":"none","reason":"ServiceNotYetInitialized"}`)},
			want:   option.ServiceNotYetInitialized,
		},
		{
			name:   "unknown id",
			source: rawSource{body: []byte(`{"kind":"none","reason":"ItemDoesNotExist"}`)},
			want:   option.ItemDoesNotExist,
		},
		{
			name:   "garbage body",
			source: rawSource{body: []byte(`<html>bad gateway</html>`)},
			want:   option.FailedToDeserialize,
		},
		{
			name:   "invalid patient",
			source: rawSource{body: []byte(`{"kind":"some","value":{"id":7,"name":""}}`)},
			want:   option.FailedToDeserialize,
		},
		{
			name:   "wrong patient",
			source: rawSource{body: []byte(`{"kind":"some","value":{"id":8,"name":"Ada Lovelace"}}`)},
			want:   option.FailedToDeserialize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewPatients(tt.source, nil).FetchPatient(context.Background(), 7)
			require.True(t, got.IsNone())
			assert.Equal(t, tt.want, got.Reason())
		})
	}
}

func TestFetchPatientPresent(t *testing.T) {
	src := rawSource{body: []byte(`{"kind":"some","value":{"id":0,"name":"Tony Hoare","zodiac":"Aries","phone":"815 493 00"}}`)}

	p, err := NewPatients(src, nil).FetchPatient(context.Background(), 0).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "Tony Hoare", p.Name.String())
	require.NotNil(t, p.Phone)
	assert.Equal(t, patient.PhoneNumber("815 493 00"), *p.Phone)
}

func TestFetchLabAnswers(t *testing.T) {
	src := rawSource{body: []byte(`{"kind":"some","value":[{"examination":"Glucose","glucose":50},{"examination":"Covid19","covid19":"Positive"}]}`)}

	answers, err := NewLabAnswers(src, nil).FetchLabAnswersOrFail(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, answers, 2)
	g, ok := answers[0].GlucoseLevel()
	require.True(t, ok)
	assert.Equal(t, 50, g.Value())
}

func TestFetchLabAnswersClassification(t *testing.T) {
	t.Run("out of range glucose is undeserializable", func(t *testing.T) {
		src := rawSource{body: []byte(`{"kind":"some","value":[{"examination":"Glucose","glucose":0}]}`)}
		got := NewLabAnswers(src, nil).FetchLabAnswers(context.Background(), 1)
		assert.Equal(t, option.FailedToDeserialize, got.Reason())
	})

	t.Run("mismatched variant is undeserializable", func(t *testing.T) {
		src := rawSource{body: []byte(`{"kind":"some","value":[{"examination":"Glucose","covid19":"Negative"}]}`)}
		got := NewLabAnswers(src, nil).FetchLabAnswers(context.Background(), 1)
		assert.Equal(t, option.FailedToDeserialize, got.Reason())
	})

	t.Run("or-fail surfaces the reason", func(t *testing.T) {
		src := rawSource{err: errors.New("timeout")}
		_, err := NewLabAnswers(src, nil).FetchLabAnswersOrFail(context.Background(), 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, option.ErrServiceUnavailable)
		r, ok := option.ReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, option.ServiceUnavailable, r)
	})

	t.Run("empty list is present", func(t *testing.T) {
		src := rawSource{body: []byte(`{"kind":"some","value":[]}`)}
		answers, err := NewLabAnswers(src, nil).FetchLabAnswersOrFail(context.Background(), 1)
		require.NoError(t, err)
		assert.Empty(t, answers)
		assert.IsType(t, []lab.Answer{}, answers)
	})
}
