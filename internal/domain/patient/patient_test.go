package patient

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	id, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)

	_, err = ParseID("-1")
	assert.Error(t, err)
	_, err = ParseID("abc")
	assert.Error(t, err)
}

func TestIDAsMapKey(t *testing.T) {
	m := map[ID]string{ID(3): "grace"}
	assert.Equal(t, "grace", m[ID(3)])
}

func TestNameBounds(t *testing.T) {
	_, err := NewName("")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = NewName(strings.Repeat("a", 100))
	assert.ErrorIs(t, err, ErrInvalidName)

	n, err := NewName(strings.Repeat("å", 99))
	require.NoError(t, err)
	assert.Len(t, []rune(n.String()), 99)
}

func TestPatientJSON(t *testing.T) {
	p := New(ID(0), MustName("Tony Hoare"), WithZodiac(Aries), WithPhone("815 493 00"))

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":0,"name":"Tony Hoare","zodiac":"Aries","phone":"815 493 00"}`, string(data))

	var decoded Patient
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p, decoded)
	assert.NoError(t, decoded.Validate())
}

func TestLegacyPatientHasNoZodiac(t *testing.T) {
	var p Patient
	require.NoError(t, json.Unmarshal([]byte(`{"id":2,"name":"Brian Kernighan","mail":"Portveien 2"}`), &p))
	assert.True(t, p.IsLegacy())
	assert.Nil(t, p.Phone)
	require.NotNil(t, p.Mail)
	assert.Equal(t, MailAddress("Portveien 2"), *p.Mail)
}

func TestValidateRejectsBadFields(t *testing.T) {
	var p Patient
	assert.Error(t, json.Unmarshal([]byte(`{"id":1,"name":""}`), &p))

	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"name":"Ada","zodiac":"Ophiuchus"}`), &p))
	assert.Error(t, p.Validate())

	assert.Error(t, Patient{ID: 1}.Validate())
}

func TestParseZodiac(t *testing.T) {
	z, err := ParseZodiac("taurus")
	require.NoError(t, err)
	assert.Equal(t, Taurus, z)

	_, err = ParseZodiac("dragon")
	assert.Error(t, err)
	assert.Len(t, ZodiacSigns(), 12)
}
