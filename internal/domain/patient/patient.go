// Package patient defines the patient record held by the directory.
package patient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ID identifies a patient. Non-negative, value-equal, usable as a map key.
type ID int64

// ParseID parses a decimal patient id and rejects negative values
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid patient id %q: %w", s, err)
	}
	return NewID(v)
}

// NewID validates a raw id
func NewID(v int64) (ID, error) {
	if v < 0 {
		return 0, fmt.Errorf("patient id must be non-negative, got %d", v)
	}
	return ID(v), nil
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Name is a display name between 1 and 99 characters
type Name struct {
	value string
}

var ErrInvalidName = errors.New("name must have between 1 and 99 characters")

// NewName validates a display name
func NewName(s string) (Name, error) {
	n := utf8.RuneCountInString(s)
	if n <= 0 || n >= 100 {
		return Name{}, ErrInvalidName
	}
	return Name{value: s}, nil
}

// MustName is NewName for literals known to be valid
func MustName(s string) Name {
	n, err := NewName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) String() string { return n.value }

func (n Name) MarshalJSON() ([]byte, error) { return json.Marshal(n.value) }

func (n *Name) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := NewName(s)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// PhoneNumber is an SMS destination
type PhoneNumber string

func (p PhoneNumber) String() string { return string(p) }

// MailAddress is a postal destination for letters
type MailAddress string

func (m MailAddress) String() string { return string(m) }

// Patient is a directory record. Optional fields are nil when unset;
// a nil Zodiac marks a record registered before zodiac signs were collected.
type Patient struct {
	ID     ID           `json:"id"`
	Name   Name         `json:"name"`
	Zodiac *ZodiacSign  `json:"zodiac,omitempty"`
	Phone  *PhoneNumber `json:"phone,omitempty"`
	Mail   *MailAddress `json:"mail,omitempty"`
}

// Option configures optional patient fields
type Option func(*Patient)

// WithZodiac sets the zodiac sign
func WithZodiac(z ZodiacSign) Option {
	return func(p *Patient) { p.Zodiac = &z }
}

// WithPhone sets the phone channel
func WithPhone(n PhoneNumber) Option {
	return func(p *Patient) { p.Phone = &n }
}

// WithMail sets the mail channel
func WithMail(m MailAddress) Option {
	return func(p *Patient) { p.Mail = &m }
}

// New builds a patient record
func New(id ID, name Name, opts ...Option) Patient {
	p := Patient{ID: id, Name: name}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// IsLegacy reports whether the record predates zodiac collection
func (p Patient) IsLegacy() bool { return p.Zodiac == nil }

// Validate checks invariants that JSON decoding alone cannot guarantee
func (p Patient) Validate() error {
	if p.ID < 0 {
		return fmt.Errorf("patient id must be non-negative, got %d", p.ID)
	}
	if p.Name.value == "" {
		return ErrInvalidName
	}
	if p.Zodiac != nil && !p.Zodiac.Valid() {
		return fmt.Errorf("unknown zodiac sign %q", string(*p.Zodiac))
	}
	if p.Phone != nil && *p.Phone == "" {
		return errors.New("phone number set but empty")
	}
	if p.Mail != nil && *p.Mail == "" {
		return errors.New("mail address set but empty")
	}
	return nil
}
