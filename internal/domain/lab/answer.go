// Package lab defines lab answers returned by the lab results service.
package lab

import (
	"encoding/json"
	"errors"
	"fmt"
)

// GlucoseLevel is a glucose measurement in the open range (0, 100)
type GlucoseLevel struct {
	value int
}

// ErrGlucoseOutOfRange is returned for levels outside (0, 100)
var ErrGlucoseOutOfRange = errors.New("glucose level must be between 0 and 100")

// NewGlucoseLevel validates a raw level
func NewGlucoseLevel(v int) (GlucoseLevel, error) {
	if v <= 0 || v >= 100 {
		return GlucoseLevel{}, fmt.Errorf("%w: got %d", ErrGlucoseOutOfRange, v)
	}
	return GlucoseLevel{value: v}, nil
}

// MustGlucoseLevel is NewGlucoseLevel for literals known to be valid
func MustGlucoseLevel(v int) GlucoseLevel {
	g, err := NewGlucoseLevel(v)
	if err != nil {
		panic(err)
	}
	return g
}

// Value returns the numeric level
func (g GlucoseLevel) Value() int { return g.value }

// GreaterThan compares by numeric value
func (g GlucoseLevel) GreaterThan(other GlucoseLevel) bool { return g.value > other.value }

func (g GlucoseLevel) String() string { return fmt.Sprintf("%d", g.value) }

func (g GlucoseLevel) MarshalJSON() ([]byte, error) { return json.Marshal(g.value) }

func (g *GlucoseLevel) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	level, err := NewGlucoseLevel(v)
	if err != nil {
		return err
	}
	*g = level
	return nil
}

// Examination is the kind of lab test an answer belongs to
type Examination string

const (
	ExaminationGlucose Examination = "Glucose"
	ExaminationCovid19 Examination = "Covid19"
)

// BinaryResult is a positive/negative test outcome
type BinaryResult string

const (
	Positive BinaryResult = "Positive"
	Negative BinaryResult = "Negative"
)

// Answer is one lab result. Exactly one of Glucose or Covid19 is set,
// matching Examination.
type Answer struct {
	Examination Examination   `json:"examination"`
	Glucose     *GlucoseLevel `json:"glucose,omitempty"`
	Covid19     *BinaryResult `json:"covid19,omitempty"`
}

// NewGlucoseAnswer builds a glucose answer
func NewGlucoseAnswer(level GlucoseLevel) Answer {
	return Answer{Examination: ExaminationGlucose, Glucose: &level}
}

// NewCovid19Answer builds a covid-19 answer
func NewCovid19Answer(result BinaryResult) Answer {
	return Answer{Examination: ExaminationCovid19, Covid19: &result}
}

// GlucoseLevel returns the level for glucose answers
func (a Answer) GlucoseLevel() (GlucoseLevel, bool) {
	if a.Examination != ExaminationGlucose || a.Glucose == nil {
		return GlucoseLevel{}, false
	}
	return *a.Glucose, true
}

// Validate checks the variant tag against its payload
func (a Answer) Validate() error {
	switch a.Examination {
	case ExaminationGlucose:
		if a.Glucose == nil || a.Covid19 != nil {
			return errors.New("glucose answer must carry only a glucose level")
		}
	case ExaminationCovid19:
		if a.Covid19 == nil || a.Glucose != nil {
			return errors.New("covid19 answer must carry only a binary result")
		}
		if *a.Covid19 != Positive && *a.Covid19 != Negative {
			return fmt.Errorf("unknown covid19 result %q", string(*a.Covid19))
		}
	default:
		return fmt.Errorf("unknown examination %q", string(a.Examination))
	}
	return nil
}

func (a Answer) String() string {
	switch {
	case a.Glucose != nil:
		return fmt.Sprintf("GlucoseLabAnswer:%d", a.Glucose.Value())
	case a.Covid19 != nil:
		return fmt.Sprintf("Covid19LabAnswer:%s", *a.Covid19)
	}
	return string(a.Examination)
}
