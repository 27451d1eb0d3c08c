// Package tolerance maps a patient's zodiac sign to the glucose threshold
// above which the patient is notified.
package tolerance

import (
	"fmt"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

// DefaultThreshold applies to legacy records and unmapped signs
const DefaultThreshold = 30

// Policy is an immutable threshold table
type Policy struct {
	defaultLevel lab.GlucoseLevel
	byZodiac     map[patient.ZodiacSign]lab.GlucoseLevel
}

// NewPolicy validates raw thresholds and builds a policy
func NewPolicy(defaultThreshold int, byZodiac map[patient.ZodiacSign]int) (*Policy, error) {
	def, err := lab.NewGlucoseLevel(defaultThreshold)
	if err != nil {
		return nil, fmt.Errorf("default tolerance: %w", err)
	}

	table := make(map[patient.ZodiacSign]lab.GlucoseLevel, len(byZodiac))
	for sign, v := range byZodiac {
		if !sign.Valid() {
			return nil, fmt.Errorf("tolerance for unknown zodiac sign %q", string(sign))
		}
		level, err := lab.NewGlucoseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("tolerance for %s: %w", sign, err)
		}
		table[sign] = level
	}

	return &Policy{defaultLevel: def, byZodiac: table}, nil
}

// DefaultPolicy uses DefaultThreshold for everyone
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(DefaultThreshold, nil)
	return p
}

// Threshold returns the mapped tolerance for sign, or the default when the
// sign is nil or unmapped.
func (p *Policy) Threshold(sign *patient.ZodiacSign) lab.GlucoseLevel {
	if sign == nil {
		return p.defaultLevel
	}
	if level, ok := p.byZodiac[*sign]; ok {
		return level
	}
	return p.defaultLevel
}

// ShouldNotify reports whether level strictly exceeds the patient's threshold
func (p *Policy) ShouldNotify(level lab.GlucoseLevel, sign *patient.ZodiacSign) bool {
	return level.GreaterThan(p.Threshold(sign))
}

// Default returns the default threshold
func (p *Policy) Default() lab.GlucoseLevel { return p.defaultLevel }

// Mapped returns a copy of the per-sign table
func (p *Policy) Mapped() map[patient.ZodiacSign]lab.GlucoseLevel {
	out := make(map[patient.ZodiacSign]lab.GlucoseLevel, len(p.byZodiac))
	for k, v := range p.byZodiac {
		out[k] = v
	}
	return out
}
