package patient

import (
	"fmt"
	"strings"
)

// ZodiacSign is the astrological sign collected for newer registrations
type ZodiacSign string

const (
	Aries       ZodiacSign = "Aries"
	Taurus      ZodiacSign = "Taurus"
	Gemini      ZodiacSign = "Gemini"
	Cancer      ZodiacSign = "Cancer"
	Leo         ZodiacSign = "Leo"
	Virgo       ZodiacSign = "Virgo"
	Libra       ZodiacSign = "Libra"
	Scorpio     ZodiacSign = "Scorpio"
	Sagittarius ZodiacSign = "Sagittarius"
	Capricorn   ZodiacSign = "Capricorn"
	Aquarius    ZodiacSign = "Aquarius"
	Pisces      ZodiacSign = "Pisces"
)

var zodiacSigns = []ZodiacSign{
	Aries, Taurus, Gemini, Cancer, Leo, Virgo,
	Libra, Scorpio, Sagittarius, Capricorn, Aquarius, Pisces,
}

// ZodiacSigns returns all known signs in calendar order
func ZodiacSigns() []ZodiacSign {
	out := make([]ZodiacSign, len(zodiacSigns))
	copy(out, zodiacSigns)
	return out
}

// Valid reports whether z is a known sign
func (z ZodiacSign) Valid() bool {
	for _, s := range zodiacSigns {
		if s == z {
			return true
		}
	}
	return false
}

// ParseZodiac matches a sign case-insensitively
func ParseZodiac(s string) (ZodiacSign, error) {
	for _, z := range zodiacSigns {
		if strings.EqualFold(string(z), strings.TrimSpace(s)) {
			return z, nil
		}
	}
	return "", fmt.Errorf("unknown zodiac sign %q", s)
}
