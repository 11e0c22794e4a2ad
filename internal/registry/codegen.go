package registry

import (
	"crypto/rand"
	"strings"
)

// Crockford base32: no I, L, O, U to avoid misreads on printed labels.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	codeSymbols   = 12
	codeGroupSize = 4
)

// ValueGenerator produces candidate code values. Uniqueness is not its job.
type ValueGenerator func() (string, error)

// RandomValue returns 60 bits of crypto/rand entropy formatted as XXXX-XXXX-XXXX.
func RandomValue() (string, error) {
	var raw [codeSymbols]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(codeSymbols + codeSymbols/codeGroupSize - 1)
	for i, r := range raw {
		if i > 0 && i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		// 256 is a multiple of 32, so masking keeps the distribution uniform.
		b.WriteByte(codeAlphabet[r&31])
	}
	return b.String(), nil
}

// NormalizeValue canonicalizes user input: trims, upper-cases and maps Crockford aliases.
// Non-generated values pass through otherwise untouched so legacy codes still resolve.
func NormalizeValue(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if !looksGenerated(v) {
		return v
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case 'O':
			return '0'
		case 'I', 'L':
			return '1'
		}
		return r
	}, v)
}

func looksGenerated(v string) bool {
	if len(v) != codeSymbols+codeSymbols/codeGroupSize-1 {
		return false
	}
	for i := 0; i < len(v); i++ {
		if (i+1)%(codeGroupSize+1) == 0 {
			if v[i] != '-' {
				return false
			}
			continue
		}
		c := v[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
