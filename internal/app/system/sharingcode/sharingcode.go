// Package sharingcode derives the short codes participants hand out to
// refer others. Codes are Length characters drawn from Alphabet, which omits
// look-alike characters (I, O, 0, 1).
package sharingcode

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	Length   = 6

	// MaxAttempts bounds collision resolution in Generate.
	MaxAttempts = 10
)

// ErrExhausted means every candidate tried by Generate was already taken.
var ErrExhausted = errors.New("sharingcode: no free code after perturbation")

// TakenFunc reports whether a candidate code already belongs to someone.
type TakenFunc func(ctx context.Context, candidate string) (bool, error)

// Derive hashes the participant code with salt and maps the digest onto the
// alphabet. The same inputs always give the same code.
func Derive(participantCode string, salt int64) string {
	sum := blake2b.Sum256([]byte(participantCode + ":" + strconv.FormatInt(salt, 10)))
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		b.WriteByte(Alphabet[int(sum[i])%len(Alphabet)])
	}
	return b.String()
}

// Perturb changes exactly one character of code. Successive attempts walk
// the positions left to right and then shift further along the alphabet.
func Perturb(code string, attempt int) string {
	if len(code) != Length {
		return code
	}
	pos := attempt % Length
	shift := 1 + (attempt/Length)%(len(Alphabet)-1)
	idx := strings.IndexByte(Alphabet, code[pos])
	if idx < 0 {
		idx = 0
	}
	out := []byte(code)
	out[pos] = Alphabet[(idx+shift)%len(Alphabet)]
	return string(out)
}

// Generate derives a code for participantCode salted with now and resolves
// collisions by perturbing one character at a time, checking each candidate
// with taken. It gives up with ErrExhausted after MaxAttempts candidates.
func Generate(ctx context.Context, participantCode string, now time.Time, taken TakenFunc) (string, error) {
	candidate := Derive(participantCode, now.UnixNano())
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		used, err := taken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
		candidate = Perturb(candidate, attempt)
	}
	return "", ErrExhausted
}

// Valid reports whether s has the sharing code length and alphabet.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
