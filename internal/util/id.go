package util

import "crypto/rand"

// Session codes avoid ambiguous characters so they survive being read aloud.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewSessionCode returns a short human-shareable session code.
func NewSessionCode(length int) string {
	if length <= 0 {
		length = 6
	}
	bytes := make([]byte, length)
	_, _ = rand.Read(bytes)
	out := make([]byte, length)
	for i, b := range bytes {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out)
}
