// Package tsid generates time-sorted identifiers for outbox messages.
// A TSID packs a 42-bit millisecond timestamp (2020 epoch) and 22 bits of
// randomness into 64 bits, encoded as 13 Crockford Base32 characters.
// Lexicographic order follows creation order, so id-keyed records list in
// the order they were enqueued.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	// Custom epoch: 2020-01-01T00:00:00Z in Unix milliseconds
	epochMillis = 1577836800000

	timestampBits = 42
	randomBits    = 22

	encodedLen = 13

	// Crockford Base32 alphabet (no I, L, O, U ambiguity on decode)
	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrInvalid is returned when a string is not a well-formed TSID.
var ErrInvalid = errors.New("invalid tsid")

var defaultGenerator = &Generator{}

// Generator produces TSIDs. The zero value is ready to use and safe for
// concurrent callers.
type Generator struct {
	mu       sync.Mutex
	lastTime int64
	counter  uint32
}

// Generate returns a new TSID from the package-level generator.
func Generate() string {
	return defaultGenerator.Generate()
}

// Generate returns a new 13-character TSID. Ids created within the same
// millisecond stay unique through a counter folded into the random bits.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epochMillis

	var buf [4]byte
	_, _ = rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & ((1 << randomBits) - 1)

	if now == g.lastTime {
		g.counter++
		random = (random &^ 0xFFFF) | (g.counter & 0xFFFF)
	} else {
		g.lastTime = now
		g.counter = 0
	}

	value := (uint64(now) << randomBits) | uint64(random)
	return encode(value)
}

// Timestamp extracts the creation time embedded in a TSID.
func Timestamp(id string) (time.Time, error) {
	value, err := decode(id)
	if err != nil {
		return time.Time{}, err
	}
	millis := int64(value>>randomBits) + epochMillis
	return time.UnixMilli(millis), nil
}

func encode(value uint64) string {
	out := make([]byte, encodedLen)
	for i := encodedLen - 1; i >= 0; i-- {
		out[i] = alphabet[value&0x1F]
		value >>= 5
	}
	return string(out)
}

func decode(s string) (uint64, error) {
	if len(s) != encodedLen {
		return 0, ErrInvalid
	}
	var value uint64
	for i := 0; i < len(s); i++ {
		idx := charIndex(s[i])
		if idx < 0 {
			return 0, ErrInvalid
		}
		value = value<<5 | uint64(idx)
	}
	return value, nil
}

// charIndex maps a Crockford Base32 character to its value. The visually
// ambiguous letters decode per the Crockford rules: I and L read as 1,
// O reads as 0.
func charIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'H':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'h':
		return int(c - 'a' + 10)
	case c == 'I' || c == 'i' || c == 'L' || c == 'l':
		return 1
	case c == 'J' || c == 'K':
		return int(c - 'J' + 18)
	case c == 'j' || c == 'k':
		return int(c - 'j' + 18)
	case c == 'M' || c == 'N':
		return int(c - 'M' + 20)
	case c == 'm' || c == 'n':
		return int(c - 'm' + 20)
	case c == 'O' || c == 'o':
		return 0
	case c >= 'P' && c <= 'T':
		return int(c - 'P' + 22)
	case c >= 'p' && c <= 't':
		return int(c - 'p' + 22)
	case c >= 'V' && c <= 'Z':
		return int(c - 'V' + 27)
	case c >= 'v' && c <= 'z':
		return int(c - 'v' + 27)
	default:
		return -1
	}
}
