// Package secret matches presented private room keys against stored hashes and
// seals the plaintext keys for later reveal.
package secret

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"parley.chat/internal/obs"
)

var (
	// ErrNotFound covers both malformed input and keys that match no room.
	ErrNotFound    = errors.New("secret: no matching room")
	ErrUnavailable = errors.New("secret: room store unavailable")
)

const (
	keyAlphabet         = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultStoreTimeout = 2 * time.Second
)

var keyFormat = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// Candidate is a private room and the bcrypt hash of its key.
type Candidate struct {
	RoomID  string
	KeyHash string
}

// RoomStore lists every private room that has a key.
type RoomStore interface {
	PrivateRoomKeys(ctx context.Context) ([]Candidate, error)
}

// Scanner resolves a presented key to a room by comparing it with every stored
// hash in turn. bcrypt hashes are salted, so there is no index to look up.
type Scanner struct {
	rooms   RoomStore
	timeout time.Duration
}

type Option func(*Scanner)

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewScanner(rooms RoomStore, opts ...Option) *Scanner {
	s := &Scanner{rooms: rooms, timeout: defaultStoreTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Normalize upper-cases and trims a presented key.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// WellFormed reports whether key has the XXXX-XXXX-XXXX shape after normalisation.
func WellFormed(key string) bool {
	return keyFormat.MatchString(Normalize(key))
}

// FindRoomBySecret returns the id of the first private room whose key matches.
func (s *Scanner) FindRoomBySecret(ctx context.Context, presented string) (string, error) {
	key := Normalize(presented)
	if !keyFormat.MatchString(key) {
		obs.ObserveGate("room_secret", "denied")
		return "", ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	candidates, err := s.rooms.PrivateRoomKeys(ctx)
	if err != nil {
		obs.ObserveGate("room_secret", "unavailable")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, c := range candidates {
		if c.KeyHash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(key)) == nil {
			obs.ObserveGate("room_secret", "allowed")
			return c.RoomID, nil
		}
	}
	obs.ObserveGate("room_secret", "denied")
	return "", ErrNotFound
}

// Generate returns a fresh key and its bcrypt hash at cost.
func Generate(cost int) (key, hash string, err error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	max := big.NewInt(int64(len(keyAlphabet)))
	var b strings.Builder
	for i := 0; i < 12; i++ {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", "", fmt.Errorf("generate room key: %w", err)
		}
		b.WriteByte(keyAlphabet[idx.Int64()])
	}
	key = b.String()
	sum, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash room key: %w", err)
	}
	return key, string(sum), nil
}
