// Package auth lets off-chain actors prove they control an address. The service hands out short lived challenge
// tokens that callers sign with their wallet; the Verifier checks the signed message carries a live token and
// was signed by the claimed address.
package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/metrics"
)

// Defaults of the token store.
const (
	DefaultMaxTokens = 1000
	DefaultLiveTime  = 600 * time.Second
)

// TokenStore holds the challenge tokens issued, in memory.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time // issue time by token
	max    int
	live   time.Duration
	now    func() time.Time
}

// NewTokenStore returns an empty store bounded by conf.
func NewTokenStore(conf config.TokenConfig) *TokenStore {
	s := &TokenStore{tokens: make(map[string]time.Time), now: time.Now}
	s.SetLimits(conf)

	return s
}

// SetLimits changes the capacity and live time of the tokens. Zero values select the defaults.
func (s *TokenStore) SetLimits(conf config.TokenConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.max, s.live = conf.MaxTokens, conf.LiveTime
	if s.max <= 0 {
		s.max = DefaultMaxTokens
	}

	if s.live <= 0 {
		s.live = DefaultLiveTime
	}
}

// Issue returns a new token. When the store is full, the most recently issued token is returned instead.
func (s *TokenStore) Issue() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep()

	if len(s.tokens) >= s.max {
		var (
			newest string
			at     time.Time
		)

		for t, issued := range s.tokens {
			if newest == "" || issued.After(at) {
				newest, at = t, issued
			}
		}

		return newest
	}

	t := uuid.NewString()
	s.tokens[t] = s.now()

	metrics.TokensIssued.Inc()
	metrics.TokensLive.Set(float64(len(s.tokens)))

	return t
}

// Validate returns true if token was issued and has not expired. Tokens can be validated many times.
func (s *TokenStore) Validate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	issued, ok := s.tokens[token]

	return ok && s.now().Sub(issued) < s.live
}

// Sweep removes the expired tokens and returns how many were removed.
func (s *TokenStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweep()
}

func (s *TokenStore) sweep() int {
	n := 0
	now := s.now()

	for t, issued := range s.tokens {
		if now.Sub(issued) >= s.live {
			delete(s.tokens, t)
			n++
		}
	}

	if n > 0 {
		metrics.TokensLive.Set(float64(len(s.tokens)))
	}

	return n
}

// Len returns the number of tokens held.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tokens)
}
