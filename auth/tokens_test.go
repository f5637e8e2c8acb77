package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/config"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *clock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(max int, live time.Duration) (*TokenStore, *clock) {
	c := &clock{t: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewTokenStore(config.TokenConfig{MaxTokens: max, LiveTime: live})
	s.now = c.now

	return s, c
}

func TestIssueValidate(t *testing.T) {
	s, c := newStore(10, time.Minute)

	tok := s.Issue()
	require.NotEmpty(t, tok)
	assert.True(t, s.Validate(tok))
	assert.True(t, s.Validate(tok), "tokens are not consumed")
	assert.False(t, s.Validate("unknown"))

	c.add(59 * time.Second)
	assert.True(t, s.Validate(tok))

	c.add(time.Second)
	assert.False(t, s.Validate(tok))
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Len())
}

func TestIssueAtCapacity(t *testing.T) {
	s, c := newStore(3, time.Minute)

	var issued []string

	for i := 0; i < 3; i++ {
		issued = append(issued, s.Issue())
		c.add(time.Second)
	}

	tok := s.Issue()
	assert.Equal(t, 3, s.Len(), "nothing added when full")
	assert.Equal(t, issued[2], tok, "newest token returned")

	// once the first tokens expire, Issue sweeps them and creates a new one
	c.add(58 * time.Second)

	tok = s.Issue()
	assert.NotContains(t, issued, tok)
	assert.Equal(t, 2, s.Len())
}

func TestDefaults(t *testing.T) {
	s := NewTokenStore(config.TokenConfig{})
	assert.Equal(t, DefaultMaxTokens, s.max)
	assert.Equal(t, DefaultLiveTime, s.live)

	s.SetLimits(config.TokenConfig{MaxTokens: 5, LiveTime: time.Second})
	assert.Equal(t, 5, s.max)
}

func TestConcurrentIssue(t *testing.T) {
	s, _ := newStore(100, time.Minute)

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				assert.True(t, s.Validate(s.Issue()))
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 100, s.Len())
}
