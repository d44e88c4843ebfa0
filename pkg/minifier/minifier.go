package minifier

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Minifier assigns each key a short token drawn from a 64 character
// alphabet and remembers the reverse mapping. The table is bounded: when it
// is full the least recently used key is forgotten, and its token no longer
// resolves. Tokens are never reissued.
type Minifier struct {
	mu      sync.Mutex
	forward *lru.Cache[string, string] // key -> token
	reverse sync.Map                   // token -> key
	last    uint64
}

// DefaultSize is used when New is called with a non-positive size.
const DefaultSize = 100_000

func New(size int) *Minifier {
	if size <= 0 {
		size = DefaultSize
	}
	m := &Minifier{}
	// NewWithEvict only fails for a non-positive size.
	m.forward, _ = lru.NewWithEvict(size, func(_ string, token string) {
		m.reverse.Delete(token)
	})
	return m
}

// Minify returns the token for key, assigning one on first use.
func (m *Minifier) Minify(key string) string {
	if token, ok := m.forward.Get(key); ok {
		return token
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.forward.Get(key); ok {
		return token
	}
	token := Encode(m.last)
	m.last++
	m.reverse.Store(token, key)
	m.forward.Add(key, token)
	return token
}

// Unminify resolves a token produced by Minify.
func (m *Minifier) Unminify(token string) (string, bool) {
	v, ok := m.reverse.Load(token)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// RemoveUnminified forgets key and its token.
func (m *Minifier) RemoveUnminified(key string) {
	m.forward.Remove(key)
}

// Len returns the number of keys in the table.
func (m *Minifier) Len() int {
	return m.forward.Len()
}

// Encode renders n using A-Z a-z 0-9 _ : six bits per character,
// most significant first, without padding.
func Encode(n uint64) string {
	var buf [11]byte
	i := len(buf)
	for {
		i--
		buf[i] = sixBit(n & 0x3f)
		n >>= 6
		if n == 0 {
			break
		}
	}
	return string(buf[i:])
}

func sixBit(n uint64) byte {
	switch {
	case n < 26:
		return byte('A' + n)
	case n < 52:
		return byte('a' + n - 26)
	case n < 62:
		return byte('0' + n - 52)
	case n == 62:
		return '_'
	default:
		return ':'
	}
}
