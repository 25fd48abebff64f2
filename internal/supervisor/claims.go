package supervisor

import (
	"sort"
	"sync"
)

// Claims records which SDR is working a frequency so two SDRs never detect
// or decode the same signal at once.
type Claims struct {
	mu sync.Mutex
	m  map[int64]string
}

func NewClaims() *Claims {
	return &Claims{m: make(map[int64]string)}
}

// Claim reports whether owner now holds freq. Re-claiming by the same owner
// succeeds.
func (c *Claims) Claim(freq int64, owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[freq]; ok && cur != owner {
		return false
	}
	c.m[freq] = owner
	return true
}

func (c *Claims) Release(freq int64, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m[freq] == owner {
		delete(c.m, freq)
	}
}

func (c *Claims) owner(freq int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.m[freq]
	return o, ok
}

type Claim struct {
	Freq int64  `json:"freq_hz"`
	SDR  string `json:"sdr"`
}

func (c *Claims) Snapshot() []Claim {
	c.mu.Lock()
	out := make([]Claim, 0, len(c.m))
	for f, o := range c.m {
		out = append(out, Claim{Freq: f, SDR: o})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Freq < out[j].Freq })
	return out
}
