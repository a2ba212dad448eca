package transform

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so transformations stay pure functions of
// (source, clock, id-gen).
type Clock func() time.Time

// IDGenerator produces the generated values the mapping rules and
// expression functions need.
type IDGenerator interface {
	UUID() string
	Sequence(scope string) int64
}

// SequenceGenerator is a per-process monotonic counter keyed by scope.
// Durability across restarts is intentionally out of scope; swap in a
// DB-backed implementation behind the same interface when needed.
type SequenceGenerator struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSequenceGenerator creates an id generator seeded at zero.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{counters: make(map[string]int64)}
}

func (g *SequenceGenerator) UUID() string {
	return uuid.New().String()
}

func (g *SequenceGenerator) Sequence(scope string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[scope]++
	return g.counters[scope]
}

// FormatSequential renders a sequential id with prefix/suffix and the
// numeric part zero-padded to length.
func FormatSequential(n int64, prefix, suffix string, length int) string {
	num := fmt.Sprintf("%d", n)
	if length > len(num) {
		num = strings.Repeat("0", length-len(num)) + num
	}
	return prefix + num + suffix
}
