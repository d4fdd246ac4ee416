// Package numbers allocates human-readable order and payment numbers of the
// form PREFIX-YYYYMMDD-XXXXXX.
package numbers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Prefixes used by the ledger.
const (
	OrderPrefix   = "ORD"
	PaymentPrefix = "PAY"
)

const (
	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	suffixLen    = 6
	defaultTries = 10
	rejectAbove  = 256 - 256%len(alphabet)
)

// ErrExhausted is returned when every attempt produced a number that already exists.
var ErrExhausted = errors.New("numbers: attempts exhausted")

// ExistsFunc reports whether a candidate number is already taken.
type ExistsFunc func(ctx context.Context, number string) (bool, error)

// Generator produces candidate numbers. The clock and random source are
// injectable; Generate is safe for concurrent use.
type Generator struct {
	mu          sync.Mutex
	rand        io.Reader
	nowFunc     func() time.Time
	maxAttempts int
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(g *Generator) { g.nowFunc = now } }

// WithRand sets the random source.
func WithRand(r io.Reader) Option { return func(g *Generator) { g.rand = r } }

// WithMaxAttempts bounds the exists-check retry loop.
func WithMaxAttempts(n int) Option { return func(g *Generator) { g.maxAttempts = n } }

// New returns a Generator backed by crypto/rand and the wall clock.
func New(opts ...Option) *Generator {
	g := &Generator{
		rand:        rand.Reader,
		nowFunc:     time.Now,
		maxAttempts: defaultTries,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Next returns one candidate without checking for collisions.
func (g *Generator) Next(prefix string) (string, error) {
	suffix, err := g.suffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", prefix, g.nowFunc().UTC().Format("20060102"), suffix), nil
}

// Generate returns a candidate that exists reports as free. A free candidate
// can still lose a race; the storage unique constraint is what guarantees
// uniqueness and callers regenerate on a duplicate.
func (g *Generator) Generate(ctx context.Context, prefix string, exists ExistsFunc) (string, error) {
	for i := 0; i < g.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := g.Next(prefix)
		if err != nil {
			return "", err
		}
		if exists == nil {
			return n, nil
		}
		taken, err := exists(ctx, n)
		if err != nil {
			return "", fmt.Errorf("check number %s: %w", n, err)
		}
		if !taken {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w for prefix %s", ErrExhausted, prefix)
}

// suffix draws uniformly from A-Z using rejection sampling.
func (g *Generator) suffix() (string, error) {
	out := make([]byte, 0, suffixLen)
	buf := make([]byte, suffixLen*2)
	for len(out) < suffixLen {
		g.mu.Lock()
		_, err := io.ReadFull(g.rand, buf)
		g.mu.Unlock()
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == suffixLen {
				break
			}
		}
	}
	return string(out), nil
}
