// Package metrics records operational counters for the ledger.
package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names.
const (
	PaymentsProcessed = "PaymentsProcessed"
	PaymentsFailed    = "PaymentsFailed"
	MethodFallbacks   = "MethodFallbacks"
	RefundsProcessed  = "RefundsProcessed"
	RefundsRejected   = "RefundsRejected"
	StatusConflicts   = "StatusConflicts"
	VerificationDrift = "VerificationDrift"
	OrdersCreated     = "OrdersCreated"
	GatewayLatency    = "GatewayLatency"
)

// Dims are metric dimensions such as method or status.
type Dims map[string]string

// Recorder is best effort: implementations never fail the caller.
type Recorder interface {
	Count(ctx context.Context, name string, dims Dims)
	Duration(ctx context.Context, name string, d time.Duration, dims Dims)
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) Count(context.Context, string, Dims)                   {}
func (Nop) Duration(context.Context, string, time.Duration, Dims) {}

// Memory counts metrics in process, keyed by name and sorted dimensions.
type Memory struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemory() *Memory {
	return &Memory{counts: map[string]int{}}
}

func (m *Memory) Count(_ context.Context, name string, dims Dims) {
	m.mu.Lock()
	m.counts[key(name, dims)]++
	m.mu.Unlock()
}

func (m *Memory) Duration(ctx context.Context, name string, _ time.Duration, dims Dims) {
	m.Count(ctx, name, dims)
}

// Get returns the count recorded for name with exactly dims.
func (m *Memory) Get(name string, dims Dims) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key(name, dims)]
}

// Total sums name across all dimension sets.
func (m *Memory) Total(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.counts {
		if k == name || strings.HasPrefix(k, name+"|") {
			n += v
		}
	}
	return n
}

func key(name string, dims Dims) string {
	if len(dims) == 0 {
		return name
	}
	parts := make([]string, 0, len(dims))
	for k, v := range dims {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "|" + strings.Join(parts, ",")
}
