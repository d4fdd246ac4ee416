package gateway

import (
	"errors"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// ErrNoFallback is returned when a registry is built without a manual check adapter.
var ErrNoFallback = errors.New("gateway: manual check adapter is required")

// Registry maps each method to its adapter. It is built once at startup and
// read-only afterwards.
type Registry struct {
	adapters map[ledger.Method]Adapter
}

// NewRegistry copies adapters into a Registry. Methods without an adapter
// resolve to the manual check adapter, which must be present.
func NewRegistry(adapters map[ledger.Method]Adapter) (*Registry, error) {
	if adapters[ledger.MethodManualCheck] == nil {
		return nil, ErrNoFallback
	}
	m := make(map[ledger.Method]Adapter, len(adapters))
	for k, v := range adapters {
		if v != nil {
			m[k] = v
		}
	}
	return &Registry{adapters: m}, nil
}

// Resolve returns the adapter for m, or the manual check adapter.
func (r *Registry) Resolve(m ledger.Method) Adapter {
	if a, ok := r.adapters[m]; ok {
		return a
	}
	return r.adapters[ledger.MethodManualCheck]
}

// Configured reports whether m has its own adapter that is able to take
// payments. Methods falling back to manual check or declining as
// Unconfigured report false.
func (r *Registry) Configured(m ledger.Method) bool {
	a, ok := r.adapters[m]
	if !ok {
		return false
	}
	_, stub := a.(Unconfigured)
	return !stub
}

// Unavailable lists the methods, in display order, that Configured rejects.
func (r *Registry) Unavailable() []ledger.Method {
	var out []ledger.Method
	for _, m := range ledger.Methods {
		if !r.Configured(m) {
			out = append(out, m)
		}
	}
	return out
}
