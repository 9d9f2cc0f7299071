// Package instruments resolves (segment, security id) pairs against the
// day's tradable universe. The registry is seeded at startup from config
// and entry picks; the full broker scrip master stays out of process.
package instruments

import (
	"strings"
	"sync"

	"github.com/niftyninja9/autosentry/internal/domain"
)

type Registry struct {
	mu       sync.RWMutex
	byKey    map[domain.InstrumentKey]domain.Instrument
	bySymbol map[string]domain.InstrumentKey
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:    make(map[domain.InstrumentKey]domain.Instrument),
		bySymbol: make(map[string]domain.InstrumentKey),
	}
}

// Upsert adds or replaces instruments. Entries without a security id are
// skipped; symbols are matched case-insensitively.
func (r *Registry) Upsert(list ...domain.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ins := range list {
		if ins.SecurityID == "" || ins.Segment == "" {
			continue
		}
		key := ins.Key()
		if prev, ok := r.byKey[key]; ok && prev.Symbol != ins.Symbol {
			delete(r.bySymbol, normalizeSymbol(prev.Symbol))
		}
		r.byKey[key] = ins
		if ins.Symbol != "" {
			r.bySymbol[normalizeSymbol(ins.Symbol)] = key
		}
	}
}

// Resolve looks an instrument up by its key.
func (r *Registry) Resolve(segment domain.Segment, securityID string) (domain.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ins, ok := r.byKey[domain.InstrumentKey{Segment: segment, SecurityID: securityID}]
	return ins, ok
}

// BySymbol looks an instrument up by trading symbol.
func (r *Registry) BySymbol(symbol string) (domain.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.bySymbol[normalizeSymbol(symbol)]
	if !ok {
		return domain.Instrument{}, false
	}
	return r.byKey[key], true
}

// LotSize returns the lot size for a key, falling back to the given
// default when the instrument is unknown or carries no lot size.
func (r *Registry) LotSize(segment domain.Segment, securityID string, fallback int) int {
	if ins, ok := r.Resolve(segment, securityID); ok && ins.LotSize > 0 {
		return ins.LotSize
	}
	return fallback
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
